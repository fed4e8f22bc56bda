package main

import (
	"fmt"
	"runtime"

	"github.com/cognusion/go-remotefile/rangetripper"
	"github.com/spf13/cobra"
)

func newPullCmd() *cobra.Command {
	var chunks int

	c := &cobra.Command{
		Use:   "pull <url> <outfile>",
		Short: "Bulk-fetch a remote file in parallel chunks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, outfile := args[0], args[1]
			if chunks < 1 {
				chunks = runtime.NumCPU()
			}

			timingsOut, debugOut := libLoggers()
			rt, err := rangetripper.NewWithLoggers(chunks, timingsOut, debugOut)
			if err != nil {
				return fmt.Errorf("build rangetripper: %w", err)
			}

			progress := make(chan int64, 1)
			done := make(chan struct{})
			go func() {
				defer close(done)
				var total, seen int64
				for n := range progress {
					if total == 0 && seen == 0 {
						total = n
						continue
					}
					seen += n
					if total > 0 {
						cmd.Printf("\r%d/%d bytes", seen, total)
					}
				}
			}()

			resp, err := rt.DownloadToFile(cmd.Context(), url, outfile, progress)
			close(progress)
			<-done
			if err != nil {
				return fmt.Errorf("pull %s: %w", url, err)
			}
			defer resp.Body.Close()

			cmd.Printf("\nwrote %s\n", outfile)
			return nil
		},
	}
	c.Flags().IntVar(&chunks, "chunks", 0, "number of parallel chunks (0 means one per CPU)")
	return c
}
