package main

import (
	"fmt"
	"io"

	"github.com/cognusion/go-remotefile"
	"github.com/spf13/cobra"
)

func newCatCmd() *cobra.Command {
	var offset, length int64

	c := &cobra.Command{
		Use:   "cat <url>",
		Short: "Stream a remote file to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := args[0]
			timingsOut, debugOut := libLoggers()

			r, err := remotefile.Open(cmd.Context(), url, remotefile.WithLoggers(timingsOut, debugOut))
			if err != nil {
				return fmt.Errorf("open %s: %w", url, err)
			}
			defer r.Close()

			if offset != 0 {
				if _, err := r.Seek(offset, io.SeekStart); err != nil {
					return fmt.Errorf("seek to %d: %w", offset, err)
				}
			}

			var src io.Reader = r
			if length > 0 {
				src = io.LimitReader(r, length)
			}

			if _, err := io.Copy(cmd.OutOrStdout(), src); err != nil {
				return fmt.Errorf("copy %s: %w", url, err)
			}
			return nil
		},
	}
	c.Flags().Int64Var(&offset, "offset", 0, "seek to this byte offset before reading")
	c.Flags().Int64Var(&length, "length", 0, "read at most this many bytes (0 means read to EOF)")
	return c
}
