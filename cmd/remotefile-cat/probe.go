package main

import (
	"fmt"

	"github.com/cognusion/go-remotefile"
	"github.com/cognusion/go-remotefile/rangeclient"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

func newProbeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "probe <url>",
		Short: "Report length, range support, and prefetch metrics after one small read of a remote file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := args[0]
			timingsOut, debugOut := libLoggers()

			client, err := rangeclient.New(url, rangeclient.WithLoggers(timingsOut, debugOut))
			if err != nil {
				return fmt.Errorf("build client for %s: %w", url, err)
			}

			exists := client.Exists(cmd.Context())
			size, probeErr := client.Probe(cmd.Context())

			cmd.Printf("url:       %s\n", url)
			cmd.Printf("reachable: %t\n", exists)
			if probeErr != nil {
				cmd.Printf("ranges:    unsupported (%v)\n", probeErr)
			} else {
				cmd.Printf("ranges:    supported\n")
				cmd.Printf("length:    %d\n", size)
			}

			r, err := remotefile.Open(cmd.Context(), url, remotefile.WithLoggers(timingsOut, debugOut))
			if err != nil {
				return fmt.Errorf("open %s: %w", url, err)
			}
			defer r.Close()

			// Prime the prefetch worker so the gathered counters aren't all zero.
			buf := make([]byte, 4096)
			_, _ = r.Read(buf)

			enc := expfmt.NewEncoder(cmd.OutOrStdout(), expfmt.NewFormat(expfmt.TypeTextPlain))
			for _, mf := range r.Metrics().Gather(url) {
				if err := enc.Encode(mf); err != nil {
					return fmt.Errorf("encode metrics: %w", err)
				}
			}
			return nil
		},
	}
	return c
}
