package commands

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/piwi3910/nebularpc/internal/ipc"
)

const defaultPingAddress = "127.0.0.1:16020"

// NewPingCmd creates the ping command
func NewPingCmd() *cobra.Command {
	var (
		count   int
		payload string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping [address]",
		Short: "Send calls to a running server over the stream transport",
		Long: `Send calls to a running nebularpc server and print the round trip of
each. The default handler echoes, so every reply is checked against the
request.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := defaultPingAddress
			if len(args) == 1 {
				addr = args[0]
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := ipc.Dial(ctx, addr)
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Printf("PING %s: %d bytes\n", addr, len(payload))

			var total time.Duration
			for i := 0; i < count; i++ {
				start := time.Now()

				resp, err := client.Call(ctx, []byte(payload))
				if err != nil {
					return fmt.Errorf("call %d failed: %w", i+1, err)
				}

				rtt := time.Since(start)
				total += rtt

				match := "ok"
				if !bytes.Equal(resp, []byte(payload)) {
					match = "differs"
				}

				fmt.Printf("%d bytes from %s: seq=%d time=%s reply=%s\n", len(resp), addr, i+1, rtt, match)
			}

			fmt.Printf("%d calls, avg %s\n", count, total/time.Duration(count))

			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 4, "Number of calls")
	cmd.Flags().StringVarP(&payload, "payload", "p", "ping", "Request payload")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall timeout")

	return cmd
}
