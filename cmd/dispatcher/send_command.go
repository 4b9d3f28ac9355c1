package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dispatcher/internal/endpoint"
	"dispatcher/internal/logging"
)

// exitNoReply is the status when the dispatcher does not answer in time.
const exitNoReply = 2

func newSendCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send <words...>",
		Short: "Send one request and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := ctx.endpointOptions(logging.NewNop())
			if err != nil {
				return err
			}
			if timeout > 0 {
				opts.Timeout = timeout
			}

			request := strings.Join(args, " ")
			var reply string
			var answered bool
			err = endpoint.With(opts, func(ep *endpoint.Endpoint) error {
				var reqErr error
				reply, answered, reqErr = ep.RequestText(request)
				return reqErr
			})
			if err != nil {
				return wrapRequestError(err, opts.ServerPath)
			}
			if !answered {
				return &exitCodeError{code: exitNoReply, message: fmt.Sprintf("no reply within %s", opts.Timeout)}
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait for the reply (default client.timeout_ms)")
	return cmd
}
