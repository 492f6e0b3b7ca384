package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"veilrpc"
)

func newStreamCommand(ctx *commandContext) *cobra.Command {
	var isolationFlag string
	var registerFlag bool

	cmd := &cobra.Command{
		Use:   "stream HOST PORT",
		Short: "Open an anonymized stream and bridge it to stdin/stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := args[0]
			port, err := strconv.Atoi(args[1])
			if err != nil || port < 1 || port > 0xffff {
				return fmt.Errorf("invalid port %q", args[1])
			}

			return ctx.withConn(func(conn *veilrpc.Conn) error {
				stream, err := conn.OpenStream(host, port, &veilrpc.StreamOptions{
					Isolation:    isolationFlag,
					WantObjectID: registerFlag,
				})
				if err != nil {
					return err
				}
				defer stream.Close()

				if registerFlag {
					fmt.Fprintln(cmd.ErrOrStderr(), "stream object:", stream.ObjectID())
				}

				done := make(chan error, 1)
				go func() {
					_, copyErr := io.Copy(stream, cmd.InOrStdin())
					done <- copyErr
				}()
				if _, err := io.Copy(cmd.OutOrStdout(), stream); err != nil {
					return err
				}
				return <-done
			})
		},
	}

	cmd.Flags().StringVar(&isolationFlag, "isolation", "", "Isolation tag; streams with different tags never share a circuit")
	cmd.Flags().BoolVar(&registerFlag, "register", false, "Register the stream as an RPC object and print its id")
	return cmd
}
