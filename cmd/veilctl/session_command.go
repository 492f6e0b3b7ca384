package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"veilrpc"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show the session object id negotiated during authentication",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withConn(func(conn *veilrpc.Conn) error {
				if jsonFlag {
					return writeJSON(cmd, map[string]string{"session": conn.SessionID()})
				}
				fmt.Fprintln(cmd.OutOrStdout(), conn.SessionID())
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Emit JSON output")
	return cmd
}
