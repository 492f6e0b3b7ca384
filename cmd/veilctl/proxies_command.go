package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"veilrpc"
)

func newProxiesCommand(ctx *commandContext) *cobra.Command {
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "List the SOCKS proxy listeners the daemon advertises",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withConn(func(conn *veilrpc.Conn) error {
				raw, err := conn.Session().Invoke("veil:proxy_info", nil)
				if err != nil {
					return err
				}
				if jsonFlag {
					return writeRawJSON(cmd, raw)
				}

				var info struct {
					Proxies []struct {
						Listen string `json:"listen"`
					} `json:"proxies"`
				}
				if err := json.Unmarshal(raw, &info); err != nil {
					return fmt.Errorf("parsing proxy info: %w", err)
				}
				if len(info.Proxies) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No proxy listeners advertised")
					return nil
				}
				rows := make([][]string, 0, len(info.Proxies))
				for i, p := range info.Proxies {
					rows = append(rows, []string{fmt.Sprintf("%d", i+1), p.Listen})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"#", "Listen"}, rows))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Emit JSON output")
	return cmd
}
