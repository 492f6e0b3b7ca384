package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"veilrpc"
)

func newInvokeCommand(ctx *commandContext) *cobra.Command {
	var objFlag string
	var updatesFlag bool

	cmd := &cobra.Command{
		Use:   "invoke METHOD [PARAMS-JSON]",
		Short: "Invoke an RPC method and print its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := args[0]
			params := map[string]any{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("parsing params: %w", err)
				}
			}

			return ctx.withConn(func(conn *veilrpc.Conn) error {
				obj := conn.Session()
				if objFlag != "" {
					obj = conn.Object(objFlag)
				}
				if !updatesFlag {
					result, err := obj.Invoke(method, params)
					if err != nil {
						return err
					}
					return writeRawJSON(cmd, result)
				}

				handle, err := obj.InvokeWithHandle(method, params)
				if err != nil {
					return err
				}
				defer handle.Close()
				for {
					kind, frame, err := handle.Wait()
					if err != nil {
						return err
					}
					var body struct {
						Update json.RawMessage `json:"update"`
						Result json.RawMessage `json:"result"`
					}
					if err := json.Unmarshal(frame, &body); err != nil {
						return err
					}
					switch kind {
					case veilrpc.KindUpdate:
						if err := writeRawJSON(cmd, body.Update); err != nil {
							return err
						}
					case veilrpc.KindResult:
						return writeRawJSON(cmd, body.Result)
					case veilrpc.KindError:
						remoteErr, err := veilrpc.RemoteError(frame)
						if err != nil {
							return err
						}
						return remoteErr
					}
				}
			})
		},
	}

	cmd.Flags().StringVar(&objFlag, "obj", "", "Target object id (defaults to the session)")
	cmd.Flags().BoolVar(&updatesFlag, "updates", false, "Print incremental updates as they arrive")
	return cmd
}
