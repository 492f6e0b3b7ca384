package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var connectFlag string
	var verboseFlag bool

	ctx := newCommandContext(&connectFlag, &verboseFlag)

	rootCmd := &cobra.Command{
		Use:           "veilctl",
		Short:         "Client for the veil RPC daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&connectFlag, "connect", "", "Connect descriptor (unix:PATH or file:PATH; tcp endpoints require a connect file)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging on stderr")

	rootCmd.AddCommand(newSessionCommand(ctx))
	rootCmd.AddCommand(newInvokeCommand(ctx))
	rootCmd.AddCommand(newProxiesCommand(ctx))
	rootCmd.AddCommand(newStreamCommand(ctx))

	return rootCmd
}
