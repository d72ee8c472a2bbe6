package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soaringjerry/covfee/internal/utils"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			b := utils.ReadBuildInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "covfee-server commit=%s built=%s\n", b.Commit, b.BuildTime)
		},
	}
}
