package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soaringjerry/covfee/internal/config"
)

type rootOptions struct {
	ConfigFile string
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(viper.New(), o.ConfigFile)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCommand(opts)

	cmd := &cobra.Command{
		Use:           "covfee-server",
		Short:         "covfee annotation server",
		Long:          "Serves HIT instances, task responses and the realtime session gateway.",
		SilenceUsage:  true,
		SilenceErrors: true,
		// serve is the default command
		RunE: serve.RunE,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (json, yaml or toml)")
	cmd.Flags().AddFlagSet(serve.Flags())

	cmd.AddCommand(serve)
	cmd.AddCommand(newImportCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
