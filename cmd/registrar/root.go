package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"registrar/internal/platform/config"
)

var version = "dev"

type rootOptions struct {
	configFile string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}
	cmd := &cobra.Command{
		Use:           "registrar",
		Short:         "Registration and payment reconciliation service",
		Version:       version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		"config file (default: ./registrar.yaml or /etc/registrar/registrar.yaml)")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	_ = opts.v.BindPFlag("server.log_level", cmd.PersistentFlags().Lookup("log-level"))

	cmd.AddCommand(newServeCmd(opts), newMigrateCmd(opts), newQuoteCmd(opts), newTokenCmd(opts))
	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.v, o.configFile)
}
