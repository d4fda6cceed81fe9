package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"registrar/internal/platform/httpserver"
	"registrar/internal/platform/logger"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log := logger.New(cfg.Server.Env, cfg.Server.LogLevel)

			if migrate && cfg.Postgres.DSN != "" {
				if err := runMigrations(cfg.Postgres.DSN); err != nil {
					return err
				}
				log.Info("migrations applied")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			a, err := buildApp(startCtx, cfg, log, reg)
			cancel()
			if err != nil {
				log.Error("startup failed", "error", err)
				return err
			}
			defer a.close()

			log.Info("starting registrar", "version", version, "env", cfg.Server.Env, "backends", describeBackends(cfg))
			return httpserver.Run(ctx, httpserver.New(cfg.Server.Addr, a.router), log, 15*time.Second)
		},
	}
	cmd.Flags().String("addr", "", "listen address, overrides server.addr")
	_ = opts.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before serving")
	return cmd
}
