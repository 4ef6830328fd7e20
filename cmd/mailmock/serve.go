// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"src.bluestatic.org/mailmock"
)

type serveFlags struct {
	config     string
	logLevel   string
	selfSigned bool
	smtpAddr   string
	pop3Addr   string
	metrics    string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP and POP3 listeners until interrupted",
		Long: `serve starts the listeners described by the configuration file. SIGHUP
re-reads the file and replaces every account and message with the seeded ones.
SIGINT and SIGTERM stop the server after the grace period.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), f)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.config, "config", "c", "mailmock.toml", "Path to the TOML configuration file")
	flags.StringVar(&f.logLevel, "log-level", "", "Override the configured log level")
	flags.BoolVar(&f.selfSigned, "self-signed", false, "Generate a certificate for localhost instead of loading one")
	flags.StringVar(&f.smtpAddr, "smtp", "", "Override the SMTP listen address")
	flags.StringVar(&f.pop3Addr, "pop3", "", "Override the POP3 listen address")
	flags.StringVar(&f.metrics, "metrics", "", "Serve Prometheus metrics on this address")
	return cmd
}

func (f serveFlags) load() (mailmock.Config, error) {
	cfg, err := mailmock.LoadConfig(f.config)
	if err != nil {
		return cfg, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.selfSigned {
		cfg.TLS.SelfSigned = true
	}
	if f.smtpAddr != "" {
		cfg.SMTP.Address = f.smtpAddr
	}
	if f.pop3Addr != "" {
		cfg.POP3.Address = f.pop3Addr
	}
	if f.metrics != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = f.metrics
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.Development = false
	logConfig.DisableStacktrace = true
	if err := logConfig.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return logConfig.Build()
}

func runServe(ctx context.Context, f serveFlags) error {
	cfg, err := f.load()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	opts.Logger = log

	reg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector())
		opts.Registerer = reg
	}

	s, err := mailmock.New(opts)
	if err != nil {
		return err
	}
	if err := cfg.Seed(s); err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	var fields []zap.Field
	if addr := s.SMTPAddr(); addr != nil {
		fields = append(fields, zap.Stringer("smtp", addr))
	}
	if addr := s.POP3Addr(); addr != nil {
		fields = append(fields, zap.Stringer("pop3", addr))
	}
	log.Info("mailmock started", fields...)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = serveMetrics(cfg.Metrics, reg, log)
	}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(reload)
	defer signal.Stop(stop)

loop:
	for {
		select {
		case <-reload:
			reseed(f, s, log)
		case sig := <-stop:
			log.Info("stopping", zap.Stringer("signal", sig))
			break loop
		case <-ctx.Done():
			log.Info("stopping", zap.Error(ctx.Err()))
			break loop
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)
	}
	return s.Stop(context.Background())
}

// reseed replaces the accounts and messages with those in the configuration
// file. Listener settings are not reloaded.
func reseed(f serveFlags, s *mailmock.Server, log *zap.Logger) {
	cfg, err := f.load()
	if err != nil {
		log.Error("reload failed", zap.Error(err))
		return
	}
	s.Reset()
	if err := cfg.Seed(s); err != nil {
		log.Error("reseed failed", zap.Error(err))
		return
	}
	log.Info("reseeded",
		zap.Int("accounts", len(cfg.Accounts)),
		zap.Int("messages", len(cfg.Messages)))
}

func serveMetrics(cfg mailmock.MetricsConfig, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("serving metrics", zap.String("address", cfg.Address), zap.String("path", cfg.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()
	return srv
}
