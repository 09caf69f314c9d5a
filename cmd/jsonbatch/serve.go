// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/noi-techpark/go-jsonbatch"
	"github.com/noi-techpark/go-jsonbatch/server"
)

var (
	serveAddr      string
	serveTemplates string
	serveWatch     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve batch execution over HTTP",
	Long: `Start the batch server.

Routes:
  POST /batch             run the template sent as body (json, or yaml by Content-Type)
  POST /templates/{name}  run a template of --templates with the request as original
  GET  /templates         list the loaded templates
  GET  /healthz           liveness
  GET  /metrics           prometheus metrics

Examples:
  jsonbatch serve
  jsonbatch serve --addr :9090 --templates ./templates --watch`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	serveCmd.Flags().StringVar(&serveTemplates, "templates", "", "directory of named templates")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "reload templates when the directory changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	zl := newLogger()
	logger := jsonbatch.NewZerologLogger(zl)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewMetrics(reg)

	dispatcher, err := newDispatcher(logger)
	if err != nil {
		return err
	}
	engine := newEngine(logger, server.InstrumentDispatcher(dispatcher, metrics))

	cfg := server.Config{Engine: engine, Metrics: metrics, Logger: zl}
	if serveTemplates != "" {
		store, err := server.NewTemplateStore(serveTemplates, engine.Builder().Registry(), zl)
		if err != nil {
			return fmt.Errorf("failed to load templates: %w", err)
		}
		store.OnReload(func(err error) {
			if err != nil {
				metrics.TemplateReloads.WithLabelValues("error").Inc()
				return
			}
			metrics.TemplateReloads.WithLabelValues("success").Inc()
		})
		if serveWatch {
			if err := store.Watch(); err != nil {
				return err
			}
		}
		defer store.Stop()
		cfg.Store = store
	}

	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           server.NewRouter(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		zl.Info().Str("addr", serveAddr).Msg("jsonbatch server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	zl.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
