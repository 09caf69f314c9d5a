// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noi-techpark/go-jsonbatch"
)

var (
	authFile    string
	rateLimit   float64
	timeout     time.Duration
	maxLoopTime int
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "jsonbatch",
	Short: "Run JSON batch templates against HTTP APIs",
	Long: `jsonbatch executes batch templates: sequences of HTTP requests built
from the original request and the responses seen so far.

  jsonbatch run -t template.yaml -i original.json
  jsonbatch validate -t template.yaml
  jsonbatch serve --templates ./templates --watch`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&authFile, "auth", "", "authenticator config file (yaml or json)")
	rootCmd.PersistentFlags().Float64Var(&rateLimit, "rate-limit", 0, "max dispatched requests per second, 0 for no limit")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "timeout of every dispatched request")
	rootCmd.PersistentFlags().IntVar(&maxLoopTime, "max-loop-time", jsonbatch.DefaultMaxLoopTime, "default max iterations of a loop")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output")
}

// newLogger writes JSON lines to stderr so stdout carries only results.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
}

// newDispatcher builds the HTTP dispatcher from the persistent flags.
func newDispatcher(logger jsonbatch.Logger) (*jsonbatch.HTTPDispatcher, error) {
	client := &http.Client{}
	d := jsonbatch.NewHTTPDispatcher(client)
	d.SetLogger(logger)
	d.SetTimeout(timeout)
	d.SetRateLimit(rateLimit, 1)

	if authFile != "" {
		config, err := jsonbatch.LoadAuthenticatorConfig(authFile)
		if err != nil {
			return nil, err
		}
		if errs := jsonbatch.ValidateAuth(config, "auth"); len(errs) > 0 {
			return nil, fmt.Errorf("invalid auth config: %v", errs)
		}
		auth, err := jsonbatch.NewAuthenticator(config, client)
		if err != nil {
			return nil, err
		}
		d.SetAuthenticator(auth)
	}
	return d, nil
}

func newEngine(logger jsonbatch.Logger, dispatcher jsonbatch.Dispatcher) *jsonbatch.Engine {
	engine := jsonbatch.NewEngine(jsonbatch.NewDefaultBuilder(logger), dispatcher)
	engine.SetLogger(logger)
	engine.SetMaxLoopTime(maxLoopTime)
	return engine
}
