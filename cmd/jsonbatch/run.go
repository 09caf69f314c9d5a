// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/noi-techpark/go-jsonbatch"
	"github.com/noi-techpark/go-jsonbatch/document"
)

var (
	runTemplate string
	runInput    string
	runProfiler bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a batch template once",
	Long: `Execute a batch template and print the final response as JSON.

The original request is read from --input ({http_method, url, headers, body});
without it the original request is empty. With --profiler every profiler
event is printed as one JSON line before the result.

Examples:
  jsonbatch run -t template.yaml
  jsonbatch run -t template.yaml -i original.json --profiler`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runTemplate, "template", "t", "", "batch template file (yaml or json)")
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "original request file (yaml or json)")
	runCmd.Flags().BoolVar(&runProfiler, "profiler", false, "print profiler events as JSON lines")
	_ = runCmd.MarkFlagRequired("template")
}

type result struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers"`
	Body    json.RawMessage     `json:"body"`
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := jsonbatch.NewZerologLogger(newLogger())

	tmpl, err := jsonbatch.LoadTemplate(runTemplate)
	if err != nil {
		return fmt.Errorf("failed to load template: %w", err)
	}
	dispatcher, err := newDispatcher(logger)
	if err != nil {
		return err
	}
	engine := newEngine(logger, dispatcher)
	if err := printValidation(jsonbatch.ValidateTemplate(tmpl, engine.Builder().Registry())); err != nil {
		return err
	}

	original := jsonbatch.Request{Headers: map[string][]string{}}
	if runInput != "" {
		if original, err = jsonbatch.LoadRequest(runInput); err != nil {
			return fmt.Errorf("failed to load input: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	var wg sync.WaitGroup
	if runProfiler {
		events := engine.EnableProfiler()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range events {
				data, err := json.Marshal(event)
				if err != nil {
					logger.Error("Failed to marshal profiler event: %v", err)
					continue
				}
				fmt.Fprintln(out, string(data))
			}
		}()
	}

	resp, err := engine.Execute(cmd.Context(), original, tmpl)

	if runProfiler {
		engine.CloseProfiler()
		wg.Wait()
	}
	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}

	body, err := document.Encode(resp.Body)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(result{Status: resp.Status, Headers: resp.Headers, Body: body}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(data))
	return nil
}

func printValidation(errs []jsonbatch.ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	fmt.Fprintln(os.Stderr, "Template validation failed:")
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "  - %s: %s\n", e.Location, e.Message)
	}
	return fmt.Errorf("template has %d validation errors", len(errs))
}
