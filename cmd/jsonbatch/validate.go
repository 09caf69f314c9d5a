// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noi-techpark/go-jsonbatch"
)

var validateTemplate string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a batch template without running it",
	Long: `Validate a batch template.

Checks:
  - the file parses as yaml or json
  - every string schema tokenizes and calls only known functions
  - requests have http_method and url, loops have counter_init,
    counter_update and at least one request
  - the --auth config, when given, is complete`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateTemplate, "template", "t", "", "batch template file (yaml or json)")
	_ = validateCmd.MarkFlagRequired("template")
}

func runValidate(cmd *cobra.Command, args []string) error {
	tmpl, err := jsonbatch.LoadTemplate(validateTemplate)
	if err != nil {
		return fmt.Errorf("failed to load template: %w", err)
	}
	errs := jsonbatch.ValidateTemplate(tmpl, jsonbatch.NewDefaultBuilder(nil).Registry())
	if authFile != "" {
		config, err := jsonbatch.LoadAuthenticatorConfig(authFile)
		if err != nil {
			return err
		}
		errs = append(errs, jsonbatch.ValidateAuth(config, "auth")...)
	}
	if err := printValidation(errs); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Template is valid")
	return nil
}
