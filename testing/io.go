// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package jsonbatch_testing

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// LoadInputData decodes a JSON or YAML fixture, chosen by extension.
func LoadInputData[P any](in *P, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, in)
	}
	return json.Unmarshal(data, in)
}
