// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package jsonbatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/noi-techpark/go-jsonbatch/builder"
)

type BatchTemplate struct {
	Requests        []*RequestTemplate  `yaml:"requests,omitempty" json:"requests,omitempty"`
	Responses       []*ResponseTemplate `yaml:"responses,omitempty" json:"responses,omitempty"`
	DispatchOptions DispatchOptions     `yaml:"dispatch_options,omitempty" json:"dispatch_options,omitempty"`
	LoopOptions     LoopOptions         `yaml:"loop_options,omitempty" json:"loop_options,omitempty"`
}

type RequestTemplate struct {
	Predicate    builder.Schema      `yaml:"predicate,omitempty" json:"predicate,omitempty"`
	HTTPMethod   builder.Schema      `yaml:"http_method,omitempty" json:"http_method,omitempty"`
	URL          builder.Schema      `yaml:"url,omitempty" json:"url,omitempty"`
	Headers      builder.Schema      `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body         builder.Schema      `yaml:"body,omitempty" json:"body,omitempty"`
	Requests     []*RequestTemplate  `yaml:"requests,omitempty" json:"requests,omitempty"`
	Responses    []*ResponseTemplate `yaml:"responses,omitempty" json:"responses,omitempty"`
	Transformers []*ResponseTemplate `yaml:"transformers,omitempty" json:"transformers,omitempty"`
	Loop         *LoopTemplate       `yaml:"loop,omitempty" json:"loop,omitempty"`
	Vars         []*VarTemplate      `yaml:"vars,omitempty" json:"vars,omitempty"`

	// Overrides the batch dispatch options for this request.
	DispatchOptions *DispatchOptions `yaml:"dispatch_options,omitempty" json:"dispatch_options,omitempty"`
}

type LoopTemplate struct {
	CounterInit      builder.Schema     `yaml:"counter_init,omitempty" json:"counter_init,omitempty"`
	CounterPredicate builder.Schema     `yaml:"counter_predicate,omitempty" json:"counter_predicate,omitempty"`
	CounterUpdate    builder.Schema     `yaml:"counter_update,omitempty" json:"counter_update,omitempty"`
	Requests         []*RequestTemplate `yaml:"requests,omitempty" json:"requests,omitempty"`
}

type ResponseTemplate struct {
	Predicate builder.Schema `yaml:"predicate,omitempty" json:"predicate,omitempty"`
	Status    builder.Schema `yaml:"status,omitempty" json:"status,omitempty"`
	Headers   builder.Schema `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body      builder.Schema `yaml:"body,omitempty" json:"body,omitempty"`
}

type VarTemplate struct {
	Predicate builder.Schema `yaml:"predicate,omitempty" json:"predicate,omitempty"`
	Vars      builder.Schema `yaml:"vars,omitempty" json:"vars,omitempty"`
}

type DispatchOptions struct {
	FailBackAsString   bool `yaml:"fail_back_as_string,omitempty" json:"fail_back_as_string,omitempty"`
	IgnoreParsingError bool `yaml:"ignore_parsing_error,omitempty" json:"ignore_parsing_error,omitempty"`
}

type LoopOptions struct {
	// 0 leaves the engine default in place.
	MaxLoopTime int `yaml:"max_loop_time,omitempty" json:"max_loop_time,omitempty"`
}

const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ParseTemplate decodes a template in the given format.
func ParseTemplate(data []byte, format string) (*BatchTemplate, error) {
	var tmpl BatchTemplate
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &tmpl); err != nil {
			return nil, fmt.Errorf("could not parse yaml template: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &tmpl); err != nil {
			return nil, fmt.Errorf("could not parse json template: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported template format: %s", format)
	}
	return &tmpl, nil
}

// FormatOf picks the template format from a file extension.
func FormatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

func LoadTemplate(path string) (*BatchTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTemplate(data, FormatOf(path))
}
