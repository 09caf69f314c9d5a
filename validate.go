// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package jsonbatch

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/noi-techpark/go-jsonbatch/builder"
	"github.com/noi-techpark/go-jsonbatch/function"
	"github.com/noi-techpark/go-jsonbatch/parser"
	"github.com/noi-techpark/go-jsonbatch/types"
)

type ValidationError struct {
	Message  string
	Location string // optional, e.g. "requests[0].url"
}

func (e ValidationError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("%s: %s", e.Location, e.Message)
	}
	return e.Message
}

// Validate returns every problem of tmpl as one multierror, or nil.
func Validate(tmpl *BatchTemplate, registry *function.Registry) error {
	var result *multierror.Error
	for _, e := range ValidateTemplate(tmpl, registry) {
		result = multierror.Append(result, e)
	}
	return result.ErrorOrNil()
}

func ValidateTemplate(tmpl *BatchTemplate, registry *function.Registry) []ValidationError {
	if tmpl == nil {
		return []ValidationError{{"template is required", ""}}
	}
	v := &validator{registry: registry}

	if tmpl.LoopOptions.MaxLoopTime < 0 {
		v.add("max_loop_time must be >= 0", "loop_options.max_loop_time")
	}
	for i, r := range tmpl.Requests {
		v.request(r, fmt.Sprintf("requests[%d]", i))
	}
	v.responses(tmpl.Responses, "responses")
	return v.errs
}

type validator struct {
	registry *function.Registry
	errs     []ValidationError
}

func (v *validator) add(msg, location string) {
	v.errs = append(v.errs, ValidationError{msg, location})
}

func (v *validator) request(r *RequestTemplate, location string) {
	if r == nil {
		v.add("request template must not be null", location)
		return
	}
	v.schema(r.Predicate, location+".predicate")

	if r.Loop != nil {
		v.loop(r.Loop, location+".loop")
	} else {
		if r.HTTPMethod.IsZero() {
			v.add("http_method is required", location+".http_method")
		}
		if r.URL.IsZero() {
			v.add("url is required", location+".url")
		}
	}
	v.schema(r.HTTPMethod, location+".http_method")
	v.schema(r.URL, location+".url")
	v.schema(r.Headers, location+".headers")
	v.schema(r.Body, location+".body")

	for i, child := range r.Requests {
		v.request(child, fmt.Sprintf("%s.requests[%d]", location, i))
	}
	v.responses(r.Responses, location+".responses")
	v.responses(r.Transformers, location+".transformers")
	for i, vt := range r.Vars {
		loc := fmt.Sprintf("%s.vars[%d]", location, i)
		if vt == nil {
			v.add("var template must not be null", loc)
			continue
		}
		v.schema(vt.Predicate, loc+".predicate")
		if vt.Vars.IsZero() {
			v.add("vars is required", loc+".vars")
		} else if _, ok := vt.Vars.Node.(builder.MapNode); !ok {
			if _, isString := vt.Vars.Node.(builder.StringNode); !isString {
				v.add("vars must be a mapping", loc+".vars")
			}
		}
		v.schema(vt.Vars, loc+".vars")
	}
}

func (v *validator) loop(l *LoopTemplate, location string) {
	if l.CounterInit.IsZero() {
		v.add("counter_init is required", location+".counter_init")
	}
	if l.CounterUpdate.IsZero() {
		v.add("counter_update is required", location+".counter_update")
	}
	if len(l.Requests) == 0 {
		v.add("loop requires at least one request", location+".requests")
	}
	v.schema(l.CounterInit, location+".counter_init")
	v.schema(l.CounterUpdate, location+".counter_update")
	v.schema(l.CounterPredicate, location+".counter_predicate")
	for i, r := range l.Requests {
		v.request(r, fmt.Sprintf("%s.requests[%d]", location, i))
	}
}

func (v *validator) responses(list []*ResponseTemplate, location string) {
	for i, r := range list {
		loc := fmt.Sprintf("%s[%d]", location, i)
		if r == nil {
			v.add("response template must not be null", loc)
			continue
		}
		v.schema(r.Predicate, loc+".predicate")
		v.schema(r.Status, loc+".status")
		v.schema(r.Headers, loc+".headers")
		v.schema(r.Body, loc+".body")
	}
}

func (v *validator) schema(s builder.Schema, location string) {
	v.node(s.Node, location)
}

func (v *validator) node(n builder.Node, location string) {
	switch node := n.(type) {
	case builder.StringNode:
		v.text(string(node), location)
	case builder.MapNode:
		for _, e := range node {
			v.node(e.Value, location+"."+e.Key)
		}
	case builder.SeqNode:
		for i, item := range node {
			v.node(item, fmt.Sprintf("%s[%d]", location, i))
		}
	}
}

// text checks that a string schema tokenizes and only calls registered
// functions. Interpolated sections are only known at build time.
func (v *validator) text(schema string, location string) {
	_, rest := types.ParsePrefix(schema)
	if !strings.HasPrefix(strings.TrimSpace(rest), parser.FuncPrefix) {
		return
	}
	tokens, err := parser.Tokenize(rest)
	if err != nil {
		v.add(err.Error(), location)
		return
	}
	if v.registry == nil {
		return
	}
	for _, tok := range tokens {
		if tok.Kind == parser.FUNC && !v.registry.Has(tok.Value) {
			v.add(fmt.Sprintf("unknown function %q", tok.Value), location)
		}
	}
}

// ValidateAuth checks an authenticator configuration.
func ValidateAuth(auth AuthenticatorConfig, location string) []ValidationError {
	var errs []ValidationError
	add := func(msg, field string) {
		errs = append(errs, ValidationError{msg, location + "." + field})
	}

	switch strings.ToLower(auth.Type) {
	case "", "none":
	case "basic":
		if auth.Username == "" {
			add("username is required when type is basic", "username")
		}
		if auth.Password == "" {
			add("password is required when type is basic", "password")
		}
	case "bearer":
		if auth.Token == "" {
			add("token is required when type is bearer", "token")
		}
	case "header":
		if auth.HeaderName == "" {
			add("header_name is required when type is header", "header_name")
		}
	case "oauth":
		o := auth.OAuth
		switch o.Method {
		case "":
			add("method is required when type is oauth", "oauth.method")
		case "password":
			if auth.Username == "" {
				add("username is required when method is password", "username")
			}
			if auth.Password == "" {
				add("password is required when method is password", "password")
			}
		case "client_credentials":
			if o.ClientID == "" {
				add("client_id is required when method is client_credentials", "oauth.client_id")
			}
			if o.ClientSecret == "" {
				add("client_secret is required when method is client_credentials", "oauth.client_secret")
			}
		default:
			add("method must be password or client_credentials", "oauth.method")
		}
		if o.TokenURL == "" {
			add("token_url is required when type is oauth", "oauth.token_url")
		}
	case "jwt":
		if auth.JWT.Secret == "" {
			add("secret is required when type is jwt", "jwt.secret")
		}
		if auth.JWT.TTLSeconds < 0 {
			add("ttl_seconds must be >= 0", "jwt.ttl_seconds")
		}
	default:
		errs = append(errs, ValidationError{
			fmt.Sprintf("type must be one of [basic, bearer, header, oauth, jwt], got '%s'", auth.Type),
			location + ".type",
		})
	}
	return errs
}
