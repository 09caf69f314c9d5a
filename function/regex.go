// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package function

import (
	"sync"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/noi-techpark/go-jsonbatch/types"
)

const regexMatchTimeout = time.Second

// RegexFunction returns a capture group of a full-string match:
// __regex(subject, pattern, group). Patterns use the backtracking syntax of
// regexp2, so lookarounds and backreferences are available.
type RegexFunction struct {
	logger Logger
	cache  sync.Map
}

func NewRegexFunction(logger Logger) *RegexFunction {
	return &RegexFunction{logger: logger}
}

func (f *RegexFunction) Name() string { return "regex" }

func (f *RegexFunction) Invoke(_ types.Type, args []any) (any, error) {
	if len(args) != 3 {
		return nil, mismatch("regex expects 3 arguments, got %d", len(args))
	}
	if args[0] == nil {
		return nil, nil
	}
	subject := types.ToString(args[0])
	pattern, ok := args[1].(string)
	if !ok {
		return nil, mismatch("regex pattern must be a string, got %T", args[1])
	}
	group, err := types.ToBigInt(args[2])
	if err != nil {
		return nil, err
	}

	re, err := f.compile(pattern)
	if err != nil {
		return nil, err
	}
	match, err := re.FindStringMatch(subject)
	if err != nil {
		return nil, mismatch("regex %q on %q: %v", pattern, subject, err)
	}
	if match == nil {
		return nil, nil
	}
	groups := match.GroupCount() - 1
	if !group.IsInt64() || group.Int64() < 0 || group.Int64() > int64(groups) {
		if f.logger != nil {
			f.logger.Warning("regex group %s out of range, pattern %q has %d groups", group, pattern, groups)
		}
		return nil, nil
	}
	g := match.GroupByNumber(int(group.Int64()))
	if g == nil || len(g.Captures) == 0 {
		return nil, nil
	}
	return g.String(), nil
}

func (f *RegexFunction) compile(pattern string) (*regexp2.Regexp, error) {
	if cached, ok := f.cache.Load(pattern); ok {
		return cached.(*regexp2.Regexp), nil
	}
	re, err := regexp2.Compile(`\A(?:`+pattern+`)\z`, regexp2.None)
	if err != nil {
		return nil, mismatch("invalid pattern %q: %v", pattern, err)
	}
	re.MatchTimeout = regexMatchTimeout
	f.cache.Store(pattern, re)
	return re, nil
}
