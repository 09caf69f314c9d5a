// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package document

import (
	"bytes"
	"sort"

	"github.com/goccy/go-json"
	"github.com/ohler55/ojg/jp"
)

var _ jp.Keyed = (*Object)(nil)

// Object is a mapping that keeps the order in which keys were first set.
// Setting an existing key replaces its value in place.
type Object struct {
	keys   []string
	values map[string]any
}

func NewObject(size int) *Object {
	return &Object{keys: make([]string, 0, size), values: make(map[string]any, size)}
}

func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Keys returns the keys in order. The slice must not be modified.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	return o.keys
}

func (o *Object) ValueForKey(key string) (any, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.values[key]
	return v, ok
}

func (o *Object) SetValueForKey(key string, value any) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

func (o *Object) RemoveValueForKey(key string) {
	if _, ok := o.values[key]; !ok {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Map returns a shallow, unordered copy.
func (o *Object) Map() map[string]any {
	out := make(map[string]any, o.Len())
	for _, k := range o.Keys() {
		out[k] = o.values[k]
	}
	return out
}

func (o *Object) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// AsObject returns v as an Object. A plain map is copied with its keys
// sorted.
func AsObject(v any) (*Object, bool) {
	switch val := v.(type) {
	case *Object:
		return val, val != nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := NewObject(len(keys))
		for _, k := range keys {
			out.SetValueForKey(k, val[k])
		}
		return out, true
	}
	return nil, false
}

// Plain replaces every Object in v with an unordered map, for consumers
// that only understand plain values.
func Plain(v any) any {
	switch val := v.(type) {
	case *Object:
		out := make(map[string]any, val.Len())
		for _, k := range val.Keys() {
			out[k] = Plain(val.values[k])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Plain(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Plain(item)
		}
		return out
	}
	return v
}
