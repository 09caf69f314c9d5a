// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package builder

import (
	"bytes"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/noi-techpark/go-jsonbatch/document"
)

// Node is a schema node: StringNode, LiteralNode, MapNode or SeqNode.
type Node interface {
	isNode()
}

// StringNode is evaluated by the schema language.
type StringNode string

// LiteralNode is a number, boolean or null copied to the output as is.
type LiteralNode struct {
	Value any
}

type Entry struct {
	Key   string
	Value Node
}

// MapNode keeps the declaration order of its keys.
type MapNode []Entry

type SeqNode []Node

func (StringNode) isNode()  {}
func (LiteralNode) isNode() {}
func (MapNode) isNode()     {}
func (SeqNode) isNode()     {}

func (m MapNode) Get(key string) (Node, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Schema holds an optional node of a template file.
type Schema struct {
	Node Node
}

func S(node Node) Schema {
	return Schema{Node: node}
}

func (s Schema) IsZero() bool {
	return s.Node == nil
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		s.Node = nil
		return nil
	}
	node, err := ParseJSON(data)
	if err != nil {
		return err
	}
	s.Node = node
	return nil
}

func (s *Schema) UnmarshalYAML(value *yaml.Node) error {
	node, err := fromYAML(value)
	if err != nil {
		return err
	}
	s.Node = node
	return nil
}

func (s Schema) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, s.Node); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseJSON decodes a schema keeping mapping key order.
func ParseJSON(data []byte) (Node, error) {
	dec := stdjson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	node, err := decodeJSON(dec)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid schema: unexpected data after value")
	}
	return node, nil
}

// MustParseJSON is ParseJSON for literals known to be valid.
func MustParseJSON(data string) Node {
	node, err := ParseJSON([]byte(data))
	if err != nil {
		panic(err)
	}
	return node
}

func decodeJSON(dec *stdjson.Decoder) (Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch v := tok.(type) {
	case stdjson.Delim:
		switch v {
		case '{':
			m := MapNode{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, _ := keyTok.(string)
				value, err := decodeJSON(dec)
				if err != nil {
					return nil, err
				}
				m = append(m, Entry{Key: key, Value: value})
			}
			_, err = dec.Token()
			return m, err
		case '[':
			seq := SeqNode{}
			for dec.More() {
				value, err := decodeJSON(dec)
				if err != nil {
					return nil, err
				}
				seq = append(seq, value)
			}
			_, err = dec.Token()
			return seq, err
		}
		return nil, fmt.Errorf("unexpected delimiter %v", v)
	case string:
		return StringNode(v), nil
	case stdjson.Number:
		n, err := document.Decode([]byte(v.String()))
		if err != nil {
			return nil, err
		}
		return LiteralNode{Value: n}, nil
	}
	return LiteralNode{Value: tok}, nil
}

func fromYAML(n *yaml.Node) (Node, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return fromYAML(n.Content[0])
	case yaml.AliasNode:
		return fromYAML(n.Alias)
	case yaml.MappingNode:
		m := make(MapNode, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			value, err := fromYAML(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			m = append(m, Entry{Key: n.Content[i].Value, Value: value})
		}
		return m, nil
	case yaml.SequenceNode:
		seq := make(SeqNode, 0, len(n.Content))
		for _, item := range n.Content {
			value, err := fromYAML(item)
			if err != nil {
				return nil, err
			}
			seq = append(seq, value)
		}
		return seq, nil
	case yaml.ScalarNode:
		switch n.ShortTag() {
		case "!!null":
			return LiteralNode{}, nil
		case "!!bool", "!!int", "!!float":
			var v any
			if err := n.Decode(&v); err != nil {
				return nil, fmt.Errorf("line %d: %w", n.Line, err)
			}
			return LiteralNode{Value: document.Normalize(v)}, nil
		}
		return StringNode(n.Value), nil
	}
	return nil, fmt.Errorf("line %d: unsupported yaml node", n.Line)
}

// FromValue converts a plain Go value. Mapping keys are sorted since Go maps
// have no order.
func FromValue(v any) Node {
	switch val := v.(type) {
	case Node:
		return val
	case string:
		return StringNode(val)
	case *document.Object:
		m := make(MapNode, 0, val.Len())
		for _, k := range val.Keys() {
			item, _ := val.ValueForKey(k)
			m = append(m, Entry{Key: k, Value: FromValue(item)})
		}
		return m
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(MapNode, 0, len(keys))
		for _, k := range keys {
			m = append(m, Entry{Key: k, Value: FromValue(val[k])})
		}
		return m
	case []any:
		seq := make(SeqNode, len(val))
		for i, item := range val {
			seq[i] = FromValue(item)
		}
		return seq
	case []string:
		seq := make(SeqNode, len(val))
		for i, item := range val {
			seq[i] = StringNode(item)
		}
		return seq
	}
	return LiteralNode{Value: document.Normalize(v)}
}

func writeJSON(buf *bytes.Buffer, n Node) error {
	switch node := n.(type) {
	case nil:
		buf.WriteString("null")
	case StringNode:
		return writeValue(buf, string(node))
	case LiteralNode:
		return writeValue(buf, node.Value)
	case MapNode:
		buf.WriteByte('{')
		for i, e := range node {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, e.Key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeJSON(buf, e.Value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case SeqNode:
		buf.WriteByte('[')
		for i, item := range node {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("unknown schema node %T", n)
	}
	return nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}
