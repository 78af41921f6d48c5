package state

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/balena-io-experimental/gustav/pkg/path"
)

// Normalize converts any JSON-marshalable value into the generic tree form
// used by the store: map[string]interface{}, []interface{}, float64, string,
// bool and nil. The result shares no memory with v.
func Normalize(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return out, nil
}

// DeepCopy returns a copy of a normalized tree.
func DeepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, child := range t {
			out[k] = DeepCopy(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, child := range t {
			out[i] = DeepCopy(child)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether two normalized trees are deeply equal.
func Equal(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

// Get resolves p against doc. found is false when any token along the path
// is missing; an error is returned only when the path walks through a scalar
// or uses a malformed array index.
func Get(doc interface{}, p path.Path) (value interface{}, found bool, err error) {
	cur := doc
	for i, tok := range p.Tokens() {
		switch node := cur.(type) {
		case map[string]interface{}:
			child, ok := node[tok]
			if !ok {
				return nil, false, nil
			}
			cur = child
		case []interface{}:
			if tok == "-" {
				return nil, false, nil
			}
			idx, convErr := strconv.Atoi(tok)
			if convErr != nil || idx < 0 {
				return nil, false, fmt.Errorf("invalid array index %q at %s", tok, path.FromTokens(p.Tokens()[:i+1]...))
			}
			if idx >= len(node) {
				return nil, false, nil
			}
			cur = node[idx]
		default:
			return nil, false, fmt.Errorf("cannot resolve %s: %s is not a container", p, path.FromTokens(p.Tokens()[:i]...))
		}
	}
	return cur, true, nil
}

// Leaves counts the leaf values of a tree. Empty containers count as one leaf.
func Leaves(v interface{}) int {
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 0 {
			return 1
		}
		n := 0
		for _, child := range t {
			n += Leaves(child)
		}
		return n
	case []interface{}:
		if len(t) == 0 {
			return 1
		}
		n := 0
		for _, child := range t {
			n += Leaves(child)
		}
		return n
	default:
		return 1
	}
}
