package state

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"

	"github.com/balena-io-experimental/gustav/pkg/path"
)

// Patch operation names (RFC 6902).
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

// Operation is one pointer-addressed patch operation.
type Operation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	From  string      `json:"from,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

// MarshalJSON always emits "value" for operations that carry one, including
// a null value.
func (o Operation) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{
		"op":   o.Op,
		"path": o.Path,
	}
	switch o.Op {
	case OpAdd, OpReplace, OpTest:
		m["value"] = o.Value
	case OpMove, OpCopy:
		m["from"] = o.From
	}
	return json.Marshal(m)
}

// Location parses the operation path.
func (o Operation) Location() (path.Path, error) {
	return path.Parse(o.Path)
}

// String renders the operation for logs.
func (o Operation) String() string {
	switch o.Op {
	case OpRemove:
		return fmt.Sprintf("%s %s", o.Op, o.Path)
	case OpMove, OpCopy:
		return fmt.Sprintf("%s %s -> %s", o.Op, o.From, o.Path)
	default:
		v, _ := json.Marshal(o.Value)
		return fmt.Sprintf("%s %s %s", o.Op, o.Path, v)
	}
}

// Patch is an ordered list of operations applied atomically.
type Patch []Operation

// IsEmpty reports whether the patch has no operations.
func (p Patch) IsEmpty() bool {
	return len(p) == 0
}

// Apply applies the patch to a copy of doc and returns the result. Either
// every operation applies or an error is returned and doc is untouched.
func (p Patch) Apply(doc interface{}) (interface{}, error) {
	if len(p) == 0 {
		return DeepCopy(doc), nil
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	ops, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patch: %w", err)
	}

	decoded, err := jsonpatch.DecodePatch(ops)
	if err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}
	out, err := decoded.Apply(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to apply patch: %w", err)
	}

	var result interface{}
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal patched document: %w", err)
	}
	return result, nil
}

// Rebase prefixes every operation path with base. Patches computed against
// a subtree become patches against the whole document.
func (p Patch) Rebase(base path.Path) Patch {
	if base.IsRoot() {
		return append(Patch(nil), p...)
	}
	prefix := base.String()
	out := make(Patch, len(p))
	for i, op := range p {
		op.Path = prefix + op.Path
		if op.From != "" || op.Op == OpMove || op.Op == OpCopy {
			op.From = prefix + op.From
		}
		out[i] = op
	}
	return out
}

// Within reports whether every operation of the patch writes inside root.
func (p Patch) Within(root path.Path) bool {
	for _, op := range p {
		loc, err := op.Location()
		if err != nil || !root.Contains(loc) {
			return false
		}
	}
	return true
}

// String renders the patch as a JSON array.
func (p Patch) String() string {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("<invalid patch: %v>", err)
	}
	return string(data)
}

// Diff returns the patch that turns from into to.
func Diff(from, to interface{}) (Patch, error) {
	d, err := jsondiff.Compare(from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to compare documents: %w", err)
	}
	if len(d) == 0 {
		return Patch{}, nil
	}

	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal diff: %w", err)
	}
	var out Patch
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode diff: %w", err)
	}
	return out, nil
}

// DecodePatch parses a JSON patch document.
func DecodePatch(data []byte) (Patch, error) {
	var out Patch
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}
	for i, op := range out {
		switch strings.ToLower(op.Op) {
		case OpAdd, OpRemove, OpReplace, OpMove, OpCopy, OpTest:
		default:
			return nil, fmt.Errorf("invalid patch: operation %d has unknown op %q", i, op.Op)
		}
		if _, err := op.Location(); err != nil {
			return nil, fmt.Errorf("invalid patch: operation %d: %w", i, err)
		}
	}
	return out, nil
}
