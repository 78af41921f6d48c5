package state

import (
	"sort"

	"github.com/balena-io-experimental/gustav/pkg/path"
)

// Target describes the state a worker seeks.
type Target interface {
	// Document is the normalized target document.
	Document() interface{}

	// Mismatches returns the operations still needed to satisfy the target,
	// ordered shallowest path first, then lexicographically.
	Mismatches(doc interface{}) (Patch, error)
}

type partialTarget struct {
	doc interface{}
}

// Partial returns a target satisfied when every leaf of doc is present and
// equal in the state. Keys the target does not mention are ignored.
func Partial(doc interface{}) (Target, error) {
	norm, err := Normalize(doc)
	if err != nil {
		return nil, err
	}
	return partialTarget{doc: norm}, nil
}

func (t partialTarget) Document() interface{} {
	return t.doc
}

func (t partialTarget) Mismatches(doc interface{}) (Patch, error) {
	d, err := Diff(doc, t.doc)
	if err != nil {
		return nil, err
	}
	out := d[:0]
	for _, op := range d {
		if op.Op == OpRemove {
			continue
		}
		out = append(out, op)
	}
	sortOperations(out)
	return out, nil
}

type exactTarget struct {
	doc interface{}
}

// Exact returns a target satisfied only when the state equals doc.
func Exact(doc interface{}) (Target, error) {
	norm, err := Normalize(doc)
	if err != nil {
		return nil, err
	}
	return exactTarget{doc: norm}, nil
}

func (t exactTarget) Document() interface{} {
	return t.doc
}

func (t exactTarget) Mismatches(doc interface{}) (Patch, error) {
	d, err := Diff(doc, t.doc)
	if err != nil {
		return nil, err
	}
	sortOperations(d)
	return d, nil
}

// AsTarget returns v unchanged if it already is a Target, otherwise a partial
// target over v.
func AsTarget(v interface{}) (Target, error) {
	if t, ok := v.(Target); ok {
		return t, nil
	}
	return Partial(v)
}

// KindOf names the kind of a target: "partial", "exact" or "custom".
func KindOf(t Target) string {
	switch t.(type) {
	case partialTarget:
		return "partial"
	case exactTarget:
		return "exact"
	default:
		return "custom"
	}
}

// Satisfied reports whether doc has no mismatches against t.
func Satisfied(t Target, doc interface{}) (bool, error) {
	m, err := t.Mismatches(doc)
	if err != nil {
		return false, err
	}
	return len(m) == 0, nil
}

// Distance measures how far a mismatch list is from empty: the number of
// leaf values it adds or replaces, plus one per other operation.
func Distance(mismatches Patch) int {
	n := 0
	for _, op := range mismatches {
		switch op.Op {
		case OpAdd, OpReplace:
			n += Leaves(op.Value)
		default:
			n++
		}
	}
	return n
}

func sortOperations(p Patch) {
	keys := make([]path.Path, len(p))
	for i, op := range p {
		// Paths produced by the diff are always valid pointers.
		keys[i], _ = op.Location()
	}
	idx := make([]int, len(p))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return path.Compare(keys[idx[a]], keys[idx[b]]) < 0
	})
	sorted := make(Patch, len(p))
	for i, j := range idx {
		sorted[i] = p[j]
	}
	copy(p, sorted)
}
