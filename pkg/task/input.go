package task

import (
	"fmt"
	"math"
	"reflect"

	"github.com/mitchellh/mapstructure"

	"github.com/balena-io-experimental/gustav/pkg/engine"
	"github.com/balena-io-experimental/gustav/pkg/path"
	"github.com/balena-io-experimental/gustav/pkg/state"
)

// Scope declares which part of the state a handler input may read.
type Scope int

const (
	// Scoped inputs read only the subtree rooted at the task path.
	Scoped Scope = iota

	// Global inputs may read any part of the state.
	Global
)

// String implements fmt.Stringer.
func (s Scope) String() string {
	if s == Global {
		return "global"
	}
	return "scoped"
}

// Input is implemented by pointers to handler parameter types. Scope must
// not depend on the receiver's contents: it is called once on a zero value
// when a job is declared.
type Input interface {
	Scope() Scope
	Extract(doc interface{}, ctx Context) error
}

// Writer is implemented by inputs whose changes become the task's patch.
type Writer interface {
	Changes() (state.Patch, error)
}

// View is a writable, Scoped input holding the value at the task path. The
// value must exist. Handlers take *View to write; Delete removes the value.
type View[T any] struct {
	Value T

	path    path.Path
	before  interface{}
	deleted bool
}

// Scope implements Input.
func (v *View[T]) Scope() Scope { return Scoped }

// Extract implements Input.
func (v *View[T]) Extract(doc interface{}, ctx Context) error {
	raw, found, err := state.Get(doc, ctx.Path())
	if err != nil {
		return engine.NewInputError("malformed state", err).WithPath(ctx.Path().String())
	}
	if !found {
		return engine.NewInputError("no value at path", nil).WithPath(ctx.Path().String())
	}
	if err := decode(raw, &v.Value, false); err != nil {
		return engine.NewInputError("cannot decode value", err).WithPath(ctx.Path().String())
	}
	v.path = ctx.Path()
	v.before = raw
	return nil
}

// Path returns the path the view was extracted from.
func (v *View[T]) Path() path.Path { return v.path }

// Delete marks the value for removal.
func (v *View[T]) Delete() { v.deleted = true }

// Changes implements Writer.
func (v *View[T]) Changes() (state.Patch, error) {
	if v.deleted {
		if v.path.IsRoot() {
			return nil, fmt.Errorf("cannot delete the root of the state")
		}
		return state.Patch{{Op: state.OpRemove, Path: v.path.String()}}, nil
	}
	return diffAt(v.path, v.before, v.Value)
}

// Pointer is a writable, Scoped input for a value at the task path that may
// not exist yet. Its parent must exist.
type Pointer[T any] struct {
	value   T
	exists  bool
	path    path.Path
	before  interface{}
	existed bool
}

// Scope implements Input.
func (p *Pointer[T]) Scope() Scope { return Scoped }

// Extract implements Input.
func (p *Pointer[T]) Extract(doc interface{}, ctx Context) error {
	if parent, ok := ctx.Path().Parent(); ok {
		pv, found, err := state.Get(doc, parent)
		if err != nil {
			return engine.NewInputError("malformed state", err).WithPath(ctx.Path().String())
		}
		if !found {
			return engine.NewInputError("parent of path does not exist", nil).WithPath(ctx.Path().String())
		}
		switch pv.(type) {
		case map[string]interface{}, []interface{}:
		default:
			return engine.NewInputError("parent of path is not a container", nil).WithPath(ctx.Path().String())
		}
	}

	raw, found, err := state.Get(doc, ctx.Path())
	if err != nil {
		return engine.NewInputError("malformed state", err).WithPath(ctx.Path().String())
	}
	p.path = ctx.Path()
	if !found {
		return nil
	}
	if err := decode(raw, &p.value, false); err != nil {
		return engine.NewInputError("cannot decode value", err).WithPath(ctx.Path().String())
	}
	p.before = raw
	p.exists = true
	p.existed = true
	return nil
}

// Get returns the current value and whether it exists.
func (p *Pointer[T]) Get() (T, bool) { return p.value, p.exists }

// Set assigns a value, creating it if needed.
func (p *Pointer[T]) Set(v T) {
	p.value = v
	p.exists = true
}

// Delete removes the value.
func (p *Pointer[T]) Delete() {
	var zero T
	p.value = zero
	p.exists = false
}

// Path returns the path the pointer was extracted from.
func (p *Pointer[T]) Path() path.Path { return p.path }

// Changes implements Writer.
func (p *Pointer[T]) Changes() (state.Patch, error) {
	switch {
	case p.existed && !p.exists:
		if p.path.IsRoot() {
			return nil, fmt.Errorf("cannot delete the root of the state")
		}
		return state.Patch{{Op: state.OpRemove, Path: p.path.String()}}, nil
	case !p.existed && p.exists:
		after, err := state.Normalize(p.value)
		if err != nil {
			return nil, err
		}
		if p.path.IsRoot() {
			return state.Patch{{Op: state.OpReplace, Path: "", Value: after}}, nil
		}
		return state.Patch{{Op: state.OpAdd, Path: p.path.String(), Value: after}}, nil
	case p.existed && p.exists:
		return diffAt(p.path, p.before, p.value)
	default:
		return nil, nil
	}
}

// Target is a Scoped, read-only input holding the target value for the task
// path. It fails if no target is bound.
type Target[T any] struct {
	Value T
}

// Scope implements Input.
func (t *Target[T]) Scope() Scope { return Scoped }

// Extract implements Input.
func (t *Target[T]) Extract(_ interface{}, ctx Context) error {
	raw, ok := ctx.Target()
	if !ok {
		return engine.NewInputError("no target bound", nil).WithPath(ctx.Path().String())
	}
	if err := decode(raw, &t.Value, false); err != nil {
		return engine.NewInputError("cannot decode target", err).WithPath(ctx.Path().String())
	}
	return nil
}

// Args is a Scoped input holding the bound args decoded into T, which is
// usually a struct with json tags or a map[string]string. String args are
// converted to numeric and boolean fields.
type Args[T any] struct {
	Value T
}

// Scope implements Input.
func (a *Args[T]) Scope() Scope { return Scoped }

// Extract implements Input.
func (a *Args[T]) Extract(_ interface{}, ctx Context) error {
	if err := decode(ctx.ArgMap(), &a.Value, true); err != nil {
		return engine.NewInputError("invalid arguments", err).WithPath(ctx.Path().String())
	}
	return nil
}

// System is a Global, read-only input holding the whole state.
type System[T any] struct {
	Value T
}

// Scope implements Input.
func (s *System[T]) Scope() Scope { return Global }

// Extract implements Input.
func (s *System[T]) Extract(doc interface{}, _ Context) error {
	if err := decode(state.DeepCopy(doc), &s.Value, false); err != nil {
		return engine.NewInputError("cannot decode state", err)
	}
	return nil
}

func decode(raw interface{}, out interface{}, weak bool) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: weak,
		DecodeHook:       integralFloats,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(state.DeepCopy(raw))
}

func diffAt(at path.Path, before interface{}, value interface{}) (state.Patch, error) {
	after, err := state.Normalize(value)
	if err != nil {
		return nil, err
	}
	d, err := state.Diff(before, after)
	if err != nil {
		return nil, err
	}
	return d.Rebase(at), nil
}

// integralFloats rejects numbers with a fraction decoded into integer
// fields. JSON numbers are float64, which mapstructure would truncate.
func integralFloats(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	f, ok := data.(float64)
	if !ok || from.Kind() != reflect.Float64 {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if f != math.Trunc(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("cannot decode %v into %s", f, to)
		}
	}
	return data, nil
}
