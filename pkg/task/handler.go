package task

import (
	"context"
	"fmt"
	"reflect"

	"github.com/balena-io-experimental/gustav/pkg/engine"
	"github.com/balena-io-experimental/gustav/pkg/state"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	inputType   = reflect.TypeOf((*Input)(nil)).Elem()
	tasksType   = reflect.TypeOf([]Task(nil))
)

type returnKind int

const (
	returnsNothing returnKind = iota
	returnsError
	returnsTasks
	returnsTasksError
)

type param struct {
	// base is the type allocated with reflect.New.
	base reflect.Type
	// byPointer is true when the handler takes *base.
	byPointer bool
}

// handlerFunc is a user function checked once at declaration time.
type handlerFunc struct {
	fn      reflect.Value
	withCtx bool
	params  []param
	returns returnKind
	scoped  bool
}

func inspect(fn interface{}, compound bool) (*handlerFunc, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler is nil")
	}
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function, got %s", t)
	}
	if t.IsVariadic() {
		return nil, fmt.Errorf("handler must not be variadic")
	}

	h := &handlerFunc{fn: v, scoped: true}
	first := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		h.withCtx = true
		first = 1
	}

	for i := first; i < t.NumIn(); i++ {
		pt := t.In(i)
		var p param
		switch {
		case pt.Kind() == reflect.Pointer && pt.Implements(inputType):
			p = param{base: pt.Elem(), byPointer: true}
		case reflect.PointerTo(pt).Implements(inputType):
			p = param{base: pt}
		default:
			return nil, fmt.Errorf("parameter %d of type %s is not a handler input", i, pt)
		}
		sample := reflect.New(p.base).Interface().(Input)
		if sample.Scope() != Scoped {
			h.scoped = false
		}
		h.params = append(h.params, p)
	}

	switch {
	case !compound && t.NumOut() == 0:
		h.returns = returnsNothing
	case !compound && t.NumOut() == 1 && t.Out(0) == errorType:
		h.returns = returnsError
	case compound && t.NumOut() == 1 && t.Out(0) == tasksType:
		h.returns = returnsTasks
	case compound && t.NumOut() == 2 && t.Out(0) == tasksType && t.Out(1) == errorType:
		h.returns = returnsTasksError
	case compound:
		return nil, fmt.Errorf("method must return []task.Task or ([]task.Task, error), got %s", t)
	default:
		return nil, fmt.Errorf("action must return nothing or error, got %s", t)
	}

	return h, nil
}

// invocation is the outcome of one call.
type invocation struct {
	inputs []Input
	tasks  []Task
	err    error
}

// call extracts every input from doc and ctx and invokes the function.
// Extraction failures are returned as input errors and the function is not
// called. A panic inside the function is returned as the call error.
func (h *handlerFunc) call(ctx context.Context, doc interface{}, tc Context) (inv invocation, inputErr error) {
	if ctx == nil {
		ctx = context.Background()
	}

	args := make([]reflect.Value, 0, len(h.params)+1)
	if h.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	for _, p := range h.params {
		ptr := reflect.New(p.base)
		in := ptr.Interface().(Input)
		if err := in.Extract(doc, tc); err != nil {
			if _, ok := engine.AsError(err); ok {
				return invocation{}, err
			}
			return invocation{}, engine.NewInputError("cannot extract input", err).WithPath(tc.Path().String())
		}
		inv.inputs = append(inv.inputs, in)
		if p.byPointer {
			args = append(args, ptr)
		} else {
			args = append(args, ptr.Elem())
		}
	}

	defer func() {
		if r := recover(); r != nil {
			inv.err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	out := h.fn.Call(args)
	switch h.returns {
	case returnsError:
		inv.err = asError(out[0])
	case returnsTasks:
		inv.tasks = out[0].Interface().([]Task)
	case returnsTasksError:
		inv.tasks = out[0].Interface().([]Task)
		inv.err = asError(out[1])
	}
	return inv, nil
}

// changes collects the patches of every writable input, in parameter order.
func (inv invocation) changes() (state.Patch, error) {
	var patch state.Patch
	for _, in := range inv.inputs {
		w, ok := in.(Writer)
		if !ok {
			continue
		}
		p, err := w.Changes()
		if err != nil {
			return nil, err
		}
		patch = append(patch, p...)
	}
	return patch, nil
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}
