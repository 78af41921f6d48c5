package task

import (
	"github.com/balena-io-experimental/gustav/pkg/path"
)

// Arg is one bound argument.
type Arg struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Context is the immutable bundle of arguments a task runs with. Path args
// are bound first when a route matches; explicit args bound later never
// replace a key that is already bound.
type Context struct {
	path      path.Path
	args      []Arg
	target    interface{}
	hasTarget bool
}

// NewContext creates a context bound to p.
func NewContext(p path.Path) Context {
	return Context{path: p}
}

// Path returns the concrete state path the task applies to.
func (c Context) Path() path.Path {
	return c.path
}

// WithPath returns a copy of c bound to p.
func (c Context) WithPath(p path.Path) Context {
	c.path = p
	return c
}

// WithArg returns a copy of c with key bound to value. If key is already
// bound the context is returned unchanged.
func (c Context) WithArg(key, value string) Context {
	if _, ok := c.Arg(key); ok {
		return c
	}
	args := make([]Arg, len(c.args), len(c.args)+1)
	copy(args, c.args)
	c.args = append(args, Arg{Key: key, Value: value})
	return c
}

// WithArgs binds each arg in order, skipping keys already bound.
func (c Context) WithArgs(args ...Arg) Context {
	for _, a := range args {
		c = c.WithArg(a.Key, a.Value)
	}
	return c
}

// Arg returns the value bound to key.
func (c Context) Arg(key string) (string, bool) {
	for _, a := range c.args {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Args returns the bound args in binding order.
func (c Context) Args() []Arg {
	return append([]Arg(nil), c.args...)
}

// ArgMap returns the bound args as a map.
func (c Context) ArgMap() map[string]string {
	m := make(map[string]string, len(c.args))
	for _, a := range c.args {
		m[a.Key] = a.Value
	}
	return m
}

// WithTarget returns a copy of c carrying the target value for its path.
func (c Context) WithTarget(v interface{}) Context {
	c.target = v
	c.hasTarget = true
	return c
}

// Target returns the target value for the task path, if one is bound.
func (c Context) Target() (interface{}, bool) {
	return c.target, c.hasTarget
}
