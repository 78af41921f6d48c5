// Package domain maps state paths to the jobs that operate on them.
//
// A Domain is built once with a Builder and is immutable afterwards. Routes
// are JSON pointers whose segments may be parameters:
//
//	/apps/{app}            binds one token to "app"
//	/files/{*rest}         binds the remaining tokens to "rest"
//	/literal/{{braces}}    matches the token "{braces}"
//
// Parameters never bind an empty token: /apps/ matches neither
// /apps/{app} nor /apps/{*rest}.
//
// Lookup resolves a concrete path (or any of its ancestors) to every job
// registered there, in registration order.
package domain

import (
	"fmt"
	"sort"

	"github.com/balena-io-experimental/gustav/pkg/engine"
	"github.com/balena-io-experimental/gustav/pkg/path"
	"github.com/balena-io-experimental/gustav/pkg/state"
	"github.com/balena-io-experimental/gustav/pkg/task"
)

// Route is one registered (pattern, job) pair.
type Route struct {
	// Pattern is the route pattern as registered.
	Pattern string

	// Job is the registered job.
	Job *task.Job

	// Order is the registration sequence number, starting at 0.
	Order int

	pattern *pattern
}

// Match is a route resolved against a concrete path.
type Match struct {
	Route *Route

	// Task is the route's job bound to the matched path and its path args.
	Task task.Task
}

// Domain is an immutable set of routes.
type Domain struct {
	routes []*Route
	byJob  map[string]*Route
}

// Builder registers routes and produces a Domain.
type Builder struct {
	routes   []*Route
	byJob    map[string]*Route
	patterns map[string]*pattern
	err      error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		byJob:    make(map[string]*Route),
		patterns: make(map[string]*pattern),
	}
}

// Register adds jobs under a pattern, in order. The first error is kept and
// returned by Build; later calls are ignored.
func (b *Builder) Register(pat string, jobs ...*task.Job) *Builder {
	if b.err != nil {
		return b
	}
	for _, job := range jobs {
		if err := b.register(pat, job); err != nil {
			b.err = err
			return b
		}
	}
	return b
}

func (b *Builder) register(pat string, job *task.Job) error {
	if job == nil {
		return engine.NewInvalidError(engine.ErrCodeInvalidHandler, "job is nil", nil).
			WithDetail("pattern", pat)
	}

	parsed, ok := b.patterns[pat]
	if !ok {
		var err error
		parsed, err = parsePattern(pat)
		if err != nil {
			return engine.NewInvalidError(engine.ErrCodeInvalidPattern, "malformed route pattern", err).
				WithTask(job.ID()).WithDetail("pattern", pat)
		}
	}

	if existing, ok := b.byJob[job.ID()]; ok {
		if existing.Pattern == pat {
			return engine.NewInvalidError(engine.ErrCodeAlreadyExists, "job already registered on route", nil).
				WithTask(job.ID()).WithDetail("pattern", pat)
		}
		return engine.NewInvalidError(engine.ErrCodeAlreadyExists,
			fmt.Sprintf("job already registered on route %q", existing.Pattern), nil).
			WithTask(job.ID()).WithDetail("pattern", pat)
	}

	r := &Route{Pattern: pat, Job: job, Order: len(b.routes), pattern: parsed}
	b.patterns[pat] = parsed
	b.routes = append(b.routes, r)
	b.byJob[job.ID()] = r
	return nil
}

// Build returns the domain, or the first registration error.
func (b *Builder) Build() (*Domain, error) {
	if b.err != nil {
		return nil, b.err
	}
	d := &Domain{
		routes: append([]*Route(nil), b.routes...),
		byJob:  make(map[string]*Route, len(b.byJob)),
	}
	for k, v := range b.byJob {
		d.byJob[k] = v
	}
	return d, nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *Domain {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}

// Routes returns every route in registration order.
func (d *Domain) Routes() []*Route {
	return append([]*Route(nil), d.routes...)
}

// Route returns the route a job is registered on.
func (d *Domain) Route(jobID string) (*Route, bool) {
	r, ok := d.byJob[jobID]
	return r, ok
}

// Lookup returns every route whose pattern matches at or one of its
// ancestors, ordered by registration. Each match is bound to the concrete
// path it matched and the args that path binds.
func (d *Domain) Lookup(at path.Path) []Match {
	type hit struct {
		match Match
		depth int
	}
	var hits []hit
	for _, r := range d.routes {
		for _, p := range at.Ancestors() {
			bound, ok := r.pattern.match(p)
			if !ok {
				continue
			}
			ctx := task.NewContext(p)
			for _, kv := range bound {
				ctx = ctx.WithArg(kv[0], kv[1])
			}
			hits = append(hits, hit{
				match: Match{Route: r, Task: r.Job.Task().WithContext(ctx)},
				depth: p.Depth(),
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].match.Route.Order != hits[j].match.Route.Order {
			return hits[i].match.Route.Order < hits[j].match.Route.Order
		}
		return hits[i].depth > hits[j].depth
	})

	out := make([]Match, len(hits))
	for i, h := range hits {
		out[i] = h.match
	}
	return out
}

// SubtreeMatch is a route that can apply at root or below it.
type SubtreeMatch struct {
	Route *Route

	// Root is the subtree root the match was computed for.
	Root path.Path

	// Context holds the args bound by the part of the pattern inside Root.
	Context task.Context
}

// LookupSubtree returns every route whose pattern can match root or a
// descendant of root, in registration order.
func (d *Domain) LookupSubtree(root path.Path) []SubtreeMatch {
	var out []SubtreeMatch
	for _, r := range d.routes {
		bound, ok := r.pattern.prefixMatches(root)
		if !ok {
			continue
		}
		ctx := task.NewContext(root)
		for _, kv := range bound {
			ctx = ctx.WithArg(kv[0], kv[1])
		}
		out = append(out, SubtreeMatch{Route: r, Root: root, Context: ctx})
	}
	return out
}

// Instances enumerates the concrete tasks of a subtree match whose paths
// exist in doc, in sorted key order. Wildcards only match the subtree root.
func (m SubtreeMatch) Instances(doc interface{}) []task.Task {
	segs := m.Route.pattern.segments
	if m.Root.Depth() > len(segs) {
		return nil
	}

	var out []task.Task
	var walk func(i int, node interface{}, at path.Path, ctx task.Context)
	walk = func(i int, node interface{}, at path.Path, ctx task.Context) {
		if i == len(segs) {
			out = append(out, m.Route.Job.Task().WithContext(ctx.WithPath(at)))
			return
		}
		obj, ok := node.(map[string]interface{})
		if !ok {
			return
		}
		seg := segs[i]
		switch seg.kind {
		case segmentLiteral:
			if child, ok := obj[seg.value]; ok {
				walk(i+1, child, at.Join(seg.value), ctx)
			}
		case segmentParam:
			keys := make([]string, 0, len(obj))
			for k := range obj {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if k == "" {
					continue
				}
				walk(i+1, obj[k], at.Join(k), ctx.WithArg(seg.value, k))
			}
		}
	}

	node, found, err := state.Get(doc, m.Root)
	if err != nil || !found {
		return nil
	}
	walk(m.Root.Depth(), node, m.Root, m.Context)
	return out
}

// FindPath returns the path of a job's route with args substituted for its
// parameters.
func (d *Domain) FindPath(jobID string, args map[string]string) (path.Path, error) {
	r, ok := d.byJob[jobID]
	if !ok {
		return path.Path{}, engine.NewInvalidError(engine.ErrCodeNotFound, "job is not registered", nil).WithTask(jobID)
	}
	p, err := r.pattern.build(args)
	if err != nil {
		return path.Path{}, engine.NewInputError("cannot build task path", err).WithTask(jobID)
	}
	return p, nil
}

// Bind resolves a task's path from its job's route and its args. Path args
// are bound first; explicit args already on the task never replace them.
// A bound target is kept.
func (d *Domain) Bind(t task.Task) (task.Task, error) {
	explicit := t.Context()
	at, err := d.FindPath(t.ID(), explicit.ArgMap())
	if err != nil {
		return task.Task{}, err
	}

	r := d.byJob[t.ID()]
	bound, ok := r.pattern.match(at)
	if !ok {
		return task.Task{}, engine.NewInputError("built path does not match its route", nil).
			WithTask(t.ID()).WithPath(at.String())
	}
	ctx := task.NewContext(at)
	for _, kv := range bound {
		ctx = ctx.WithArg(kv[0], kv[1])
	}
	ctx = ctx.WithArgs(explicit.Args()...)
	if v, ok := explicit.Target(); ok {
		ctx = ctx.WithTarget(v)
	}
	return t.WithContext(ctx), nil
}
