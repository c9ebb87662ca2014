// Package tasks submits task envelopes to the main queue and executes them
// from it.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Invocation is one decoded task envelope handed to a Handler.
type Invocation struct {
	ID           string
	Name         string
	Args         []json.RawMessage
	Kwargs       map[string]json.RawMessage
	ReceiveCount int
}

// Bind decodes positional arguments into ptrs in order.
func (inv Invocation) Bind(ptrs ...any) error {
	return inv.BindNamed(nil, ptrs...)
}

// BindNamed is Bind with keyword fallbacks: ptrs[i] is filled from Args[i] or,
// failing that, from Kwargs[names[i]]. Arguments absent from both are left
// untouched.
func (inv Invocation) BindNamed(names []string, ptrs ...any) error {
	for i, p := range ptrs {
		var raw json.RawMessage
		switch {
		case i < len(inv.Args):
			raw = inv.Args[i]
		case i < len(names):
			raw = inv.Kwargs[names[i]]
		}
		if raw == nil {
			continue
		}
		if err := json.Unmarshal(raw, p); err != nil {
			return errors.Wrapf(err, "task %s: argument %d", inv.Name, i)
		}
	}
	return nil
}

// Handler executes one task. The returned value is the task result.
type Handler func(ctx context.Context, inv Invocation) (any, error)

// Typed adapts a function taking one decoded parameter. P is decoded from the
// first positional argument, or from the keyword map when there are no
// positional arguments.
func Typed[P, R any](fn func(context.Context, P) (R, error)) Handler {
	return func(ctx context.Context, inv Invocation) (any, error) {
		var p P
		switch {
		case len(inv.Args) > 0:
			if err := json.Unmarshal(inv.Args[0], &p); err != nil {
				return nil, errors.Wrapf(err, "task %s: decode argument", inv.Name)
			}
		case len(inv.Kwargs) > 0:
			b, err := json.Marshal(inv.Kwargs)
			if err != nil {
				return nil, errors.Wrapf(err, "task %s: encode keywords", inv.Name)
			}
			if err := json.Unmarshal(b, &p); err != nil {
				return nil, errors.Wrapf(err, "task %s: decode keywords", inv.Name)
			}
		}
		return fn(ctx, p)
	}
}

type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds name to h. It panics on an empty name or a duplicate.
func (r *Registry) Register(name string, h Handler) {
	if name == "" || h == nil {
		panic("tasks: register needs a name and a handler")
	}
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("tasks: %s registered twice", name))
	}
	r.handlers[name] = h
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Wrap replaces every registered handler with mw(handler).
func (r *Registry) Wrap(mw func(Handler) Handler) {
	for n, h := range r.handlers {
		r.handlers[n] = mw(h)
	}
}
