// Package reqctx implements the immutable context chain threaded through the
// filter pipeline.
//
// Each Context node adds one named value to everything visible from its
// parent. Nodes are never mutated after construction, so a chain can be read
// from any number of goroutines. Lookups walk from the leaf toward the root.
package reqctx

import (
	"context"

	"github.com/google/uuid"
)

// RootName is the name of the root context.
const RootName = "root"

// Context is one node of the chain.
type Context struct {
	id     string
	name   string
	parent *Context
	value  any
	std    context.Context
}

// NewRoot starts a chain. std supplies cancellation for outbound work and may
// be nil, in which case context.Background() is used.
func NewRoot(std context.Context) *Context {
	if std == nil {
		std = context.Background()
	}
	return &Context{
		id:   uuid.NewString(),
		name: RootName,
		std:  std,
	}
}

// Extend returns a child of parent carrying value under name.
// A nil parent starts from a fresh root.
func Extend(parent *Context, name string, value any) *Context {
	if parent == nil {
		parent = NewRoot(nil)
	}
	return &Context{
		id:     uuid.NewString(),
		name:   name,
		parent: parent,
		value:  value,
		std:    parent.std,
	}
}

// ExtendStd is Extend with std replacing the Go context for the new node and
// its descendants. A nil std keeps the parent's.
func ExtendStd(parent *Context, std context.Context, name string, value any) *Context {
	c := Extend(parent, name, value)
	if std != nil {
		c.std = std
	}
	return c
}

// ID returns the unique identifier of this node.
func (c *Context) ID() string { return c.id }

// Name returns the name this node was registered under.
func (c *Context) Name() string { return c.name }

// Parent returns the parent node, or nil for the root.
func (c *Context) Parent() *Context { return c.parent }

// Value returns the value carried by this node.
func (c *Context) Value() any { return c.value }

// Std returns the Go context carried by the chain.
func (c *Context) Std() context.Context { return c.std }

// IsRoot reports whether c has no parent.
func (c *Context) IsRoot() bool { return c.parent == nil }

// Named returns the nearest node called name.
func (c *Context) Named(name string) (*Context, bool) {
	for n := c; n != nil; n = n.parent {
		if n.name == name {
			return n, true
		}
	}
	return nil, false
}

// Contexts returns the nearest node for every name visible from c.
func (c *Context) Contexts() map[string]*Context {
	out := make(map[string]*Context)
	for n := c; n != nil; n = n.parent {
		if _, seen := out[n.name]; !seen {
			out[n.name] = n
		}
	}
	return out
}

// Find returns the nearest value of type T visible from c.
func Find[T any](c *Context) (T, bool) {
	for n := c; n != nil; n = n.parent {
		if v, ok := n.value.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}
