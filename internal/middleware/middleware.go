// Package middleware provides a composable interceptor chain that runs
// around every clearing-engine operation.
//
// Middlewares wrap in onion order: pre-processing happens in declaration
// order, post-processing in reverse. The chain runs outside the storage
// transaction, so a middleware can short-circuit a request before any
// locks are taken. Calling next() more than once from a single middleware
// is a programming error and panics.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lucytrasero/ROBOX-sub001/internal/logging"
)

// ErrRateLimited is returned when an actor exceeds its token bucket.
var ErrRateLimited = errors.New("middleware: rate limited")

// Context carries one operation through the chain.
type Context struct {
	Ctx        context.Context
	Action     string
	Params     map[string]any
	ActorID    string
	ActorRoles []string
	StartTime  time.Time

	values map[string]any
}

// Set stores an annotation on the operation context.
func (c *Context) Set(key string, v any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = v
}

// Get retrieves an annotation set by an earlier middleware.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Next continues the chain. The innermost Next runs the operation itself.
type Next func() error

// Middleware wraps an operation.
type Middleware func(c *Context, next Next) error

// Chain is an ordered middleware list. Composition happens at
// registration time: Use rebuilds the composed wrapper, so Run is a
// plain function call with no per-request assembly.
type Chain struct {
	mws      []Middleware
	composed func(c *Context, op Next) error
}

// NewChain creates a chain with the given middlewares, outermost first.
func NewChain(mws ...Middleware) *Chain {
	ch := &Chain{}
	ch.Use(mws...)
	return ch
}

// Use appends middlewares to the chain and recomposes.
func (ch *Chain) Use(mws ...Middleware) {
	ch.mws = append(ch.mws, mws...)
	ch.composed = compose(ch.mws)
}

// Run executes op inside the chain.
func (ch *Chain) Run(c *Context, op Next) error {
	if c.StartTime.IsZero() {
		c.StartTime = time.Now()
	}
	if ch.composed == nil {
		return op()
	}
	return ch.composed(c, op)
}

// compose folds the middleware list right-to-left so that mws[0] is the
// outermost layer. Each layer guards its next() against double invocation.
func compose(mws []Middleware) func(c *Context, op Next) error {
	return func(c *Context, op Next) error {
		var build func(i int) Next
		build = func(i int) Next {
			if i == len(mws) {
				return op
			}
			called := false
			return func() error {
				if called {
					panic(fmt.Sprintf("middleware: next() called twice in %q layer %d", c.Action, i))
				}
				called = true
				return mws[i](c, build(i+1))
			}
		}
		return build(0)()
	}
}

// Logging logs every operation with its outcome and duration.
func Logging() Middleware {
	return func(c *Context, next Next) error {
		start := time.Now()
		err := next()
		logger := logging.L(c.Ctx).With(
			"action", c.Action,
			"actor", c.ActorID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		if err != nil {
			logger.Warn("operation failed", "error", err)
		} else {
			logger.Debug("operation completed")
		}
		return err
	}
}

// Timing annotates the context with the operation duration.
func Timing() Middleware {
	return func(c *Context, next Next) error {
		start := time.Now()
		err := next()
		c.Set("duration", time.Since(start))
		return err
	}
}

// Validate runs a per-action validator against the operation parameters
// before anything else happens. Actions without a validator pass through.
func Validate(validators map[string]func(params map[string]any) error) Middleware {
	return func(c *Context, next Next) error {
		if v, ok := validators[c.Action]; ok {
			if err := v(c.Params); err != nil {
				return err
			}
		}
		return next()
	}
}

// ErrorTransform maps errors leaving the chain through fn. A nil result
// from fn clears the error; fn is not called on success.
func ErrorTransform(fn func(action string, err error) error) Middleware {
	return func(c *Context, next Next) error {
		err := next()
		if err != nil {
			return fn(c.Action, err)
		}
		return nil
	}
}

// When gates a middleware behind a predicate. When pred is false the layer
// is transparent.
func When(pred func(c *Context) bool, mw Middleware) Middleware {
	return func(c *Context, next Next) error {
		if pred(c) {
			return mw(c, next)
		}
		return next()
	}
}
