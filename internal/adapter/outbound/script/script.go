// Package script runs configurable handler and filter logic written as CEL
// expressions or registered Go functions.
//
// A script is compiled once, when its component is built. Every invocation
// receives the same Bindings slots; Globals persist across invocations of one
// component and are never shared between components.
package script

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/pipeline"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
	"github.com/Sentinel-Gate/filtergate/pkg/promise"
)

// ScriptFunc is a script written in Go. It may return a plain value, a
// *promise.Promise[any, error] or a *pipeline.ResponsePromise.
type ScriptFunc func(b *Bindings) (any, error)

// ScriptError is the failure of a script invocation.
type ScriptError struct {
	Script string
	Err    error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %s: %v", e.Script, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Script is a compiled script plus the state it carries between invocations.
type Script struct {
	name    string
	program *celProgram
	fn      ScriptFunc
	args    map[string]any
	globals *Globals
	logger  *slog.Logger
	http    pipeline.Handler
	ldap    LDAPClient
}

type options struct {
	name    string
	dir     string
	logger  *slog.Logger
	http    pipeline.Handler
	ldap    LDAPClient
	funcs   map[string]ScriptFunc
	timeout time.Duration
}

// Option configures a Script.
type Option func(*options)

// WithName names the script in logs and errors.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithDir resolves relative script files against dir.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithLogger sets the logger bound to the script.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPClient sets the outbound HTTP client bound to the script.
func WithHTTPClient(h pipeline.Handler) Option {
	return func(o *options) { o.http = h }
}

// WithLDAPClient sets the directory client bound to the script.
func WithLDAPClient(c LDAPClient) Option {
	return func(o *options) { o.ldap = c }
}

// WithFuncs registers the Go functions selectable with MimeTypeFunc.
func WithFuncs(funcs map[string]ScriptFunc) Option {
	return func(o *options) { o.funcs = funcs }
}

// WithEvalTimeout bounds a single CEL evaluation.
func WithEvalTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// New compiles cfg. Every configuration problem is reported here as a
// *pipeline.ConfigError, never at request time.
func New(cfg Config, opts ...Option) (*Script, error) {
	o := options{
		name:    "anonymous",
		logger:  slog.Default(),
		timeout: defaultEvalTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	component := "script " + o.name

	source, err := cfg.load(o.dir)
	if err != nil {
		return nil, &pipeline.ConfigError{Component: component, Err: err}
	}

	s := &Script{
		name:    o.name,
		args:    cfg.Args,
		globals: NewGlobals(),
		logger:  o.logger.With("script", o.name),
		http:    o.http,
		ldap:    o.ldap,
	}

	switch cfg.Type {
	case MimeTypeCEL:
		env, err := newEnvironment(s.globals, s.logger)
		if err != nil {
			return nil, &pipeline.ConfigError{Component: component, Err: fmt.Errorf("creating CEL environment: %w", err)}
		}
		prg, err := compileCEL(env, source, o.timeout)
		if err != nil {
			return nil, &pipeline.ConfigError{Component: component, Err: err}
		}
		s.program = prg
	case MimeTypeFunc:
		fn, ok := o.funcs[source]
		if !ok || fn == nil {
			return nil, &pipeline.ConfigError{Component: component, Err: fmt.Errorf("%w: %q", ErrUnknownFunc, source)}
		}
		s.fn = fn
	}
	return s, nil
}

// FromFunc wraps fn as a script.
func FromFunc(name string, fn ScriptFunc, opts ...Option) (*Script, error) {
	funcs := map[string]ScriptFunc{name: fn}
	return New(Config{Type: MimeTypeFunc, Source: name}, append(opts, WithName(name), WithFuncs(funcs))...)
}

// Name returns the script name.
func (s *Script) Name() string { return s.name }

// Globals returns the map shared by every invocation of s.
func (s *Script) Globals() *Globals { return s.globals }

// Bindings assembles the binding set for one invocation.
func (s *Script) Bindings(ctx *reqctx.Context, req *exchange.Request, next pipeline.Handler) *Bindings {
	var contexts map[string]*reqctx.Context
	if ctx != nil {
		contexts = ctx.Contexts()
	}
	return &Bindings{
		Context:  ctx,
		Contexts: contexts,
		Request:  req,
		HTTP:     s.http,
		LDAP:     s.ldap,
		Next:     next,
		Logger:   s.logger,
		Globals:  s.globals,
		Args:     s.args,
	}
}

// Execute runs the script. Errors and panics are logged and delivered as a
// *ScriptError on the returned promise.
func (s *Script) Execute(b *Bindings) *promise.Promise[any, error] {
	result, err := s.invoke(b)
	if err != nil {
		return promise.Failed[any, error](s.fault(b, err))
	}

	switch r := result.(type) {
	case *promise.Promise[any, error]:
		if r == nil {
			return promise.Resolved[any, error](nil)
		}
		return promise.Then(r, func(v any) (any, error) {
			return v, nil
		}, func(err error) (any, error) {
			return nil, s.fault(b, err)
		})
	case *pipeline.ResponsePromise:
		if r == nil {
			return promise.Resolved[any, error](nil)
		}
		return promise.Then(r, func(resp *exchange.Response) (any, error) {
			return resp, nil
		}, promise.NoopExceptionFunc[any, error]())
	default:
		return promise.Resolved[any, error](result)
	}
}

func (s *Script) invoke(b *Bindings) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &promise.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	if s.program != nil {
		return s.program.run(b)
	}
	return s.fn(b)
}

func (s *Script) fault(b *Bindings, err error) error {
	var se *ScriptError
	if !errors.As(err, &se) {
		se = &ScriptError{Script: s.name, Err: err}
	}
	s.logger.Error("script execution failed",
		"transaction_id", reqctx.TransactionIDFrom(b.Context),
		"error", err,
	)
	return se
}
