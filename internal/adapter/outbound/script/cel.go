package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"
)

// maxExpressionLength is the maximum allowed length for CEL scripts.
const maxExpressionLength = 4096

// maxCostBudget is the CEL runtime cost limit per evaluation.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// defaultEvalTimeout bounds a single evaluation.
const defaultEvalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context cancellation is checked.
const interruptCheckFreq = 100

// celProgram is a compiled CEL script.
type celProgram struct {
	prg     cel.Program
	timeout time.Duration
}

// newEnvironment declares the script variables and the functions bound to
// one script's globals and logger.
func newEnvironment(globals *Globals, logger *slog.Logger) (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("contexts", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("globals", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),

		// glob: shell pattern matching.
		// Usage: glob("/api/*", request.path)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// globals_set: stores a value for later invocations and returns it.
		// Usage: globals_set("last_path", request.path)
		cel.Function("globals_set",
			cel.Overload("globals_set_string_dyn",
				[]*cel.Type{cel.StringType, cel.DynType},
				cel.DynType,
				cel.BinaryBinding(func(key, value ref.Val) ref.Val {
					native, err := toNative(value)
					if err != nil {
						return types.NewErr("globals_set: %v", err)
					}
					globals.Store(key.Value().(string), native)
					return value
				}),
			),
		),

		// globals_incr: atomically increments an integer counter and returns
		// the new value.
		// Usage: globals_incr("hits") > 100
		cel.Function("globals_incr",
			cel.Overload("globals_incr_string",
				[]*cel.Type{cel.StringType},
				cel.IntType,
				cel.UnaryBinding(func(key ref.Val) ref.Val {
					v := globals.Update(key.Value().(string), func(old any, _ bool) any {
						n, _ := old.(int64)
						return n + 1
					})
					return types.Int(v.(int64))
				}),
			),
		),

		// log: writes msg to the script logger and returns true.
		// Usage: log("denied " + request.path) && false
		cel.Function("log",
			cel.Overload("log_string",
				[]*cel.Type{cel.StringType},
				cel.BoolType,
				cel.UnaryBinding(func(msg ref.Val) ref.Val {
					logger.Info(msg.Value().(string))
					return types.True
				}),
			),
		),
	)
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// compileCEL checks the safety limits, then parses and type-checks source.
func compileCEL(env *cel.Env, source string, timeout time.Duration) (*celProgram, error) {
	if len(source) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(source), maxExpressionLength)
	}
	if err := validateNesting(source); err != nil {
		return nil, err
	}

	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	// No cel.OptOptimize: it would fold globals_set and log calls with
	// constant arguments at plan time.
	prg, err := env.Program(ast,
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return &celProgram{prg: prg, timeout: timeout}, nil
}

// run evaluates the program against b and converts the result to Go values.
func (p *celProgram) run(b *Bindings) (any, error) {
	std := context.Background()
	if b.Context != nil {
		std = b.Context.Std()
	}
	ctx, cancel := context.WithTimeout(std, p.timeout)
	defer cancel()

	result, _, err := p.prg.ContextEval(ctx, activation(b))
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	return toNative(result)
}

// activation exposes b to CEL. Only plain maps, lists and scalars cross the
// boundary.
func activation(b *Bindings) map[string]any {
	attributes := map[string]any{}
	if attrs, ok := attributesOf(b.Context); ok {
		attributes = attrs
	}
	globals := map[string]any{}
	if b.Globals != nil {
		globals = describeMap(b.Globals.Snapshot())
	}
	args := map[string]any{}
	if b.Args != nil {
		args = describeMap(b.Args)
	}

	return map[string]any{
		"context":    describeContext(b.Context),
		"contexts":   describeContexts(b.Contexts),
		"request":    describeRequest(b.Request),
		"globals":    globals,
		"args":       args,
		"attributes": attributes,
	}
}

// toNative converts a CEL value into maps, slices and scalars.
func toNative(val ref.Val) (any, error) {
	if val == nil || val.Type() == types.NullType {
		return nil, nil
	}
	if types.IsError(val) {
		return nil, fmt.Errorf("%v", val)
	}
	switch v := val.(type) {
	case traits.Mapper:
		out := make(map[string]any)
		it := v.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			key, ok := k.Value().(string)
			if !ok {
				key = fmt.Sprint(k.Value())
			}
			elem, err := toNative(v.Get(k))
			if err != nil {
				return nil, err
			}
			out[key] = elem
		}
		return out, nil
	case traits.Lister:
		size, ok := v.Size().(types.Int)
		if !ok {
			return nil, errors.New("list without size")
		}
		out := make([]any, 0, int(size))
		for i := types.Int(0); i < size; i++ {
			elem, err := toNative(v.Get(i))
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil
	default:
		return val.Value(), nil
	}
}
