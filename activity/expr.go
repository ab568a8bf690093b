package activity

import (
	"encoding/json"
	"fmt"
)

// Expr is an expression evaluated against the current execution context.
//
// Expressions are plain functions so they never need to be persisted; their
// inputs come from the property scope, which is persisted.
type Expr[T any] func(ctx *Context) (T, error)

// Eval evaluates e. A nil expression yields the zero value of T.
func (e Expr[T]) Eval(ctx *Context) (T, error) {
	if e == nil {
		var zero T
		return zero, nil
	}
	return e(ctx)
}

// Literal returns an expression that always yields v.
func Literal[T any](v T) Expr[T] {
	return func(*Context) (T, error) {
		return v, nil
	}
}

// Var returns an expression that reads the named variable from the property
// scope and converts it to T.
//
// Values that were restored from a snapshot are decoded from JSON without
// type information, so numbers come back as float64. Var converts them back
// by re-encoding the value into T.
func Var[T any](name string) Expr[T] {
	return func(ctx *Context) (T, error) {
		var zero T
		v, ok := ctx.Lookup(name)
		if !ok {
			return zero, fmt.Errorf("%w: %s", ErrUndeclaredVariable, name)
		}
		return convert[T](v)
	}
}

// Func adapts a function that cannot fail to an expression.
func Func[T any](fn func(ctx *Context) T) Expr[T] {
	return func(ctx *Context) (T, error) {
		return fn(ctx), nil
	}
}

// Format returns a string expression that formats the values of args with
// fmt.Sprintf.
func Format(format string, args ...Expr[any]) Expr[string] {
	return func(ctx *Context) (string, error) {
		values := make([]any, len(args))
		for i, a := range args {
			v, err := a.Eval(ctx)
			if err != nil {
				return "", err
			}
			values[i] = v
		}
		return fmt.Sprintf(format, values...), nil
	}
}

func convert[T any](v any) (T, error) {
	if t, ok := v.(T); ok {
		return t, nil
	}

	var out T
	if v == nil {
		return out, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("cannot convert %T to %T: %w", v, out, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("cannot convert %T to %T: %w", v, out, err)
	}
	return out, nil
}
