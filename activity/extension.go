package activity

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sync"
)

// extensionSet holds the extensions of one workflow instance, at most one
// per concrete type, in registration order.
type extensionSet struct {
	list []any
}

func (s *extensionSet) add(x any) error {
	t := reflect.TypeOf(x)
	if s.has(t) {
		return &EngineError{
			Message: fmt.Sprintf("an extension of type %s is already registered", t),
			Code:    "DUPLICATE_EXTENSION",
		}
	}
	s.list = append(s.list, x)
	return nil
}

func (s *extensionSet) has(t reflect.Type) bool {
	for _, x := range s.list {
		if reflect.TypeOf(x) == t {
			return true
		}
	}
	return false
}

func findExtension[T any](s *extensionSet) (T, bool) {
	for _, x := range s.list {
		if v, ok := x.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// GetExtension returns the workflow extension of type T. T may be a concrete
// type or an interface, in which case the first registered extension that
// implements it is returned.
func GetExtension[T any](ctx *Context) (T, bool) {
	return findExtension[T](ctx.ex.extensions)
}

func requireExtension[T any](ctx *Context) (T, error) {
	x, ok := GetExtension[T](ctx)
	if !ok {
		var zero T
		return zero, &EngineError{
			Message: fmt.Sprintf("workflow has no %T extension", zero),
			Code:    "EXTENSION_MISSING",
		}
	}
	return x, nil
}

// TextWriterExtension is the destination of WriteLine.
type TextWriterExtension struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTextWriterExtension returns an extension that writes to w. A nil writer
// writes to os.Stdout.
func NewTextWriterExtension(w io.Writer) *TextWriterExtension {
	if w == nil {
		w = os.Stdout
	}
	return &TextWriterExtension{w: w}
}

// WriteLine writes s followed by a newline.
func (t *TextWriterExtension) WriteLine(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := fmt.Fprintln(t.w, s)
	return err
}
