package activity

import (
	"errors"
	"fmt"
	"sync"
)

// ErrorClass is a node in a single-inheritance tree of error classes.
//
// TryCatch matches catches against the class of a fault: an exact match wins
// outright, otherwise the catch for the nearest ancestor class is chosen.
type ErrorClass struct {
	name   string
	parent *ErrorClass
}

var (
	classMu sync.RWMutex
	classes = map[string]*ErrorClass{}
)

// Built-in error classes.
var (
	ClassException        = NewErrorClass("Exception", nil)
	ClassInvalidOperation = NewErrorClass("InvalidOperationException", ClassException)
	ClassArithmetic       = NewErrorClass("ArithmeticException", ClassException)
	ClassCanceled         = NewErrorClass("OperationCanceledException", ClassException)
)

// NewErrorClass registers a new error class. A nil parent makes the class a
// child of ClassException (or the root, for ClassException itself).
//
// Class names are global; registering the same name twice panics.
func NewErrorClass(name string, parent *ErrorClass) *ErrorClass {
	classMu.Lock()
	defer classMu.Unlock()

	if _, ok := classes[name]; ok {
		panic(fmt.Sprintf("error class %q is already registered", name))
	}
	if parent == nil {
		parent = classes["Exception"]
	}

	c := &ErrorClass{name: name, parent: parent}
	classes[name] = c
	return c
}

// LookupErrorClass returns the registered class with the given name.
func LookupErrorClass(name string) (*ErrorClass, bool) {
	classMu.RLock()
	defer classMu.RUnlock()

	c, ok := classes[name]
	return c, ok
}

// Name returns the class name.
func (c *ErrorClass) Name() string {
	return c.name
}

// Parent returns the parent class, or nil for the root.
func (c *ErrorClass) Parent() *ErrorClass {
	return c.parent
}

// IsA reports whether c is other or derives from it.
func (c *ErrorClass) IsA(other *ErrorClass) bool {
	for x := c; x != nil; x = x.parent {
		if x == other {
			return true
		}
	}
	return false
}

func (c *ErrorClass) String() string {
	return c.name
}

// Classed is implemented by errors that belong to an ErrorClass.
type Classed interface {
	ErrorClass() *ErrorClass
}

// ClassOf returns the class of err. Errors that do not implement Classed
// anywhere in their chain belong to ClassException.
func ClassOf(err error) *ErrorClass {
	var c Classed
	if errors.As(err, &c) {
		if cls := c.ErrorClass(); cls != nil {
			return cls
		}
	}
	return ClassException
}

// Exception is a general purpose classed error.
type Exception struct {
	Class   *ErrorClass
	Message string
	Cause   error
}

// NewException returns an Exception of the given class.
func NewException(class *ErrorClass, format string, args ...any) *Exception {
	return &Exception{Class: class, Message: fmt.Sprintf(format, args...)}
}

func (e *Exception) Error() string {
	return e.ErrorClass().Name() + ": " + e.Message
}

// ErrorClass implements Classed.
func (e *Exception) ErrorClass() *ErrorClass {
	if e.Class == nil {
		return ClassException
	}
	return e.Class
}

func (e *Exception) Unwrap() error {
	return e.Cause
}

// Fault describes an error raised by an activity instance as it propagates
// toward a fault handler.
type Fault struct {
	// Err is the original error.
	Err error

	// Source is the instance whose work item raised the error.
	Source *Instance
}

// Class returns the error class of the fault.
func (f *Fault) Class() *ErrorClass {
	return ClassOf(f.Err)
}

// Record captures the fault in a serializable form.
func (f *Fault) Record() FaultRecord {
	msg := f.Err.Error()
	var ex *Exception
	if errors.As(f.Err, &ex) {
		msg = ex.Message
	}
	return FaultRecord{
		Class:      f.Class().Name(),
		Message:    msg,
		ActivityID: f.Source.ActivityID(),
		InstanceID: f.Source.ID(),
		Err:        f.Err,
	}
}

// FaultRecord is the persisted form of a caught fault, used while Catch and
// Finally handlers run.
type FaultRecord struct {
	Class      string `json:"class"`
	Message    string `json:"message"`
	ActivityID string `json:"activity_id"`
	InstanceID int64  `json:"instance_id"`

	// Err is the original error. It does not survive persistence; after a
	// restore ToError rebuilds an equivalent Exception from Class and Message.
	Err error `json:"-"`
}

// ToError returns the error carried by the record.
func (r FaultRecord) ToError() error {
	if r.Err != nil {
		return r.Err
	}
	cls, ok := LookupErrorClass(r.Class)
	if !ok {
		cls = ClassException
	}
	return &Exception{Class: cls, Message: r.Message}
}
