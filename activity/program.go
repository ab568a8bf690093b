package activity

import (
	"fmt"
	"reflect"

	"go.uber.org/multierr"
)

// Metadata collects what an activity declares about itself at compile time.
type Metadata struct {
	activity  Activity
	id        string
	children  []Activity
	seen      map[Activity]bool
	errs      error
	providers []func() any
}

// ID returns the activity ID being assigned.
func (md *Metadata) ID() string {
	return md.id
}

// AddChild declares children of the activity. Nil values and repeats are
// ignored. Only declared children can be scheduled.
func (md *Metadata) AddChild(children ...Activity) {
	for _, c := range children {
		if isNil(c) {
			continue
		}
		if reflect.ValueOf(c).Kind() == reflect.Pointer {
			if md.seen[c] {
				continue
			}
			if md.seen == nil {
				md.seen = map[Activity]bool{}
			}
			md.seen[c] = true
		}
		md.children = append(md.children, c)
	}
}

// AddValidationError records a validation problem. Compile reports all
// problems from all activities together.
func (md *Metadata) AddValidationError(format string, args ...any) {
	md.errs = multierr.Append(md.errs, &ActivityValidationError{
		ActivityID: md.id,
		Activity:   displayName(md.activity),
		Message:    fmt.Sprintf(format, args...),
	})
}

// AddDefaultExtensionProvider registers a constructor for an extension the
// activity needs. The host calls it only when no extension of the same type
// has been registered explicitly.
func (md *Metadata) AddDefaultExtensionProvider(provider func() any) {
	md.providers = append(md.providers, provider)
}

// node is the compiled form of one activity.
type node struct {
	id       string
	activity Activity
	parent   *node
	children map[Activity]*node
}

type extensionProvider struct {
	typ reflect.Type
	fn  func() any
}

// Program is a validated activity tree with stable activity IDs.
//
// A Program is immutable and may be shared by any number of hosts.
type Program struct {
	root       *node
	byID       map[string]*node
	byActivity map[Activity]*node
	providers  []extensionProvider
}

// Compile validates the activity tree rooted at root and assigns activity
// IDs. The root is "1", its children "1.1", "1.2" and so on.
//
// All validation problems are returned together in a *ValidationError.
func Compile(root Activity) (*Program, error) {
	if isNil(root) {
		return nil, &EngineError{Message: "root activity cannot be nil", Code: "NIL_ROOT"}
	}

	p := &Program{
		byID:       map[string]*node{},
		byActivity: map[Activity]*node{},
	}

	var errs error
	p.root = p.walk(root, "1", nil, nil, &errs)
	if errs != nil {
		return nil, newValidationError(errs)
	}

	if p.hasProvider(reflect.TypeOf((*CompensationExtension)(nil))) {
		p.wrapRoot(&workflowCompensationBehavior{Body: root}, &errs)
		if errs != nil {
			return nil, newValidationError(errs)
		}
	}

	return p, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(root Activity) *Program {
	p, err := Compile(root)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Program) walk(a Activity, id string, parent *node, chain []Activity, errs *error) *node {
	if reflect.ValueOf(a).Kind() != reflect.Pointer {
		*errs = multierr.Append(*errs, &ActivityValidationError{
			ActivityID: id,
			Activity:   displayName(a),
			Message:    "activities must be pointers",
		})
		return nil
	}
	if existing, ok := p.byActivity[a]; ok {
		*errs = multierr.Append(*errs, &ActivityValidationError{
			ActivityID: id,
			Activity:   displayName(a),
			Message:    "activity appears more than once in the tree, first at " + existing.id,
		})
		return nil
	}

	n := &node{id: id, activity: a, parent: parent, children: map[Activity]*node{}}
	p.byID[id] = n
	p.byActivity[a] = n

	md := &Metadata{activity: a, id: id}
	a.Metadata(md)
	*errs = multierr.Append(*errs, md.errs)

	if c, ok := a.(Constrained); ok {
		if err := c.Validate(chain); err != nil {
			*errs = multierr.Append(*errs, &ActivityValidationError{
				ActivityID: id,
				Activity:   displayName(a),
				Message:    err.Error(),
			})
		}
	}

	for _, fn := range md.providers {
		p.addProvider(fn)
	}

	childChain := append([]Activity{a}, chain...)
	for i, child := range md.children {
		if c := p.walk(child, fmt.Sprintf("%s.%d", id, i+1), n, childChain, errs); c != nil {
			n.children[child] = c
		}
	}

	return n
}

// wrapRoot installs w as the program root with ID "0". The original root
// keeps its ID.
func (p *Program) wrapRoot(w Activity, errs *error) {
	body := p.root
	n := &node{id: "0", activity: w, children: map[Activity]*node{}}
	p.byID["0"] = n
	p.byActivity[w] = n

	md := &Metadata{activity: w, id: "0"}
	w.Metadata(md)
	*errs = multierr.Append(*errs, md.errs)

	for i, child := range md.children {
		if child == body.activity {
			body.parent = n
			n.children[child] = body
			continue
		}
		if c := p.walk(child, fmt.Sprintf("0.%d", i+1), n, []Activity{w}, errs); c != nil {
			n.children[child] = c
		}
	}

	p.root = n
}

func (p *Program) addProvider(fn func() any) {
	t := reflect.TypeOf(fn())
	if p.hasProvider(t) {
		return
	}
	p.providers = append(p.providers, extensionProvider{typ: t, fn: fn})
}

func (p *Program) hasProvider(t reflect.Type) bool {
	for _, ep := range p.providers {
		if ep.typ == t {
			return true
		}
	}
	return false
}

// Root returns the root activity. When the tree contains compensable
// activities this is the implicit workflow compensation scope.
func (p *Program) Root() Activity {
	return p.root.activity
}

// ActivityID returns the ID assigned to a.
func (p *Program) ActivityID(a Activity) (string, bool) {
	n, ok := p.byActivity[a]
	if !ok {
		return "", false
	}
	return n.id, true
}

// Activity returns the activity with the given ID.
func (p *Program) Activity(id string) (Activity, bool) {
	n, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	return n.activity, true
}

func isNil(a Activity) bool {
	if a == nil {
		return true
	}
	v := reflect.ValueOf(a)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
