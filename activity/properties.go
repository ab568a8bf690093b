package activity

import "fmt"

// Properties is the dynamic property scope of an instance.
//
// Each instance has its own map of properties. Lookups search the current
// instance first and then each ancestor in turn, so a value added by an
// ancestor is visible to its whole subtree. Workflow inputs live in the
// root scope.
type Properties struct {
	inst *Instance
}

// Find returns the innermost value for name.
func (p Properties) Find(name string) (any, bool) {
	for i := p.inst; i != nil; i = i.parent {
		if v, ok := i.props[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Add declares name in the current scope, shadowing outer values.
func (p Properties) Add(name string, value any) {
	p.inst.props[name] = value
}

// Remove deletes name from the current scope only.
func (p Properties) Remove(name string) {
	delete(p.inst.props, name)
}

// Set updates the innermost scope that declares name.
func (p Properties) Set(name string, value any) error {
	for i := p.inst; i != nil; i = i.parent {
		if _, ok := i.props[name]; ok {
			i.props[name] = value
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUndeclaredVariable, name)
}

// Flatten returns every visible property, with inner values shadowing outer
// ones.
func (p Properties) Flatten() map[string]any {
	out := map[string]any{}
	var chain []*Instance
	for i := p.inst; i != nil; i = i.parent {
		chain = append(chain, i)
	}
	for n := len(chain) - 1; n >= 0; n-- {
		for k, v := range chain[n].props {
			out[k] = v
		}
	}
	return out
}

// Variable declares a named property in an activity's scope.
type Variable struct {
	Name    string
	Default Expr[any]
}

// declareVariables evaluates defaults and adds vars to the current scope.
func declareVariables(ctx *Context, vars []Variable) error {
	for _, v := range vars {
		value, err := v.Default.Eval(ctx)
		if err != nil {
			return fmt.Errorf("variable %s: %w", v.Name, err)
		}
		ctx.Properties().Add(v.Name, value)
	}
	return nil
}

func validateVariables(md *Metadata, vars []Variable) {
	seen := map[string]bool{}
	for _, v := range vars {
		if v.Name == "" {
			md.AddValidationError("variable name cannot be empty")
			continue
		}
		if seen[v.Name] {
			md.AddValidationError("duplicate variable %q", v.Name)
		}
		seen[v.Name] = true
	}
}
