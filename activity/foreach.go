package activity

import "fmt"

const valuesKey = "$activityflow.values"

// ForEach runs Body once per value, one after another. The current value is
// visible to Body as the property named Item.
type ForEach struct {
	DisplayName string
	Values      Expr[[]any]
	Item        string
	Body        Activity
}

func (f *ForEach) Name() string { return f.DisplayName }

func (f *ForEach) Metadata(md *Metadata) {
	validateIteration(md, f.Values, f.Item)
	md.AddChild(f.Body)
}

func (f *ForEach) Execute(ctx *Context) error {
	values, err := f.Values.Eval(ctx)
	if err != nil {
		return err
	}
	if isNil(f.Body) || len(values) == 0 {
		return nil
	}

	ctx.inst.props[valuesKey] = values
	return f.scheduleAt(ctx, 0)
}

func (f *ForEach) scheduleAt(ctx *Context, i int) error {
	values, err := ownValues(ctx)
	if err != nil || i >= len(values) {
		return err
	}

	ctx.SetLocal("index", i)
	_, err = ctx.ScheduleActivity(f.Body, "body", "", WithProperty(f.Item, values[i]))
	return err
}

func (f *ForEach) OnCompleted(ctx *Context, _ string, _ *Instance) error {
	if ctx.IsCancellationRequested() {
		return nil
	}
	return f.scheduleAt(ctx, ctx.IntLocal("index")+1)
}

// ParallelForEach schedules Body for every value at once. The branches
// interleave on the workflow's single logical thread.
//
// CompletionCondition, when set, is evaluated after each branch completes;
// once it holds the remaining branches are canceled and the activity
// completes.
type ParallelForEach struct {
	DisplayName         string
	Values              Expr[[]any]
	Item                string
	Body                Activity
	CompletionCondition Expr[bool]
}

func (p *ParallelForEach) Name() string { return p.DisplayName }

func (p *ParallelForEach) Metadata(md *Metadata) {
	validateIteration(md, p.Values, p.Item)
	md.AddChild(p.Body)
}

func (p *ParallelForEach) Execute(ctx *Context) error {
	values, err := p.Values.Eval(ctx)
	if err != nil {
		return err
	}
	if isNil(p.Body) {
		return nil
	}

	for _, v := range values {
		if _, err := ctx.ScheduleActivity(p.Body, "body", "", WithProperty(p.Item, v)); err != nil {
			return err
		}
	}
	return nil
}

func (p *ParallelForEach) OnCompleted(ctx *Context, _ string, _ *Instance) error {
	return completeBranch(ctx, p.CompletionCondition)
}

// Parallel schedules every branch at once.
//
// CompletionCondition, when set, is evaluated after each branch completes;
// once it holds the remaining branches are canceled.
type Parallel struct {
	DisplayName         string
	Branches            []Activity
	CompletionCondition Expr[bool]
	Variables           []Variable
}

func (p *Parallel) Name() string { return p.DisplayName }

func (p *Parallel) Metadata(md *Metadata) {
	validateVariables(md, p.Variables)
	md.AddChild(p.Branches...)
}

func (p *Parallel) Execute(ctx *Context) error {
	if err := declareVariables(ctx, p.Variables); err != nil {
		return err
	}
	for _, b := range p.Branches {
		if isNil(b) {
			continue
		}
		if _, err := ctx.ScheduleActivity(b, "branch", ""); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parallel) OnCompleted(ctx *Context, _ string, _ *Instance) error {
	return completeBranch(ctx, p.CompletionCondition)
}

func completeBranch(ctx *Context, condition Expr[bool]) error {
	if condition == nil || ctx.IsCancellationRequested() || ctx.BoolLocal("conditionMet") {
		return nil
	}
	if len(ctx.Children()) == 0 {
		return nil
	}

	met, err := condition.Eval(ctx)
	if err != nil || !met {
		return err
	}
	ctx.SetLocal("conditionMet", true)
	ctx.CancelChildren()
	return nil
}

func ownValues(ctx *Context) ([]any, error) {
	v, ok := ctx.inst.props[valuesKey]
	if !ok {
		return nil, nil
	}
	values, err := convert[[]any](v)
	if err != nil {
		return nil, fmt.Errorf("iteration values: %w", err)
	}
	return values, nil
}

func validateIteration(md *Metadata, values Expr[[]any], item string) {
	if values == nil {
		md.AddValidationError("Values is required")
	}
	if item == "" {
		md.AddValidationError("Item is required")
	}
}
