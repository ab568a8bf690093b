package activity

import (
	"fmt"
	"reflect"
	"sort"
)

// FlowNode is a node of a Flowchart: a *FlowStep, a *FlowDecision or a
// *FlowSwitch.
type FlowNode interface {
	successors() []FlowNode
}

// flowBranch is implemented by nodes that choose their successor without
// running an activity.
type flowBranch interface {
	FlowNode
	next(ctx *Context) (FlowNode, error)
}

// FlowStep runs Action and then continues with Next.
type FlowStep struct {
	Action Activity
	Next   FlowNode
}

func (s *FlowStep) successors() []FlowNode {
	return []FlowNode{s.Next}
}

// FlowDecision continues with True or False depending on Condition.
type FlowDecision struct {
	DisplayName string
	Condition   Expr[bool]
	True        FlowNode
	False       FlowNode
}

func (d *FlowDecision) successors() []FlowNode {
	return []FlowNode{d.True, d.False}
}

func (d *FlowDecision) next(ctx *Context) (FlowNode, error) {
	ok, err := d.Condition.Eval(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return d.True, nil
	}
	return d.False, nil
}

// FlowSwitch continues with the case whose key equals the value of
// Expression, or with Default. The zero value of T is a valid key.
type FlowSwitch[T comparable] struct {
	DisplayName string
	Expression  Expr[T]
	Cases       map[T]FlowNode
	Default     FlowNode
}

func (s *FlowSwitch[T]) successors() []FlowNode {
	keys := make([]T, 0, len(s.Cases))
	for k := range s.Cases {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j])
	})

	out := make([]FlowNode, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, s.Cases[k])
	}
	return append(out, s.Default)
}

func (s *FlowSwitch[T]) next(ctx *Context) (FlowNode, error) {
	v, err := s.Expression.Eval(ctx)
	if err != nil {
		return nil, err
	}
	if n, ok := s.Cases[v]; ok {
		return n, nil
	}
	if !isNilNode(s.Default) {
		return s.Default, nil
	}
	ctx.Emit("flowswitch_case_not_found", map[string]any{
		"switch": s.DisplayName,
		"value":  fmt.Sprint(v),
	})
	return nil, nil
}

// Flowchart walks a possibly cyclic graph of flow nodes from StartNode.
//
// Reachable nodes are numbered once, depth first from StartNode, and the
// running position is kept as a number so it survives persistence. The walk
// from one step to the next is a loop, so long chains of decisions do not
// grow the stack.
type Flowchart struct {
	DisplayName string
	StartNode   FlowNode

	// Nodes lists the nodes of the chart. It is only used for validation;
	// the graph is discovered from StartNode.
	Nodes     []FlowNode
	Variables []Variable

	nodes []FlowNode
	index map[FlowNode]int
}

func (f *Flowchart) Name() string { return f.DisplayName }

func (f *Flowchart) Metadata(md *Metadata) {
	validateVariables(md, f.Variables)

	f.nodes = nil
	f.index = map[FlowNode]int{}

	if isNilNode(f.StartNode) {
		if len(f.Nodes) > 0 {
			md.AddValidationError("StartNode is required when Nodes are present")
		}
		return
	}

	stack := []FlowNode{f.StartNode}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if isNilNode(n) {
			continue
		}
		if _, ok := f.index[n]; ok {
			continue
		}

		f.index[n] = len(f.nodes)
		f.nodes = append(f.nodes, n)

		succ := n.successors()
		for i := len(succ) - 1; i >= 0; i-- {
			stack = append(stack, succ[i])
		}
	}

	for _, n := range f.nodes {
		switch x := n.(type) {
		case *FlowStep:
			md.AddChild(x.Action)
		case *FlowDecision:
			if x.Condition == nil {
				md.AddValidationError("decision %q has no Condition", x.DisplayName)
			}
		case flowBranch:
		default:
			md.AddValidationError("unsupported flow node %T", n)
		}
	}
}

func (f *Flowchart) Execute(ctx *Context) error {
	if err := declareVariables(ctx, f.Variables); err != nil {
		return err
	}
	if isNilNode(f.StartNode) {
		return nil
	}
	return f.walk(ctx, f.StartNode)
}

func (f *Flowchart) walk(ctx *Context, n FlowNode) error {
	for !isNilNode(n) {
		i, ok := f.index[n]
		if !ok {
			return invalidOp("Flowchart", "node %T is not part of flowchart %s", n, ctx.ActivityID())
		}

		switch x := n.(type) {
		case *FlowStep:
			if isNil(x.Action) {
				n = x.Next
				continue
			}
			ctx.SetLocal("current", i)
			_, err := ctx.ScheduleActivity(x.Action, "step", "")
			return err
		case flowBranch:
			next, err := x.next(ctx)
			if err != nil {
				return err
			}
			n = next
		default:
			return invalidOp("Flowchart", "unsupported flow node %T", n)
		}
	}
	return nil
}

func (f *Flowchart) OnCompleted(ctx *Context, _ string, _ *Instance) error {
	if ctx.IsCancellationRequested() {
		return nil
	}
	i := ctx.IntLocal("current")
	if i < 0 || i >= len(f.nodes) {
		return invalidOp("Flowchart", "position %d out of range", i)
	}
	step, ok := f.nodes[i].(*FlowStep)
	if !ok {
		return invalidOp("Flowchart", "position %d is not a step", i)
	}
	return f.walk(ctx, step.Next)
}

func isNilNode(n FlowNode) bool {
	if n == nil {
		return true
	}
	v := reflect.ValueOf(n)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
