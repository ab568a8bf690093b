package activity

import (
	"fmt"
	"strconv"
	"strings"
)

// PickBranch pairs a trigger with the action that runs if the trigger wins.
type PickBranch struct {
	DisplayName string
	Trigger     Activity
	Action      Activity
}

// Pick runs the triggers of all branches at once. The first trigger to
// close wins: the other triggers are canceled and, once they have
// completed, the winner's action runs.
type Pick struct {
	DisplayName string
	Branches    []*PickBranch
}

func (p *Pick) Name() string { return p.DisplayName }

func (p *Pick) Metadata(md *Metadata) {
	for i, b := range p.Branches {
		if b == nil {
			md.AddValidationError("branch %d is nil", i)
			continue
		}
		if isNil(b.Trigger) {
			md.AddValidationError("branch %d (%s) has no Trigger", i, b.DisplayName)
		}
		md.AddChild(b.Trigger, b.Action)
	}
}

func (p *Pick) Execute(ctx *Context) error {
	ctx.SetLocal("winner", -1)
	for i, b := range p.Branches {
		if b == nil || isNil(b.Trigger) {
			continue
		}
		if _, err := ctx.ScheduleActivity(b.Trigger, "trigger:"+strconv.Itoa(i), ""); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pick) OnCompleted(ctx *Context, stage string, child *Instance) error {
	idx, ok := strings.CutPrefix(stage, "trigger:")
	if !ok {
		// The action completed.
		return nil
	}
	i, err := strconv.Atoi(idx)
	if err != nil {
		return fmt.Errorf("pick: bad stage %q: %w", stage, err)
	}

	winner := ctx.IntLocal("winner")
	if winner < 0 && child.State() == StateClosed && !ctx.IsCancellationRequested() {
		winner = i
		ctx.SetLocal("winner", winner)
		ctx.Emit("pick_branch_won", map[string]any{"branch": i})
		ctx.CancelChildren()
	}

	if winner < 0 || len(ctx.Children()) > 0 {
		return nil
	}
	action := p.Branches[winner].Action
	if isNil(action) {
		return nil
	}
	_, err = ctx.ScheduleActivity(action, "action", "")
	return err
}
