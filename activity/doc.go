// Package activity provides a persistable, resumable workflow runtime that
// executes trees of composable activities.
//
// A workflow is a tree of Activity values (Sequence, If, While, ForEach,
// Parallel, Pick, TryCatch, Flowchart, StateMachine, CompensableActivity, and
// user-defined leaves). Compile validates the tree and assigns every activity
// a stable identifier. A Host then runs the compiled Program as a series of
// single-threaded execution turns:
//
//   - Each scheduled activity gets an Instance in the runtime tree.
//   - Completion and fault callbacks flow bottom-up through explicit stage
//     names rather than closures, so the whole tree can be captured in a
//     Snapshot at any idle point and restored later.
//   - Activities suspend by creating bookmarks. The workflow becomes idle when
//     no work is queued, and resumes when the host delivers a bookmark
//     resumption or a durable timer fires.
//
// Example:
//
//	root := &activity.Sequence{
//	    Variables: []activity.Variable{{Name: "x"}},
//	    Activities: []activity.Activity{
//	        &activity.Assign{To: "x", Value: activity.Literal[any](42)},
//	        &activity.WriteLine{Text: activity.Format("%v", activity.Var[any]("x"))},
//	    },
//	}
//
//	outputs, err := activity.Invoke(ctx, root, nil)
//
// Long-running workflows use a Host directly, so they can be persisted to a
// store while idle and resumed later:
//
//	host, err := activity.NewHost(program, activity.WithStore(st))
//	err = host.Run(ctx, inputs)
//	err = host.Persist(ctx)
//	// later, possibly in another process
//	host, err = activity.Load(ctx, program, st, workflowID)
//	result, err := host.ResumeNamed(ctx, "approval", true)
package activity
