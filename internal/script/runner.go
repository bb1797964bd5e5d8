package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/hearthwire/hearth-core/internal/rules"
)

// Runner invokes compiled programs on behalf of rule tasks.
//
// Every invocation runs in a fresh VM so rule scripts cannot observe
// each other. The VM is interrupted when the rule's context is
// cancelled or the per-invocation timeout elapses; wait primitives
// additionally honor cancellation natively.
type Runner struct {
	timeout time.Duration
}

// NewRunner creates a runner. timeout bounds one invocation's wall
// time; zero disables the bound.
func NewRunner(timeout time.Duration) *Runner {
	return &Runner{timeout: timeout}
}

// Trigger invokes a trigger program and converts its result into a
// rules.Trigger. Scripts return either a condition or an object
// {condition, timeout, forDuration} with durations in milliseconds.
func (r *Runner) Trigger(prog *Program, rt *rules.Runtime) (*rules.Trigger, error) {
	result, err := r.invoke(prog, rt)
	if err != nil {
		return nil, err
	}

	switch v := result.Export().(type) {
	case *condHandle:
		return &rules.Trigger{Root: v.cond}, nil
	case map[string]any:
		h, ok := v["condition"].(*condHandle)
		if !ok {
			return nil, &Error{
				Rule: prog.name, Kind: prog.kind,
				Message: "trigger object has no condition field",
			}
		}
		return &rules.Trigger{
			Root:        h.cond,
			Timeout:     optMillis(v, "timeout"),
			ForDuration: optMillis(v, "forDuration"),
		}, nil
	default:
		return nil, &Error{
			Rule: prog.name, Kind: prog.kind,
			Message: fmt.Sprintf("trigger returned %T, want a condition", v),
		}
	}
}

// NextTime invokes a next-time program. Scripts return epoch
// milliseconds or a Date.
func (r *Runner) NextTime(prog *Program, rt *rules.Runtime) (time.Time, error) {
	result, err := r.invoke(prog, rt)
	if err != nil {
		return time.Time{}, err
	}

	switch v := result.Export().(type) {
	case time.Time:
		return v, nil
	case float64:
		return time.UnixMilli(int64(v)), nil
	case int64:
		return time.UnixMilli(v), nil
	default:
		return time.Time{}, &Error{
			Rule: prog.name, Kind: prog.kind,
			Message: fmt.Sprintf("nextTime returned %T, want epoch milliseconds or Date", v),
		}
	}
}

// Action invokes an action program.
func (r *Runner) Action(prog *Program, rt *rules.Runtime) error {
	_, err := r.invoke(prog, rt)
	return err
}

// invoke runs one program invocation in a fresh VM bound to the rule's
// runtime.
func (r *Runner) invoke(prog *Program, rt *rules.Runtime) (goja.Value, error) {
	ctx := rt.Context()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	if _, err := vm.RunProgram(prog.source); err != nil {
		return nil, r.wrap(prog, ctx, err)
	}
	fn, ok := goja.AssertFunction(vm.Get(prog.entry))
	if !ok {
		return nil, &Error{
			Rule: prog.name, Kind: prog.kind,
			Message: fmt.Sprintf("function %s(ctx) missing", prog.entry),
		}
	}

	ctxObj, err := bindContext(vm, rt)
	if err != nil {
		return nil, err
	}

	// Interrupt pure-JS execution on cancellation; bound wait
	// primitives already honor the context themselves.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-watchDone:
		}
	}()

	result, err := fn(goja.Undefined(), ctxObj)
	if err != nil {
		return nil, r.wrap(prog, ctx, err)
	}
	return result, nil
}

// wrap converts a goja failure into the package error model. Context
// cancellation passes through untouched so the coordinator can tell an
// uninstall from a script bug.
func (r *Runner) wrap(prog *Program, ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		// Errors returned by bound Go functions surface as thrown
		// GoErrors; recover the original so context cancellation and
		// sentinel checks survive the script boundary.
		if cause, ok := exc.Value().Export().(error); ok {
			if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
				return cause
			}
			return &Error{Rule: prog.name, Kind: prog.kind, Message: cause.Error(), cause: cause}
		}
		return &Error{
			Rule: prog.name, Kind: prog.kind,
			Message: exc.Value().String(), cause: err,
		}
	}
	return &Error{Rule: prog.name, Kind: prog.kind, Message: err.Error(), cause: err}
}
