package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hearthwire/hearth-core/internal/audit"
	"github.com/hearthwire/hearth-core/internal/scenes"
)

// HubClient is the device surface rule executions need.
// *hub.Client implements it.
type HubClient interface {
	Attributes(ctx context.Context, deviceID string) (map[string]any, error)
	BulkAttributes(ctx context.Context, deviceIDs []string) (map[string]map[string]any, error)
	SendCommand(ctx context.Context, deviceID, command string, args ...string) error
}

// SceneService is the scene surface rule executions need.
// *scenes.Manager implements it.
type SceneService interface {
	Get(ctx context.Context, name string) (*scenes.Scene, error)
	IsSet(ctx context.Context, name string) (bool, error)
	Apply(ctx context.Context, name string) (*scenes.ApplyResult, error)
}

// Deps bundles the collaborators shared by all rule executions.
type Deps struct {
	Engine *Engine
	Hub    HubClient
	Scenes SceneService
	Audit  audit.Logger
	Logger Logger
}

func (d *Deps) normalize() {
	if d.Audit == nil {
		d.Audit = audit.NopLogger{}
	}
	if d.Logger == nil {
		d.Logger = noopLogger{}
	}
}

// Runtime is the execution context handed to every trigger, next-time,
// and action invocation of one rule cycle. It binds the wait primitives
// and collaborator calls to the rule's identity and cancellation.
//
// Suspension points are Wait, WaitFor, WaitForChange, and WaitUntil;
// cancellation of the rule task is honored at those points and between
// collaborator calls, never mid-call.
type Runtime struct {
	ruleName string
	ctx      context.Context
	deps     Deps
}

// NewRuntime creates an execution context for one rule.
func NewRuntime(ctx context.Context, ruleName string, deps Deps) *Runtime {
	deps.normalize()
	return &Runtime{ruleName: ruleName, ctx: ctx, deps: deps}
}

// RuleName returns the owning rule's name.
func (rt *Runtime) RuleName() string { return rt.ruleName }

// Context returns the rule task's context.
func (rt *Runtime) Context() context.Context { return rt.ctx }

// Wait suspends the calling rule task for d. It returns early with the
// context error when the rule is uninstalled.
func (rt *Runtime) Wait(d time.Duration) error {
	if err := rt.ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-rt.ctx.Done():
		return rt.ctx.Err()
	}
}

// WaitFor primes and registers a condition tree, then suspends until it
// fires or times out. Returns true on fired, false on timeout. Zero
// timeout waits indefinitely; forDuration requires continuous truth.
//
// If the rule is uninstalled while suspended the tree is removed and
// the context error returned.
func (rt *Runtime) WaitFor(cond Condition, timeout, forDuration time.Duration) (bool, error) {
	if err := rt.primeTree(cond); err != nil {
		return false, err
	}

	outcome, err := rt.deps.Engine.AddCondition(cond, ConditionOptions{
		Timeout:     timeout,
		ForDuration: forDuration,
	})
	if err != nil {
		return false, err
	}

	select {
	case o, ok := <-outcome:
		if !ok {
			// Removed out from under us, e.g. by uninstall.
			return false, context.Canceled
		}
		return o == OutcomeFired, nil
	case <-rt.ctx.Done():
		if err := rt.deps.Engine.RemoveCondition(cond.ID()); err != nil &&
			!errors.Is(err, ErrConditionNotFound) {
			rt.deps.Logger.Warn("removing condition on cancel failed",
				"rule", rt.ruleName, "error", err)
		}
		return false, rt.ctx.Err()
	}
}

// WaitForChange suspends until the attribute's value differs from its
// value at the time of the call. Returns true on change, false on
// timeout.
func (rt *Runtime) WaitForChange(deviceID, attribute string, timeout time.Duration) (bool, error) {
	return rt.WaitFor(OnChange(deviceID, attribute), timeout, 0)
}

// WaitUntil suspends until the next occurrence of a time of day given
// as "15:04" or "15:04:05" in the local timezone.
func (rt *Runtime) WaitUntil(timeOfDay string) error {
	next, err := nextOccurrence(time.Now(), timeOfDay)
	if err != nil {
		return err
	}
	return rt.Wait(time.Until(next))
}

// Check primes a condition tree and evaluates it against current device
// state. It never registers for future events and never suspends.
func (rt *Runtime) Check(cond Condition) (bool, error) {
	if err := rt.primeTree(cond); err != nil {
		return false, err
	}
	return cond.State(), nil
}

// primeTree bulk-fetches current values for every device in the tree
// and loads them into the leaves.
func (rt *Runtime) primeTree(root Condition) error {
	ids := Devices(root)
	if len(ids) == 0 {
		Prime(root, func(string, string) (any, bool) { return nil, false })
		return nil
	}

	attrs, err := rt.deps.Hub.BulkAttributes(rt.ctx, ids)
	if err != nil {
		return fmt.Errorf("priming condition values: %w", err)
	}
	Prime(root, func(deviceID, attribute string) (any, bool) {
		v, ok := attrs[deviceID][attribute]
		return v, ok
	})
	return nil
}

// Attribute reads one current attribute value from the hub.
func (rt *Runtime) Attribute(deviceID, attribute string) (any, error) {
	attrs, err := rt.deps.Hub.Attributes(rt.ctx, deviceID)
	if err != nil {
		return nil, err
	}
	v, ok := attrs[attribute]
	if !ok {
		return nil, fmt.Errorf("rules: device %s has no attribute %q", deviceID, attribute)
	}
	return v, nil
}

// SendCommand issues a device command and records it for audit.
func (rt *Runtime) SendCommand(deviceID, command string, args ...string) error {
	err := rt.deps.Hub.SendCommand(rt.ctx, deviceID, command, args...)
	rt.deps.Audit.Record(rt.ctx, audit.Event{
		Type:     audit.TypeDevice,
		Action:   "command",
		RuleName: rt.ruleName,
		DeviceID: deviceID,
		Success:  err == nil,
		Error:    errString(err),
		Details:  map[string]any{"command": command, "args": args},
	})
	return err
}

// SceneIsSet reports whether every requirement of the named scene holds.
func (rt *Runtime) SceneIsSet(name string) (bool, error) {
	return rt.deps.Scenes.IsSet(rt.ctx, name)
}

// ApplyScene sends the scene's commands and records the result. Partial
// failures are returned as an error listing the failed commands; no
// retries are made here.
func (rt *Runtime) ApplyScene(name string) error {
	result, err := rt.deps.Scenes.Apply(rt.ctx, name)
	success := err == nil && result.Success
	rt.deps.Audit.Record(rt.ctx, audit.Event{
		Type:      audit.TypeScene,
		Action:    "applied",
		RuleName:  rt.ruleName,
		SceneName: name,
		Success:   success,
		Error:     errString(err),
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("rules: scene %q partially applied: %d commands failed",
			name, len(result.Failed))
	}
	return nil
}

// SceneCondition builds a condition that is true while every
// requirement of the named scene holds.
func (rt *Runtime) SceneCondition(name string) (Condition, error) {
	scene, err := rt.deps.Scenes.Get(rt.ctx, name)
	if err != nil {
		return nil, err
	}
	leaves := make([]Condition, 0, len(scene.Requirements))
	for _, req := range scene.Requirements {
		leaves = append(leaves, Compare(req.DeviceID, req.Attribute, OpEqual, req.Value))
	}
	return AllOf(leaves...), nil
}

// SceneChangedCondition builds a condition that fires once when the
// named scene's is-set state changes from its state at registration.
func (rt *Runtime) SceneChangedCondition(name string) (Condition, error) {
	isSet, err := rt.SceneCondition(name)
	if err != nil {
		return nil, err
	}
	return SceneOnChange(isSet), nil
}

func nextOccurrence(now time.Time, timeOfDay string) (time.Time, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		t, err := time.Parse(layout, timeOfDay)
		if err != nil {
			continue
		}
		next := time.Date(now.Year(), now.Month(), now.Day(),
			t.Hour(), t.Minute(), t.Second(), 0, now.Location())
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		return next, nil
	}
	return time.Time{}, fmt.Errorf("rules: invalid time of day %q", timeOfDay)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
