package rules

import (
	"errors"
	"testing"
	"time"

	"github.com/hearthwire/hearth-core/internal/timers"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	svc := timers.New(128)
	t.Cleanup(svc.Stop)
	return NewEngine(svc)
}

// primeAll loads the given attribute values into every leaf of the tree.
func primeAll(root Condition, values map[string]map[string]any) {
	Prime(root, func(deviceID, attribute string) (any, bool) {
		v, ok := values[deviceID][attribute]
		return v, ok
	})
}

func expectOutcome(t *testing.T, ch <-chan Outcome, want Outcome) {
	t.Helper()
	select {
	case got, ok := <-ch:
		if !ok {
			t.Fatalf("outcome channel closed, want %v", want)
		}
		if got != want {
			t.Fatalf("outcome = %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no outcome within deadline, want %v", want)
	}
}

func expectNoOutcome(t *testing.T, ch <-chan Outcome, wait time.Duration) {
	t.Helper()
	select {
	case got, ok := <-ch:
		if ok {
			t.Fatalf("unexpected outcome %v", got)
		}
		t.Fatal("outcome channel unexpectedly closed")
	case <-time.After(wait):
	}
}

func TestEngine_FiresOnMatchingEvent(t *testing.T) {
	e := newTestEngine(t)
	root := Compare("123", "motion", OpEqual, "active")

	outcome, err := e.AddCondition(root, ConditionOptions{})
	if err != nil {
		t.Fatalf("AddCondition: %v", err)
	}

	e.OnDeviceEvent("123", "motion", "active")
	expectOutcome(t, outcome, OutcomeFired)

	// Tree removed on fire: state lookups fail, events are harmless.
	if _, err := e.ConditionState(root.ID()); !errors.Is(err, ErrConditionNotFound) {
		t.Errorf("ConditionState after fire = %v, want ErrConditionNotFound", err)
	}
	e.OnDeviceEvent("123", "motion", "active")
	if e.TreeCount() != 0 {
		t.Errorf("TreeCount = %d, want 0", e.TreeCount())
	}
}

func TestEngine_UnrelatedEventIsNoOp(t *testing.T) {
	e := newTestEngine(t)
	root := Compare("123", "motion", OpEqual, "active")
	outcome, err := e.AddCondition(root, ConditionOptions{})
	if err != nil {
		t.Fatalf("AddCondition: %v", err)
	}

	e.OnDeviceEvent("999", "motion", "active")
	e.OnDeviceEvent("123", "temperature", 21.5)

	state, err := e.ConditionState(root.ID())
	if err != nil {
		t.Fatalf("ConditionState: %v", err)
	}
	if state {
		t.Error("unrelated events changed observable state")
	}
	expectNoOutcome(t, outcome, 50*time.Millisecond)
}

func TestEngine_EqualValueNoDuplicateFire(t *testing.T) {
	e := newTestEngine(t)
	root := Compare("1", "switch", OpEqual, "on")
	primeAll(root, map[string]map[string]any{"1": {"switch": "off"}})

	outcome, err := e.AddCondition(root, ConditionOptions{})
	if err != nil {
		t.Fatalf("AddCondition: %v", err)
	}

	// Value equal to the cached one: no transition, no signal.
	e.OnDeviceEvent("1", "switch", "off")
	expectNoOutcome(t, outcome, 50*time.Millisecond)

	e.OnDeviceEvent("1", "switch", "on")
	expectOutcome(t, outcome, OutcomeFired)
}

func TestEngine_RecomputeErrorIsolated(t *testing.T) {
	e := newTestEngine(t)
	broken := Compare("1", "pressure", Operator("~="), 5)
	healthy := Compare("1", "switch", OpEqual, "on")
	root := AnyOf(broken, healthy)

	outcome, err := e.AddCondition(root, ConditionOptions{})
	if err != nil {
		t.Fatalf("AddCondition: %v", err)
	}

	// The failing leaf is treated as unchanged: no fire, no removal.
	e.OnDeviceEvent("1", "pressure", 10)
	expectNoOutcome(t, outcome, 50*time.Millisecond)
	if e.TreeCount() != 1 {
		t.Fatalf("TreeCount after failing recompute = %d, want 1", e.TreeCount())
	}
	state, err := e.ConditionState(broken.ID())
	if err != nil {
		t.Fatalf("ConditionState: %v", err)
	}
	if state {
		t.Error("failing leaf changed state")
	}

	// The healthy sibling still propagates through the same root.
	e.OnDeviceEvent("1", "switch", "on")
	expectOutcome(t, outcome, OutcomeFired)
}

func TestEngine_DuplicateRegistration(t *testing.T) {
	e := newTestEngine(t)
	root := Compare("1", "switch", OpEqual, "on")

	if _, err := e.AddCondition(root, ConditionOptions{}); err != nil {
		t.Fatalf("AddCondition: %v", err)
	}
	if _, err := e.AddCondition(root, ConditionOptions{}); !errors.Is(err, ErrConditionExists) {
		t.Errorf("second AddCondition = %v, want ErrConditionExists", err)
	}
}

func TestEngine_RemoveCondition(t *testing.T) {
	e := newTestEngine(t)
	root := AllOf(
		Compare("1", "switch", OpEqual, "on"),
		Compare("2", "motion", OpEqual, "active"),
	)

	outcome, err := e.AddCondition(root, ConditionOptions{Timeout: time.Hour})
	if err != nil {
		t.Fatalf("AddCondition: %v", err)
	}
	if e.WatchedDevices() != 2 {
		t.Errorf("WatchedDevices = %d, want 2", e.WatchedDevices())
	}

	if err := e.RemoveCondition(root.ID()); err != nil {
		t.Fatalf("RemoveCondition: %v", err)
	}

	// Manual removal closes the channel without a value.
	select {
	case _, ok := <-outcome:
		if ok {
			t.Error("manual removal delivered an outcome")
		}
	case <-time.After(time.Second):
		t.Error("outcome channel not closed on removal")
	}

	if _, err := e.ConditionState(root.ID()); !errors.Is(err, ErrConditionNotFound) {
		t.Errorf("ConditionState = %v, want ErrConditionNotFound", err)
	}
	if err := e.RemoveCondition(root.ID()); !errors.Is(err, ErrConditionNotFound) {
		t.Errorf("second RemoveCondition = %v, want ErrConditionNotFound", err)
	}
	if e.WatchedDevices() != 0 {
		t.Errorf("WatchedDevices after removal = %d, want 0", e.WatchedDevices())
	}

	// Events for former device ids cause no error.
	e.OnDeviceEvent("1", "switch", "on")
	e.OnDeviceEvent("2", "motion", "active")
}

func TestEngine_CombinatorPropagation(t *testing.T) {
	e := newTestEngine(t)
	root := AllOf(
		Compare("1", "switch", OpEqual, "on"),
		Not(Compare("2", "motion", OpEqual, "active")),
	)
	primeAll(root, map[string]map[string]any{
		"1": {"switch": "off"},
		"2": {"motion": "active"},
	})

	outcome, err := e.AddCondition(root, ConditionOptions{})
	if err != nil {
		t.Fatalf("AddCondition: %v", err)
	}

	e.OnDeviceEvent("1", "switch", "on") // AllOf still blocked by motion
	expectNoOutcome(t, outcome, 50*time.Millisecond)

	e.OnDeviceEvent("2", "motion", "inactive")
	expectOutcome(t, outcome, OutcomeFired)
}

func TestEngine_ImmediateFireWhenPrimedTrue(t *testing.T) {
	e := newTestEngine(t)
	root := Compare("1", "switch", OpEqual, "on")
	primeAll(root, map[string]map[string]any{"1": {"switch": "on"}})

	outcome, err := e.AddCondition(root, ConditionOptions{})
	if err != nil {
		t.Fatalf("AddCondition: %v", err)
	}
	expectOutcome(t, outcome, OutcomeFired)
}

func TestEngine_Timeout(t *testing.T) {
	e := newTestEngine(t)
	root := Compare("1", "switch", OpEqual, "on")

	outcome, err := e.AddCondition(root, ConditionOptions{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("AddCondition: %v", err)
	}

	expectOutcome(t, outcome, OutcomeTimedOut)
	if e.TreeCount() != 0 {
		t.Errorf("TreeCount after timeout = %d, want 0", e.TreeCount())
	}
}

func TestEngine_DurationCompletesBeforeTimeout(t *testing.T) {
	e := newTestEngine(t)
	root := Compare("1", "switch", OpEqual, "on")

	// Condition true at t=0, duration done at 100ms, timeout at 400ms.
	outcome, err := e.AddCondition(root, ConditionOptions{
		Timeout:     400 * time.Millisecond,
		ForDuration: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("AddCondition: %v", err)
	}

	e.OnDeviceEvent("1", "switch", "on")
	expectOutcome(t, outcome, OutcomeFired)
}

func TestEngine_TimeoutBeforeDurationCompletes(t *testing.T) {
	e := newTestEngine(t)
	root := Compare("1", "switch", OpEqual, "on")

	// Condition true at t=0 but duration needs 400ms; timeout at 100ms wins.
	outcome, err := e.AddCondition(root, ConditionOptions{
		Timeout:     100 * time.Millisecond,
		ForDuration: 400 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("AddCondition: %v", err)
	}

	e.OnDeviceEvent("1", "switch", "on")
	expectOutcome(t, outcome, OutcomeTimedOut)
}

func TestEngine_DurationCancelledWhenRootDrops(t *testing.T) {
	e := newTestEngine(t)
	root := Compare("1", "switch", OpEqual, "on")

	outcome, err := e.AddCondition(root, ConditionOptions{ForDuration: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("AddCondition: %v", err)
	}

	e.OnDeviceEvent("1", "switch", "on")
	time.Sleep(30 * time.Millisecond)
	e.OnDeviceEvent("1", "switch", "off") // cancels the running duration timer

	expectNoOutcome(t, outcome, 200*time.Millisecond)

	// Going true again restarts a full duration window, then fires.
	e.OnDeviceEvent("1", "switch", "on")
	expectOutcome(t, outcome, OutcomeFired)
}

func TestEngine_IndependentTreesOnSameDevice(t *testing.T) {
	e := newTestEngine(t)
	a := Compare("1", "switch", OpEqual, "on")
	b := Compare("1", "switch", OpEqual, "on")

	outA, err := e.AddCondition(a, ConditionOptions{})
	if err != nil {
		t.Fatalf("AddCondition a: %v", err)
	}
	outB, err := e.AddCondition(b, ConditionOptions{})
	if err != nil {
		t.Fatalf("AddCondition b: %v", err)
	}

	// Removing one tree leaves the other untouched.
	if err := e.RemoveCondition(a.ID()); err != nil {
		t.Fatalf("RemoveCondition: %v", err)
	}
	if _, err := e.ConditionState(b.ID()); err != nil {
		t.Errorf("tree b affected by removing tree a: %v", err)
	}

	e.OnDeviceEvent("1", "switch", "on")
	expectOutcome(t, outB, OutcomeFired)

	select {
	case o, ok := <-outA:
		if ok {
			t.Errorf("removed tree produced outcome %v", o)
		}
	default:
	}
}

func TestEngine_BothTreesReactToOneEvent(t *testing.T) {
	e := newTestEngine(t)
	a := Compare("1", "switch", OpEqual, "on")
	b := AllOf(Compare("1", "switch", OpEqual, "on"))

	outA, _ := e.AddCondition(a, ConditionOptions{})
	outB, _ := e.AddCondition(b, ConditionOptions{})

	e.OnDeviceEvent("1", "switch", "on")

	expectOutcome(t, outA, OutcomeFired)
	expectOutcome(t, outB, OutcomeFired)
}
