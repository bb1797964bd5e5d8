package rules

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestCoordinator(t *testing.T, hub *fakeHub) (*Coordinator, Deps) {
	t.Helper()
	deps := newTestDeps(t, hub)
	c := NewCoordinator(deps)
	c.SetRetryDelay(10 * time.Millisecond)
	t.Cleanup(c.Stop)
	return c, deps
}

// Motion turns a light on, waits, turns it off, then re-arms for the
// next motion event.
func TestCoordinator_ConditionRuleLifecycle(t *testing.T) {
	hub := newFakeHub(map[string]map[string]any{"123": {"motion": "inactive"}})
	c, deps := newTestCoordinator(t, hub)

	trigger := func(rt *Runtime) (*Trigger, error) {
		return &Trigger{Root: Compare("123", "motion", OpEqual, "active")}, nil
	}
	action := func(rt *Runtime) error {
		if err := rt.SendCommand("456", "on"); err != nil {
			return err
		}
		if err := rt.Wait(20 * time.Millisecond); err != nil {
			return err
		}
		return rt.SendCommand("456", "off")
	}

	if err := c.InstallCondition(Rule{Name: "motion_lights"}, trigger, action); err != nil {
		t.Fatalf("InstallCondition: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return deps.Engine.TreeCount() == 1 },
		"rule never armed its condition tree")

	deps.Engine.OnDeviceEvent("123", "motion", "active")
	waitFor(t, 2*time.Second, func() bool { return hub.commandCount() == 2 },
		"action did not complete after first fire")

	if cmd := hub.commandAt(0); cmd.Command != "on" {
		t.Errorf("first command = %+v, want on", cmd)
	}
	if cmd := hub.commandAt(1); cmd.Command != "off" {
		t.Errorf("second command = %+v, want off", cmd)
	}

	// The rule re-arms; a second motion event retriggers it.
	waitFor(t, 2*time.Second, func() bool { return deps.Engine.TreeCount() == 1 },
		"rule did not re-arm")
	deps.Engine.OnDeviceEvent("123", "motion", "inactive")
	deps.Engine.OnDeviceEvent("123", "motion", "active")
	waitFor(t, 2*time.Second, func() bool { return hub.commandCount() == 4 },
		"action did not run on retrigger")
}

func TestCoordinator_ScheduledRule(t *testing.T) {
	hub := newFakeHub(nil)
	c, _ := newTestCoordinator(t, hub)

	var fires atomic.Int32
	next := func(rt *Runtime) (time.Time, error) {
		return time.Now().Add(30 * time.Millisecond), nil
	}
	action := func(rt *Runtime) error {
		fires.Add(1)
		return nil
	}

	if err := c.InstallScheduled(Rule{Name: "periodic"}, next, action); err != nil {
		t.Fatalf("InstallScheduled: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return fires.Load() >= 2 },
		"scheduled rule did not fire twice")

	if err := c.Uninstall("periodic"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	n := fires.Load()
	time.Sleep(100 * time.Millisecond)
	if fires.Load() != n {
		t.Error("scheduled rule fired after uninstall")
	}
}

func TestCoordinator_ScheduledRule_PastTimeFiresImmediately(t *testing.T) {
	hub := newFakeHub(nil)
	c, _ := newTestCoordinator(t, hub)

	var fires atomic.Int32
	next := func(rt *Runtime) (time.Time, error) {
		if fires.Load() == 0 {
			return time.Now().Add(-time.Hour), nil // in the past
		}
		return time.Now().Add(time.Hour), nil
	}
	action := func(rt *Runtime) error {
		fires.Add(1)
		return nil
	}

	if err := c.InstallScheduled(Rule{Name: "late"}, next, action); err != nil {
		t.Fatalf("InstallScheduled: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return fires.Load() == 1 },
		"past fire time was not treated as fire-immediately")
}

func TestCoordinator_ScheduledRule_PersistentPastTimesEndTask(t *testing.T) {
	hub := newFakeHub(nil)
	c, _ := newTestCoordinator(t, hub)

	var fires atomic.Int32
	next := func(rt *Runtime) (time.Time, error) {
		return time.Now().Add(-time.Minute), nil
	}
	action := func(rt *Runtime) error {
		fires.Add(1)
		return nil
	}

	if err := c.InstallScheduled(Rule{Name: "stuck"}, next, action); err != nil {
		t.Fatalf("InstallScheduled: %v", err)
	}

	// Fires a bounded number of times, then the task ends.
	waitFor(t, 2*time.Second, func() bool { return fires.Load() == maxConsecutivePastTimes },
		"task did not run its bounded immediate fires")
	time.Sleep(100 * time.Millisecond)
	if got := fires.Load(); got != maxConsecutivePastTimes {
		t.Errorf("fires = %d, want %d (task should have ended)", got, maxConsecutivePastTimes)
	}
}

func TestCoordinator_TriggerFailureRearms(t *testing.T) {
	hub := newFakeHub(map[string]map[string]any{"1": {"switch": "off"}})
	c, deps := newTestCoordinator(t, hub)

	var attempts atomic.Int32
	trigger := func(rt *Runtime) (*Trigger, error) {
		if attempts.Add(1) <= 2 {
			return nil, fmt.Errorf("script blew up")
		}
		return &Trigger{Root: Compare("1", "switch", OpEqual, "on")}, nil
	}

	var actions atomic.Int32
	action := func(rt *Runtime) error {
		actions.Add(1)
		return nil
	}

	if err := c.InstallCondition(Rule{Name: "flaky"}, trigger, action); err != nil {
		t.Fatalf("InstallCondition: %v", err)
	}

	// Failures never permanently disable the rule.
	waitFor(t, 2*time.Second, func() bool { return deps.Engine.TreeCount() == 1 },
		"rule never recovered from trigger failures")
	deps.Engine.OnDeviceEvent("1", "switch", "on")
	waitFor(t, 2*time.Second, func() bool { return actions.Load() == 1 },
		"action did not run after recovery")
}

func TestCoordinator_ActionFailureRearms(t *testing.T) {
	hub := newFakeHub(map[string]map[string]any{"1": {"switch": "off"}})
	c, deps := newTestCoordinator(t, hub)

	trigger := func(rt *Runtime) (*Trigger, error) {
		return &Trigger{Root: Compare("1", "switch", OpEqual, "on")}, nil
	}
	var actions atomic.Int32
	action := func(rt *Runtime) error {
		actions.Add(1)
		return fmt.Errorf("device unreachable")
	}

	if err := c.InstallCondition(Rule{Name: "fragile"}, trigger, action); err != nil {
		t.Fatalf("InstallCondition: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return deps.Engine.TreeCount() == 1 }, "not armed")
	deps.Engine.OnDeviceEvent("1", "switch", "on")
	waitFor(t, 2*time.Second, func() bool { return actions.Load() == 1 }, "first action missing")

	// Re-armed despite the failure.
	waitFor(t, 2*time.Second, func() bool { return deps.Engine.TreeCount() == 1 }, "did not re-arm")
	deps.Engine.OnDeviceEvent("1", "switch", "off")
	deps.Engine.OnDeviceEvent("1", "switch", "on")
	waitFor(t, 2*time.Second, func() bool { return actions.Load() == 2 }, "second action missing")
}

func TestCoordinator_UninstallCancelsSuspendedRule(t *testing.T) {
	hub := newFakeHub(map[string]map[string]any{"1": {"switch": "off"}})
	c, deps := newTestCoordinator(t, hub)

	trigger := func(rt *Runtime) (*Trigger, error) {
		return &Trigger{Root: Compare("1", "switch", OpEqual, "on")}, nil
	}
	action := func(rt *Runtime) error { return nil }

	if err := c.InstallCondition(Rule{Name: "sleeper"}, trigger, action); err != nil {
		t.Fatalf("InstallCondition: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return deps.Engine.TreeCount() == 1 }, "not armed")

	done := make(chan error, 1)
	go func() { done <- c.Uninstall("sleeper") }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Uninstall: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Uninstall blocked on a suspended rule")
	}

	if deps.Engine.TreeCount() != 0 {
		t.Errorf("TreeCount = %d, want 0 after uninstall", deps.Engine.TreeCount())
	}
	if c.IsInstalled("sleeper") {
		t.Error("rule still installed")
	}
}

func TestCoordinator_DuplicateAndUnknown(t *testing.T) {
	hub := newFakeHub(nil)
	c, _ := newTestCoordinator(t, hub)

	trigger := func(rt *Runtime) (*Trigger, error) {
		return &Trigger{Root: AlwaysFalse("noop")}, nil
	}
	action := func(rt *Runtime) error { return nil }

	if err := c.InstallCondition(Rule{Name: "dup"}, trigger, action); err != nil {
		t.Fatalf("InstallCondition: %v", err)
	}
	if err := c.InstallCondition(Rule{Name: "dup"}, trigger, action); !errors.Is(err, ErrRuleExists) {
		t.Errorf("duplicate install = %v, want ErrRuleExists", err)
	}
	if err := c.Uninstall("nope"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("unknown uninstall = %v, want ErrRuleNotFound", err)
	}
}

func TestCoordinator_StopRejectsInstalls(t *testing.T) {
	hub := newFakeHub(nil)
	c, _ := newTestCoordinator(t, hub)

	c.Stop()

	err := c.InstallCondition(Rule{Name: "late"}, func(rt *Runtime) (*Trigger, error) {
		return &Trigger{Root: AlwaysFalse("noop")}, nil
	}, func(rt *Runtime) error { return nil })
	if !errors.Is(err, ErrStopped) {
		t.Errorf("install after Stop = %v, want ErrStopped", err)
	}
}
