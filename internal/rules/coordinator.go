package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hearthwire/hearth-core/internal/audit"
)

// Trigger is the product of one trigger-script invocation: a condition
// tree for this arming cycle, with optional timeout and duration.
type Trigger struct {
	Root        Condition
	Timeout     time.Duration
	ForDuration time.Duration
}

// TriggerFunc builds a fresh trigger for each arming cycle of a
// condition rule. A failure ends only the current cycle.
type TriggerFunc func(rt *Runtime) (*Trigger, error)

// ActionFunc runs a rule's action.
type ActionFunc func(rt *Runtime) error

// NextTimeFunc computes a scheduled rule's next absolute fire time.
type NextTimeFunc func(rt *Runtime) (time.Time, error)

const (
	// defaultRetryDelay throttles re-arming after a failed cycle.
	defaultRetryDelay = 5 * time.Second

	// pastTimeDelay is the minimal delay when a next-time provider
	// returns a time that is not strictly in the future.
	pastTimeDelay = 10 * time.Millisecond

	// maxConsecutivePastTimes ends a scheduled rule whose provider
	// never returns a future time, instead of hot-looping.
	maxConsecutivePastTimes = 3
)

// Coordinator drives rule lifecycles.
//
// Each installed rule runs as an independent goroutine task: condition
// rules loop trigger -> register -> suspend -> action -> re-arm, and
// scheduled rules loop next-time -> sleep -> action. Rules never block
// one another. Cancellation is cooperative: uninstalling a rule cancels
// its context, which is honored at the task's suspension points.
type Coordinator struct {
	deps       Deps
	retryDelay time.Duration

	mu      sync.Mutex
	tasks   map[string]*ruleTask
	stopped bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type ruleTask struct {
	rule   Rule
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates a coordinator over the shared collaborators.
func NewCoordinator(deps Deps) *Coordinator {
	deps.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		deps:       deps,
		retryDelay: defaultRetryDelay,
		tasks:      make(map[string]*ruleTask),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// SetRetryDelay overrides the failed-cycle backoff. Must be called
// before rules are installed.
func (c *Coordinator) SetRetryDelay(d time.Duration) {
	c.retryDelay = d
}

// InstallCondition starts a condition rule's task. Returns ErrRuleExists
// if the name is already installed.
func (c *Coordinator) InstallCondition(rule Rule, trigger TriggerFunc, action ActionFunc) error {
	rule.Kind = KindCondition
	return c.install(rule, func(ctx context.Context, rt *Runtime) {
		c.runConditionRule(ctx, rt, trigger, action)
	})
}

// InstallScheduled starts a scheduled rule's task.
func (c *Coordinator) InstallScheduled(rule Rule, next NextTimeFunc, action ActionFunc) error {
	rule.Kind = KindScheduled
	return c.install(rule, func(ctx context.Context, rt *Runtime) {
		c.runScheduledRule(ctx, rt, next, action)
	})
}

func (c *Coordinator) install(rule Rule, run func(context.Context, *Runtime)) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if _, exists := c.tasks[rule.Name]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleExists, rule.Name)
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	task := &ruleTask{rule: rule, cancel: cancel, done: make(chan struct{})}
	c.tasks[rule.Name] = task
	c.wg.Add(1)
	c.mu.Unlock()

	c.deps.Audit.Record(ctx, audit.Event{
		Type: audit.TypeRule, Action: "installed",
		RuleName: rule.Name, Success: true,
		Details: map[string]any{"kind": string(rule.Kind)},
	})
	c.deps.Logger.Info("rule installed", "rule", rule.Name, "kind", rule.Kind)

	go func() {
		defer c.wg.Done()
		defer close(task.done)
		run(ctx, NewRuntime(ctx, rule.Name, c.deps))
	}()
	return nil
}

// Uninstall cancels a rule's task and waits for it to finish. The task
// releases any registered condition tree at its next suspension point.
func (c *Coordinator) Uninstall(name string) error {
	c.mu.Lock()
	task, ok := c.tasks[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	delete(c.tasks, name)
	c.mu.Unlock()

	task.cancel()
	<-task.done

	c.deps.Audit.Record(context.Background(), audit.Event{
		Type: audit.TypeRule, Action: "uninstalled",
		RuleName: name, Success: true,
	})
	c.deps.Logger.Info("rule uninstalled", "rule", name)
	return nil
}

// Installed returns the currently installed rules.
func (c *Coordinator) Installed() []Rule {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Rule, 0, len(c.tasks))
	for _, task := range c.tasks {
		out = append(out, task.rule)
	}
	return out
}

// IsInstalled reports whether a rule task is active.
func (c *Coordinator) IsInstalled(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[name]
	return ok
}

// Stop cancels all rule tasks and waits for them to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.tasks = make(map[string]*ruleTask)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// runConditionRule loops one condition rule: build a trigger tree,
// suspend until it fires or times out, run the action on fire, re-arm.
// Script and collaborator failures end only the current cycle.
func (c *Coordinator) runConditionRule(ctx context.Context, rt *Runtime, trigger TriggerFunc, action ActionFunc) {
	for ctx.Err() == nil {
		trig, err := trigger(rt)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.deps.Logger.Error("trigger failed", "rule", rt.RuleName(), "error", err)
			c.recordCycle(ctx, rt, "trigger_failed", err)
			c.backoff(ctx)
			continue
		}
		if trig == nil || trig.Root == nil {
			c.deps.Logger.Error("trigger returned no condition", "rule", rt.RuleName())
			c.backoff(ctx)
			continue
		}

		fired, err := rt.WaitFor(trig.Root, trig.Timeout, trig.ForDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.deps.Logger.Error("condition wait failed", "rule", rt.RuleName(), "error", err)
			c.backoff(ctx)
			continue
		}

		if !fired {
			c.recordCycle(ctx, rt, "timed_out", nil)
			continue
		}
		c.recordCycle(ctx, rt, "fired", nil)
		c.runAction(ctx, rt, action)
	}
}

// runScheduledRule loops one scheduled rule. The next fire time is
// recomputed after the action completes, so scheduling is relative to
// the actual fire time and drift does not compound. A past time fires
// after a minimal delay; a provider that persistently returns past
// times ends the task.
func (c *Coordinator) runScheduledRule(ctx context.Context, rt *Runtime, next NextTimeFunc, action ActionFunc) {
	consecutivePast := 0
	for ctx.Err() == nil {
		fireAt, err := next(rt)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.deps.Logger.Error("next-time provider failed", "rule", rt.RuleName(), "error", err)
			c.recordCycle(ctx, rt, "schedule_failed", err)
			c.backoff(ctx)
			continue
		}

		delay := time.Until(fireAt)
		if delay <= 0 {
			consecutivePast++
			if consecutivePast > maxConsecutivePastTimes {
				c.deps.Logger.Error("next-time provider keeps returning past times, ending rule task",
					"rule", rt.RuleName())
				c.recordCycle(ctx, rt, "schedule_exhausted", nil)
				return
			}
			delay = pastTimeDelay
		} else {
			consecutivePast = 0
		}

		if err := rt.Wait(delay); err != nil {
			return
		}

		c.recordCycle(ctx, rt, "fired", nil)
		c.runAction(ctx, rt, action)
	}
}

func (c *Coordinator) runAction(ctx context.Context, rt *Runtime, action ActionFunc) {
	start := time.Now()
	err := action(rt)
	switch {
	case err == nil:
		c.deps.Logger.Debug("action completed",
			"rule", rt.RuleName(), "duration", time.Since(start))
		c.recordCycle(ctx, rt, "action_completed", nil)
	case ctx.Err() != nil:
		// Uninstalled mid-action; the loop exits on the next check.
	default:
		c.deps.Logger.Error("action failed", "rule", rt.RuleName(), "error", err)
		c.recordCycle(ctx, rt, "action_failed", err)
	}
}

func (c *Coordinator) recordCycle(ctx context.Context, rt *Runtime, action string, err error) {
	c.deps.Audit.Record(ctx, audit.Event{
		Type:     audit.TypeExecution,
		Action:   action,
		RuleName: rt.RuleName(),
		Success:  err == nil,
		Error:    errString(err),
	})
}

// backoff sleeps the retry delay, returning early on cancellation.
func (c *Coordinator) backoff(ctx context.Context) {
	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
