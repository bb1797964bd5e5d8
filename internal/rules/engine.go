package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/hearthwire/hearth-core/internal/timers"
)

// ConditionOptions configures a condition registration.
type ConditionOptions struct {
	// Timeout abandons the wait if the root has not fired within this
	// duration. Zero means wait indefinitely.
	Timeout time.Duration

	// ForDuration requires the root to stay true continuously for this
	// long before firing. Zero fires on the first true transition.
	ForDuration time.Duration
}

// tree is one registered condition tree and its termination state.
type tree struct {
	root     Condition
	outcome  chan Outcome
	duration time.Duration

	durationRunning bool
	durationGen     int
}

// Engine owns the condition registry and propagates device events
// through registered trees.
//
// All registry mutation and propagation are serialized by one mutex to
// keep the dependency graph consistent under concurrent device events
// and rule install/uninstall. Fired and timeout signals are delivered
// after the mutex is released, so a resumed rule task can immediately
// register a fresh tree without deadlocking.
//
// Exactly one of fired, timed-out, or manual removal terminates a
// registered tree: fired and timed-out send one Outcome on the channel
// returned by AddCondition; manual removal closes it.
type Engine struct {
	mu      sync.Mutex
	trees   map[string]*tree     // root id -> tree
	nodes   map[string]Condition // node id -> node, all registered nodes
	owner   map[string]string    // node id -> owning root id
	parents map[string]Condition // node id -> parent node

	router *deviceEventRouter
	timers *timers.Service
	logger Logger
}

// NewEngine creates an engine using the given timer service.
func NewEngine(timerSvc *timers.Service) *Engine {
	return &Engine{
		trees:   make(map[string]*tree),
		nodes:   make(map[string]Condition),
		owner:   make(map[string]string),
		parents: make(map[string]Condition),
		router:  newDeviceEventRouter(),
		timers:  timerSvc,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger. Must be called before the engine is used.
func (e *Engine) SetLogger(logger Logger) {
	if logger != nil {
		e.logger = logger
	}
}

func timeoutTimerID(rootID string) string  { return rootID + ":timeout" }
func durationTimerID(rootID string) string { return rootID + ":duration" }

// AddCondition registers a condition tree and returns the channel its
// terminal outcome will be delivered on.
//
// The engine performs no value fetch: the caller must have primed the
// tree's leaves with current values beforehand (see Prime). If the
// primed root is already true it fires immediately, or starts its
// duration timer. Returns ErrConditionExists if any node id in the tree
// is already registered, and a timer service error if the timeout timer
// cannot be scheduled.
func (e *Engine) AddCondition(root Condition, opts ConditionOptions) (<-chan Outcome, error) {
	e.mu.Lock()

	var dup error
	Walk(root, func(c Condition) {
		if _, exists := e.owner[c.ID()]; exists && dup == nil {
			dup = fmt.Errorf("%w: %s", ErrConditionExists, c.ID())
		}
	})
	if dup != nil {
		e.mu.Unlock()
		return nil, dup
	}

	t := &tree{
		root:     root,
		outcome:  make(chan Outcome, 1),
		duration: opts.ForDuration,
	}
	e.registerLocked(t)

	if opts.Timeout > 0 {
		rootID := root.ID()
		err := e.timers.Schedule(timeoutTimerID(rootID), opts.Timeout, func() {
			e.onTimeout(rootID)
		})
		if err != nil {
			e.unregisterLocked(t)
			e.mu.Unlock()
			return nil, fmt.Errorf("scheduling condition timeout: %w", err)
		}
	}

	var signal func()
	if root.State() {
		signal = e.rootTrueLocked(t)
	}
	e.mu.Unlock()

	if signal != nil {
		signal()
	}
	return t.outcome, nil
}

// registerLocked indexes every node of the tree. Caller holds e.mu.
func (e *Engine) registerLocked(t *tree) {
	rootID := t.root.ID()
	Walk(t.root, func(c Condition) {
		if reason, bad := FailureReason(c); bad {
			e.logger.Warn("tree contains a failed condition placeholder",
				"condition_id", c.ID(), "root_id", rootID, "reason", reason)
		}
		e.nodes[c.ID()] = c
		e.owner[c.ID()] = rootID
		if len(c.deviceIDs()) > 0 {
			e.router.add(c)
		}
		for _, child := range c.children() {
			e.parents[child.ID()] = c
		}
	})
	e.trees[rootID] = t
}

// unregisterLocked cancels the tree's timers and removes every node
// from the registry and router. Caller holds e.mu.
func (e *Engine) unregisterLocked(t *tree) {
	rootID := t.root.ID()
	e.timers.Cancel(timeoutTimerID(rootID))
	e.timers.Cancel(durationTimerID(rootID))
	t.durationRunning = false

	Walk(t.root, func(c Condition) {
		delete(e.nodes, c.ID())
		delete(e.owner, c.ID())
		delete(e.parents, c.ID())
		if len(c.deviceIDs()) > 0 {
			e.router.remove(c)
		}
	})
	delete(e.trees, rootID)
}

// ConditionState returns the cached state of a registered node.
// Returns ErrConditionNotFound once the node's tree has fired, timed
// out, or been removed.
func (e *Engine) ConditionState(nodeID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.nodes[nodeID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrConditionNotFound, nodeID)
	}
	return node.State(), nil
}

// RemoveCondition deregisters a tree by root id, cancelling its timers
// and device subscriptions. The outcome channel is closed without a
// value. Returns ErrConditionNotFound if the root is not registered.
func (e *Engine) RemoveCondition(rootID string) error {
	e.mu.Lock()
	t, ok := e.trees[rootID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConditionNotFound, rootID)
	}
	e.unregisterLocked(t)
	e.mu.Unlock()

	close(t.outcome)
	return nil
}

// OnDeviceEvent routes a device event to interested leaves and
// propagates state changes bottom-up. Events matching no registered
// leaf return immediately. A node whose recompute fails is logged and
// treated as unchanged; the rest of the propagation proceeds.
func (e *Engine) OnDeviceEvent(deviceID, attribute string, value any) {
	ev := &DeviceEvent{
		DeviceID:  deviceID,
		Attribute: attribute,
		Value:     value,
		Timestamp: time.Now(),
	}

	e.mu.Lock()
	leaves := e.router.lookup(deviceID)
	if len(leaves) == 0 {
		e.mu.Unlock()
		return
	}

	var signals []func()
	queue := make([]Condition, 0, len(leaves))
	for _, leaf := range leaves {
		changed, err := leaf.recompute(ev)
		if err != nil {
			e.logger.Warn("condition recompute failed",
				"condition_id", leaf.ID(), "device_id", deviceID, "error", err)
			continue
		}
		if changed {
			queue = append(queue, leaf)
		}
	}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		parent, hasParent := e.parents[node.ID()]
		if !hasParent {
			if sig := e.rootTransitionLocked(node); sig != nil {
				signals = append(signals, sig)
			}
			continue
		}

		changed, err := parent.recompute(nil)
		if err != nil {
			e.logger.Warn("condition recompute failed",
				"condition_id", parent.ID(), "error", err)
			continue
		}
		if changed {
			queue = append(queue, parent)
		}
	}
	e.mu.Unlock()

	for _, sig := range signals {
		sig()
	}
}

// rootTransitionLocked handles a root node whose state changed.
// Caller holds e.mu. A non-nil return must be invoked after unlock.
func (e *Engine) rootTransitionLocked(root Condition) func() {
	t, ok := e.trees[root.ID()]
	if !ok {
		// The tree fired earlier in this propagation pass.
		return nil
	}
	if root.State() {
		return e.rootTrueLocked(t)
	}
	e.rootFalseLocked(t)
	return nil
}

// rootTrueLocked handles a root transitioning to true: fire now, or
// start the duration timer. Caller holds e.mu.
func (e *Engine) rootTrueLocked(t *tree) func() {
	rootID := t.root.ID()

	if t.duration <= 0 {
		e.unregisterLocked(t)
		e.logger.Debug("condition fired", "condition_id", rootID)
		return func() { t.outcome <- OutcomeFired }
	}

	if t.durationRunning {
		return nil
	}
	t.durationGen++
	gen := t.durationGen
	err := e.timers.Schedule(durationTimerID(rootID), t.duration, func() {
		e.onDurationElapsed(rootID, gen)
	})
	if err != nil {
		// Leave the tree armed; the next true transition retries.
		e.logger.Error("scheduling duration timer failed",
			"condition_id", rootID, "error", err)
		return nil
	}
	t.durationRunning = true
	return nil
}

// rootFalseLocked cancels a running duration timer when the root drops
// back to false before the duration elapses. Caller holds e.mu.
func (e *Engine) rootFalseLocked(t *tree) {
	if !t.durationRunning {
		return
	}
	e.timers.Cancel(durationTimerID(t.root.ID()))
	t.durationRunning = false
}

// onTimeout runs when a tree's timeout timer elapses.
func (e *Engine) onTimeout(rootID string) {
	e.mu.Lock()
	t, ok := e.trees[rootID]
	if !ok {
		e.mu.Unlock()
		return
	}
	e.unregisterLocked(t)
	e.mu.Unlock()

	e.logger.Debug("condition timed out", "condition_id", rootID)
	t.outcome <- OutcomeTimedOut
}

// onDurationElapsed runs when a duration timer completes. The
// generation guards against a stale callback racing a cancel and
// re-arm of the same tree.
func (e *Engine) onDurationElapsed(rootID string, gen int) {
	e.mu.Lock()
	t, ok := e.trees[rootID]
	if !ok || !t.durationRunning || t.durationGen != gen || !t.root.State() {
		e.mu.Unlock()
		return
	}
	e.unregisterLocked(t)
	e.mu.Unlock()

	e.logger.Debug("condition fired after duration", "condition_id", rootID)
	t.outcome <- OutcomeFired
}

// TreeCount returns the number of registered condition trees.
func (e *Engine) TreeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.trees)
}

// WatchedDevices returns the number of device ids with at least one
// interested leaf.
func (e *Engine) WatchedDevices() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.router.interested()
}
