// Package rules is the condition/dependency engine and rule-execution
// coordinator at the heart of hearth.
//
// A rule's trigger builds a Condition tree over device attributes and
// scenes. The Engine registers trees, routes device events to
// interested leaves, propagates state changes bottom-up, and races
// timeout and duration timers against condition satisfaction,
// guaranteeing exactly one of fired, timed-out, or manual removal per
// tree. The Coordinator runs each installed rule as an independent
// goroutine task that continuously re-arms, and the Runtime gives
// trigger/action scripts their wait primitives and collaborator calls
// bound to the rule's identity and cancellation.
package rules
