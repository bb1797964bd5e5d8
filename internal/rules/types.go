package rules

import (
	"time"
)

// RuleKind distinguishes condition-triggered rules from scheduled rules.
type RuleKind string

const (
	// KindCondition rules arm a condition tree and fire when it becomes true.
	KindCondition RuleKind = "condition"

	// KindScheduled rules fire at times computed by a next-time provider.
	KindScheduled RuleKind = "scheduled"
)

// Rule is the persistent identity of an automation rule. The trigger
// source is a trigger script for condition rules and a next-time script
// for scheduled rules.
type Rule struct {
	Name          string
	Kind          RuleKind
	TriggerSource string
	ActionSource  string
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DeviceEvent is one device attribute change, delivered in hub arrival order.
type DeviceEvent struct {
	DeviceID  string
	Attribute string
	Value     any
	Timestamp time.Time
}

// Outcome reports how a registered condition tree terminated.
type Outcome int

const (
	// OutcomeFired means the root condition became (and where required,
	// stayed) true.
	OutcomeFired Outcome = iota + 1

	// OutcomeTimedOut means the timeout elapsed before the root fired.
	OutcomeTimedOut
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeFired:
		return "fired"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Logger is the minimal logging interface used across the rules package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
