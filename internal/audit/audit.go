package audit

import "context"

// EventType groups audit events by the subsystem they describe.
type EventType string

const (
	// TypeRule covers rule lifecycle: installed, uninstalled, reloaded.
	TypeRule EventType = "rule"

	// TypeExecution covers one rule cycle: fired, timed_out,
	// action_started, action_completed, action_failed.
	TypeExecution EventType = "execution"

	// TypeScene covers scene lifecycle and application.
	TypeScene EventType = "scene"

	// TypeDevice covers device commands issued by rules.
	TypeDevice EventType = "device"
)

// Event is one auditable occurrence. Fields irrelevant to the event
// type are left empty.
type Event struct {
	Type      EventType
	Action    string
	RuleName  string
	SceneName string
	DeviceID  string
	Success   bool
	Error     string
	Details   map[string]any
}

// Logger records audit events. Implementations must not block rule
// execution; recording failures are the implementation's concern.
type Logger interface {
	Record(ctx context.Context, e Event)
}

// NopLogger discards all events. It is the default wherever no audit
// sink is injected.
type NopLogger struct{}

// Record implements Logger.
func (NopLogger) Record(context.Context, Event) {}
