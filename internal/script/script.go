package script

import (
	"fmt"

	"github.com/dop251/goja"
)

// Kind identifies what a program is for and which entrypoint function
// it must define.
type Kind string

const (
	// KindTrigger programs define trigger(ctx) returning a condition.
	KindTrigger Kind = "trigger"

	// KindNextTime programs define nextTime(ctx) returning the next
	// fire time as epoch milliseconds or a Date.
	KindNextTime Kind = "next_time"

	// KindAction programs define action(ctx).
	KindAction Kind = "action"
)

// entrypoint returns the function name a program of this kind must define.
func (k Kind) entrypoint() (string, error) {
	switch k {
	case KindTrigger:
		return "trigger", nil
	case KindNextTime:
		return "nextTime", nil
	case KindAction:
		return "action", nil
	default:
		return "", fmt.Errorf("script: unknown program kind %q", k)
	}
}

// Error is a failure inside rule-author code or at its boundary.
type Error struct {
	Rule    string
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("script: rule %q %s: %s", e.Rule, e.Kind, e.Message)
	}
	return fmt.Sprintf("script: %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Program is a compiled, validated rule script. Programs are immutable
// and safe to invoke from any rule task; each invocation runs in a
// fresh VM.
type Program struct {
	name   string
	kind   Kind
	entry  string
	source *goja.Program
}

// Name returns the program's name (usually the rule name).
func (p *Program) Name() string { return p.name }

// Kind returns the program's kind.
func (p *Program) Kind() Kind { return p.kind }

// Compile compiles and validates a rule script. The source must define
// the entrypoint function for its kind; anything else is an install-time
// error, not a runtime one.
func Compile(name string, kind Kind, source string) (*Program, error) {
	entry, err := kind.entrypoint()
	if err != nil {
		return nil, err
	}

	compiled, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, &Error{Rule: name, Kind: kind, Message: "compilation failed", cause: err}
	}

	// Run once in a scratch VM to verify the entrypoint exists.
	vm := goja.New()
	if _, err := vm.RunProgram(compiled); err != nil {
		return nil, &Error{Rule: name, Kind: kind, Message: "initialization failed", cause: err}
	}
	if _, ok := goja.AssertFunction(vm.Get(entry)); !ok {
		return nil, &Error{
			Rule: name, Kind: kind,
			Message: fmt.Sprintf("source does not define function %s(ctx)", entry),
		}
	}

	return &Program{name: name, kind: kind, entry: entry, source: compiled}, nil
}
