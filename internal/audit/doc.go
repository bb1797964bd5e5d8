// Package audit records what the automation actually did: rule
// lifecycle changes, rule cycle outcomes, scene applications, and
// device commands issued by rules.
//
// Consumers depend on the Logger interface with NopLogger as the
// default; the SQLite Recorder is injected at startup.
package audit
