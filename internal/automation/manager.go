package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hearthwire/hearth-core/internal/rules"
	"github.com/hearthwire/hearth-core/internal/script"
)

// ErrInvalidRule indicates a rule failed validation before it reached
// persistence or the coordinator.
var ErrInvalidRule = errors.New("automation: invalid rule")

// Logger is the logging interface used by the Manager.
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

// Manager owns the rule lifecycle: it validates and compiles rule
// scripts, persists rule records, and installs enabled rules into the
// coordinator. It is the single write path for rules; the repository
// and coordinator are never mutated behind its back.
//
// All public methods are safe for concurrent use; the coordinator
// serializes installs and the repository rides SQLite's single writer.
type Manager struct {
	repo   *rules.Repository
	coord  *rules.Coordinator
	runner *script.Runner
	logger Logger
}

// NewManager creates a rule lifecycle manager.
func NewManager(repo *rules.Repository, coord *rules.Coordinator, runner *script.Runner) *Manager {
	return &Manager{
		repo:   repo,
		coord:  coord,
		runner: runner,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// CreateRule validates, persists, and (when enabled) installs a new rule.
// Returns rules.ErrRuleExists if the name is already taken.
func (m *Manager) CreateRule(ctx context.Context, rule *rules.Rule) error {
	if err := m.validate(rule); err != nil {
		return err
	}

	if _, err := m.repo.Get(ctx, rule.Name); err == nil {
		return fmt.Errorf("%w: %s", rules.ErrRuleExists, rule.Name)
	} else if !errors.Is(err, rules.ErrRuleNotFound) {
		return err
	}

	if err := m.repo.Save(ctx, rule); err != nil {
		return err
	}

	if rule.Enabled {
		if err := m.install(rule); err != nil {
			return err
		}
	}

	m.logger.Info("rule created", "rule", rule.Name, "kind", rule.Kind, "enabled", rule.Enabled)
	return nil
}

// UpdateRule replaces an existing rule's sources. If the rule is
// running it is uninstalled first and re-installed with the new
// scripts, ending any in-flight cycle.
func (m *Manager) UpdateRule(ctx context.Context, rule *rules.Rule) error {
	if err := m.validate(rule); err != nil {
		return err
	}

	existing, err := m.repo.Get(ctx, rule.Name)
	if err != nil {
		return err
	}
	rule.CreatedAt = existing.CreatedAt

	if m.coord.IsInstalled(rule.Name) {
		if err := m.coord.Uninstall(rule.Name); err != nil {
			return err
		}
	}

	if err := m.repo.Save(ctx, rule); err != nil {
		return err
	}

	if rule.Enabled {
		if err := m.install(rule); err != nil {
			return err
		}
	}

	m.logger.Info("rule updated", "rule", rule.Name, "enabled", rule.Enabled)
	return nil
}

// DeleteRule uninstalls and removes a rule.
func (m *Manager) DeleteRule(ctx context.Context, name string) error {
	if m.coord.IsInstalled(name) {
		if err := m.coord.Uninstall(name); err != nil {
			return err
		}
	}
	if err := m.repo.Delete(ctx, name); err != nil {
		return err
	}
	m.logger.Info("rule deleted", "rule", name)
	return nil
}

// EnableRule marks a rule enabled and installs it.
func (m *Manager) EnableRule(ctx context.Context, name string) error {
	rule, err := m.repo.Get(ctx, name)
	if err != nil {
		return err
	}

	if err := m.repo.SetEnabled(ctx, name, true); err != nil {
		return err
	}
	rule.Enabled = true

	if m.coord.IsInstalled(name) {
		return nil
	}
	return m.install(rule)
}

// DisableRule marks a rule disabled and uninstalls it, cancelling any
// suspended cycle.
func (m *Manager) DisableRule(ctx context.Context, name string) error {
	if err := m.repo.SetEnabled(ctx, name, false); err != nil {
		return err
	}
	if m.coord.IsInstalled(name) {
		return m.coord.Uninstall(name)
	}
	return nil
}

// GetRule loads one rule record.
func (m *Manager) GetRule(ctx context.Context, name string) (*rules.Rule, error) {
	return m.repo.Get(ctx, name)
}

// ListRules loads all rule records.
func (m *Manager) ListRules(ctx context.Context) ([]*rules.Rule, error) {
	return m.repo.List(ctx)
}

// IsRunning reports whether a rule is currently installed in the
// coordinator.
func (m *Manager) IsRunning(name string) bool {
	return m.coord.IsInstalled(name)
}

// ReloadAll installs every enabled rule from the repository. Called on
// startup. A rule that fails to compile is logged and skipped; one bad
// script never blocks the rest of the site.
func (m *Manager) ReloadAll(ctx context.Context) error {
	all, err := m.repo.List(ctx)
	if err != nil {
		return err
	}

	installed := 0
	for _, rule := range all {
		if !rule.Enabled {
			continue
		}
		if err := m.install(rule); err != nil {
			m.logger.Error("rule failed to install on reload", "rule", rule.Name, "error", err)
			continue
		}
		installed++
	}

	m.logger.Info("rules reloaded", "total", len(all), "installed", installed)
	return nil
}

// validate checks rule identity and compiles both scripts, so broken
// sources are rejected before they are persisted.
func (m *Manager) validate(rule *rules.Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if rule.Kind != rules.KindCondition && rule.Kind != rules.KindScheduled {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, rule.Kind)
	}
	if _, _, err := m.compile(rule); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	return nil
}

// compile builds the trigger and action programs for a rule. Condition
// rules expose a trigger() entrypoint; scheduled rules expose nextTime().
func (m *Manager) compile(rule *rules.Rule) (trigger, action *script.Program, err error) {
	triggerKind := script.KindTrigger
	if rule.Kind == rules.KindScheduled {
		triggerKind = script.KindNextTime
	}

	trigger, err = script.Compile(rule.Name, triggerKind, rule.TriggerSource)
	if err != nil {
		return nil, nil, err
	}
	action, err = script.Compile(rule.Name, script.KindAction, rule.ActionSource)
	if err != nil {
		return nil, nil, err
	}
	return trigger, action, nil
}

func (m *Manager) install(rule *rules.Rule) error {
	trigger, action, err := m.compile(rule)
	if err != nil {
		return err
	}

	actionFn := func(rt *rules.Runtime) error {
		return m.runner.Action(action, rt)
	}

	switch rule.Kind {
	case rules.KindScheduled:
		nextFn := func(rt *rules.Runtime) (time.Time, error) {
			return m.runner.NextTime(trigger, rt)
		}
		return m.coord.InstallScheduled(*rule, nextFn, actionFn)
	default:
		triggerFn := func(rt *rules.Runtime) (*rules.Trigger, error) {
			return m.runner.Trigger(trigger, rt)
		}
		return m.coord.InstallCondition(*rule, triggerFn, actionFn)
	}
}
