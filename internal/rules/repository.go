package rules

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hearthwire/hearth-core/internal/infrastructure/database"
)

// Repository persists rule identity to SQLite: enough to reconstruct
// and re-install every rule on startup. Live state (condition trees,
// timers) is never persisted; rules re-arm from scratch.
type Repository struct {
	db *database.DB
}

// NewRepository creates a rule repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Save inserts or replaces a rule record.
func (r *Repository) Save(ctx context.Context, rule *Rule) error {
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rules (name, kind, trigger_source, action_source, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			trigger_source = excluded.trigger_source,
			action_source = excluded.action_source,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		rule.Name,
		string(rule.Kind),
		rule.TriggerSource,
		rule.ActionSource,
		boolToInt(rule.Enabled),
		rule.CreatedAt.Format(time.RFC3339Nano),
		rule.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving rule %q: %w", rule.Name, err)
	}
	return nil
}

// Get loads one rule by name. Returns ErrRuleNotFound if absent.
func (r *Repository) Get(ctx context.Context, name string) (*Rule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, kind, trigger_source, action_source, enabled, created_at, updated_at
		FROM rules WHERE name = ?`, name)

	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading rule %q: %w", name, err)
	}
	return rule, nil
}

// List loads all rule records.
func (r *Repository) List(ctx context.Context) ([]*Rule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, kind, trigger_source, action_source, enabled, created_at, updated_at
		FROM rules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// SetEnabled flips a rule's enabled flag.
func (r *Repository) SetEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE rules SET enabled = ?, updated_at = ? WHERE name = ?`,
		boolToInt(enabled), time.Now().UTC().Format(time.RFC3339Nano), name)
	if err != nil {
		return fmt.Errorf("updating rule %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	return nil
}

// Delete removes a rule record. Returns ErrRuleNotFound if absent.
func (r *Repository) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rules WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting rule %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*Rule, error) {
	var (
		rule                 Rule
		kind                 string
		enabled              int
		createdAt, updatedAt string
	)
	if err := s.Scan(&rule.Name, &kind, &rule.TriggerSource, &rule.ActionSource,
		&enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rule.Kind = RuleKind(kind)
	rule.Enabled = enabled == 1
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rule.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rule.UpdatedAt = t
	}
	return &rule, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
