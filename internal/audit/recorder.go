package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hearthwire/hearth-core/internal/infrastructure/database"
)

// errorLogger receives recording failures. Compatible with logging.Logger.
type errorLogger interface {
	Error(msg string, args ...any)
}

type noopErrorLogger struct{}

func (noopErrorLogger) Error(string, ...any) {}

// Recorder persists audit events to SQLite. Recording failures are
// logged and swallowed so an audit outage never stalls rule execution.
type Recorder struct {
	db     *database.DB
	logger errorLogger
}

// NewRecorder creates a SQLite-backed audit recorder.
func NewRecorder(db *database.DB) *Recorder {
	return &Recorder{db: db, logger: noopErrorLogger{}}
}

// SetLogger sets the logger for recording failures.
func (r *Recorder) SetLogger(logger errorLogger) {
	if logger != nil {
		r.logger = logger
	}
}

// Record implements Logger.
func (r *Recorder) Record(ctx context.Context, e Event) {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			r.logger.Error("marshaling audit details", "error", err)
			details = nil
		}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, event_type, event_subtype, rule_name, scene_name,
			device_id, success, error_message, details, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		string(e.Type),
		e.Action,
		nullable(e.RuleName),
		nullable(e.SceneName),
		nullable(e.DeviceID),
		boolToInt(e.Success),
		nullable(e.Error),
		nullableBytes(details),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		r.logger.Error("recording audit event failed",
			"event_type", e.Type, "action", e.Action, "error", err)
	}
}

// Record is one persisted audit event as returned by queries.
type Record struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"event_type"`
	Action    string         `json:"action"`
	RuleName  string         `json:"rule_name,omitempty"`
	SceneName string         `json:"scene_name,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Recent returns up to limit events ordered newest first, optionally
// filtered by rule name.
func (r *Recorder) Recent(ctx context.Context, ruleName string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, event_type, event_subtype, rule_name, scene_name,
		       device_id, success, error_message, details, created_at
		FROM audit_events`
	args := []any{}
	if ruleName != "" {
		query += " WHERE rule_name = ?"
		args = append(args, ruleName)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec                                   Record
			ruleName, sceneName, deviceID, errMsg sql.NullString
			details                               sql.NullString
			success                               sql.NullInt64
			createdAt                             string
		)
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Action, &ruleName, &sceneName,
			&deviceID, &success, &errMsg, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		rec.RuleName = ruleName.String
		rec.SceneName = sceneName.String
		rec.DeviceID = deviceID.String
		rec.Error = errMsg.String
		rec.Success = success.Int64 == 1
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &rec.Details); err != nil {
				rec.Details = map[string]any{"raw": details.String}
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
