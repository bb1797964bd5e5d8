package scenes

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hearthwire/hearth-core/internal/infrastructure/database"
)

// Repository persists scenes to SQLite. Requirements are stored as a
// JSON column; the scene name is the primary key.
type Repository struct {
	db *database.DB
}

// NewRepository creates a scene repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Save inserts or replaces a scene.
func (r *Repository) Save(ctx context.Context, scene *Scene) error {
	requirements, err := json.Marshal(scene.Requirements)
	if err != nil {
		return fmt.Errorf("marshaling scene requirements: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scenes (name, description, requirements, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			requirements = excluded.requirements,
			updated_at = excluded.updated_at`,
		scene.Name,
		scene.Description,
		string(requirements),
		scene.CreatedAt.UTC().Format(time.RFC3339Nano),
		scene.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving scene %q: %w", scene.Name, err)
	}
	return nil
}

// Get loads one scene by name.
func (r *Repository) Get(ctx context.Context, name string) (*Scene, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, description, requirements, created_at, updated_at
		FROM scenes WHERE name = ?`, name)

	scene, err := scanScene(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSceneNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading scene %q: %w", name, err)
	}
	return scene, nil
}

// List loads all scenes.
func (r *Repository) List(ctx context.Context) ([]*Scene, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, description, requirements, created_at, updated_at
		FROM scenes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing scenes: %w", err)
	}
	defer rows.Close()

	var scenes []*Scene
	for rows.Next() {
		scene, err := scanScene(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning scene: %w", err)
		}
		scenes = append(scenes, scene)
	}
	return scenes, rows.Err()
}

// Delete removes a scene. Deleting an unknown name is not an error at
// this layer; the manager enforces existence.
func (r *Repository) Delete(ctx context.Context, name string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM scenes WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting scene %q: %w", name, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScene(s scanner) (*Scene, error) {
	var (
		scene       Scene
		description sql.NullString
		reqJSON     string
		createdAt   string
		updatedAt   string
	)
	if err := s.Scan(&scene.Name, &description, &reqJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	scene.Description = description.String
	if err := json.Unmarshal([]byte(reqJSON), &scene.Requirements); err != nil {
		return nil, fmt.Errorf("unmarshaling requirements: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		scene.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		scene.UpdatedAt = t
	}
	return &scene, nil
}
