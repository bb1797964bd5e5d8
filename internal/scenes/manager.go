package scenes

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HubClient is the device surface the scene manager needs.
type HubClient interface {
	BulkAttributes(ctx context.Context, deviceIDs []string) (map[string]map[string]any, error)
	SendCommand(ctx context.Context, deviceID, command string, args ...string) error
}

// Logger is the minimal logging interface used by the scene manager.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Manager holds the scene registry and applies scenes to devices.
//
// Scenes are kept in memory, indexed by name and by device id, and
// persisted through the repository. Per-device command failures during
// Apply are collected and reported; retry policy belongs to the caller.
type Manager struct {
	mu       sync.RWMutex
	scenes   map[string]*Scene
	byDevice map[string]map[string]bool // device id -> scene names

	repo   *Repository
	hub    HubClient
	logger Logger
}

// NewManager creates a scene manager and loads all persisted scenes.
func NewManager(ctx context.Context, repo *Repository, hub HubClient) (*Manager, error) {
	m := &Manager{
		scenes:   make(map[string]*Scene),
		byDevice: make(map[string]map[string]bool),
		repo:     repo,
		hub:      hub,
		logger:   noopLogger{},
	}

	stored, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading scenes: %w", err)
	}
	for _, s := range stored {
		m.scenes[s.Name] = s
		m.indexLocked(s)
	}
	return m, nil
}

// SetLogger sets the logger. Must be called before the manager is used.
func (m *Manager) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

func (m *Manager) indexLocked(s *Scene) {
	for _, req := range s.Requirements {
		names := m.byDevice[req.DeviceID]
		if names == nil {
			names = make(map[string]bool)
			m.byDevice[req.DeviceID] = names
		}
		names[s.Name] = true
	}
}

func (m *Manager) unindexLocked(s *Scene) {
	for _, req := range s.Requirements {
		names := m.byDevice[req.DeviceID]
		delete(names, s.Name)
		if len(names) == 0 {
			delete(m.byDevice, req.DeviceID)
		}
	}
}

// Create defines a new scene. Returns ErrSceneExists on a duplicate name.
func (m *Manager) Create(ctx context.Context, scene *Scene) error {
	if err := scene.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.scenes[scene.Name]; exists {
		return fmt.Errorf("%w: %s", ErrSceneExists, scene.Name)
	}

	now := time.Now().UTC()
	scene.CreatedAt = now
	scene.UpdatedAt = now
	if err := m.repo.Save(ctx, scene); err != nil {
		return fmt.Errorf("saving scene: %w", err)
	}

	m.scenes[scene.Name] = scene
	m.indexLocked(scene)
	return nil
}

// Update replaces an existing scene's definition.
func (m *Manager) Update(ctx context.Context, scene *Scene) error {
	if err := scene.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.scenes[scene.Name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, scene.Name)
	}

	scene.CreatedAt = old.CreatedAt
	scene.UpdatedAt = time.Now().UTC()
	if err := m.repo.Save(ctx, scene); err != nil {
		return fmt.Errorf("saving scene: %w", err)
	}

	m.unindexLocked(old)
	m.scenes[scene.Name] = scene
	m.indexLocked(scene)
	return nil
}

// Delete removes a scene.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	scene, exists := m.scenes[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, name)
	}
	if err := m.repo.Delete(ctx, name); err != nil {
		return fmt.Errorf("deleting scene: %w", err)
	}

	m.unindexLocked(scene)
	delete(m.scenes, name)
	return nil
}

// Get returns a scene by name.
func (m *Manager) Get(_ context.Context, name string) (*Scene, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scene, exists := m.scenes[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSceneNotFound, name)
	}
	return scene, nil
}

// List returns all scenes.
func (m *Manager) List(_ context.Context) []*Scene {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Scene, 0, len(m.scenes))
	for _, s := range m.scenes {
		out = append(out, s)
	}
	return out
}

// ScenesForDevice returns the names of scenes referencing a device.
func (m *Manager) ScenesForDevice(deviceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := m.byDevice[deviceID]
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	return out
}

// IsSet reports whether every requirement of the named scene currently
// holds, using one bulk attribute fetch.
func (m *Manager) IsSet(ctx context.Context, name string) (bool, error) {
	scene, err := m.Get(ctx, name)
	if err != nil {
		return false, err
	}

	deviceIDs := make([]string, 0, len(scene.Requirements))
	seen := make(map[string]bool)
	for _, req := range scene.Requirements {
		if !seen[req.DeviceID] {
			seen[req.DeviceID] = true
			deviceIDs = append(deviceIDs, req.DeviceID)
		}
	}

	attrs, err := m.hub.BulkAttributes(ctx, deviceIDs)
	if err != nil {
		return false, fmt.Errorf("fetching scene state: %w", err)
	}

	for _, req := range scene.Requirements {
		current, ok := attrs[req.DeviceID][req.Attribute]
		if !ok || !looseEqual(current, req.Value) {
			return false, nil
		}
	}
	return true, nil
}

// Apply sends every requirement's command concurrently and collects
// per-command failures. It does not retry; the result reports which
// commands failed.
func (m *Manager) Apply(ctx context.Context, name string) (*ApplyResult, error) {
	scene, err := m.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []FailedCommand
	)
	for _, req := range scene.Requirements {
		wg.Add(1)
		go func(req Requirement) {
			defer wg.Done()
			if err := m.hub.SendCommand(ctx, req.DeviceID, req.Command, req.Args...); err != nil {
				mu.Lock()
				failed = append(failed, FailedCommand{
					DeviceID: req.DeviceID,
					Command:  req.Command,
					Error:    err.Error(),
				})
				mu.Unlock()
			}
		}(req)
	}
	wg.Wait()

	result := &ApplyResult{Scene: name, Success: len(failed) == 0, Failed: failed}
	if !result.Success {
		m.logger.Warn("scene applied with failures",
			"scene", name, "failed_commands", len(failed))
	} else {
		m.logger.Debug("scene applied", "scene", name)
	}
	return result, nil
}
