package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hearthwire/hearth-core/internal/audit"
	"github.com/hearthwire/hearth-core/internal/automation"
	"github.com/hearthwire/hearth-core/internal/hub"
	"github.com/hearthwire/hearth-core/internal/infrastructure/config"
	"github.com/hearthwire/hearth-core/internal/infrastructure/database"
	"github.com/hearthwire/hearth-core/internal/infrastructure/logging"
	"github.com/hearthwire/hearth-core/internal/rules"
	"github.com/hearthwire/hearth-core/internal/scenes"
	"github.com/hearthwire/hearth-core/internal/script"
	"github.com/hearthwire/hearth-core/internal/timers"
	_ "github.com/hearthwire/hearth-core/migrations"
)

const testJWTSecret = "test-secret-0123456789abcdefghijklmnop"

type fakeHub struct {
	mu       sync.Mutex
	attrs    map[string]map[string]any
	commands []string
}

func (h *fakeHub) Attributes(_ context.Context, deviceID string) (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	attrs, ok := h.attrs[deviceID]
	if !ok {
		return nil, hub.ErrDeviceNotFound
	}
	return attrs, nil
}

func (h *fakeHub) BulkAttributes(_ context.Context, deviceIDs []string) (map[string]map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]map[string]any, len(deviceIDs))
	for _, id := range deviceIDs {
		if attrs, ok := h.attrs[id]; ok {
			out[id] = attrs
		}
	}
	return out, nil
}

func (h *fakeHub) SendCommand(_ context.Context, deviceID, command string, _ ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, deviceID+":"+command)
	return nil
}

func (h *fakeHub) Device(_ context.Context, deviceID string) (*hub.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	attrs, ok := h.attrs[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", hub.ErrDeviceNotFound, deviceID)
	}
	return &hub.Device{ID: deviceID, Label: deviceID, Attributes: attrs}, nil
}

type fakeAudit struct {
	records []audit.Record
}

func (a *fakeAudit) Recent(_ context.Context, ruleName string, limit int) ([]audit.Record, error) {
	var out []audit.Record
	for _, rec := range a.records {
		if ruleName != "" && rec.RuleName != ruleName {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type testServer struct {
	srv *Server
	ts  *httptest.Server
	hub *fakeHub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrating database: %v", err)
	}

	devices := &fakeHub{attrs: map[string]map[string]any{
		"sensor.motion": {"motion": "inactive"},
		"light.hall":    {"switch": "off"},
	}}

	timerSvc := timers.New(128)
	t.Cleanup(timerSvc.Stop)

	sceneMgr, err := scenes.NewManager(ctx, scenes.NewRepository(db), devices)
	if err != nil {
		t.Fatalf("creating scene manager: %v", err)
	}

	coord := rules.NewCoordinator(rules.Deps{
		Engine: rules.NewEngine(timerSvc),
		Hub:    devices,
		Scenes: sceneMgr,
	})
	t.Cleanup(coord.Stop)

	ruleMgr := automation.NewManager(rules.NewRepository(db), coord, script.NewRunner(time.Second))

	srv, err := New(Deps{
		Config:   config.APIConfig{Host: "127.0.0.1", Port: 0},
		Security: config.SecurityConfig{JWT: config.JWTConfig{Secret: testJWTSecret, AccessTokenTTL: 15}},
		Logger:   logging.Default(),
		Rules:    ruleMgr,
		Scenes:   sceneMgr,
		Devices:  devices,
		Audit: &fakeAudit{records: []audit.Record{
			{ID: "1", Type: audit.TypeExecution, Action: "fired", RuleName: "motion_lights", Success: true},
			{ID: "2", Type: audit.TypeDevice, Action: "command", RuleName: "other_rule", Success: true},
		}},
		Version: "test",
	})
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, ts: ts, hub: devices}
}

// login fetches a Bearer token through the real login handler.
func (ts *testServer) login(t *testing.T) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"username": "admin", "password": "admin"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	return body.AccessToken
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}

	req, err := http.NewRequest(method, ts.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/health", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/rules/", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/rules/", "not-a-jwt", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuth_WrongCredentials(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"username": "admin", "password": "wrong"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("login status = %d, want 401", resp.StatusCode)
	}
}

func validRuleRequest(name string) ruleRequest {
	return ruleRequest{
		Name:          name,
		Kind:          "condition",
		TriggerSource: `function trigger(ctx) { return ctx.device("sensor.motion").is("motion", "active"); }`,
		ActionSource:  `function action(ctx) { ctx.device("light.hall").command("on"); }`,
		Enabled:       true,
	}
}

func TestRules_CRUD(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	// Create
	resp := ts.do(t, http.MethodPost, "/api/v1/rules/", token, validRuleRequest("motion_lights"))
	var created ruleResponse
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	decodeBody(t, resp, &created)
	if !created.Running {
		t.Error("created enabled rule not running")
	}

	// Duplicate
	resp = ts.do(t, http.MethodPost, "/api/v1/rules/", token, validRuleRequest("motion_lights"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", resp.StatusCode)
	}

	// Get
	resp = ts.do(t, http.MethodGet, "/api/v1/rules/motion_lights", token, nil)
	var got ruleResponse
	decodeBody(t, resp, &got)
	if got.Name != "motion_lights" || got.Kind != "condition" {
		t.Errorf("get returned %+v", got)
	}

	// List
	resp = ts.do(t, http.MethodGet, "/api/v1/rules/", token, nil)
	var list struct {
		Rules []ruleResponse `json:"rules"`
	}
	decodeBody(t, resp, &list)
	if len(list.Rules) != 1 {
		t.Errorf("list returned %d rules, want 1", len(list.Rules))
	}

	// Disable
	resp = ts.do(t, http.MethodPost, "/api/v1/rules/motion_lights/disable", token, nil)
	var toggled struct {
		Running bool `json:"running"`
	}
	decodeBody(t, resp, &toggled)
	if toggled.Running {
		t.Error("rule still running after disable")
	}

	// Enable
	resp = ts.do(t, http.MethodPost, "/api/v1/rules/motion_lights/enable", token, nil)
	decodeBody(t, resp, &toggled)
	if !toggled.Running {
		t.Error("rule not running after enable")
	}

	// Update
	updated := validRuleRequest("motion_lights")
	updated.ActionSource = `function action(ctx) { ctx.device("light.hall").command("off"); }`
	resp = ts.do(t, http.MethodPut, "/api/v1/rules/motion_lights", token, updated)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("update status = %d, want 200", resp.StatusCode)
	}

	// Delete
	resp = ts.do(t, http.MethodDelete, "/api/v1/rules/motion_lights", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/api/v1/rules/motion_lights", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestRules_CreateInvalidScript(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	req := validRuleRequest("broken")
	req.TriggerSource = `function trigger(ctx) { syntax error`

	resp := ts.do(t, http.MethodPost, "/api/v1/rules/", token, req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestScenes_CRUDAndApply(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	scene := scenes.Scene{
		Name: "evening",
		Requirements: []scenes.Requirement{
			{DeviceID: "light.hall", Attribute: "switch", Value: "on", Command: "on"},
		},
	}

	resp := ts.do(t, http.MethodPost, "/api/v1/scenes/", token, scene)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	// Apply sends the scene's commands through the hub.
	resp = ts.do(t, http.MethodPost, "/api/v1/scenes/evening/apply", token, nil)
	var result scenes.ApplyResult
	decodeBody(t, resp, &result)
	if !result.Success {
		t.Errorf("apply result = %+v, want success", result)
	}
	ts.hub.mu.Lock()
	commands := len(ts.hub.commands)
	ts.hub.mu.Unlock()
	if commands != 1 {
		t.Errorf("hub received %d commands, want 1", commands)
	}

	// State: light.hall is off in the fake hub, so the scene is not set.
	resp = ts.do(t, http.MethodGet, "/api/v1/scenes/evening/state", token, nil)
	var state struct {
		IsSet bool `json:"is_set"`
	}
	decodeBody(t, resp, &state)
	if state.IsSet {
		t.Error("scene reported set while requirement does not hold")
	}

	resp = ts.do(t, http.MethodDelete, "/api/v1/scenes/evening", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
}

func TestScenes_NotFound(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/scenes/missing/apply", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("apply status = %d, want 404", resp.StatusCode)
	}
}

func TestDevices_Get(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/devices/sensor.motion", token, nil)
	var device hub.Device
	decodeBody(t, resp, &device)
	if device.ID != "sensor.motion" {
		t.Errorf("device id = %q", device.ID)
	}

	resp = ts.do(t, http.MethodGet, "/api/v1/devices/nope", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", resp.StatusCode)
	}
}

func TestAudit_Events(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/audit/events?rule=motion_lights", token, nil)
	var body struct {
		Events []audit.Record `json:"events"`
	}
	decodeBody(t, resp, &body)
	if len(body.Events) != 1 || body.Events[0].RuleName != "motion_lights" {
		t.Errorf("events = %+v, want one motion_lights record", body.Events)
	}

	resp = ts.do(t, http.MethodGet, "/api/v1/audit/events?limit=zero", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestTicketStore_SingleUse(t *testing.T) {
	store := newTicketStore()

	ticket := store.issue()
	if !store.consume(ticket) {
		t.Fatal("fresh ticket rejected")
	}
	if store.consume(ticket) {
		t.Error("ticket accepted twice")
	}
	if store.consume("no-such-ticket") {
		t.Error("unknown ticket accepted")
	}
}

func TestTicketStore_CleanExpired(t *testing.T) {
	store := newTicketStore()
	store.tickets["stale"] = time.Now().Add(-time.Minute)
	fresh := store.issue()

	store.cleanExpired()

	if _, ok := store.tickets["stale"]; ok {
		t.Error("expired ticket survived cleanup")
	}
	if !store.consume(fresh) {
		t.Error("fresh ticket removed by cleanup")
	}
}
