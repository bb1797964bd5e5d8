package telemetry

import (
	"errors"
	"testing"

	"github.com/hearthwire/hearth-core/internal/infrastructure/config"
)

func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:59999",
		Token:         "hearth-test-token",
		Org:           "hearth",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := Connect(cfg)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(testConfig())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWrite_NotConnected(t *testing.T) {
	// A closed writer silently drops points rather than panicking.
	w := &Writer{}
	w.WriteDeviceEvent("light.porch", "switch", "on")
	w.WriteRuleCycle("motion_lights", "fired", true)
	w.WriteSceneApplied("movie_night", 0)
	w.Flush()
	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestToFloat(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  float64
		ok    bool
	}{
		{"float", 21.5, 21.5, true},
		{"int", 42, 42, true},
		{"numeric string", "72.5", 72.5, true},
		{"bool true", true, 1, true},
		{"bool false", false, 0, true},
		{"plain string", "on", 0, false},
		{"nil", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := toFloat(tt.value)
			if got != tt.want || ok != tt.ok {
				t.Errorf("toFloat(%v) = (%v, %v), want (%v, %v)", tt.value, got, ok, tt.want, tt.ok)
			}
		})
	}
}
