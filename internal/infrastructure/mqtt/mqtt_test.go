package mqtt

import (
	"strings"
	"testing"

	"github.com/hearthwire/hearth-core/internal/infrastructure/config"
)

func TestTopics(t *testing.T) {
	var topics Topics

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"hub events wildcard", topics.HubEvents(), "hearth/hub/event/+"},
		{"hub event", topics.HubEvent("dev-42"), "hearth/hub/event/dev-42"},
		{"rule fired", topics.RuleFired("porch-light"), "hearth/rule/fired/porch-light"},
		{"scene applied", topics.SceneApplied("movie-night"), "hearth/scene/applied/movie-night"},
		{"system status", topics.SystemStatus(), "hearth/system/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "broker.local",
			Port:     8883,
			TLS:      true,
			ClientID: "hearth-test",
		},
		Auth: config.MQTTAuthConfig{
			Username: "hearth",
			Password: "secret",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			MaxDelay: 30,
		},
	}

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 {
		t.Fatalf("expected 1 broker, got %d", len(opts.Servers))
	}
	if got := opts.Servers[0].String(); got != "ssl://broker.local:8883" {
		t.Errorf("broker URL = %q, want ssl://broker.local:8883", got)
	}
	if opts.ClientID != "hearth-test" {
		t.Errorf("client ID = %q, want hearth-test", opts.ClientID)
	}
	if opts.Username != "hearth" {
		t.Errorf("username = %q, want hearth", opts.Username)
	}
	if !opts.AutoReconnect {
		t.Error("expected auto-reconnect enabled")
	}
	if opts.TLSConfig == nil {
		t.Error("expected TLS config when tls is enabled")
	}
	if !opts.Order {
		t.Error("ordered delivery must stay enabled: handlers run inline on the router goroutine so device events arrive serially in broker order")
	}
}

func TestBuildClientOptions_PlainTCP(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: "hearth-test",
		},
	}

	opts := buildClientOptions(cfg)

	if got := opts.Servers[0].String(); got != "tcp://localhost:1883" {
		t.Errorf("broker URL = %q, want tcp://localhost:1883", got)
	}
	if opts.Username != "" {
		t.Errorf("expected no username, got %q", opts.Username)
	}
}

func TestStatusPayloads(t *testing.T) {
	lwt := string(buildLWTPayload("hearth-core"))
	if !strings.Contains(lwt, `"status":"offline"`) || !strings.Contains(lwt, "unexpected_disconnect") {
		t.Errorf("unexpected LWT payload: %s", lwt)
	}

	online := string(buildOnlinePayload("hearth-core"))
	if !strings.Contains(online, `"status":"online"`) {
		t.Errorf("unexpected online payload: %s", online)
	}

	offline := string(buildOfflinePayload("hearth-core"))
	if !strings.Contains(offline, `"reason":"shutdown"`) {
		t.Errorf("unexpected offline payload: %s", offline)
	}
}

func TestPublish_Validation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}

	if err := c.Publish("", []byte("x"), 0, false); err != ErrInvalidTopic {
		t.Errorf("empty topic: got %v, want ErrInvalidTopic", err)
	}
	if err := c.Publish("hearth/test", []byte("x"), 3, false); err != ErrInvalidQoS {
		t.Errorf("invalid qos: got %v, want ErrInvalidQoS", err)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}

	if err := c.Subscribe("", 0, func(string, []byte) error { return nil }); err != ErrInvalidTopic {
		t.Errorf("empty topic: got %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("hearth/test", 5, func(string, []byte) error { return nil }); err != ErrInvalidQoS {
		t.Errorf("invalid qos: got %v, want ErrInvalidQoS", err)
	}
}
