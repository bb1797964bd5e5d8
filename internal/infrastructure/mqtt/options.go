package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hearthwire/hearth-core/internal/infrastructure/config"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds

	maxQoS         = 2
	maxPayloadSize = 1024 * 1024 // 1MB
)

// buildClientOptions constructs paho client options from config.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))

	opts.SetClientID(cfg.Broker.ClientID)
	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(defaultConnectTimeout)
	// Ordered delivery stays on (the paho default): handlers run inline
	// on the router goroutine, so device events arrive serially in
	// broker order. Rule evaluation depends on that.

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	return opts
}

// configureLWT sets the Last Will and Testament so the broker announces
// an unclean disconnect on the system status topic.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	opts.SetWill(Topics{}.SystemStatus(), string(buildLWTPayload(clientID)), 1, true)
}

func buildLWTPayload(clientID string) []byte {
	return []byte(fmt.Sprintf(`{"status":"offline","reason":"unexpected_disconnect","client_id":%q}`, clientID))
}

func buildOnlinePayload(clientID string) []byte {
	return []byte(fmt.Sprintf(`{"status":"online","client_id":%q,"timestamp":%q}`,
		clientID, time.Now().UTC().Format(time.RFC3339)))
}

func buildOfflinePayload(clientID string) []byte {
	return []byte(fmt.Sprintf(`{"status":"offline","reason":"shutdown","client_id":%q,"timestamp":%q}`,
		clientID, time.Now().UTC().Format(time.RFC3339)))
}
