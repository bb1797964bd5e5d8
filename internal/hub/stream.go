package hub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hearthwire/hearth-core/internal/infrastructure/mqtt"
)

// Event is one device attribute change published by the hub bridge.
type Event struct {
	DeviceID  string    `json:"device_id"`
	Attribute string    `json:"attribute"`
	Value     Value     `json:"value"`
	Timestamp time.Time `json:"ts"`
}

// EventSink receives decoded device events in arrival order.
// The rule engine implements this.
type EventSink interface {
	OnDeviceEvent(deviceID, attribute string, value Value)
}

// Bus is the MQTT surface the stream needs.
type Bus interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Stream subscribes to the hub event topic and feeds decoded events to
// a sink. The paho client invokes the handler from a single goroutine
// per subscription, so events reach the sink in arrival order.
type Stream struct {
	bus    Bus
	sink   EventSink
	qos    byte
	topic  string
	logger Logger
}

// NewStream creates a stream delivering hub events to sink.
func NewStream(bus Bus, sink EventSink, qos byte) *Stream {
	return &Stream{
		bus:    bus,
		sink:   sink,
		qos:    qos,
		topic:  mqtt.Topics{}.HubEvents(),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger. Must be called before Start.
func (s *Stream) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Start subscribes to the hub event topic.
func (s *Stream) Start() error {
	if err := s.bus.Subscribe(s.topic, s.qos, s.handleMessage); err != nil {
		return fmt.Errorf("subscribing to hub events: %w", err)
	}
	return nil
}

// Stop unsubscribes from the hub event topic.
func (s *Stream) Stop() error {
	return s.bus.Unsubscribe(s.topic)
}

func (s *Stream) handleMessage(topic string, payload []byte) error {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Warn("dropping malformed hub event", "topic", topic, "error", err)
		return nil
	}

	// The topic's device segment is authoritative when the payload
	// omits the id.
	if ev.DeviceID == "" {
		if i := strings.LastIndexByte(topic, '/'); i >= 0 {
			ev.DeviceID = topic[i+1:]
		}
	}
	if ev.DeviceID == "" || ev.Attribute == "" {
		s.logger.Warn("dropping incomplete hub event", "topic", topic)
		return nil
	}

	s.sink.OnDeviceEvent(ev.DeviceID, ev.Attribute, ev.Value)
	return nil
}
