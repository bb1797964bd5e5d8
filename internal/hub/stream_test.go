package hub

import (
	"testing"

	"github.com/hearthwire/hearth-core/internal/infrastructure/mqtt"
)

type fakeBus struct {
	handler      mqtt.MessageHandler
	subscribed   string
	unsubscribed string
}

func (b *fakeBus) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.subscribed = topic
	b.handler = handler
	return nil
}

func (b *fakeBus) Unsubscribe(topic string) error {
	b.unsubscribed = topic
	return nil
}

type recordingSink struct {
	events []Event
}

func (s *recordingSink) OnDeviceEvent(deviceID, attribute string, value Value) {
	s.events = append(s.events, Event{DeviceID: deviceID, Attribute: attribute, Value: value})
}

func TestStream_DeliversEvents(t *testing.T) {
	bus := &fakeBus{}
	sink := &recordingSink{}
	stream := NewStream(bus, sink, 1)

	if err := stream.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if bus.subscribed != "hearth/hub/event/+" {
		t.Errorf("subscribed to %q", bus.subscribed)
	}

	bus.handler("hearth/hub/event/12", []byte(`{"device_id":"12","attribute":"switch","value":"on"}`))
	bus.handler("hearth/hub/event/12", []byte(`{"device_id":"12","attribute":"level","value":75}`))

	if len(sink.events) != 2 {
		t.Fatalf("got %d events, want 2", len(sink.events))
	}
	if sink.events[0].Attribute != "switch" || sink.events[0].Value != "on" {
		t.Errorf("event[0] = %+v", sink.events[0])
	}
	if sink.events[1].Value != float64(75) {
		t.Errorf("event[1].Value = %v (%T)", sink.events[1].Value, sink.events[1].Value)
	}

	if err := stream.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if bus.unsubscribed != "hearth/hub/event/+" {
		t.Errorf("unsubscribed from %q", bus.unsubscribed)
	}
}

func TestStream_DeviceIDFromTopic(t *testing.T) {
	bus := &fakeBus{}
	sink := &recordingSink{}
	stream := NewStream(bus, sink, 1)
	stream.Start()

	bus.handler("hearth/hub/event/42", []byte(`{"attribute":"contact","value":"open"}`))

	if len(sink.events) != 1 || sink.events[0].DeviceID != "42" {
		t.Fatalf("events = %+v", sink.events)
	}
}

func TestStream_DropsMalformed(t *testing.T) {
	bus := &fakeBus{}
	sink := &recordingSink{}
	stream := NewStream(bus, sink, 1)
	stream.Start()

	if err := bus.handler("hearth/hub/event/1", []byte(`not json`)); err != nil {
		t.Errorf("malformed payload returned error: %v", err)
	}
	bus.handler("hearth/hub/event/1", []byte(`{"value":"on"}`)) // no attribute

	if len(sink.events) != 0 {
		t.Errorf("malformed events delivered: %+v", sink.events)
	}
}
