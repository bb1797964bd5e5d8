package mqtt

import "fmt"

// Topics builds the hearth MQTT topic namespace.
//
// Layout:
//
//	hearth/hub/event/{deviceID}   inbound device attribute events from the hub bridge
//	hearth/rule/fired/{rule}      outbound rule trigger notifications
//	hearth/scene/applied/{scene}  outbound scene application notifications
//	hearth/system/status          retained client online/offline status
type Topics struct{}

// HubEvents returns the wildcard subscription for all hub device events.
func (Topics) HubEvents() string {
	return "hearth/hub/event/+"
}

// HubEvent returns the event topic for a single device.
func (Topics) HubEvent(deviceID string) string {
	return fmt.Sprintf("hearth/hub/event/%s", deviceID)
}

// RuleFired returns the topic announcing that a rule's trigger matched.
func (Topics) RuleFired(ruleName string) string {
	return fmt.Sprintf("hearth/rule/fired/%s", ruleName)
}

// SceneApplied returns the topic announcing a scene application.
func (Topics) SceneApplied(sceneName string) string {
	return fmt.Sprintf("hearth/scene/applied/%s", sceneName)
}

// SystemStatus returns the retained online/offline status topic.
func (Topics) SystemStatus() string {
	return "hearth/system/status"
}
