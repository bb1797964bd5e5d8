// Package scenes manages named target sets of device attribute values.
//
// A scene declares, per device, the attribute value it wants and the
// command that establishes it. The manager can check whether a scene
// currently holds (IsSet) and push it onto the devices (Apply),
// reporting per-command failures without retrying.
package scenes
