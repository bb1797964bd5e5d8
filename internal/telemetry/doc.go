// Package telemetry writes hearth's time-series data to InfluxDB.
//
// Three measurements are kept:
//
//   - device_events: one point per device attribute event, tagged by
//     device and attribute, with the value as a float field (or a
//     string field when the value is not numeric)
//   - rule_cycles: one point per rule cycle outcome, tagged by rule
//     name and outcome, with a success field
//   - scene_applications: one point per scene application with the
//     number of failed commands
//
// Writes are batched and asynchronous; the hot paths that produce
// telemetry (event dispatch, rule execution) never block on it.
// Telemetry is optional and disabled by default; Connect returns
// ErrDisabled when the config has it off, and callers treat that as
// "no telemetry" rather than a failure.
package telemetry
