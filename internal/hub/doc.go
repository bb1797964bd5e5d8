// Package hub integrates the home-control hub.
//
// Outbound traffic (attribute reads, device commands) goes over the
// hub's Maker-API style HTTP endpoint via Client. Inbound device events
// arrive over MQTT via Stream, which decodes them and hands them to the
// rule engine in arrival order.
package hub
