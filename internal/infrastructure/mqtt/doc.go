// Package mqtt wraps the Eclipse Paho client for hearth's broker traffic.
//
// The hub bridge publishes device attribute events under hearth/hub/event/+
// and this package carries them to the rule engine; hearth publishes rule
// and scene notifications back out, plus a retained system status with a
// Last Will and Testament for crash detection.
//
// The Client tracks subscriptions so they survive broker reconnects, and
// wraps every message handler with panic recovery.
package mqtt
