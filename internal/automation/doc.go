// Package automation manages the rule lifecycle for Hearth Core.
//
// A rule is a pair of JavaScript sources: a trigger (or next-time
// provider for scheduled rules) and an action. The Manager is the
// single write path for rules; it compiles both scripts up front so
// broken sources are rejected before they are persisted, saves the
// record, and installs enabled rules into the coordinator where they
// run as independent tasks.
//
// On startup ReloadAll reinstalls every enabled rule from the
// database. Live state is never persisted; rules re-arm from scratch
// after a restart.
package automation
