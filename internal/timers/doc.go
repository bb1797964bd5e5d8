// Package timers provides id-keyed single-shot timers for the rule engine.
//
// The engine arms duration and timeout timers against condition ids and
// cancels them when a condition transitions back or is removed. Cancel
// and the callback race by design; the service guarantees the callback
// runs only if no Cancel, Stop, or re-arm won first.
package timers
