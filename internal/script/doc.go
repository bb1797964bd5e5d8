// Package script compiles and invokes rule-author JavaScript.
//
// A rule carries up to two programs: a trigger (or next-time provider)
// and an action. Each invocation receives a single ctx argument
// exposing exactly the rule capabilities: device and scene handles,
// condition builders (allOf, anyOf, isNot, onChange), and the wait
// family (wait, waitFor, waitForChange, waitUntil, check).
//
// Sandboxing is out of scope; isolation here means a fresh VM per
// invocation and cooperative interruption on rule uninstall.
package script
