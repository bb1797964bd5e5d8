// Package api provides the HTTP REST API and WebSocket event feed for
// Hearth Core.
//
// It exposes rule and scene management, device read-through, and the
// audit trail to operator tooling. Mutating routes require a Bearer
// JWT from POST /api/v1/auth/login; WebSocket connections authenticate
// with a single-use ticket so the token never appears in a URL.
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
