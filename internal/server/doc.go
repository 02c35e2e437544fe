// Package server exposes the broker's HTTP surface: the websocket
// upgrade endpoint a desktop UI client connects to, plus liveness and
// limiter-stats debug endpoints. Grounded on the teacher's
// internal/server/server.go for middleware and lifecycle, with the
// REST session/provider/tool surface replaced by a single bidirectional
// channel per spec.md §6.
package server
