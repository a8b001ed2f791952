// Package server assembles the clawcontrol control plane: the SQLite store,
// operator auth, the event bus, the terminal bridge and the gateway link,
// all behind one HTTP handler.
//
// Routes marked as gated accept either a dashboard session (X-Session-Id
// header, Authorization header or sessionId query parameter) or the static
// API token. The two websocket routes check credentials during the
// handshake and close with code 4001 when they are missing.
package server
