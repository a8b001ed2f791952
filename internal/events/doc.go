// Package events implements the clawcontrol event bus.
//
// Publish hands each event to two places: every live subscriber (non-blocking,
// a full subscriber buffer drops that frame for that subscriber only) and a
// bounded queue drained by a single persistence goroutine into the SQLite
// event log. A publish mutex keeps one global order, so each subscriber and
// the log observe events in publish order.
//
// The bus is also the http.Handler for the server-sent events endpoint:
//
//	data: {"type":"connected"}
//
//	data: {"type":"GATEWAY_CONNECTED","payload":{"url":"ws://..."},"createdAt":"..."}
//
//	:heartbeat
//
// Delivery is at-most-once. There is no replay; clients that reconnect read
// recent history through Recent.
package events
