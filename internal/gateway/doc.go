// Package gateway keeps clawcontrol connected to the upstream agent gateway.
//
// A Link dials the configured websocket URL with a bearer token and stays
// connected for the life of the process. When the connection drops it waits a
// constant delay (5s by default) and tries again, forever. Lifecycle changes
// and every inbound frame are published on the event bus:
//
//	GATEWAY_CONNECTED     {"url": "..."}
//	GATEWAY_MSG           {"raw": "<frame text>"}
//	GATEWAY_DISCONNECTED  {}
//
// GATEWAY_DISCONNECTED follows every dropped connection and every failed
// dial, so a gateway that stays down reports once per attempt.
//
// Inbound frames are also relayed verbatim to dashboard clients connected to
// /ws/gateway through the Hub, and frames from those clients are forwarded
// upstream while the link is open and dropped otherwise.
package gateway
