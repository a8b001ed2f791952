// Package auth provides operator authentication for clawcontrol.
//
// # Credentials
//
// There is exactly one operator account. Passwords are hashed with
// PBKDF2-SHA512 (100000 iterations by default, 64-byte key, 32-byte random
// salt) and compared in constant time. MFA uses six-digit TOTP codes; a new
// secret stays pending until the operator proves possession with one code.
//
// # Sessions
//
// Sessions are opaque 256-bit random tokens held in memory by
// SessionManager. They are lost on restart and cleared on any password
// change or reset. An optional idle timeout can be configured.
//
// # Login Guard
//
// LoginGuard counts failures per source address:
//
//	clean -> warned -> soft locked (5 failures, 15m) -> hard locked (20 failures, 24h)
//
// A successful login clears the address. Counts survive soft lock expiry,
// so an address that keeps failing climbs to the hard lock.
//
// # HTTP
//
// Authenticator accepts a session token or, when configured, a static API
// token that bypasses sessions for automation:
//
//	X-Session-Id: <session>
//	Authorization: Session <session>
//	Authorization: Bearer <session or api token>
//	?sessionId=<session>  or  ?token=<api token>
//
// Handlers read the identity with FromContext.
package auth
