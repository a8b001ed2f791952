// Package store provides persistent storage for clawcontrol using SQLite.
//
// # Architecture
//
// Three narrow interfaces are combined into Store:
//
//   - CredentialStore: the single operator account (username, password hash, MFA secret)
//   - EventLog: the append-only event log behind the event bus
//   - AuditLog: security-relevant actions (logins, password and MFA changes, control actions)
//
// SQLiteStore implements all of them in one struct.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// The credentials table carries CHECK (id = 1), so registration is an atomic
// single-row insert and a second registration fails with ErrAlreadyRegistered.
//
// # Error Handling
//
//   - ErrNotFound: no credentials registered yet
//   - ErrAlreadyRegistered: credentials already exist
//
// All methods accept context.Context for cancellation support.
package store
