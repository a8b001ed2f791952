// ABOUTME: Store interfaces and data types for clawcontrol persistence
// ABOUTME: Defines credentials, durable events and audit entries plus sentinel errors

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrAlreadyRegistered is returned when credentials already exist
var ErrAlreadyRegistered = errors.New("credentials already registered")

// Credentials is the single operator account. Username never changes after
// registration. An empty MFASecret means MFA is disabled.
type Credentials struct {
	Username     string
	PasswordHash []byte
	PasswordSalt []byte
	MFASecret    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MFAEnabled reports whether a TOTP secret is configured.
func (c *Credentials) MFAEnabled() bool {
	return c.MFASecret != ""
}

// Event is one entry of the durable event log.
type Event struct {
	ID        int64
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// CredentialStore persists the operator credentials.
type CredentialStore interface {
	GetCredentials(ctx context.Context) (*Credentials, error)
	CreateCredentials(ctx context.Context, c *Credentials) error
	UpdatePassword(ctx context.Context, hash, salt []byte) error
	SetMFASecret(ctx context.Context, secret string) error
	ClearMFASecret(ctx context.Context) error
	DeleteCredentials(ctx context.Context) error
}

// EventLog is the append-only durable event log.
type EventLog interface {
	AppendEvent(ctx context.Context, e *Event) error
	ListRecentEvents(ctx context.Context, limit int) ([]*Event, error)
	ClearEvents(ctx context.Context) error
}

// AuditLog records security-relevant actions.
type AuditLog interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store combines every persistence concern.
type Store interface {
	CredentialStore
	EventLog
	AuditLog
	Ping(ctx context.Context) error
	Close() error
}
