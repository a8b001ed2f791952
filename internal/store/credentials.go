// ABOUTME: Credential persistence for the single operator account
// ABOUTME: The credentials table holds at most one row, enforced by a CHECK constraint

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCredentials returns the operator credentials.
// Returns ErrNotFound if nobody has registered yet.
func (s *SQLiteStore) GetCredentials(ctx context.Context) (*Credentials, error) {
	query := `
		SELECT username, password_hash, password_salt, mfa_secret, created_at, updated_at
		FROM credentials
		WHERE id = 1
	`

	var c Credentials
	var mfaSecret sql.NullString
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query).Scan(
		&c.Username,
		&c.PasswordHash,
		&c.PasswordSalt,
		&mfaSecret,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}

	c.MFASecret = mfaSecret.String
	c.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &c, nil
}

// CreateCredentials stores the first and only operator account.
// Returns ErrAlreadyRegistered if credentials already exist; the insert is
// atomic so two concurrent registrations cannot both succeed.
func (s *SQLiteStore) CreateCredentials(ctx context.Context, c *Credentials) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt

	query := `
		INSERT INTO credentials (id, username, password_hash, password_salt, mfa_secret, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		c.Username,
		c.PasswordHash,
		c.PasswordSalt,
		nullString(c.MFASecret),
		c.CreatedAt.UTC().Format(time.RFC3339),
		c.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("inserting credentials: %w", err)
	}

	return nil
}

// UpdatePassword replaces the password hash and salt.
func (s *SQLiteStore) UpdatePassword(ctx context.Context, hash, salt []byte) error {
	return s.updateCredentials(ctx, "password",
		`UPDATE credentials SET password_hash = ?, password_salt = ?, updated_at = ? WHERE id = 1`,
		hash, salt, time.Now().UTC().Format(time.RFC3339),
	)
}

// SetMFASecret stores a confirmed TOTP secret, enabling MFA.
func (s *SQLiteStore) SetMFASecret(ctx context.Context, secret string) error {
	return s.updateCredentials(ctx, "mfa secret",
		`UPDATE credentials SET mfa_secret = ?, updated_at = ? WHERE id = 1`,
		secret, time.Now().UTC().Format(time.RFC3339),
	)
}

// ClearMFASecret removes the TOTP secret, disabling MFA.
func (s *SQLiteStore) ClearMFASecret(ctx context.Context) error {
	return s.updateCredentials(ctx, "mfa secret",
		`UPDATE credentials SET mfa_secret = NULL, updated_at = ? WHERE id = 1`,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// DeleteCredentials removes the operator account. Only used by a full data reset.
func (s *SQLiteStore) DeleteCredentials(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	s.logger.Warn("operator credentials deleted")
	return nil
}

func (s *SQLiteStore) updateCredentials(ctx context.Context, what, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating %s: %w", what, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated credentials", "field", what)
	return nil
}

// nullString converts an empty string to nil for nullable columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
