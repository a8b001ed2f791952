// ABOUTME: Operator authentication service: registration, login, sessions, password and MFA changes
// ABOUTME: Combines the credential store, login guard, session registry and audit log

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/clawcontrol/internal/apperr"
	"github.com/2389/clawcontrol/internal/store"
)

// pendingMFATTL bounds how long an unconfirmed MFA secret stays usable.
const pendingMFATTL = 10 * time.Minute

const genericLoginFailure = "invalid credentials"

// ServiceStore is the persistence the auth service needs.
type ServiceStore interface {
	store.CredentialStore
	store.AuditLog
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	PBKDF2Iterations   int
	Guard              GuardConfig
	SessionIdleTimeout time.Duration
	// RecoveryToken is generated at startup when empty.
	RecoveryToken string
	Issuer        string
}

// Status summarizes the auth state for the login screen.
type Status struct {
	Registered    bool `json:"registered"`
	Authenticated bool `json:"authenticated"`
	MFAEnabled    bool `json:"mfaEnabled"`
}

// LoginRequest carries one login attempt.
type LoginRequest struct {
	Username   string
	Password   string
	TOTPCode   string
	SourceAddr string
}

// LoginResult is either a new session or a request for an MFA code.
type LoginResult struct {
	SessionID   string `json:"sessionId,omitempty"`
	Username    string `json:"username,omitempty"`
	MFARequired bool   `json:"mfaRequired,omitempty"`
}

type pendingMFA struct {
	secret    string
	expiresAt time.Time
}

// Service implements the operator credential and session lifecycle.
type Service struct {
	store         ServiceStore
	hasher        *PasswordHasher
	totp          *TOTP
	guard         *LoginGuard
	sessions      *SessionManager
	recoveryToken string
	logger        *slog.Logger

	mu      sync.Mutex
	pending *pendingMFA
}

// NewService wires a Service. A nil logger falls back to slog.Default().
func NewService(st ServiceStore, cfg ServiceConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PBKDF2Iterations <= 0 {
		cfg.PBKDF2Iterations = 100000
	}
	if cfg.Guard == (GuardConfig{}) {
		cfg.Guard = DefaultGuardConfig()
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "ClawControl"
	}

	token := cfg.RecoveryToken
	if token == "" {
		var err error
		token, err = generateSecureToken(32)
		if err != nil {
			return nil, err
		}
	}

	return &Service{
		store:         st,
		hasher:        NewPasswordHasher(cfg.PBKDF2Iterations),
		totp:          NewTOTP(cfg.Issuer),
		guard:         NewLoginGuard(cfg.Guard),
		sessions:      NewSessionManager(cfg.SessionIdleTimeout),
		recoveryToken: token,
		logger:        logger.With("component", "auth"),
	}, nil
}

// RecoveryToken returns the password reset token for this process.
func (s *Service) RecoveryToken() string {
	return s.recoveryToken
}

// Guard exposes the login guard for inspection.
func (s *Service) Guard() *LoginGuard {
	return s.guard
}

// Sessions exposes the session registry.
func (s *Service) Sessions() *SessionManager {
	return s.sessions
}

// Status reports whether an operator exists, whether sessionID is valid and whether MFA is on.
func (s *Service) Status(ctx context.Context, sessionID string) (*Status, error) {
	const op = "auth.status"

	creds, err := s.store.GetCredentials(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, "reading credentials", err)
	}

	_, ok := s.sessions.Get(sessionID)
	return &Status{
		Registered:    true,
		Authenticated: ok,
		MFAEnabled:    creds.MFAEnabled(),
	}, nil
}

// Register creates the operator account. Only one account can ever exist.
func (s *Service) Register(ctx context.Context, username, password string) error {
	const op = "auth.register"

	// An existing account wins over any input problem
	if _, err := s.store.GetCredentials(ctx); err == nil {
		return apperr.New(apperr.KindConflict, op, "already registered")
	} else if !errors.Is(err, store.ErrNotFound) {
		return apperr.Wrap(apperr.KindInternal, op, "reading credentials", err)
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return apperr.New(apperr.KindInvalidInput, op, "username is required")
	}
	if len(password) < MinPasswordLength {
		return apperr.New(apperr.KindInvalidInput, op, "password must be at least 8 characters")
	}

	hash, salt, err := s.hasher.Hash(password)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, "hashing password", err)
	}

	err = s.store.CreateCredentials(ctx, &store.Credentials{
		Username:     username,
		PasswordHash: hash,
		PasswordSalt: salt,
	})
	if errors.Is(err, store.ErrAlreadyRegistered) {
		return apperr.New(apperr.KindConflict, op, "already registered")
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, "saving credentials", err)
	}

	s.audit(ctx, store.AuditRegister, username, ClientAddrFromContext(ctx), nil)
	s.logger.Info("operator registered", "username", username)
	return nil
}

// Login checks credentials and, when MFA is on, the one-time code.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	const op = "auth.login"

	if err := s.guard.Check(req.SourceAddr); err != nil {
		var rl *apperr.Error
		hard := errors.As(err, &rl) && rl.Hard
		s.audit(ctx, store.AuditLoginLocked, req.Username, req.SourceAddr, map[string]any{"hard": hard})
		return nil, err
	}

	creds, err := s.store.GetCredentials(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, op, "not registered")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, "reading credentials", err)
	}

	// Both comparisons always run so a wrong username costs as much as a wrong password.
	passwordOK := s.hasher.Verify(req.Password, creds.PasswordHash, creds.PasswordSalt)
	usernameOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(creds.Username)) == 1
	if !passwordOK || !usernameOK {
		return nil, s.failLogin(ctx, req, "bad_credentials")
	}

	if creds.MFAEnabled() {
		code := strings.TrimSpace(req.TOTPCode)
		if code == "" {
			return &LoginResult{MFARequired: true}, nil
		}
		if !s.totp.Validate(code, creds.MFASecret) {
			return nil, s.failLogin(ctx, req, "bad_mfa_code")
		}
	}

	s.guard.Clear(req.SourceAddr)

	sess, err := s.sessions.Create(creds.Username)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, "creating session", err)
	}

	s.audit(ctx, store.AuditLogin, creds.Username, req.SourceAddr, map[string]any{"mfa": creds.MFAEnabled()})
	s.logger.Info("operator logged in", "username", creds.Username, "source", req.SourceAddr)
	return &LoginResult{SessionID: sess.ID, Username: sess.Username}, nil
}

func (s *Service) failLogin(ctx context.Context, req LoginRequest, reason string) error {
	state := s.guard.RecordFailure(req.SourceAddr)
	s.audit(ctx, store.AuditLoginFailed, req.Username, req.SourceAddr, map[string]any{
		"reason": reason,
		"state":  state.String(),
	})
	s.logger.Warn("login failed", "source", req.SourceAddr, "reason", reason, "state", state.String())
	return apperr.New(apperr.KindUnauthorized, "auth.login", genericLoginFailure)
}

// Validate returns the session for sessionID or an Unauthenticated error.
func (s *Service) Validate(ctx context.Context, sessionID string) (*Session, error) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, apperr.New(apperr.KindUnauthenticated, "auth.validate", "not authenticated")
	}
	return sess, nil
}

// Logout destroys sessionID. Unknown sessions are ignored.
func (s *Service) Logout(ctx context.Context, sessionID string) {
	sess, ok := s.sessions.Get(sessionID)
	s.sessions.Delete(sessionID)
	if ok {
		s.audit(ctx, store.AuditLogout, sess.Username, ClientAddrFromContext(ctx), nil)
	}
}

// ChangePassword replaces the password after checking the current one and
// invalidates every session.
func (s *Service) ChangePassword(ctx context.Context, current, next string) error {
	const op = "auth.change_password"

	creds, err := s.store.GetCredentials(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindNotFound, op, "not registered")
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, "reading credentials", err)
	}

	if !s.hasher.Verify(current, creds.PasswordHash, creds.PasswordSalt) {
		return apperr.New(apperr.KindUnauthorized, op, "current password is incorrect")
	}

	if err := s.setPassword(ctx, op, next); err != nil {
		return err
	}

	s.audit(ctx, store.AuditPasswordChange, actorFromContext(ctx), ClientAddrFromContext(ctx), nil)
	return nil
}

// ResetPassword replaces the password using the recovery token and
// invalidates every session.
func (s *Service) ResetPassword(ctx context.Context, recoveryToken, next string) error {
	const op = "auth.reset_password"

	if subtle.ConstantTimeCompare([]byte(recoveryToken), []byte(s.recoveryToken)) != 1 {
		s.logger.Warn("password reset with invalid recovery token", "source", ClientAddrFromContext(ctx))
		return apperr.New(apperr.KindUnauthorized, op, "invalid recovery token")
	}

	if _, err := s.store.GetCredentials(ctx); errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindNotFound, op, "not registered")
	} else if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, "reading credentials", err)
	}

	if err := s.setPassword(ctx, op, next); err != nil {
		return err
	}

	s.audit(ctx, store.AuditPasswordReset, "", ClientAddrFromContext(ctx), nil)
	return nil
}

func (s *Service) setPassword(ctx context.Context, op, next string) error {
	if len(next) < MinPasswordLength {
		return apperr.New(apperr.KindInvalidInput, op, "password must be at least 8 characters")
	}

	hash, salt, err := s.hasher.Hash(next)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, "hashing password", err)
	}
	if err := s.store.UpdatePassword(ctx, hash, salt); err != nil {
		return apperr.Wrap(apperr.KindInternal, op, "saving password", err)
	}

	dropped := s.sessions.Clear()
	s.logger.Info("password updated, sessions cleared", "sessions", dropped)
	return nil
}

// SetupMFA generates a new secret that stays pending until EnableMFA confirms it.
// A later call replaces an earlier pending secret.
func (s *Service) SetupMFA(ctx context.Context) (*MFAEnrollment, error) {
	const op = "auth.mfa_setup"

	creds, err := s.store.GetCredentials(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, op, "not registered")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, "reading credentials", err)
	}

	enrollment, err := s.totp.Enroll(creds.Username)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, "generating secret", err)
	}

	s.mu.Lock()
	s.pending = &pendingMFA{secret: enrollment.Secret, expiresAt: s.totp.now().Add(pendingMFATTL)}
	s.mu.Unlock()

	return enrollment, nil
}

// EnableMFA persists the pending secret once code verifies against it.
func (s *Service) EnableMFA(ctx context.Context, code string) error {
	const op = "auth.mfa_enable"

	s.mu.Lock()
	pending := s.pending
	if pending != nil && s.totp.now().After(pending.expiresAt) {
		s.pending = nil
		pending = nil
	}
	s.mu.Unlock()

	if pending == nil {
		return apperr.New(apperr.KindInvalidInput, op, "no MFA setup in progress")
	}
	if !s.totp.Validate(strings.TrimSpace(code), pending.secret) {
		return apperr.New(apperr.KindInvalidInput, op, "invalid code")
	}

	if err := s.store.SetMFASecret(ctx, pending.secret); err != nil {
		return apperr.Wrap(apperr.KindInternal, op, "saving secret", err)
	}

	s.mu.Lock()
	if s.pending == pending {
		s.pending = nil
	}
	s.mu.Unlock()

	s.audit(ctx, store.AuditMFAEnabled, actorFromContext(ctx), ClientAddrFromContext(ctx), nil)
	s.logger.Info("MFA enabled")
	return nil
}

// DisableMFA removes the secret once code verifies against it.
func (s *Service) DisableMFA(ctx context.Context, code string) error {
	const op = "auth.mfa_disable"

	creds, err := s.store.GetCredentials(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindNotFound, op, "not registered")
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, "reading credentials", err)
	}
	if !creds.MFAEnabled() {
		return apperr.New(apperr.KindInvalidInput, op, "MFA is not enabled")
	}
	if !s.totp.Validate(strings.TrimSpace(code), creds.MFASecret) {
		return apperr.New(apperr.KindUnauthorized, op, "invalid code")
	}

	if err := s.store.ClearMFASecret(ctx); err != nil {
		return apperr.Wrap(apperr.KindInternal, op, "clearing secret", err)
	}

	s.audit(ctx, store.AuditMFADisabled, actorFromContext(ctx), ClientAddrFromContext(ctx), nil)
	s.logger.Info("MFA disabled")
	return nil
}

// ResetSessions drops every session, used by the full data reset action.
func (s *Service) ResetSessions() int {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	return s.sessions.Clear()
}

// AuditAction records a control action taken by the current caller.
func (s *Service) AuditAction(ctx context.Context, action string) {
	s.audit(ctx, store.AuditControlAction, actorFromContext(ctx), ClientAddrFromContext(ctx), map[string]any{"action": action})
}

// audit writes one audit record. Failures are logged and never fail the caller.
func (s *Service) audit(ctx context.Context, action store.AuditAction, actor, addr string, detail map[string]any) {
	entry := &store.AuditEntry{
		Action:     action,
		Actor:      actor,
		SourceAddr: addr,
		Detail:     detail,
	}
	if err := s.store.AppendAuditLog(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error("failed to write audit log", "action", action, "error", err)
	}
}
