// ABOUTME: HTTP handlers for registration, login, password and MFA management
// ABOUTME: Thin adapters that decode the request, call auth.Service and map errors

package server

import (
	"net/http"

	"github.com/2389/clawcontrol/internal/apperr"
	"github.com/2389/clawcontrol/internal/auth"
)

// registerRequest only bounds sizes; the service checks for an existing
// account before it looks at the fields.
type registerRequest struct {
	Username string `json:"username" validate:"max=64"`
	Password string `json:"password" validate:"max=1024"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=1024"`
	TOTP     string `json:"totp" validate:"omitempty,max=16"`
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=8,max=1024"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=1024"`
}

// mfaCodeRequest also accepts the secret field older dashboards send back;
// the pending secret held by the server is the one that gets enabled.
type mfaCodeRequest struct {
	Secret string `json:"secret"`
	Token  string `json:"token" validate:"required,max=16"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.auth.Status(r.Context(), auth.ExtractToken(r))
	if err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}
	if err := s.auth.Register(r.Context(), req.Username, req.Password); err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}
	writeOK(w)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	// Malformed bodies never reach the guard, so they don't count as failures
	if err := s.decodeJSON(w, r, &req); err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}

	res, err := s.auth.Login(r.Context(), auth.LoginRequest{
		Username:   req.Username,
		Password:   req.Password,
		TOTPCode:   req.TOTP,
		SourceAddr: auth.ClientAddr(r),
	})
	if err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if a := auth.FromContext(r.Context()); a != nil && a.SessionID != "" {
		s.auth.Logout(r.Context(), a.SessionID)
	}
	writeOK(w)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}
	if err := s.auth.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}
	writeOK(w)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}
	if err := s.auth.ChangePassword(r.Context(), req.CurrentPassword, req.NewPassword); err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}
	writeOK(w)
}

func (s *Server) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	enrollment, err := s.auth.SetupMFA(r.Context())
	if err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

func (s *Server) handleMFAEnable(w http.ResponseWriter, r *http.Request) {
	var req mfaCodeRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}
	if err := s.auth.EnableMFA(r.Context(), req.Token); err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}
	writeOK(w)
}

func (s *Server) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	var req mfaCodeRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}
	if err := s.auth.DisableMFA(r.Context(), req.Token); err != nil {
		apperr.WriteJSON(w, err, s.logger)
		return
	}
	writeOK(w)
}
