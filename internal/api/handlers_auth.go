package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/brixsport/backend/internal/apperrors"
	"github.com/brixsport/backend/internal/auth"
)

func authLoginRequest(email, password string, r *http.Request) auth.LoginRequest {
	return auth.LoginRequest{
		Email:     email,
		Password:  password,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Validation("malformed request body")
	}
	return nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	user, err := s.login.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"user":    user,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	result, err := s.login.Login(r.Context(), authLoginRequest(req.Email, req.Password, r))
	if err != nil {
		if apperrors.IsType(err, apperrors.TypeAuthentication) {
			loginFailuresTotal.Inc()
		}
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"mfaRequired":  result.MFARequired,
		"mfaToken":     result.MFAToken,
		"user":         result.User,
		"accessToken":  result.AccessToken,
		"refreshToken": result.RefreshToken,
		"risk":         result.Risk,
	})
}

func (s *Server) handleCompleteMFA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MFAToken string `json:"mfaToken"`
		Code     string `json:"code"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	result, err := s.login.CompleteMFA(r.Context(), req.MFAToken, req.Code, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"user":         result.User,
		"accessToken":  result.AccessToken,
		"refreshToken": result.RefreshToken,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	result, err := s.login.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"accessToken":  result.AccessToken,
		"refreshToken": result.RefreshToken,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())

	if err := s.login.Logout(r.Context(), principal.SessionID, principal.UserID, clientIP(r), r.UserAgent()); err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.csrf.Revoke(r.Context(), principal.SessionID)

	http.SetCookie(w, &http.Cookie{
		Name:     s.csrfCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: false,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleIssueCSRF mints a fresh anti-forgery token and mirrors it into the
// cookie for the double-submit check. Readable by scripts on purpose: the
// client echoes it back in X-CSRF-Token.
func (s *Server) handleIssueCSRF(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())

	token, err := s.csrf.GenerateToken(r.Context(), principal.SessionID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.csrfCookieName,
		Value:    token,
		Path:     "/",
		Secure:   true,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"csrfToken": token,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())

	sessions, err := s.sessions.List(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"sessions": sessions,
	})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	sessionID := mux.Vars(r)["id"]

	// A user may only revoke their own sessions.
	target, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if target.UserID != principal.UserID {
		writeForbidden(w)
		return
	}

	if err := s.sessions.Destroy(r.Context(), sessionID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())

	count, err := s.sessions.DestroyAll(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"revoked": count,
	})
}

func (s *Server) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())

	var req struct {
		AccountName string `json:"accountName"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, s.logger, err)
			return
		}
	}

	enrollment, err := s.mfa.Enroll(r.Context(), principal.UserID, req.AccountName)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":    true,
		"enrollment": enrollment,
	})
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())

	var req struct {
		Code string `json:"code"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	ok, err := s.mfa.Verify(r.Context(), principal.UserID, req.Code)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !ok {
		writeUnauthorized(w, "invalid mfa code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true, "valid": true})
}

func (s *Server) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())

	if err := s.mfa.Disable(r.Context(), principal.UserID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMFABackupCodes(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())

	codes, err := s.mfa.RegenerateBackupCodes(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"backupCodes": codes,
	})
}
