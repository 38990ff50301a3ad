package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/brixsport/backend/internal/auth"
	"github.com/brixsport/backend/internal/security"
)

type contextKey string

const (
	ctxKeyUser    contextKey = "user"
	ctxKeySession contextKey = "session"
)

// Principal is the authenticated caller attached to the request context
type Principal struct {
	UserID    string
	Role      string
	SessionID string
}

// principalFrom returns the authenticated caller, if any
func principalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKeyUser).(*Principal)
	return p, ok
}

// sessionFrom returns the validated session, if any
func sessionFrom(ctx context.Context) (*auth.Session, bool) {
	s, ok := ctx.Value(ctxKeySession).(*auth.Session)
	return s, ok
}

// clientIP extracts the originating IP, preferring X-Forwarded-For
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// trafficMiddleware runs every request through the traffic guard before any
// other processing.
func (s *Server) trafficMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verdict := s.traffic.CheckRequest(r.Context(), security.RequestInfo{
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Params:    r.URL.Query(),
		})
		if !verdict.Allowed {
			trafficBlockedTotal.Inc()
			writeJSON(w, verdict.StatusCode, errorBody{
				Success: false,
				Error:   "request_blocked",
				Message: verdict.Reason,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires a Bearer access token whose session is still live.
// The principal and session land on the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeUnauthorized(w, "missing bearer token")
			return
		}

		claims, err := s.login.ParseAccessToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeUnauthorized(w, "invalid access token")
			return
		}

		session, err := s.sessions.Validate(r.Context(), claims.SessionID, clientIP(r), r.UserAgent())
		if err != nil {
			writeUnauthorized(w, "session expired or revoked")
			return
		}

		principal := &Principal{
			UserID:    claims.Subject,
			Role:      claims.Role,
			SessionID: session.ID,
		}
		ctx := context.WithValue(r.Context(), ctxKeyUser, principal)
		ctx = context.WithValue(ctx, ctxKeySession, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// csrfMiddleware enforces the double-submit check on unsafe methods for
// session-bound requests.
func (s *Server) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if security.SafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		principal, ok := principalFrom(r.Context())
		if !ok {
			writeUnauthorized(w, "")
			return
		}

		headerToken := r.Header.Get("X-CSRF-Token")
		if headerToken == "" {
			headerToken = r.Header.Get("X-XSRF-Token")
		}
		if headerToken == "" {
			headerToken = csrfFromRequest(r)
		}
		cookieToken := ""
		if cookie, err := r.Cookie(s.csrfCookieName); err == nil {
			cookieToken = cookie.Value
		}

		if !s.csrf.ValidateDoubleSubmit(r.Context(), principal.SessionID, headerToken, cookieToken, r.Method) {
			csrfFailuresTotal.Inc()
			s.logger.Warn("csrf validation failed",
				zap.String("user_id", principal.UserID),
				zap.String("path", r.URL.Path),
			)
			writeForbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// csrfFromRequest pulls the token from the query string or a form body under
// either accepted field name. JSON bodies are left unread; JSON clients send
// the header.
func csrfFromRequest(r *http.Request) string {
	for _, field := range []string{"_csrf", "csrfToken"} {
		if v := r.URL.Query().Get(field); v != "" {
			return v
		}
	}
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data") {
		for _, field := range []string{"_csrf", "csrfToken"} {
			if v := r.PostFormValue(field); v != "" {
				return v
			}
		}
	}
	return ""
}

// requirePermission gates a handler behind a permission check
func (s *Server) requirePermission(permission string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := principalFrom(r.Context())
		if !ok {
			writeUnauthorized(w, "")
			return
		}
		if err := s.authz.RequirePermission(r.Context(), principal.UserID, permission); err != nil {
			s.audit.Log(r.Context(), security.SecurityEvent{
				UserID:    principal.UserID,
				EventType: security.EventAccessDenied,
				Resource:  r.URL.Path,
				Action:    r.Method,
				Severity:  security.SeverityMedium,
				Outcome:   security.OutcomeBlocked,
				IP:        clientIP(r),
				UserAgent: r.UserAgent(),
			})
			writeForbidden(w)
			return
		}
		handler(w, r)
	}
}

// requireRole gates a handler behind a hierarchy-aware role check
func (s *Server) requireRole(role string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := principalFrom(r.Context())
		if !ok {
			writeUnauthorized(w, "")
			return
		}
		allowed, err := s.authz.HasRole(r.Context(), principal.UserID, role)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		if !allowed {
			writeForbidden(w)
			return
		}
		handler(w, r)
	}
}

// loggingMiddleware logs one line per request
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.String("ip", clientIP(r)),
		)
	})
}
