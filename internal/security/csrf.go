package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/brixsport/backend/internal/store"
)

// CSRFGuard issues per-session one-time anti-forgery tokens. A token is
// stored under its session id with its own TTL, independent of the session's,
// and is consumed on the first successful validation of an unsafe-method
// request so every mutating request needs a fresh token.
type CSRFGuard struct {
	logger   *zap.Logger
	kv       store.KeyValue
	tokenTTL time.Duration
}

// NewCSRFGuard creates a CSRF guard
func NewCSRFGuard(logger *zap.Logger, kv store.KeyValue, tokenTTL time.Duration) *CSRFGuard {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &CSRFGuard{logger: logger, kv: kv, tokenTTL: tokenTTL}
}

// SafeMethod reports whether the HTTP method bypasses CSRF validation
func SafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// GenerateToken issues a fresh token for the session, replacing any existing
// one. One active token per session.
func (g *CSRFGuard) GenerateToken(ctx context.Context, sessionID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate csrf token: %w", err)
	}
	token := hex.EncodeToString(buf)

	if err := g.kv.Set(ctx, csrfKey(sessionID), token, g.tokenTTL); err != nil {
		return "", fmt.Errorf("failed to store csrf token: %w", err)
	}
	return token, nil
}

// Validate checks the presented token for the session. Safe methods pass
// unconditionally. For unsafe methods a matching token is consumed: the
// stored value is deleted so it cannot validate a second mutating request.
func (g *CSRFGuard) Validate(ctx context.Context, sessionID, token, method string) bool {
	if SafeMethod(method) {
		return true
	}
	if sessionID == "" || token == "" {
		return false
	}

	stored, err := g.kv.Get(ctx, csrfKey(sessionID))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("csrf token lookup failed", zap.Error(err))
		}
		return false
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
		return false
	}

	// One-time use: consume on first successful validation.
	if err := g.kv.Del(ctx, csrfKey(sessionID)); err != nil {
		g.logger.Warn("failed to consume csrf token", zap.Error(err))
	}
	return true
}

// ValidateDoubleSubmit requires the header token and the cookie token to be
// present and byte-equal before falling through to the store-backed check.
func (g *CSRFGuard) ValidateDoubleSubmit(ctx context.Context, sessionID, headerToken, cookieToken, method string) bool {
	if SafeMethod(method) {
		return true
	}
	if headerToken == "" || cookieToken == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookieToken)) != 1 {
		return false
	}
	return g.Validate(ctx, sessionID, headerToken, method)
}

// Revoke drops the session's token, e.g. on logout
func (g *CSRFGuard) Revoke(ctx context.Context, sessionID string) {
	_ = g.kv.Del(ctx, csrfKey(sessionID))
}

func csrfKey(sessionID string) string {
	return fmt.Sprintf("csrf:%s", sessionID)
}
