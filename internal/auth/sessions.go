package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/brixsport/backend/internal/apperrors"
	"github.com/brixsport/backend/internal/config"
	"github.com/brixsport/backend/internal/store"
)

// Session is one authenticated device session
type Session struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId"`
	Role         string            `json:"role"`
	IP           string            `json:"ip,omitempty"`
	UserAgent    string            `json:"userAgent,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastActivity time.Time         `json:"lastActivity"`
	ExpiresAt    time.Time         `json:"expiresAt"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the session's lifetime has passed
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SessionManager owns session lifecycle: creation under role-tiered
// concurrency limits, validation with activity tracking, and revocation.
// Sessions are cache-aside: the key-value store serves lookups (TTL handles
// expiry), while the record store keeps the durable copy that lookups fall
// back to and rebuild from. A per-user index set makes "all sessions of
// user X" a set lookup instead of a scan.
type SessionManager struct {
	logger  *zap.Logger
	kv      store.KeyValue
	records store.Records
	cfg     config.SessionConfig

	now func() time.Time
}

// NewSessionManager creates the session manager
func NewSessionManager(logger *zap.Logger, kv store.KeyValue, records store.Records, cfg config.SessionConfig) *SessionManager {
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.MaxConcurrentDefault <= 0 {
		cfg.MaxConcurrentDefault = 1
	}
	return &SessionManager{
		logger:  logger,
		kv:      kv,
		records: records,
		cfg:     cfg,
		now:     time.Now,
	}
}

// maxConcurrent returns the session cap for a role
func (sm *SessionManager) maxConcurrent(role string) int {
	if n, ok := sm.cfg.MaxConcurrentPerRole[role]; ok && n > 0 {
		return n
	}
	return sm.cfg.MaxConcurrentDefault
}

// Create opens a new session. When the user is already at their role's
// concurrency cap the call fails with a conflict; the caller decides whether
// to surface it or revoke an older session first. The cap check and the
// create are two steps, so two racing logins can both pass the check; the
// cap is a policy bound, not a hard invariant.
func (sm *SessionManager) Create(ctx context.Context, userID, role, ip, userAgent string, metadata map[string]string) (*Session, error) {
	if userID == "" {
		return nil, apperrors.Validation("user id is required")
	}
	if role == "" {
		role = RoleUser
	}

	active, err := sm.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	if limit := sm.maxConcurrent(role); len(active) >= limit {
		return nil, apperrors.Conflict(fmt.Sprintf("concurrent session limit reached (%d)", limit)).
			WithDetail("active_sessions", len(active))
	}

	id, err := newSessionID()
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	now := sm.now()
	session := &Session{
		ID:           id,
		UserID:       userID,
		Role:         role,
		IP:           ip,
		UserAgent:    userAgent,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(sm.cfg.TTL),
		Metadata:     metadata,
	}

	if err := sm.put(ctx, session); err != nil {
		return nil, err
	}
	sm.index(ctx, session)

	// Durable copy, best effort: a lost record only costs the cache-restart
	// fallback for this session.
	if err := sm.records.Insert(ctx, "sessions", sm.toRecord(session)); err != nil {
		sm.logger.Warn("failed to persist session record", zap.String("session_id", id), zap.Error(err))
	}

	sm.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("user_id", userID),
		zap.String("role", role),
	)
	return session, nil
}

// Validate loads the session and, if valid, records activity. Expired or
// unknown sessions fail with an authentication error. IP/User-Agent pinning
// is enforced only when configured.
func (sm *SessionManager) Validate(ctx context.Context, sessionID, ip, userAgent string) (*Session, error) {
	session, err := sm.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sm.cfg.PinIP && session.IP != "" && session.IP != ip {
		return nil, apperrors.Authentication("session ip mismatch")
	}
	if sm.cfg.PinUserAgent && session.UserAgent != "" && session.UserAgent != userAgent {
		return nil, apperrors.Authentication("session user agent mismatch")
	}

	sm.touch(ctx, session)
	return session, nil
}

// Get loads a session without touching activity. Lookups are cache-first; a
// cache miss falls back to the durable record and repopulates the cache, so a
// cache restart does not revoke live sessions.
func (sm *SessionManager) Get(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, apperrors.Authentication("missing session")
	}

	raw, err := sm.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return sm.restore(ctx, sessionID)
		}
		return nil, apperrors.Internal(err)
	}

	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		_ = sm.kv.Del(ctx, sessionKey(sessionID))
		return nil, apperrors.Authentication("session expired or unknown")
	}

	if session.Expired(sm.now()) {
		sm.drop(ctx, &session)
		return nil, apperrors.Authentication("session expired or unknown")
	}
	return &session, nil
}

// restore rebuilds the cache entry and index membership from the durable
// session record.
func (sm *SessionManager) restore(ctx context.Context, sessionID string) (*Session, error) {
	recs, err := sm.records.Select(ctx, "sessions", store.Query{
		Filters: []store.Filter{store.Eq("id", sessionID)},
		Limit:   1,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if len(recs) == 0 {
		return nil, apperrors.Authentication("session expired or unknown")
	}

	session := sessionFromRecord(recs[0])
	if session.Expired(sm.now()) {
		sm.drop(ctx, session)
		return nil, apperrors.Authentication("session expired or unknown")
	}

	if err := sm.put(ctx, session); err != nil {
		sm.logger.Warn("failed to repopulate session cache", zap.String("session_id", sessionID), zap.Error(err))
	}
	sm.index(ctx, session)
	return session, nil
}

// index adds the session to its user's index set and keeps the set's TTL in
// step with the newest session.
func (sm *SessionManager) index(ctx context.Context, session *Session) {
	key := sessionIndexKey(session.UserID)
	if err := sm.kv.SAdd(ctx, key, session.ID); err != nil {
		sm.logger.Warn("failed to index session", zap.String("user_id", session.UserID), zap.Error(err))
		return
	}
	if ttl := time.Until(session.ExpiresAt); ttl > 0 {
		_ = sm.kv.Expire(ctx, key, ttl)
	}
}

// touch records activity and, when auto-extend is on, pushes the expiry out
func (sm *SessionManager) touch(ctx context.Context, session *Session) {
	now := sm.now()
	session.LastActivity = now
	if sm.cfg.AutoExtend {
		session.ExpiresAt = now.Add(sm.cfg.TTL)
	}
	if err := sm.put(ctx, session); err != nil {
		sm.logger.Warn("failed to record session activity", zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	if _, err := sm.records.Update(ctx, "sessions",
		[]store.Filter{store.Eq("id", session.ID)},
		store.Record{
			"last_activity": store.FormatTime(session.LastActivity),
			"expires_at":    store.FormatTime(session.ExpiresAt),
		}); err != nil {
		sm.logger.Debug("failed to update session record", zap.Error(err))
	}
}

// Destroy revokes a single session
func (sm *SessionManager) Destroy(ctx context.Context, sessionID string) error {
	session, err := sm.Get(ctx, sessionID)
	if err != nil {
		// Destroying an already-gone session is not an error.
		if apperrors.IsType(err, apperrors.TypeAuthentication) {
			return nil
		}
		return err
	}
	sm.drop(ctx, session)
	sm.logger.Info("session destroyed", zap.String("session_id", sessionID), zap.String("user_id", session.UserID))
	return nil
}

// DestroyAll revokes every session of a user, e.g. on password change
func (sm *SessionManager) DestroyAll(ctx context.Context, userID string) (int, error) {
	ids, err := sm.kv.SMembers(ctx, sessionIndexKey(userID))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, apperrors.Internal(err)
	}

	count := 0
	for _, id := range ids {
		if err := sm.kv.Del(ctx, sessionKey(id)); err == nil {
			count++
		}
	}
	_ = sm.kv.Del(ctx, sessionIndexKey(userID))
	if _, err := sm.records.Delete(ctx, "sessions",
		[]store.Filter{store.Eq("user_id", userID)}); err != nil {
		sm.logger.Debug("failed to delete session records", zap.Error(err))
	}

	sm.logger.Info("all sessions destroyed", zap.String("user_id", userID), zap.Int("count", count))
	return count, nil
}

// List returns the user's live sessions: unexpired and, when an activity
// window is configured, active within it. Index members whose session entry
// has expired are pruned as they are discovered.
func (sm *SessionManager) List(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := sm.kv.SMembers(ctx, sessionIndexKey(userID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, apperrors.Internal(err)
	}

	var out []*Session
	for _, id := range ids {
		raw, err := sm.kv.Get(ctx, sessionKey(id))
		if err != nil {
			// Entry gone (TTL fired); drop the stale index member.
			_ = sm.kv.SRem(ctx, sessionIndexKey(userID), id)
			continue
		}
		var session Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			_ = sm.kv.SRem(ctx, sessionIndexKey(userID), id)
			continue
		}
		if session.Expired(sm.now()) {
			sm.drop(ctx, &session)
			continue
		}
		// Dormant sessions are hidden, not revoked; the TTL handles those.
		if sm.cfg.ActivityWindow > 0 && sm.now().Sub(session.LastActivity) > sm.cfg.ActivityWindow {
			continue
		}
		out = append(out, &session)
	}
	return out, nil
}

func (sm *SessionManager) put(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return apperrors.Internal(err)
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := sm.kv.Set(ctx, sessionKey(session.ID), string(data), ttl); err != nil {
		return apperrors.Internal(err)
	}
	return nil
}

func (sm *SessionManager) drop(ctx context.Context, session *Session) {
	_ = sm.kv.Del(ctx, sessionKey(session.ID))
	_ = sm.kv.SRem(ctx, sessionIndexKey(session.UserID), session.ID)
	if _, err := sm.records.Delete(ctx, "sessions",
		[]store.Filter{store.Eq("id", session.ID)}); err != nil {
		sm.logger.Debug("failed to delete session record", zap.Error(err))
	}
}

func (sm *SessionManager) toRecord(session *Session) store.Record {
	rec := store.Record{
		"id":            session.ID,
		"user_id":       session.UserID,
		"role":          session.Role,
		"user_agent":    session.UserAgent,
		"ip":            session.IP,
		"created_at":    store.FormatTime(session.CreatedAt),
		"last_activity": store.FormatTime(session.LastActivity),
		"expires_at":    store.FormatTime(session.ExpiresAt),
		"metadata":      "",
	}
	if len(session.Metadata) > 0 {
		if data, err := json.Marshal(session.Metadata); err == nil {
			rec["metadata"] = string(data)
		}
	}
	return rec
}

func sessionFromRecord(rec store.Record) *Session {
	session := &Session{
		ID:           rec.String("id"),
		UserID:       rec.String("user_id"),
		Role:         rec.String("role"),
		IP:           rec.String("ip"),
		UserAgent:    rec.String("user_agent"),
		CreatedAt:    rec.Time("created_at"),
		LastActivity: rec.Time("last_activity"),
		ExpiresAt:    rec.Time("expires_at"),
	}
	if raw := rec.String("metadata"); raw != "" {
		var meta map[string]string
		if json.Unmarshal([]byte(raw), &meta) == nil {
			session.Metadata = meta
		}
	}
	return session
}

func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func sessionKey(id string) string {
	return fmt.Sprintf("session:%s", id)
}

func sessionIndexKey(userID string) string {
	return fmt.Sprintf("sessions:user:%s", userID)
}
