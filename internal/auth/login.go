package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brixsport/backend/internal/apperrors"
	"github.com/brixsport/backend/internal/config"
	"github.com/brixsport/backend/internal/security"
	"github.com/brixsport/backend/internal/store"
)

const mfaPendingTTL = 5 * time.Minute

// User is the public shape of a platform account
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// LoginRequest carries one authentication attempt
type LoginRequest struct {
	Email     string
	Password  string
	IP        string
	UserAgent string
}

// LoginResult is a completed or MFA-pending login
type LoginResult struct {
	User         *User                    `json:"user,omitempty"`
	Session      *Session                 `json:"-"`
	AccessToken  string                   `json:"accessToken,omitempty"`
	RefreshToken string                   `json:"refreshToken,omitempty"`
	MFARequired  bool                     `json:"mfaRequired"`
	MFAToken     string                   `json:"mfaToken,omitempty"`
	Risk         *security.RiskAssessment `json:"risk,omitempty"`
}

// AccessClaims are the JWT claims of an access token
type AccessClaims struct {
	Role      string `json:"role"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// LoginService authenticates users: password check with per-account attempt
// limiting and lockout, risk assessment, MFA step-up when enrolled, session
// creation, and JWT access/refresh issuance with refresh rotation.
type LoginService struct {
	logger   *zap.Logger
	kv       store.KeyValue
	records  store.Records
	sessions *SessionManager
	mfa      *MFAManager
	risk     *security.RiskScorer
	crypto   *security.EncryptionService
	audit    *security.AuditPipeline
	authz    *AuthorizationGate

	loginCfg config.LoginConfig
	jwtCfg   config.JWTConfig
}

// NewLoginService creates the login service
func NewLoginService(
	logger *zap.Logger,
	kv store.KeyValue,
	records store.Records,
	sessions *SessionManager,
	mfa *MFAManager,
	risk *security.RiskScorer,
	crypto *security.EncryptionService,
	audit *security.AuditPipeline,
	authz *AuthorizationGate,
	loginCfg config.LoginConfig,
	jwtCfg config.JWTConfig,
) *LoginService {
	if loginCfg.MaxAttempts <= 0 {
		loginCfg.MaxAttempts = 5
	}
	if loginCfg.AttemptWindow <= 0 {
		loginCfg.AttemptWindow = 15 * time.Minute
	}
	if loginCfg.LockoutDuration <= 0 {
		loginCfg.LockoutDuration = 15 * time.Minute
	}
	if jwtCfg.AccessTTL <= 0 {
		jwtCfg.AccessTTL = 15 * time.Minute
	}
	if jwtCfg.RefreshTTL <= 0 {
		jwtCfg.RefreshTTL = 30 * 24 * time.Hour
	}
	return &LoginService{
		logger:   logger,
		kv:       kv,
		records:  records,
		sessions: sessions,
		mfa:      mfa,
		risk:     risk,
		crypto:   crypto,
		audit:    audit,
		authz:    authz,
		loginCfg: loginCfg,
		jwtCfg:   jwtCfg,
	}
}

// Register creates a new account with the base role
func (ls *LoginService) Register(ctx context.Context, email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperrors.Validation("valid email is required")
	}
	if len(password) < 8 {
		return nil, apperrors.Validation("password must be at least 8 characters")
	}

	existing, err := ls.records.Count(ctx, "users", []store.Filter{store.Eq("email", email)})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if existing > 0 {
		return nil, apperrors.Conflict("email already registered")
	}

	hash, err := ls.crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := &User{
		ID:        uuid.NewString(),
		Email:     email,
		Role:      RoleUser,
		CreatedAt: now,
	}
	if err := ls.records.Insert(ctx, "users", store.Record{
		"id":            user.ID,
		"email":         user.Email,
		"password_hash": hash,
		"role":          user.Role,
		"created_at":    store.FormatTime(now),
		"updated_at":    store.FormatTime(now),
	}); err != nil {
		return nil, apperrors.Database(err)
	}

	if err := ls.authz.AssignRole(ctx, user.ID, RoleUser); err != nil && !apperrors.IsType(err, apperrors.TypeConflict) {
		ls.logger.Warn("failed to assign base role", zap.String("user_id", user.ID), zap.Error(err))
	}

	ls.logger.Info("user registered", zap.String("user_id", user.ID))
	return user, nil
}

// Login runs one authentication attempt end to end
func (ls *LoginService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return nil, apperrors.Validation("email and password are required")
	}

	if locked, err := ls.isLocked(ctx, email); err == nil && locked {
		ls.auditEvent(ctx, "", security.EventLoginFailed, security.SeverityMedium,
			security.OutcomeBlocked, req, map[string]interface{}{"reason": "account_locked"})
		return nil, apperrors.RateLimit("account temporarily locked")
	}

	user, hash, err := ls.findUser(ctx, email)
	if err != nil {
		if apperrors.IsType(err, apperrors.TypeAuthentication) {
			ls.recordFailure(ctx, email, req)
		}
		return nil, err
	}

	if !ls.crypto.VerifyPassword(req.Password, hash) {
		ls.recordFailure(ctx, email, req)
		return nil, apperrors.Authentication("invalid credentials")
	}

	_ = ls.kv.Del(ctx, attemptsKey(email))

	assessment := ls.risk.AssessLoginRisk(ctx, security.RiskContext{
		UserID:    user.ID,
		Action:    "login",
		IP:        req.IP,
		UserAgent: req.UserAgent,
	})

	mfaEnabled, err := ls.mfa.IsEnabled(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if mfaEnabled {
		token, err := ls.createMFAPending(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		return &LoginResult{
			MFARequired: true,
			MFAToken:    token,
			Risk:        &assessment,
		}, nil
	}

	// Without an enrollment there is no second factor to challenge; demanding
	// one would lock the account out. The login proceeds, flagged for review.
	if assessment.RequiresVerification {
		ls.auditEvent(ctx, user.ID, security.EventHighRiskLogin, security.SeverityHigh,
			security.OutcomeSuccess, req, map[string]interface{}{
				"score":   assessment.Score,
				"factors": assessment.RiskFactors,
			})
	}

	return ls.finishLogin(ctx, user, req, &assessment)
}

// CompleteMFA finishes an MFA-pending login
func (ls *LoginService) CompleteMFA(ctx context.Context, mfaToken, code, ip, userAgent string) (*LoginResult, error) {
	userID, err := ls.kv.Get(ctx, mfaPendingKey(mfaToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.Authentication("mfa challenge expired")
		}
		return nil, apperrors.Internal(err)
	}

	ok, err := ls.mfa.Verify(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		ls.auditEvent(ctx, userID, security.EventMFAFailed, security.SeverityMedium,
			security.OutcomeFailure, LoginRequest{IP: ip, UserAgent: userAgent}, nil)
		return nil, apperrors.Authentication("invalid mfa code")
	}

	_ = ls.kv.Del(ctx, mfaPendingKey(mfaToken))

	user, _, err := ls.findUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	ls.auditEvent(ctx, userID, security.EventMFAVerified, security.SeverityLow,
		security.OutcomeSuccess, LoginRequest{IP: ip, UserAgent: userAgent}, nil)

	req := LoginRequest{IP: ip, UserAgent: userAgent}
	return ls.finishLogin(ctx, user, req, nil)
}

func (ls *LoginService) finishLogin(ctx context.Context, user *User, req LoginRequest, assessment *security.RiskAssessment) (*LoginResult, error) {
	session, err := ls.sessions.Create(ctx, user.ID, user.Role, req.IP, req.UserAgent, nil)
	if err != nil {
		return nil, err
	}

	accessToken, err := ls.issueAccessToken(user, session)
	if err != nil {
		return nil, err
	}
	refreshToken, err := ls.issueRefreshToken(ctx, user.ID, session.ID)
	if err != nil {
		return nil, err
	}

	ls.risk.RememberContext(ctx, security.RiskContext{
		UserID:    user.ID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
	})
	ls.risk.RecordAction(ctx, user.ID)

	ls.auditEvent(ctx, user.ID, security.EventLogin, security.SeverityLow,
		security.OutcomeSuccess, req, nil)

	return &LoginResult{
		User:         user,
		Session:      session,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Risk:         assessment,
	}, nil
}

// Refresh rotates a refresh token: the presented token is invalidated and a
// new pair is issued, bound to the same session.
func (ls *LoginService) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	raw, err := ls.kv.Get(ctx, refreshKey(refreshToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.Authentication("invalid refresh token")
		}
		return nil, apperrors.Internal(err)
	}

	var grant struct {
		UserID    string `json:"userId"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal([]byte(raw), &grant); err != nil {
		_ = ls.kv.Del(ctx, refreshKey(refreshToken))
		return nil, apperrors.Authentication("invalid refresh token")
	}

	// Rotation: single use per token.
	_ = ls.kv.Del(ctx, refreshKey(refreshToken))

	session, err := ls.sessions.Get(ctx, grant.SessionID)
	if err != nil {
		return nil, err
	}

	user, _, err := ls.findUserByID(ctx, grant.UserID)
	if err != nil {
		return nil, err
	}

	accessToken, err := ls.issueAccessToken(user, session)
	if err != nil {
		return nil, err
	}
	newRefresh, err := ls.issueRefreshToken(ctx, user.ID, session.ID)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		User:         user,
		Session:      session,
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
	}, nil
}

// Logout destroys the session behind the access token
func (ls *LoginService) Logout(ctx context.Context, sessionID, userID, ip, userAgent string) error {
	if err := ls.sessions.Destroy(ctx, sessionID); err != nil {
		return err
	}
	ls.auditEvent(ctx, userID, security.EventLogout, security.SeverityLow,
		security.OutcomeSuccess, LoginRequest{IP: ip, UserAgent: userAgent}, nil)
	return nil
}

// ParseAccessToken validates a JWT access token and returns its claims
func (ls *LoginService) ParseAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(ls.jwtCfg.Secret), nil
	})
	if err != nil || !token.Valid {
		return nil, apperrors.Authentication("invalid access token")
	}
	return claims, nil
}

func (ls *LoginService) issueAccessToken(user *User, session *Session) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		Role:      user.Role,
		SessionID: session.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    "brixsport",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ls.jwtCfg.AccessTTL)),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(ls.jwtCfg.Secret))
	if err != nil {
		return "", apperrors.Internal(err)
	}
	return token, nil
}

func (ls *LoginService) issueRefreshToken(ctx context.Context, userID, sessionID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperrors.Internal(err)
	}
	token := hex.EncodeToString(buf)

	grant, err := json.Marshal(map[string]string{
		"userId":    userID,
		"sessionId": sessionID,
	})
	if err != nil {
		return "", apperrors.Internal(err)
	}
	if err := ls.kv.Set(ctx, refreshKey(token), string(grant), ls.jwtCfg.RefreshTTL); err != nil {
		return "", apperrors.Internal(err)
	}
	return token, nil
}

func (ls *LoginService) createMFAPending(ctx context.Context, userID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperrors.Internal(err)
	}
	token := hex.EncodeToString(buf)
	if err := ls.kv.Set(ctx, mfaPendingKey(token), userID, mfaPendingTTL); err != nil {
		return "", apperrors.Internal(err)
	}
	return token, nil
}

func (ls *LoginService) isLocked(ctx context.Context, email string) (bool, error) {
	return ls.kv.Exists(ctx, lockKey(email))
}

// recordFailure bumps the per-account attempt counter and locks the account
// once it crosses the limit within the window.
func (ls *LoginService) recordFailure(ctx context.Context, email string, req LoginRequest) {
	key := attemptsKey(email)
	attempts, err := ls.kv.Incr(ctx, key)
	if err != nil {
		ls.logger.Warn("failed to count login attempt", zap.Error(err))
		return
	}
	if attempts == 1 {
		_ = ls.kv.Expire(ctx, key, ls.loginCfg.AttemptWindow)
	}

	severity := security.SeverityLow
	details := map[string]interface{}{"attempts": attempts}

	if attempts >= int64(ls.loginCfg.MaxAttempts) {
		if err := ls.kv.Set(ctx, lockKey(email), "1", ls.loginCfg.LockoutDuration); err == nil {
			severity = security.SeverityHigh
			details["locked"] = true
			ls.logger.Warn("account locked after repeated failures",
				zap.String("email", email),
				zap.Int64("attempts", attempts),
			)
		}
	}

	ls.auditEvent(ctx, "", security.EventLoginFailed, severity, security.OutcomeFailure, req, details)
}

func (ls *LoginService) findUser(ctx context.Context, email string) (*User, string, error) {
	recs, err := ls.records.Select(ctx, "users", store.Query{
		Filters: []store.Filter{store.Eq("email", email)},
		Limit:   1,
	})
	if err != nil {
		return nil, "", apperrors.Database(err)
	}
	if len(recs) == 0 {
		// Same error as a wrong password, no account enumeration.
		return nil, "", apperrors.Authentication("invalid credentials")
	}
	return userFromRecord(recs[0]), recs[0].String("password_hash"), nil
}

func (ls *LoginService) findUserByID(ctx context.Context, userID string) (*User, string, error) {
	recs, err := ls.records.Select(ctx, "users", store.Query{
		Filters: []store.Filter{store.Eq("id", userID)},
		Limit:   1,
	})
	if err != nil {
		return nil, "", apperrors.Database(err)
	}
	if len(recs) == 0 {
		return nil, "", apperrors.Authentication("unknown user")
	}
	return userFromRecord(recs[0]), recs[0].String("password_hash"), nil
}

func (ls *LoginService) auditEvent(ctx context.Context, userID, eventType, severity, outcome string, req LoginRequest, details map[string]interface{}) {
	if ls.audit == nil {
		return
	}
	ls.audit.Log(ctx, security.SecurityEvent{
		UserID:    userID,
		EventType: eventType,
		Severity:  severity,
		Outcome:   outcome,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Details:   details,
	})
}

func userFromRecord(rec store.Record) *User {
	return &User{
		ID:        rec.String("id"),
		Email:     rec.String("email"),
		Role:      rec.String("role"),
		CreatedAt: rec.Time("created_at"),
	}
}

func attemptsKey(email string) string {
	return fmt.Sprintf("login:attempts:%s", email)
}

func lockKey(email string) string {
	return fmt.Sprintf("login:lock:%s", email)
}

func refreshKey(token string) string {
	return fmt.Sprintf("refresh:%s", token)
}

func mfaPendingKey(token string) string {
	return fmt.Sprintf("mfa:pending:%s", token)
}
