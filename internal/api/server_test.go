package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brixsport/backend/internal/auth"
	"github.com/brixsport/backend/internal/config"
	"github.com/brixsport/backend/internal/security"
	"github.com/brixsport/backend/internal/store"
)

type serverFixture struct {
	server *Server
	authz  *auth.AuthorizationGate
	alerts *security.AlertManager
	kv     store.KeyValue
}

func newServerFixture(t *testing.T) *serverFixture {
	logger := zaptest.NewLogger(t)
	kv := store.NewMemory()
	records := store.NewMemRecords()

	crypto := security.NewEncryptionService(logger, records, config.EncryptionConfig{
		MaxPlaintextBytes: 1024,
		BcryptCost:        10,
	})
	alerts := security.NewAlertManager(logger, records, kv, 100)
	audit := security.NewAuditPipeline(logger, records, kv, alerts, config.AuditConfig{
		BufferSize:    100,
		FlushInterval: time.Hour,
	})
	risk := security.NewRiskScorer(logger, kv)
	firewall := security.NewFirewallRules(logger, records, kv)
	traffic := security.NewTrafficGuard(logger, kv, firewall, config.TrafficConfig{
		RequestsPerMinute:          1000,
		UserAgentRequestsPerMinute: 1000,
		MaxQueryParams:             100,
		ScannerBlockDuration:       time.Hour,
		GlobalRequestsPerSecond:    10000,
	})
	csrf := security.NewCSRFGuard(logger, kv, time.Hour)
	sessions := auth.NewSessionManager(logger, kv, records, config.SessionConfig{
		TTL:                  7 * 24 * time.Hour,
		MaxConcurrentDefault: 5,
	})
	gate, err := auth.NewAuthorizationGate(logger, records, kv)
	require.NoError(t, err)
	mfa := auth.NewMFAManager(logger, records, kv, crypto, config.MFAConfig{
		Issuer:          "Brixsport",
		BackupCodeCount: 10,
		BackupCodeTTL:   30 * 24 * time.Hour,
	})
	login := auth.NewLoginService(logger, kv, records, sessions, mfa, risk, crypto, audit, gate,
		config.LoginConfig{MaxAttempts: 5},
		config.JWTConfig{Secret: "test-secret"},
	)

	server := NewServer(logger, config.ServerConfig{}, "_csrf", Services{
		Traffic:  traffic,
		CSRF:     csrf,
		Audit:    audit,
		Alerts:   alerts,
		Firewall: firewall,
		Crypto:   crypto,
		Sessions: sessions,
		MFA:      mfa,
		Authz:    gate,
		Login:    login,
	})

	return &serverFixture{server: server, authz: gate, alerts: alerts, kv: kv}
}

func (fx *serverFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rr, req)
	return rr
}

func jsonRequest(method, path string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (test)")
	return req
}

// registerAndLogin provisions an account over the API and returns its bearer
// token and user id.
func registerAndLogin(t *testing.T, fx *serverFixture, email string) (string, string) {
	t.Helper()

	rr := fx.do(jsonRequest(http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email":    email,
		"password": "correct-horse-battery",
	}))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = fx.do(jsonRequest(http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    email,
		"password": "correct-horse-battery",
	}))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		AccessToken string `json:"accessToken"`
		User        struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken, resp.User.ID
}

func TestHealthEndpoint(t *testing.T) {
	fx := newServerFixture(t)

	rr := fx.do(jsonRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRegisterLoginAndAuthenticatedRequest(t *testing.T) {
	fx := newServerFixture(t)
	token, _ := registerAndLogin(t, fx, "alice@brixsport.app")

	req := jsonRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := fx.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Len(t, resp.Sessions, 1)
}

func TestProtectedRouteRequiresBearer(t *testing.T) {
	fx := newServerFixture(t)

	rr := fx.do(jsonRequest(http.MethodGet, "/api/v1/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := jsonRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rr = fx.do(req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCSRFRequiredOnUnsafeMethods(t *testing.T) {
	fx := newServerFixture(t)
	token, _ := registerAndLogin(t, fx, "alice@brixsport.app")

	// Unsafe request without a CSRF token is rejected.
	req := jsonRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := fx.do(req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// Fetch a token, then the same request passes the double-submit check.
	csrfReq := jsonRequest(http.MethodGet, "/api/v1/auth/csrf", nil)
	csrfReq.Header.Set("Authorization", "Bearer "+token)
	rr = fx.do(csrfReq)
	require.Equal(t, http.StatusOK, rr.Code)

	var csrfResp struct {
		CSRFToken string `json:"csrfToken"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &csrfResp))
	require.NotEmpty(t, csrfResp.CSRFToken)

	req = jsonRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrfResp.CSRFToken)
	req.AddCookie(&http.Cookie{Name: "_csrf", Value: csrfResp.CSRFToken})
	rr = fx.do(req)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

// fetchCSRF mints a token over the API for the given bearer
func fetchCSRF(t *testing.T, fx *serverFixture, token string) string {
	t.Helper()

	req := jsonRequest(http.MethodGet, "/api/v1/auth/csrf", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := fx.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		CSRFToken string `json:"csrfToken"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.CSRFToken)
	return resp.CSRFToken
}

func TestCSRFTokenAcceptedFromFormAndQuery(t *testing.T) {
	fx := newServerFixture(t)

	// Form-encoded body carries the token.
	token, _ := registerAndLogin(t, fx, "alice@brixsport.app")
	csrfToken := fetchCSRF(t, fx, token)

	form := url.Values{"csrfToken": {csrfToken}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "Mozilla/5.0 (test)")
	req.Header.Set("Authorization", "Bearer "+token)
	req.AddCookie(&http.Cookie{Name: "_csrf", Value: csrfToken})
	rr := fx.do(req)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// So does the query string, under either field name.
	token, _ = registerAndLogin(t, fx, "bob@brixsport.app")
	csrfToken = fetchCSRF(t, fx, token)

	req = jsonRequest(http.MethodPost, "/api/v1/auth/logout?csrfToken="+csrfToken, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.AddCookie(&http.Cookie{Name: "_csrf", Value: csrfToken})
	rr = fx.do(req)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestCSRFHeaderCookieMismatchRejected(t *testing.T) {
	fx := newServerFixture(t)
	token, _ := registerAndLogin(t, fx, "alice@brixsport.app")

	csrfReq := jsonRequest(http.MethodGet, "/api/v1/auth/csrf", nil)
	csrfReq.Header.Set("Authorization", "Bearer "+token)
	rr := fx.do(csrfReq)
	require.Equal(t, http.StatusOK, rr.Code)

	var csrfResp struct {
		CSRFToken string `json:"csrfToken"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &csrfResp))

	req := jsonRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrfResp.CSRFToken)
	req.AddCookie(&http.Cookie{Name: "_csrf", Value: "something-else"})
	rr = fx.do(req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestParameterFloodRejected(t *testing.T) {
	fx := newServerFixture(t)

	values := url.Values{}
	for i := 0; i < 101; i++ {
		values.Set(fmt.Sprintf("p%d", i), "1")
	}
	rr := fx.do(jsonRequest(http.MethodGet, "/health?"+values.Encode(), nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// The client is not blocked, a clean request still goes through.
	rr = fx.do(jsonRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestScannerUserAgentBlocked(t *testing.T) {
	fx := newServerFixture(t)

	req := jsonRequest(http.MethodGet, "/health", nil)
	req.Header.Set("User-Agent", "sqlmap/1.7")
	rr := fx.do(req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// The source IP stays blocked for subsequent requests.
	rr = fx.do(jsonRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAdminRouteDeniedForRegularUser(t *testing.T) {
	fx := newServerFixture(t)
	token, _ := registerAndLogin(t, fx, "alice@brixsport.app")

	req := jsonRequest(http.MethodGet, "/api/v1/admin/audit", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := fx.do(req)
	require.Equal(t, http.StatusForbidden, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Insufficient permissions", body["error"])
}

func TestAdminRouteAllowedForAdmin(t *testing.T) {
	fx := newServerFixture(t)
	token, userID := registerAndLogin(t, fx, "admin@brixsport.app")

	require.NoError(t, fx.authz.AssignRole(context.Background(), userID, auth.RoleAdmin))

	req := jsonRequest(http.MethodGet, "/api/v1/admin/audit", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := fx.do(req)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestMFAEnrollAndVerifyOverAPI(t *testing.T) {
	fx := newServerFixture(t)
	token, _ := registerAndLogin(t, fx, "alice@brixsport.app")

	csrfReq := jsonRequest(http.MethodGet, "/api/v1/auth/csrf", nil)
	csrfReq.Header.Set("Authorization", "Bearer "+token)
	rr := fx.do(csrfReq)
	require.Equal(t, http.StatusOK, rr.Code)

	var csrfResp struct {
		CSRFToken string `json:"csrfToken"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &csrfResp))

	req := jsonRequest(http.MethodPost, "/api/v1/mfa/enroll", map[string]string{
		"accountName": "alice@brixsport.app",
	})
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrfResp.CSRFToken)
	req.AddCookie(&http.Cookie{Name: "_csrf", Value: csrfResp.CSRFToken})
	rr = fx.do(req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var enrollResp struct {
		Enrollment struct {
			Secret      string   `json:"secret"`
			BackupCodes []string `json:"backupCodes"`
		} `json:"enrollment"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &enrollResp))
	assert.NotEmpty(t, enrollResp.Enrollment.Secret)
	assert.Len(t, enrollResp.Enrollment.BackupCodes, 10)
}

func TestRefreshOverAPI(t *testing.T) {
	fx := newServerFixture(t)

	rr := fx.do(jsonRequest(http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email":    "alice@brixsport.app",
		"password": "correct-horse-battery",
	}))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = fx.do(jsonRequest(http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    "alice@brixsport.app",
		"password": "correct-horse-battery",
	}))
	require.Equal(t, http.StatusOK, rr.Code)

	var loginResp struct {
		RefreshToken string `json:"refreshToken"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &loginResp))

	rr = fx.do(jsonRequest(http.MethodPost, "/api/v1/auth/refresh", map[string]string{
		"refreshToken": loginResp.RefreshToken,
	}))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// The rotated-out token is rejected.
	rr = fx.do(jsonRequest(http.MethodPost, "/api/v1/auth/refresh", map[string]string{
		"refreshToken": loginResp.RefreshToken,
	}))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestMalformedBodyRejected(t *testing.T) {
	fx := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBufferString("{not json"))
	req.Header.Set("User-Agent", "Mozilla/5.0 (test)")
	rr := fx.do(req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Unknown fields are rejected too.
	rr = fx.do(jsonRequest(http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    "a@b.c",
		"password": "x",
		"extra":    "field",
	}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
