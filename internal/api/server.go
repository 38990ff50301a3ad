package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/brixsport/backend/internal/auth"
	"github.com/brixsport/backend/internal/config"
	"github.com/brixsport/backend/internal/security"
)

// Server wires the security core behind an HTTP API. The middleware order on
// protected routes is fixed: traffic guard, then authentication, then CSRF,
// then the per-route permission check.
type Server struct {
	logger *zap.Logger
	cfg    config.ServerConfig

	csrfCookieName string

	traffic  *security.TrafficGuard
	csrf     *security.CSRFGuard
	audit    *security.AuditPipeline
	alerts   *security.AlertManager
	firewall *security.FirewallRules
	crypto   *security.EncryptionService
	sessions *auth.SessionManager
	mfa      *auth.MFAManager
	authz    *auth.AuthorizationGate
	login    *auth.LoginService

	router     *mux.Router
	httpServer *http.Server
}

// Services groups the dependencies handed to the server
type Services struct {
	Traffic  *security.TrafficGuard
	CSRF     *security.CSRFGuard
	Audit    *security.AuditPipeline
	Alerts   *security.AlertManager
	Firewall *security.FirewallRules
	Crypto   *security.EncryptionService
	Sessions *auth.SessionManager
	MFA      *auth.MFAManager
	Authz    *auth.AuthorizationGate
	Login    *auth.LoginService
}

// NewServer creates the API server
func NewServer(logger *zap.Logger, cfg config.ServerConfig, csrfCookieName string, svc Services) *Server {
	if csrfCookieName == "" {
		csrfCookieName = "_csrf"
	}
	s := &Server{
		logger:         logger,
		cfg:            cfg,
		csrfCookieName: csrfCookieName,
		traffic:        svc.Traffic,
		csrf:           svc.CSRF,
		audit:          svc.Audit,
		alerts:         svc.Alerts,
		firewall:       svc.Firewall,
		crypto:         svc.Crypto,
		sessions:       svc.Sessions,
		mfa:            svc.MFA,
		authz:          svc.Authz,
		login:          svc.Login,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler, exposed for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	root := mux.NewRouter()
	root.Use(s.loggingMiddleware, metricsMiddleware, s.trafficMiddleware)

	root.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.EnableMetrics {
		root.Handle("/metrics", metricsHandler()).Methods(http.MethodGet)
	}

	api := root.PathPrefix("/api/v1").Subrouter()

	// Unauthenticated auth flows.
	api.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/mfa", s.handleCompleteMFA).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)

	// Session-bound routes.
	protected := api.NewRoute().Subrouter()
	protected.Use(s.authMiddleware, s.csrfMiddleware)

	protected.HandleFunc("/auth/csrf", s.handleIssueCSRF).Methods(http.MethodGet)
	protected.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)

	protected.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	protected.HandleFunc("/sessions/{id}", s.handleRevokeSession).Methods(http.MethodDelete)
	protected.HandleFunc("/sessions", s.handleRevokeAllSessions).Methods(http.MethodDelete)

	protected.HandleFunc("/mfa/enroll", s.handleMFAEnroll).Methods(http.MethodPost)
	protected.HandleFunc("/mfa/verify", s.handleMFAVerify).Methods(http.MethodPost)
	protected.HandleFunc("/mfa", s.handleMFADisable).Methods(http.MethodDelete)
	protected.HandleFunc("/mfa/backup-codes", s.handleMFABackupCodes).Methods(http.MethodPost)

	// Operator surface, permission-gated per route.
	protected.HandleFunc("/admin/alerts", s.requirePermission("alerts:manage", s.handleListAlerts)).Methods(http.MethodGet)
	protected.HandleFunc("/admin/alerts/stream", s.requirePermission("alerts:manage", s.handleAlertStream)).Methods(http.MethodGet)
	protected.HandleFunc("/admin/alerts/{id}/resolve", s.requirePermission("alerts:manage", s.handleResolveAlert)).Methods(http.MethodPost)

	protected.HandleFunc("/admin/audit", s.requirePermission("audit:read", s.handleQueryAudit)).Methods(http.MethodGet)
	protected.HandleFunc("/admin/audit/export", s.requirePermission("audit:read", s.handleExportAudit)).Methods(http.MethodGet)

	protected.HandleFunc("/admin/firewall", s.requirePermission("firewall:manage", s.handleListFirewallRules)).Methods(http.MethodGet)
	protected.HandleFunc("/admin/firewall", s.requirePermission("firewall:manage", s.handleAddFirewallRule)).Methods(http.MethodPost)
	protected.HandleFunc("/admin/firewall/{id}", s.requirePermission("firewall:manage", s.handleRemoveFirewallRule)).Methods(http.MethodDelete)
	protected.HandleFunc("/admin/traffic/stats", s.requirePermission("firewall:manage", s.handleTrafficStats)).Methods(http.MethodGet)
	protected.HandleFunc("/admin/traffic/unblock/{ip}", s.requirePermission("firewall:manage", s.handleUnblockIP)).Methods(http.MethodPost)

	protected.HandleFunc("/admin/users/{id}/roles", s.requireRole(auth.RoleSuperAdmin, s.handleAssignRole)).Methods(http.MethodPost)
	protected.HandleFunc("/admin/users/{id}/roles/{role}", s.requireRole(auth.RoleSuperAdmin, s.handleRemoveRole)).Methods(http.MethodDelete)

	protected.HandleFunc("/admin/keys/rotate", s.requirePermission("keys:rotate", s.handleRotateKeys)).Methods(http.MethodPost)
	protected.HandleFunc("/admin/status", s.requireRole(auth.RoleAdmin, s.handleStatus)).Methods(http.MethodGet)

	return root
}

// Start runs the HTTP server until the context is canceled
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down http server")
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// RunRuleEvaluation feeds traffic stats into the alert rules on an interval
// and keeps the security gauges current.
func (s *Server) RunRuleEvaluation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.traffic.Stats()
			metrics := make(map[string]float64, len(stats))
			for k, v := range stats {
				metrics[k] = float64(v)
			}
			s.alerts.EvaluateRules(ctx, metrics)

			if active, err := s.alerts.Active(ctx); err == nil {
				activeAlerts.Set(float64(len(active)))
			}
			auditBufferSize.Set(float64(s.audit.Buffered()))
		}
	}
}
