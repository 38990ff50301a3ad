package commands

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/brixsport/backend/internal/api"
	"github.com/brixsport/backend/internal/auth"
	"github.com/brixsport/backend/internal/config"
	"github.com/brixsport/backend/internal/logging"
	"github.com/brixsport/backend/internal/security"
	"github.com/brixsport/backend/internal/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the backend server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

// bootstrap holds everything the commands share
type bootstrap struct {
	cfg     *config.Config
	factory *logging.Factory
	kv      store.KeyValue
	records store.Records
	close   func()
}

// setup loads config and opens the two stores
func setup(ctx context.Context) (*bootstrap, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	factory, err := logging.NewFactory(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := factory.GetLogger("bootstrap")

	var closers []func()

	var kv store.KeyValue
	if cfg.Redis.Enabled {
		redis, err := store.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { _ = redis.Close() })
		kv = redis
		logger.Info("using redis key-value store", zap.String("addr", cfg.Redis.Addr))
	} else {
		kv = store.NewMemory()
		logger.Info("using in-process key-value store")
	}

	sqlStore, err := store.OpenSQL(ctx, factory.GetLogger("store"), cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() { _ = sqlStore.Close() })

	return &bootstrap{
		cfg:     cfg,
		factory: factory,
		kv:      kv,
		records: sqlStore,
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
			_ = factory.Sync()
		},
	}, nil
}

func runStart() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	boot, err := setup(ctx)
	if err != nil {
		return err
	}
	defer boot.close()

	cfg := boot.cfg
	logger := boot.factory.GetLogger("main")

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
		}); err != nil {
			logger.Warn("sentry initialization failed", zap.Error(err))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	auditLogger, err := boot.factory.AuditLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize audit logging: %w", err)
	}

	// Security core.
	crypto := security.NewEncryptionService(boot.factory.GetLogger("encryption"), boot.records, cfg.Security.Encryption)
	firewall := security.NewFirewallRules(boot.factory.GetLogger("firewall"), boot.records, boot.kv)
	traffic := security.NewTrafficGuard(boot.factory.GetLogger("traffic"), boot.kv, firewall, cfg.Security.Traffic)
	csrf := security.NewCSRFGuard(boot.factory.GetLogger("csrf"), boot.kv, cfg.Security.CSRF.TokenTTL)
	risk := security.NewRiskScorer(boot.factory.GetLogger("risk"), boot.kv)
	alerts := security.NewAlertManager(boot.factory.GetLogger("alerts"), boot.records, boot.kv, cfg.Security.Audit.ActiveAlertsCap)
	audit := security.NewAuditPipeline(auditLogger, boot.records, boot.kv, alerts, cfg.Security.Audit)

	// Auth stack.
	sessions := auth.NewSessionManager(boot.factory.GetLogger("sessions"), boot.kv, boot.records, cfg.Security.Session)
	authz, err := auth.NewAuthorizationGate(boot.factory.GetLogger("authz"), boot.records, boot.kv)
	if err != nil {
		return err
	}
	mfa := auth.NewMFAManager(boot.factory.GetLogger("mfa"), boot.records, boot.kv, crypto, cfg.Security.MFA)
	login := auth.NewLoginService(
		boot.factory.GetLogger("login"),
		boot.kv, boot.records,
		sessions, mfa, risk, crypto, audit, authz,
		cfg.Security.Login, cfg.Security.JWT,
	)

	alerts.AddRule(security.AlertRule{
		Name:      "blocked request surge",
		Metric:    "blocked_requests",
		Op:        security.RuleGt,
		Threshold: 1000,
		Severity:  security.SeverityHigh,
		Cooldown:  10 * time.Minute,
		Enabled:   true,
	})

	server := api.NewServer(boot.factory.GetLogger("api"), cfg.Server, cfg.Security.CSRF.CookieName, api.Services{
		Traffic:  traffic,
		CSRF:     csrf,
		Audit:    audit,
		Alerts:   alerts,
		Firewall: firewall,
		Crypto:   crypto,
		Sessions: sessions,
		MFA:      mfa,
		Authz:    authz,
		Login:    login,
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		audit.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		server.RunRuleEvaluation(ctx, time.Minute)
	}()

	// Threshold hot-reload on config file changes.
	if watcher, err := config.NewWatcher(boot.factory.GetLogger("config"), configPath); err == nil {
		watcher.OnReload(func(next *config.Config) {
			traffic.UpdateConfig(next.Security.Traffic)
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Run(ctx)
		}()
	} else {
		logger.Debug("config watcher disabled", zap.Error(err))
	}

	err = server.Start(ctx)
	stop()
	wg.Wait()
	return err
}
