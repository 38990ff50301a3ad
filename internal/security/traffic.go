package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/brixsport/backend/internal/config"
	"github.com/brixsport/backend/internal/store"
)

// Block durations escalate with confidence: plain rate abuse gets a short
// block, content-inspection hits a longer one, and known scanner tooling the
// longest.
type blockReason string

const (
	blockReasonRate       blockReason = "rate_limit"
	blockReasonSuspicious blockReason = "suspicious_traffic"
	blockReasonScanner    blockReason = "scanner_user_agent"
)

// counterWindow is the trailing interval for per-IP and per-UA counters
const counterWindow = 60 * time.Second

// scannerAgents are User-Agent substrings of known security scanners
var scannerAgents = []string{
	"sqlmap", "nikto", "nmap", "masscan", "acunetix",
	"nessus", "metasploit", "dirbuster", "wpscan", "zgrab",
}

// maliciousPatterns match injection-shaped payloads in paths and parameters
var maliciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(union\s+select|select\s+.*\s+from|insert\s+into|drop\s+table|delete\s+from)`),
	regexp.MustCompile(`(?i)<\s*script[^>]*>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`\.\./|\.\.\\`),
	regexp.MustCompile(`(?i)(;|\|\||&&)\s*(cat|ls|rm|wget|curl)\s`),
}

// RequestInfo carries the request attributes the guard inspects
type RequestInfo struct {
	IP        string
	UserAgent string
	Method    string
	Path      string
	Params    map[string][]string
}

// Verdict is the guard's decision for one request
type Verdict struct {
	Allowed    bool
	StatusCode int
	Reason     string
}

// TrafficStats tracks guard counters
type TrafficStats struct {
	TotalRequests   atomic.Uint64
	BlockedRequests atomic.Uint64
	BlockedIPs      atomic.Uint64
	PatternHits     atomic.Uint64
	ScannerHits     atomic.Uint64
}

// TrafficGuard applies DDoS/WAF-style heuristics: trailing-window counters
// per IP and User-Agent in the key-value store, payload pattern inspection,
// and temporary IP blocks with escalating durations. Blocks are pure cache
// writes; unblocking happens lazily once the recorded expiry passes.
type TrafficGuard struct {
	logger *zap.Logger
	kv     store.KeyValue

	firewall *FirewallRules

	globalLimiter *rate.Limiter

	configMu sync.RWMutex
	config   config.TrafficConfig

	stats TrafficStats
}

// NewTrafficGuard creates a traffic guard. firewall may be nil.
func NewTrafficGuard(logger *zap.Logger, kv store.KeyValue, firewall *FirewallRules, cfg config.TrafficConfig) *TrafficGuard {
	if cfg.GlobalRequestsPerSecond <= 0 {
		cfg.GlobalRequestsPerSecond = 1000
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = cfg.GlobalRequestsPerSecond * 2
	}

	return &TrafficGuard{
		logger:        logger,
		kv:            kv,
		firewall:      firewall,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRequestsPerSecond), cfg.GlobalBurst),
		config:        cfg,
	}
}

// UpdateConfig swaps thresholds at runtime (config hot-reload)
func (tg *TrafficGuard) UpdateConfig(cfg config.TrafficConfig) {
	tg.configMu.Lock()
	tg.config = cfg
	tg.configMu.Unlock()

	tg.globalLimiter.SetLimit(rate.Limit(cfg.GlobalRequestsPerSecond))
	tg.globalLimiter.SetBurst(cfg.GlobalBurst)

	tg.logger.Info("traffic thresholds updated",
		zap.Int("requests_per_minute", cfg.RequestsPerMinute),
		zap.Int("user_agent_requests_per_minute", cfg.UserAgentRequestsPerMinute),
	)
}

func (tg *TrafficGuard) cfg() config.TrafficConfig {
	tg.configMu.RLock()
	defer tg.configMu.RUnlock()
	return tg.config
}

// CheckRequest decides whether a request may proceed
func (tg *TrafficGuard) CheckRequest(ctx context.Context, req RequestInfo) Verdict {
	tg.stats.TotalRequests.Add(1)
	cfg := tg.cfg()

	// Explicit firewall allow bypasses every heuristic.
	if tg.firewall != nil && tg.firewall.IsAllowed(ctx, req.IP) {
		return Verdict{Allowed: true, StatusCode: http.StatusOK}
	}
	if tg.firewall != nil && tg.firewall.IsDenied(ctx, req.IP) {
		tg.stats.BlockedRequests.Add(1)
		return Verdict{Allowed: false, StatusCode: http.StatusForbidden, Reason: "IP denied by firewall rule"}
	}

	if blocked, _ := tg.IsBlocked(ctx, req.IP); blocked {
		tg.stats.BlockedRequests.Add(1)
		return Verdict{Allowed: false, StatusCode: http.StatusForbidden, Reason: "IP temporarily blocked"}
	}

	// Pure DoS-shape guard: oversized parameter lists are rejected outright
	// without blocking the source.
	paramCount := 0
	for _, values := range req.Params {
		paramCount += len(values)
	}
	if paramCount > cfg.MaxQueryParams {
		tg.stats.BlockedRequests.Add(1)
		return Verdict{Allowed: false, StatusCode: http.StatusBadRequest, Reason: "too many request parameters"}
	}

	if tg.matchesScanner(req.UserAgent) {
		tg.stats.ScannerHits.Add(1)
		tg.blockIP(ctx, req.IP, cfg.ScannerBlockDuration, blockReasonScanner)
		tg.stats.BlockedRequests.Add(1)
		return Verdict{Allowed: false, StatusCode: http.StatusForbidden, Reason: "scanner user agent"}
	}

	if tg.matchesMaliciousPayload(req) {
		tg.stats.PatternHits.Add(1)
		tg.blockIP(ctx, req.IP, cfg.SuspiciousBlockDuration, blockReasonSuspicious)
		tg.stats.BlockedRequests.Add(1)
		return Verdict{Allowed: false, StatusCode: http.StatusForbidden, Reason: "malicious payload pattern"}
	}

	if count := tg.bump(ctx, ipCounterKey(req.IP)); count > int64(cfg.RequestsPerMinute) {
		tg.blockIP(ctx, req.IP, cfg.IPBlockDuration, blockReasonRate)
		tg.stats.BlockedRequests.Add(1)
		return Verdict{Allowed: false, StatusCode: http.StatusTooManyRequests, Reason: "request rate exceeded"}
	}

	if req.UserAgent != "" {
		if count := tg.bump(ctx, uaCounterKey(req.UserAgent)); count > int64(cfg.UserAgentRequestsPerMinute) {
			tg.blockIP(ctx, req.IP, cfg.SuspiciousBlockDuration, blockReasonSuspicious)
			tg.stats.BlockedRequests.Add(1)
			return Verdict{Allowed: false, StatusCode: http.StatusTooManyRequests, Reason: "user agent rate exceeded"}
		}
	}

	if !tg.globalLimiter.Allow() {
		tg.stats.BlockedRequests.Add(1)
		return Verdict{Allowed: false, StatusCode: http.StatusTooManyRequests, Reason: "global rate limit exceeded"}
	}

	return Verdict{Allowed: true, StatusCode: http.StatusOK}
}

// IsBlocked reports whether an IP currently carries a temporary block. Expiry
// is evaluated lazily: an entry whose recorded expiry has passed is dropped
// on this check rather than by a background sweep.
func (tg *TrafficGuard) IsBlocked(ctx context.Context, ip string) (bool, time.Time) {
	raw, err := tg.kv.Get(ctx, blockKey(ip))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			tg.logger.Warn("block lookup failed", zap.Error(err))
		}
		return false, time.Time{}
	}

	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		_ = tg.kv.Del(ctx, blockKey(ip))
		return false, time.Time{}
	}

	expiry := time.Unix(unix, 0)
	if time.Now().After(expiry) {
		_ = tg.kv.Del(ctx, blockKey(ip))
		return false, time.Time{}
	}
	return true, expiry
}

// UnblockIP removes a temporary block immediately
func (tg *TrafficGuard) UnblockIP(ctx context.Context, ip string) {
	_ = tg.kv.Del(ctx, blockKey(ip))
}

// Stats returns a snapshot of guard counters
func (tg *TrafficGuard) Stats() map[string]uint64 {
	return map[string]uint64{
		"total_requests":   tg.stats.TotalRequests.Load(),
		"blocked_requests": tg.stats.BlockedRequests.Load(),
		"blocked_ips":      tg.stats.BlockedIPs.Load(),
		"pattern_hits":     tg.stats.PatternHits.Load(),
		"scanner_hits":     tg.stats.ScannerHits.Load(),
	}
}

func (tg *TrafficGuard) blockIP(ctx context.Context, ip string, duration time.Duration, reason blockReason) {
	if ip == "" || duration <= 0 {
		return
	}

	expiry := time.Now().Add(duration)
	if err := tg.kv.Set(ctx, blockKey(ip), strconv.FormatInt(expiry.Unix(), 10), duration); err != nil {
		// A failed block write must never fail the request path.
		tg.logger.Warn("failed to record IP block", zap.String("ip", ip), zap.Error(err))
		return
	}
	tg.stats.BlockedIPs.Add(1)

	if tg.firewall != nil {
		tg.firewall.RecordAutoDeny(ctx, ip, expiry, string(reason))
	}

	tg.logger.Warn("IP blocked",
		zap.String("ip", ip),
		zap.Duration("duration", duration),
		zap.String("reason", string(reason)),
	)
}

// bump increments a trailing-window counter, starting its window on first use
func (tg *TrafficGuard) bump(ctx context.Context, key string) int64 {
	count, err := tg.kv.Incr(ctx, key)
	if err != nil {
		// Counter failures degrade open: rate limiting is an availability
		// tradeoff, not a correctness gate.
		tg.logger.Warn("counter increment failed", zap.String("key", key), zap.Error(err))
		return 0
	}
	if count == 1 {
		_ = tg.kv.Expire(ctx, key, counterWindow)
	}
	return count
}

func (tg *TrafficGuard) matchesScanner(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, scanner := range scannerAgents {
		if strings.Contains(ua, scanner) {
			return true
		}
	}
	return false
}

func (tg *TrafficGuard) matchesMaliciousPayload(req RequestInfo) bool {
	for _, pattern := range maliciousPatterns {
		if pattern.MatchString(req.Path) {
			return true
		}
		for _, values := range req.Params {
			for _, value := range values {
				if pattern.MatchString(value) {
					return true
				}
			}
		}
	}
	return false
}

func blockKey(ip string) string {
	return fmt.Sprintf("traffic:blocked:%s", ip)
}

func ipCounterKey(ip string) string {
	return fmt.Sprintf("traffic:ip:%s", ip)
}

func uaCounterKey(ua string) string {
	return fmt.Sprintf("traffic:ua:%s", ua)
}
