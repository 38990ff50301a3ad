package security

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brixsport/backend/internal/config"
	"github.com/brixsport/backend/internal/store"
)

func testTrafficConfig() config.TrafficConfig {
	return config.TrafficConfig{
		RequestsPerMinute:          10,
		UserAgentRequestsPerMinute: 20,
		MaxQueryParams:             100,
		IPBlockDuration:            5 * time.Minute,
		SuspiciousBlockDuration:    10 * time.Minute,
		ScannerBlockDuration:       time.Hour,
		GlobalRequestsPerSecond:    10000,
		GlobalBurst:                20000,
	}
}

func newTestGuard(t *testing.T) *TrafficGuard {
	return NewTrafficGuard(zaptest.NewLogger(t), store.NewMemory(), nil, testTrafficConfig())
}

func okRequest() RequestInfo {
	return RequestInfo{
		IP:        "198.51.100.7",
		UserAgent: "Mozilla/5.0",
		Method:    http.MethodGet,
		Path:      "/api/v1/matches",
	}
}

func TestTrafficAllowsNormalRequest(t *testing.T) {
	tg := newTestGuard(t)
	verdict := tg.CheckRequest(context.Background(), okRequest())
	assert.True(t, verdict.Allowed)
}

func TestTrafficTooManyParams(t *testing.T) {
	tg := newTestGuard(t)
	ctx := context.Background()

	params := map[string][]string{}
	for i := 0; i < 101; i++ {
		params[fmt.Sprintf("p%d", i)] = []string{"v"}
	}
	req := okRequest()
	req.Params = params

	verdict := tg.CheckRequest(ctx, req)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, http.StatusBadRequest, verdict.StatusCode)

	// Oversized parameter lists are rejected but the source is not blocked.
	blocked, _ := tg.IsBlocked(ctx, req.IP)
	assert.False(t, blocked)
}

func TestTrafficScannerUserAgent(t *testing.T) {
	tg := newTestGuard(t)
	ctx := context.Background()

	req := okRequest()
	req.UserAgent = "sqlmap/1.7"

	verdict := tg.CheckRequest(ctx, req)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, http.StatusForbidden, verdict.StatusCode)

	blocked, expiry := tg.IsBlocked(ctx, req.IP)
	require.True(t, blocked)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiry, time.Minute)
}

func TestTrafficMaliciousPayload(t *testing.T) {
	tg := newTestGuard(t)
	ctx := context.Background()

	cases := []RequestInfo{
		{IP: "198.51.100.1", UserAgent: "Mozilla/5.0", Path: "/search", Params: map[string][]string{"q": {"1 UNION SELECT password FROM users"}}},
		{IP: "198.51.100.2", UserAgent: "Mozilla/5.0", Path: "/comment", Params: map[string][]string{"body": {"<script>alert(1)</script>"}}},
		{IP: "198.51.100.3", UserAgent: "Mozilla/5.0", Path: "/files/../../etc/passwd"},
	}
	for _, req := range cases {
		verdict := tg.CheckRequest(ctx, req)
		assert.False(t, verdict.Allowed, req.Path)

		blocked, _ := tg.IsBlocked(ctx, req.IP)
		assert.True(t, blocked, req.Path)
	}
}

func TestTrafficRateLimitEscalatesToBlock(t *testing.T) {
	tg := newTestGuard(t)
	ctx := context.Background()
	req := okRequest()

	for i := 0; i < 10; i++ {
		verdict := tg.CheckRequest(ctx, req)
		require.True(t, verdict.Allowed, "request %d", i)
	}

	verdict := tg.CheckRequest(ctx, req)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, http.StatusTooManyRequests, verdict.StatusCode)

	// Subsequent requests hit the block, not the counter.
	verdict = tg.CheckRequest(ctx, req)
	assert.Equal(t, http.StatusForbidden, verdict.StatusCode)
}

func TestTrafficUnblock(t *testing.T) {
	tg := newTestGuard(t)
	ctx := context.Background()

	req := okRequest()
	req.UserAgent = "nikto"
	tg.CheckRequest(ctx, req)

	blocked, _ := tg.IsBlocked(ctx, req.IP)
	require.True(t, blocked)

	tg.UnblockIP(ctx, req.IP)
	blocked, _ = tg.IsBlocked(ctx, req.IP)
	assert.False(t, blocked)
}

func TestTrafficFirewallAllowBypassesBlocks(t *testing.T) {
	kv := store.NewMemory()
	records := store.NewMemRecords()
	fw := NewFirewallRules(zaptest.NewLogger(t), records, kv)
	tg := NewTrafficGuard(zaptest.NewLogger(t), kv, fw, testTrafficConfig())
	ctx := context.Background()

	req := okRequest()
	_, err := fw.Allow(ctx, req.IP, 0, "")
	require.NoError(t, err)

	// Even a scanner UA passes for an explicitly allowed IP.
	req.UserAgent = "sqlmap"
	verdict := tg.CheckRequest(ctx, req)
	assert.True(t, verdict.Allowed)
}

func TestTrafficStatsCounters(t *testing.T) {
	tg := newTestGuard(t)
	ctx := context.Background()

	tg.CheckRequest(ctx, okRequest())
	req := okRequest()
	req.UserAgent = "nmap"
	tg.CheckRequest(ctx, req)

	stats := tg.Stats()
	assert.Equal(t, uint64(2), stats["total_requests"])
	assert.Equal(t, uint64(1), stats["blocked_requests"])
	assert.Equal(t, uint64(1), stats["scanner_hits"])
}
