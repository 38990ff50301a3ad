package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brixsport/backend/internal/apperrors"
	"github.com/brixsport/backend/internal/store"
)

func newTestAlerts(t *testing.T) *AlertManager {
	return NewAlertManager(zaptest.NewLogger(t), store.NewMemRecords(), store.NewMemory(), 100)
}

func TestAlertRaiseAndResolve(t *testing.T) {
	am := newTestAlerts(t)
	ctx := context.Background()

	alert, err := am.Raise(ctx, "brute_force", SeverityHigh, "5 failed logins", map[string]interface{}{"email": "a@b.c"})
	require.NoError(t, err)
	require.NotEmpty(t, alert.ID)

	active, err := am.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a@b.c", active[0].Details["email"])

	require.NoError(t, am.Resolve(ctx, alert.ID, "admin1"))

	active, err = am.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	resolved, err := am.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "admin1", resolved.ResolvedBy)
	assert.NotNil(t, resolved.ResolvedAt)
}

func TestAlertActiveListServesAndRebuilds(t *testing.T) {
	kv := store.NewMemory()
	records := store.NewMemRecords()
	am := NewAlertManager(zaptest.NewLogger(t), records, kv, 100)
	ctx := context.Background()

	first, err := am.Raise(ctx, "brute_force", SeverityLow, "one", nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := am.Raise(ctx, "ddos", SeverityLow, "two", nil)
	require.NoError(t, err)

	// Served off the tracking list, newest first.
	active, err := am.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, second.ID, active[0].ID)
	assert.Equal(t, first.ID, active[1].ID)

	// Cold cache: the durable query answers and rebuilds the list.
	require.NoError(t, kv.Del(ctx, activeAlertsKey))

	active, err = am.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, second.ID, active[0].ID)

	ids, err := kv.LRange(ctx, activeAlertsKey, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID, first.ID}, ids)

	// Resolving drops the member, and the list keeps serving what is left.
	require.NoError(t, am.Resolve(ctx, second.ID, "admin1"))

	active, err = am.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, first.ID, active[0].ID)
}

func TestAlertResolveUnknown(t *testing.T) {
	am := newTestAlerts(t)
	err := am.Resolve(context.Background(), "nope", "admin1")
	assert.True(t, apperrors.IsType(err, apperrors.TypeNotFound))
}

func TestAlertSubscribers(t *testing.T) {
	am := newTestAlerts(t)
	ctx := context.Background()

	feed, cancel := am.Subscribe(4)
	defer cancel()

	_, err := am.Raise(ctx, "test", SeverityLow, "hello", nil)
	require.NoError(t, err)

	select {
	case alert := <-feed:
		assert.Equal(t, "test", alert.Type)
	case <-time.After(time.Second):
		t.Fatal("no alert delivered to subscriber")
	}
}

func TestAlertSlowSubscriberDoesNotBlock(t *testing.T) {
	am := newTestAlerts(t)
	ctx := context.Background()

	_, cancel := am.Subscribe(1)
	defer cancel()

	// Second raise overflows the 1-slot buffer; Raise must not hang.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			_, err := am.Raise(ctx, "flood", SeverityLow, "x", nil)
			require.NoError(t, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("raise blocked on a slow subscriber")
	}
}

func TestAlertRules(t *testing.T) {
	am := newTestAlerts(t)
	ctx := context.Background()

	am.AddRule(AlertRule{
		ID:        "r1",
		Name:      "block surge",
		Metric:    "blocked_requests",
		Op:        RuleGt,
		Threshold: 100,
		Severity:  SeverityHigh,
		Enabled:   true,
	})
	am.AddRule(AlertRule{
		ID:        "r2",
		Name:      "disabled rule",
		Metric:    "blocked_requests",
		Op:        RuleGt,
		Threshold: 0,
		Severity:  SeverityLow,
		Enabled:   false,
	})

	am.EvaluateRules(ctx, map[string]float64{"blocked_requests": 50})
	active, err := am.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	am.EvaluateRules(ctx, map[string]float64{"blocked_requests": 150})
	active, err = am.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1, "only the enabled rule fires")
	assert.Equal(t, "threshold_breach", active[0].Type)
}

func TestAlertRuleCooldown(t *testing.T) {
	am := newTestAlerts(t)
	ctx := context.Background()

	am.AddRule(AlertRule{
		ID:        "r1",
		Name:      "surge",
		Metric:    "m",
		Op:        RuleGte,
		Threshold: 1,
		Severity:  SeverityMedium,
		Cooldown:  time.Hour,
		Enabled:   true,
	})

	am.EvaluateRules(ctx, map[string]float64{"m": 1})
	am.EvaluateRules(ctx, map[string]float64{"m": 1})

	active, err := am.Active(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1, "cooldown suppresses the second firing")
}

func TestAlertRuleOps(t *testing.T) {
	cases := []struct {
		op        RuleOp
		threshold float64
		value     float64
		want      bool
	}{
		{RuleGt, 10, 11, true},
		{RuleGt, 10, 10, false},
		{RuleLt, 10, 9, true},
		{RuleEq, 10, 10, true},
		{RuleGte, 10, 10, true},
		{RuleLte, 10, 11, false},
	}
	for _, tc := range cases {
		rule := AlertRule{Op: tc.op, Threshold: tc.threshold}
		assert.Equal(t, tc.want, rule.matches(tc.value), "%s %v vs %v", tc.op, tc.value, tc.threshold)
	}
}
