package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brixsport/backend/internal/store"
)

func newTestScorer(t *testing.T) *RiskScorer {
	rs := NewRiskScorer(zaptest.NewLogger(t), store.NewMemory())
	// Pin to midday so the time sub-score is zero unless a test overrides it.
	rs.now = func() time.Time {
		return time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	}
	return rs
}

func trustedContext() RiskContext {
	return RiskContext{
		UserID:    "u1",
		IP:        "10.0.0.1",
		UserAgent: "Mozilla/5.0",
	}
}

func TestRiskScoreKnownContextIsZero(t *testing.T) {
	rs := newTestScorer(t)
	ctx := context.Background()

	rc := trustedContext()
	rs.RememberContext(ctx, rc)

	assert.Equal(t, 0.0, rs.CalculateRiskScore(ctx, rc))
}

func TestRiskScoreSensitiveActionAlone(t *testing.T) {
	rs := newTestScorer(t)
	ctx := context.Background()

	rc := trustedContext()
	rs.RememberContext(ctx, rc)
	rc.Action = "password_change"

	// All other sub-scores are zero; only the fixed sensitive sub-score
	// contributes: 0.8 * 0.10.
	assert.InDelta(t, 0.08, rs.CalculateRiskScore(ctx, rc), 1e-9)
}

func TestRiskScoreNoHistoryIsNeutral(t *testing.T) {
	rs := newTestScorer(t)
	ctx := context.Background()

	score := rs.CalculateRiskScore(ctx, trustedContext())
	assert.InDelta(t, 0.25, score, 1e-9, "unknown user scores 0.5 on location and device")
}

func TestAssessLoginRiskUnknownContext(t *testing.T) {
	rs := newTestScorer(t)
	ctx := context.Background()

	rs.RememberContext(ctx, trustedContext())

	rc := RiskContext{
		UserID:    "u1",
		IP:        "203.0.113.9",
		UserAgent: "curl/8.0",
	}
	assessment := rs.AssessLoginRisk(ctx, rc)

	assert.InDelta(t, 0.5, assessment.Score, 1e-9)
	assert.Equal(t, RiskMedium, assessment.RiskLevel)
	assert.False(t, assessment.IsHighRisk)
	assert.ElementsMatch(t, []string{"unrecognized_location", "unrecognized_device"}, assessment.RiskFactors)
	assert.False(t, assessment.RequiresVerification)
}

func TestAssessLoginRiskNightFromUnknownDevice(t *testing.T) {
	rs := newTestScorer(t)
	rs.now = func() time.Time {
		return time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	}
	ctx := context.Background()

	rs.RememberContext(ctx, trustedContext())

	assessment := rs.AssessLoginRisk(ctx, RiskContext{
		UserID:    "u1",
		IP:        "203.0.113.9",
		UserAgent: "curl/8.0",
	})

	assert.InDelta(t, 0.7, assessment.Score, 1e-9)
	assert.Len(t, assessment.RiskFactors, 3)
	assert.True(t, assessment.RequiresVerification, "three factors force step-up")
}

func TestBehaviorVelocity(t *testing.T) {
	rs := newTestScorer(t)
	ctx := context.Background()

	rc := trustedContext()
	rs.RememberContext(ctx, rc)

	for i := 0; i < 20; i++ {
		rs.RecordAction(ctx, rc.UserID)
	}

	// Velocity saturated: behavior contributes its full 0.20 weight.
	require.InDelta(t, 0.2, rs.CalculateRiskScore(ctx, rc), 1e-9)
}

func TestRiskLevelBuckets(t *testing.T) {
	rs := newTestScorer(t)
	rs.now = func() time.Time {
		return time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	}
	ctx := context.Background()

	rs.RememberContext(ctx, trustedContext())
	for i := 0; i < 20; i++ {
		rs.RecordAction(ctx, "u1")
	}

	assessment := rs.AssessLoginRisk(ctx, RiskContext{
		UserID:    "u1",
		Action:    "disable_mfa",
		IP:        "203.0.113.9",
		UserAgent: "curl/8.0",
	})
	assert.Equal(t, RiskHigh, assessment.RiskLevel)
	assert.True(t, assessment.IsHighRisk)
	assert.True(t, assessment.RequiresVerification)
}
