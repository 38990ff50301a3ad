package security

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/brixsport/backend/internal/store"
)

// Sub-score weights. Sensitive actions get a fixed elevated sub-score so
// destructive operations always attract scrutiny even when every other
// signal is benign.
const (
	weightLocation  = 0.30
	weightDevice    = 0.20
	weightTime      = 0.20
	weightBehavior  = 0.20
	weightSensitive = 0.10

	sensitiveActionScore = 0.8

	riskFactorThreshold = 0.5

	// behaviorWindow is the trailing window for action-velocity scoring
	behaviorWindow     = 5 * time.Minute
	behaviorSaturation = 20
)

// RiskLevel is a discrete risk bucket
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskContext is the login/action context fed into the scorer
type RiskContext struct {
	UserID    string
	Action    string
	IP        string
	UserAgent string
}

// RiskAssessment is the derived, never-persisted result of a risk evaluation
type RiskAssessment struct {
	Score                float64   `json:"score"`
	RiskLevel            RiskLevel `json:"riskLevel"`
	IsHighRisk           bool      `json:"isHighRisk"`
	RiskFactors          []string  `json:"riskFactors"`
	RequiresVerification bool      `json:"requiresVerification"`
}

var sensitiveActions = map[string]bool{
	"password_change": true,
	"disable_mfa":     true,
	"email_change":    true,
	"delete_account":  true,
}

// RiskScorer computes normalized risk scores from login/action context,
// backed by per-user history sets in the key-value store.
type RiskScorer struct {
	logger *zap.Logger
	kv     store.KeyValue

	// now is swappable in tests so the time-pattern sub-score is deterministic
	now func() time.Time
}

// NewRiskScorer creates a risk scorer
func NewRiskScorer(logger *zap.Logger, kv store.KeyValue) *RiskScorer {
	return &RiskScorer{
		logger: logger,
		kv:     kv,
		now:    time.Now,
	}
}

// CalculateRiskScore returns the weighted sum of the five sub-scores,
// clamped to [0,1].
func (rs *RiskScorer) CalculateRiskScore(ctx context.Context, rc RiskContext) float64 {
	score := weightLocation*rs.locationScore(ctx, rc) +
		weightDevice*rs.deviceScore(ctx, rc) +
		weightTime*rs.timeScore() +
		weightBehavior*rs.behaviorScore(ctx, rc) +
		weightSensitive*rs.sensitiveScore(rc)
	return clamp01(score)
}

// AssessLoginRisk wraps the score into discrete levels and flags whether the
// caller should demand step-up verification: score above 0.7, or more than
// two independent risk factors.
func (rs *RiskScorer) AssessLoginRisk(ctx context.Context, rc RiskContext) RiskAssessment {
	var factors []string

	location := rs.locationScore(ctx, rc)
	device := rs.deviceScore(ctx, rc)
	timeScore := rs.timeScore()
	behavior := rs.behaviorScore(ctx, rc)
	sensitive := rs.sensitiveScore(rc)

	if location > riskFactorThreshold {
		factors = append(factors, "unrecognized_location")
	}
	if device > riskFactorThreshold {
		factors = append(factors, "unrecognized_device")
	}
	if timeScore > riskFactorThreshold {
		factors = append(factors, "unusual_time")
	}
	if behavior > riskFactorThreshold {
		factors = append(factors, "high_velocity")
	}
	if sensitive > riskFactorThreshold {
		factors = append(factors, "sensitive_action")
	}

	score := clamp01(weightLocation*location +
		weightDevice*device +
		weightTime*timeScore +
		weightBehavior*behavior +
		weightSensitive*sensitive)

	level := RiskLow
	switch {
	case score > 0.7:
		level = RiskHigh
	case score > 0.4:
		level = RiskMedium
	}

	assessment := RiskAssessment{
		Score:                score,
		RiskLevel:            level,
		IsHighRisk:           level == RiskHigh,
		RiskFactors:          factors,
		RequiresVerification: score > 0.7 || len(factors) > 2,
	}

	if assessment.IsHighRisk {
		rs.logger.Warn("high risk assessment",
			zap.String("user_id", rc.UserID),
			zap.String("action", rc.Action),
			zap.Float64("score", score),
			zap.Strings("factors", factors),
		)
	}

	return assessment
}

// RememberContext records a trusted login context so future requests from the
// same IP and device score low. Called after successful authentication.
func (rs *RiskScorer) RememberContext(ctx context.Context, rc RiskContext) {
	if rc.UserID == "" {
		return
	}
	if rc.IP != "" {
		if err := rs.kv.SAdd(ctx, knownIPsKey(rc.UserID), rc.IP); err != nil {
			rs.logger.Debug("failed to record known ip", zap.Error(err))
		}
	}
	if rc.UserAgent != "" {
		if err := rs.kv.SAdd(ctx, knownAgentsKey(rc.UserID), rc.UserAgent); err != nil {
			rs.logger.Debug("failed to record known agent", zap.Error(err))
		}
	}
}

// RecordAction bumps the user's action-velocity counter
func (rs *RiskScorer) RecordAction(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	key := velocityKey(userID)
	if n, err := rs.kv.Incr(ctx, key); err == nil && n == 1 {
		_ = rs.kv.Expire(ctx, key, behaviorWindow)
	}
}

// locationScore: 0 for a known IP, 1 for an unknown IP when the user has
// history, 0.5 for a user with no recorded history yet.
func (rs *RiskScorer) locationScore(ctx context.Context, rc RiskContext) float64 {
	return rs.membershipScore(ctx, knownIPsKey(rc.UserID), rc.IP)
}

func (rs *RiskScorer) deviceScore(ctx context.Context, rc RiskContext) float64 {
	return rs.membershipScore(ctx, knownAgentsKey(rc.UserID), rc.UserAgent)
}

func (rs *RiskScorer) membershipScore(ctx context.Context, key, candidate string) float64 {
	if candidate == "" {
		return 0.5
	}
	members, err := rs.kv.SMembers(ctx, key)
	if err != nil {
		// Cache failure degrades to a neutral score, never blocks the request.
		return 0
	}
	if len(members) == 0 {
		return 0.5
	}
	for _, m := range members {
		if m == candidate {
			return 0
		}
	}
	return 1
}

func (rs *RiskScorer) timeScore() float64 {
	hour := rs.now().Hour()
	if hour < 6 {
		return 1
	}
	return 0
}

func (rs *RiskScorer) behaviorScore(ctx context.Context, rc RiskContext) float64 {
	raw, err := rs.kv.Get(ctx, velocityKey(rc.UserID))
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return clamp01(float64(n) / behaviorSaturation)
}

func (rs *RiskScorer) sensitiveScore(rc RiskContext) float64 {
	if sensitiveActions[rc.Action] {
		return sensitiveActionScore
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func knownIPsKey(userID string) string {
	return fmt.Sprintf("risk:known_ips:%s", userID)
}

func knownAgentsKey(userID string) string {
	return fmt.Sprintf("risk:known_agents:%s", userID)
}

func velocityKey(userID string) string {
	return fmt.Sprintf("risk:velocity:%s", userID)
}
