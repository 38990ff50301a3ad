package security

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brixsport/backend/internal/apperrors"
	"github.com/brixsport/backend/internal/store"
)

// Alert severities, ordered
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// activeAlertsKey holds the capped list of recent unresolved alert ids
const activeAlertsKey = "alerts:active"

// SecurityAlert is a persisted, operator-facing alert
type SecurityAlert struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Severity   string                 `json:"severity"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Resolved   bool                   `json:"resolved"`
	ResolvedAt *time.Time             `json:"resolvedAt,omitempty"`
	ResolvedBy string                 `json:"resolvedBy,omitempty"`
}

// RuleOp is a threshold comparison for metric-driven alert rules
type RuleOp string

const (
	RuleGt  RuleOp = "gt"
	RuleLt  RuleOp = "lt"
	RuleEq  RuleOp = "eq"
	RuleGte RuleOp = "gte"
	RuleLte RuleOp = "lte"
)

// AlertRule fires an alert when a named metric crosses its threshold
type AlertRule struct {
	ID        string
	Name      string
	Metric    string
	Op        RuleOp
	Threshold float64
	Severity  string
	// Cooldown suppresses refiring while a previous hit is still fresh
	Cooldown time.Duration
	Enabled  bool

	lastFired time.Time
}

// AlertManager persists alerts, keeps a capped active-alert list in the
// key-value store, and fans new alerts out to in-process subscribers (the
// websocket stream among them). Metric-driven rules are registered in memory
// and evaluated against guard stats.
type AlertManager struct {
	logger  *zap.Logger
	records store.Records
	kv      store.KeyValue

	activeCap int

	mu          sync.RWMutex
	rules       map[string]*AlertRule
	subscribers map[int]chan SecurityAlert
	nextSubID   int
}

// NewAlertManager creates the alert manager
func NewAlertManager(logger *zap.Logger, records store.Records, kv store.KeyValue, activeCap int) *AlertManager {
	if activeCap <= 0 {
		activeCap = 100
	}
	return &AlertManager{
		logger:      logger,
		records:     records,
		kv:          kv,
		activeCap:   activeCap,
		rules:       make(map[string]*AlertRule),
		subscribers: make(map[int]chan SecurityAlert),
	}
}

// Raise persists a new alert, tracks it on the capped active list, and
// notifies subscribers.
func (am *AlertManager) Raise(ctx context.Context, alertType, severity, message string, details map[string]interface{}) (*SecurityAlert, error) {
	alert := &SecurityAlert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}

	rec := store.Record{
		"id":        alert.ID,
		"type":      alert.Type,
		"severity":  alert.Severity,
		"message":   alert.Message,
		"timestamp": store.FormatTime(alert.Timestamp),
		"resolved":  0,
	}
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err == nil {
			rec["details"] = string(data)
		}
	}
	if err := am.records.Insert(ctx, "security_alerts", rec); err != nil {
		return nil, apperrors.Database(err)
	}

	// Capped tracking list: oldest entries fall off, the table keeps history.
	if err := am.kv.LPush(ctx, activeAlertsKey, alert.ID); err == nil {
		_ = am.kv.LTrim(ctx, activeAlertsKey, 0, int64(am.activeCap-1))
	}

	am.notify(*alert)

	am.logger.Warn("security alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("type", alertType),
		zap.String("severity", severity),
		zap.String("message", message),
	)
	return alert, nil
}

// Resolve marks an alert resolved and drops it from the active list
func (am *AlertManager) Resolve(ctx context.Context, alertID, resolvedBy string) error {
	now := time.Now()
	n, err := am.records.Update(ctx, "security_alerts",
		[]store.Filter{store.Eq("id", alertID)},
		store.Record{
			"resolved":    1,
			"resolved_at": store.FormatTime(now),
			"resolved_by": resolvedBy,
		})
	if err != nil {
		return apperrors.Database(err)
	}
	if n == 0 {
		return apperrors.NotFound("alert not found")
	}

	_ = am.kv.LRem(ctx, activeAlertsKey, 0, alertID)
	am.logger.Info("security alert resolved",
		zap.String("alert_id", alertID),
		zap.String("resolved_by", resolvedBy),
	)
	return nil
}

// Active returns unresolved alerts, newest first, bounded by the active cap.
// The capped tracking list serves the common path; a cold cache falls back to
// the durable query and rebuilds the list.
func (am *AlertManager) Active(ctx context.Context) ([]SecurityAlert, error) {
	ids, err := am.kv.LRange(ctx, activeAlertsKey, 0, int64(am.activeCap-1))
	if err != nil || len(ids) == 0 {
		return am.activeFromRecords(ctx)
	}

	out := make([]SecurityAlert, 0, len(ids))
	for _, id := range ids {
		recs, err := am.records.Select(ctx, "security_alerts", store.Query{
			Filters: []store.Filter{store.Eq("id", id), store.Eq("resolved", 0)},
			Limit:   1,
		})
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if len(recs) == 0 {
			// Resolved or pruned elsewhere; drop the stale member.
			_ = am.kv.LRem(ctx, activeAlertsKey, 0, id)
			continue
		}
		out = append(out, alertFromRecord(recs[0]))
	}
	return out, nil
}

func (am *AlertManager) activeFromRecords(ctx context.Context) ([]SecurityAlert, error) {
	recs, err := am.records.Select(ctx, "security_alerts", store.Query{
		Filters: []store.Filter{store.Eq("resolved", 0)},
		OrderBy: "timestamp",
		Desc:    true,
		Limit:   am.activeCap,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	out := make([]SecurityAlert, 0, len(recs))
	for _, rec := range recs {
		out = append(out, alertFromRecord(rec))
	}

	// Rebuild the tracking list, oldest pushed first so the head stays newest.
	if len(out) > 0 {
		_ = am.kv.Del(ctx, activeAlertsKey)
		for i := len(out) - 1; i >= 0; i-- {
			_ = am.kv.LPush(ctx, activeAlertsKey, out[i].ID)
		}
	}
	return out, nil
}

// Get returns a single alert by id
func (am *AlertManager) Get(ctx context.Context, alertID string) (*SecurityAlert, error) {
	recs, err := am.records.Select(ctx, "security_alerts", store.Query{
		Filters: []store.Filter{store.Eq("id", alertID)},
		Limit:   1,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if len(recs) == 0 {
		return nil, apperrors.NotFound("alert not found")
	}
	alert := alertFromRecord(recs[0])
	return &alert, nil
}

// Subscribe registers a live alert feed. The returned cancel func must be
// called when the consumer goes away. Slow consumers lose alerts rather than
// block the raise path.
func (am *AlertManager) Subscribe(buffer int) (<-chan SecurityAlert, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan SecurityAlert, buffer)

	am.mu.Lock()
	id := am.nextSubID
	am.nextSubID++
	am.subscribers[id] = ch
	am.mu.Unlock()

	cancel := func() {
		am.mu.Lock()
		if sub, ok := am.subscribers[id]; ok {
			delete(am.subscribers, id)
			close(sub)
		}
		am.mu.Unlock()
	}
	return ch, cancel
}

func (am *AlertManager) notify(alert SecurityAlert) {
	am.mu.RLock()
	defer am.mu.RUnlock()
	for _, ch := range am.subscribers {
		select {
		case ch <- alert:
		default:
		}
	}
}

// AddRule registers a metric-driven rule, replacing any rule with the same id
func (am *AlertManager) AddRule(rule AlertRule) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	am.mu.Lock()
	am.rules[rule.ID] = &rule
	am.mu.Unlock()
}

// RemoveRule drops a rule by id
func (am *AlertManager) RemoveRule(ruleID string) {
	am.mu.Lock()
	delete(am.rules, ruleID)
	am.mu.Unlock()
}

// EvaluateRules checks every enabled rule against the metric snapshot and
// raises an alert per crossed threshold, honoring per-rule cooldowns.
func (am *AlertManager) EvaluateRules(ctx context.Context, metrics map[string]float64) {
	now := time.Now()

	am.mu.Lock()
	var fired []*AlertRule
	for _, rule := range am.rules {
		if !rule.Enabled {
			continue
		}
		value, ok := metrics[rule.Metric]
		if !ok || !rule.matches(value) {
			continue
		}
		if rule.Cooldown > 0 && now.Sub(rule.lastFired) < rule.Cooldown {
			continue
		}
		rule.lastFired = now
		fired = append(fired, rule)
	}
	am.mu.Unlock()

	for _, rule := range fired {
		_, err := am.Raise(ctx, "threshold_breach", rule.Severity,
			fmt.Sprintf("%s: %s %s %.2f", rule.Name, rule.Metric, rule.Op, rule.Threshold),
			map[string]interface{}{
				"rule_id": rule.ID,
				"metric":  rule.Metric,
				"value":   metrics[rule.Metric],
			})
		if err != nil {
			am.logger.Error("failed to raise rule alert", zap.String("rule", rule.Name), zap.Error(err))
		}
	}
}

func (r *AlertRule) matches(value float64) bool {
	switch r.Op {
	case RuleGt:
		return value > r.Threshold
	case RuleLt:
		return value < r.Threshold
	case RuleEq:
		return value == r.Threshold
	case RuleGte:
		return value >= r.Threshold
	case RuleLte:
		return value <= r.Threshold
	}
	return false
}

func alertFromRecord(rec store.Record) SecurityAlert {
	alert := SecurityAlert{
		ID:         rec.String("id"),
		Type:       rec.String("type"),
		Severity:   rec.String("severity"),
		Message:    rec.String("message"),
		Timestamp:  rec.Time("timestamp"),
		ResolvedBy: rec.String("resolved_by"),
	}

	switch v := rec["resolved"].(type) {
	case bool:
		alert.Resolved = v
	case int64:
		alert.Resolved = v != 0
	case int:
		alert.Resolved = v != 0
	case float64:
		alert.Resolved = v != 0
	}

	if t := rec.Time("resolved_at"); !t.IsZero() {
		alert.ResolvedAt = &t
	}
	if raw := rec.String("details"); raw != "" {
		var details map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &details); err == nil {
			alert.Details = details
		}
	}
	return alert
}
