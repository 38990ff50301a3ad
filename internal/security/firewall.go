package security

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brixsport/backend/internal/apperrors"
	"github.com/brixsport/backend/internal/store"
)

// Firewall rule actions
const (
	RuleActionAllow = "allow"
	RuleActionDeny  = "deny"
)

// firewallCacheTTL bounds staleness of per-IP rule lookups
const firewallCacheTTL = 30 * time.Second

// FirewallRule is an operator- or guard-created IP rule. Deny rules created
// by automated blocking carry an expiry; operator rules may be permanent.
type FirewallRule struct {
	ID        string     `json:"id"`
	IP        string     `json:"ip"`
	Action    string     `json:"action"`
	Port      int        `json:"port,omitempty"`
	Protocol  string     `json:"protocol,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// FirewallRules manages persistent IP allow/deny rules with a short-lived
// per-IP cache in front of the record store.
type FirewallRules struct {
	logger  *zap.Logger
	records store.Records
	kv      store.KeyValue
}

// NewFirewallRules creates the firewall rule service
func NewFirewallRules(logger *zap.Logger, records store.Records, kv store.KeyValue) *FirewallRules {
	return &FirewallRules{logger: logger, records: records, kv: kv}
}

// Allow creates an allow rule for the IP. Any existing deny rules for the
// same IP are removed first: a whitelist entry must win over stale blocks.
func (fw *FirewallRules) Allow(ctx context.Context, ip string, port int, protocol string) (*FirewallRule, error) {
	if ip == "" {
		return nil, apperrors.Validation("ip is required")
	}

	if _, err := fw.records.Delete(ctx, "firewall_rules",
		[]store.Filter{store.Eq("ip", ip), store.Eq("action", RuleActionDeny)}); err != nil {
		return nil, apperrors.Database(err)
	}

	rule := &FirewallRule{
		ID:       uuid.NewString(),
		IP:       ip,
		Action:   RuleActionAllow,
		Port:     port,
		Protocol: protocol,
	}
	if err := fw.records.Insert(ctx, "firewall_rules", fw.toRecord(rule)); err != nil {
		return nil, apperrors.Database(err)
	}

	fw.invalidate(ctx, ip)
	fw.logger.Info("firewall allow rule added", zap.String("ip", ip))
	return rule, nil
}

// Deny creates a deny rule for the IP. ttl zero means permanent.
func (fw *FirewallRules) Deny(ctx context.Context, ip string, ttl time.Duration) (*FirewallRule, error) {
	if ip == "" {
		return nil, apperrors.Validation("ip is required")
	}

	rule := &FirewallRule{
		ID:     uuid.NewString(),
		IP:     ip,
		Action: RuleActionDeny,
	}
	if ttl > 0 {
		expiry := time.Now().Add(ttl)
		rule.ExpiresAt = &expiry
	}
	if err := fw.records.Insert(ctx, "firewall_rules", fw.toRecord(rule)); err != nil {
		return nil, apperrors.Database(err)
	}

	fw.invalidate(ctx, ip)
	fw.logger.Info("firewall deny rule added", zap.String("ip", ip), zap.Duration("ttl", ttl))
	return rule, nil
}

// RecordAutoDeny persists a deny rule mirroring an automated traffic block.
// Failures are logged only; the cache-level block already took effect.
func (fw *FirewallRules) RecordAutoDeny(ctx context.Context, ip string, expiry time.Time, reason string) {
	rule := &FirewallRule{
		ID:        uuid.NewString(),
		IP:        ip,
		Action:    RuleActionDeny,
		ExpiresAt: &expiry,
	}
	rec := fw.toRecord(rule)
	rec["protocol"] = reason
	if err := fw.records.Insert(ctx, "firewall_rules", rec); err != nil {
		fw.logger.Warn("failed to persist automated deny rule", zap.String("ip", ip), zap.Error(err))
		return
	}
	fw.invalidate(ctx, ip)
}

// Remove deletes a rule by id
func (fw *FirewallRules) Remove(ctx context.Context, ruleID string) error {
	rules, err := fw.records.Select(ctx, "firewall_rules", store.Query{
		Filters: []store.Filter{store.Eq("id", ruleID)},
	})
	if err != nil {
		return apperrors.Database(err)
	}
	if len(rules) == 0 {
		return apperrors.NotFound("firewall rule not found")
	}

	if _, err := fw.records.Delete(ctx, "firewall_rules",
		[]store.Filter{store.Eq("id", ruleID)}); err != nil {
		return apperrors.Database(err)
	}

	fw.invalidate(ctx, rules[0].String("ip"))
	return nil
}

// List returns all current rules, dropping expired deny rules on the way
func (fw *FirewallRules) List(ctx context.Context) ([]FirewallRule, error) {
	recs, err := fw.records.Select(ctx, "firewall_rules", store.Query{OrderBy: "ip"})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	now := time.Now()
	out := make([]FirewallRule, 0, len(recs))
	for _, rec := range recs {
		rule := fw.fromRecord(rec)
		if rule.ExpiresAt != nil && now.After(*rule.ExpiresAt) {
			_, _ = fw.records.Delete(ctx, "firewall_rules", []store.Filter{store.Eq("id", rule.ID)})
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

// IsAllowed reports whether the IP has an explicit allow rule
func (fw *FirewallRules) IsAllowed(ctx context.Context, ip string) bool {
	rules := fw.rulesFor(ctx, ip)
	for _, r := range rules {
		if r.Action == RuleActionAllow {
			return true
		}
	}
	return false
}

// IsDenied reports whether the IP has an unexpired deny rule and no allow
// rule. Expired deny rules are removed lazily on lookup.
func (fw *FirewallRules) IsDenied(ctx context.Context, ip string) bool {
	rules := fw.rulesFor(ctx, ip)
	now := time.Now()
	denied := false
	for _, r := range rules {
		switch r.Action {
		case RuleActionAllow:
			return false
		case RuleActionDeny:
			if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
				_, _ = fw.records.Delete(ctx, "firewall_rules", []store.Filter{store.Eq("id", r.ID)})
				fw.invalidate(ctx, ip)
				continue
			}
			denied = true
		}
	}
	return denied
}

func (fw *FirewallRules) rulesFor(ctx context.Context, ip string) []FirewallRule {
	rules, err := store.Cached(ctx, fw.kv, firewallCacheKey(ip), firewallCacheTTL,
		func(ctx context.Context) ([]FirewallRule, error) {
			recs, err := fw.records.Select(ctx, "firewall_rules", store.Query{
				Filters: []store.Filter{store.Eq("ip", ip)},
			})
			if err != nil {
				return nil, err
			}
			out := make([]FirewallRule, 0, len(recs))
			for _, rec := range recs {
				out = append(out, fw.fromRecord(rec))
			}
			return out, nil
		})
	if err != nil {
		// Rule lookup failure must not take the request path down.
		fw.logger.Warn("firewall rule lookup failed", zap.String("ip", ip), zap.Error(err))
		return nil
	}
	return rules
}

func (fw *FirewallRules) invalidate(ctx context.Context, ip string) {
	store.Invalidate(ctx, fw.kv, firewallCacheKey(ip))
}

func (fw *FirewallRules) toRecord(rule *FirewallRule) store.Record {
	rec := store.Record{
		"id":     rule.ID,
		"ip":     rule.IP,
		"action": rule.Action,
	}
	if rule.Port > 0 {
		rec["port"] = rule.Port
	}
	if rule.Protocol != "" {
		rec["protocol"] = rule.Protocol
	}
	if rule.ExpiresAt != nil {
		rec["expires_at"] = store.FormatTime(*rule.ExpiresAt)
	}
	return rec
}

func (fw *FirewallRules) fromRecord(rec store.Record) FirewallRule {
	rule := FirewallRule{
		ID:       rec.String("id"),
		IP:       rec.String("ip"),
		Action:   rec.String("action"),
		Protocol: rec.String("protocol"),
	}
	switch v := rec["port"].(type) {
	case int64:
		rule.Port = int(v)
	case int:
		rule.Port = v
	case float64:
		rule.Port = int(v)
	}
	if t := rec.Time("expires_at"); !t.IsZero() {
		rule.ExpiresAt = &t
	}
	return rule
}

func firewallCacheKey(ip string) string {
	return fmt.Sprintf("fw:rules:%s", ip)
}
