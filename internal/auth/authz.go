package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"

	"github.com/brixsport/backend/internal/apperrors"
	"github.com/brixsport/backend/internal/store"
)

// Platform roles, lowest to highest. A higher role implies every lower one.
const (
	RoleUser         = "user"
	RoleLogger       = "logger"
	RoleSeniorLogger = "senior_logger"
	RoleLoggerAdmin  = "logger_admin"
	RoleAdmin        = "admin"
	RoleSuperAdmin   = "super_admin"
)

// roleLevels orders roles for hierarchy checks
var roleLevels = map[string]int{
	RoleUser:         1,
	RoleLogger:       2,
	RoleSeniorLogger: 3,
	RoleLoggerAdmin:  4,
	RoleAdmin:        5,
	RoleSuperAdmin:   6,
}

// rolePermissions maps each role to the permissions it grants directly.
// Effective permissions are the union over the role and everything below it.
var rolePermissions = map[string][]string{
	RoleUser: {
		"profile:read", "profile:write",
		"matches:read", "teams:read", "competitions:read",
	},
	RoleLogger: {
		"events:log", "matches:update_score",
	},
	RoleSeniorLogger: {
		"events:correct", "matches:finalize",
	},
	RoleLoggerAdmin: {
		"loggers:manage", "matches:assign",
	},
	RoleAdmin: {
		"users:manage", "competitions:manage", "alerts:manage",
		"audit:read", "firewall:manage",
	},
	RoleSuperAdmin: {
		"roles:manage", "system:manage", "keys:rotate",
	},
}

// roleCacheTTL bounds staleness of role lookups against the record store
const roleCacheTTL = time.Hour

// ConditionOp compares a subject/context attribute against a policy value
type ConditionOp string

const (
	CondEq    ConditionOp = "eq"
	CondNe    ConditionOp = "ne"
	CondGt    ConditionOp = "gt"
	CondLt    ConditionOp = "lt"
	CondIn    ConditionOp = "in"
	CondNotIn ConditionOp = "notIn"
)

// Condition is one attribute predicate of an access policy
type Condition struct {
	Attribute string
	Op        ConditionOp
	Value     interface{}
}

// AccessPolicy grants or denies an action on a resource when all its
// conditions hold. Policies are evaluated in registration order; the first
// one whose resource, action and conditions all match decides.
type AccessPolicy struct {
	Name       string
	Resource   string
	Action     string
	Effect     string // "allow" or "deny"
	Conditions []Condition
}

// AuthorizationGate answers permission, role and attribute-based access
// questions. Role assignments live in the record store; lookups go through a
// two-level cache (in-process bigcache in front of the shared key-value
// store) and are invalidated on assignment changes. Unknown subjects and
// unmatched policies are denied.
type AuthorizationGate struct {
	logger  *zap.Logger
	records store.Records
	kv      store.KeyValue

	hot *bigcache.BigCache

	mu       sync.RWMutex
	policies []AccessPolicy
}

// NewAuthorizationGate creates the gate. The hot cache shares the role TTL.
func NewAuthorizationGate(logger *zap.Logger, records store.Records, kv store.KeyValue) (*AuthorizationGate, error) {
	hot, err := bigcache.New(context.Background(), bigcache.DefaultConfig(roleCacheTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create permission cache: %w", err)
	}
	return &AuthorizationGate{
		logger:  logger,
		records: records,
		kv:      kv,
		hot:     hot,
	}, nil
}

// Roles returns the user's assigned roles, cache-aside
func (g *AuthorizationGate) Roles(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}

	if data, err := g.hot.Get(userID); err == nil {
		var roles []string
		if json.Unmarshal(data, &roles) == nil {
			return roles, nil
		}
	}

	roles, err := store.Cached(ctx, g.kv, roleCacheKey(userID), roleCacheTTL,
		func(ctx context.Context) ([]string, error) {
			recs, err := g.records.Select(ctx, "role_assignments", store.Query{
				Filters: []store.Filter{store.Eq("user_id", userID)},
			})
			if err != nil {
				return nil, err
			}
			out := make([]string, 0, len(recs))
			for _, rec := range recs {
				out = append(out, rec.String("role"))
			}
			return out, nil
		})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	if data, err := json.Marshal(roles); err == nil {
		_ = g.hot.Set(userID, data)
	}
	return roles, nil
}

// highestLevel returns the level of the user's strongest role, 0 for none
func (g *AuthorizationGate) highestLevel(ctx context.Context, userID string) (int, error) {
	roles, err := g.Roles(ctx, userID)
	if err != nil {
		return 0, err
	}
	level := 0
	for _, role := range roles {
		if l := roleLevels[role]; l > level {
			level = l
		}
	}
	return level, nil
}

// HasRole reports whether the user holds the role or a stronger one
func (g *AuthorizationGate) HasRole(ctx context.Context, userID, role string) (bool, error) {
	required, ok := roleLevels[role]
	if !ok {
		return false, apperrors.Validation(fmt.Sprintf("unknown role: %s", role))
	}
	level, err := g.highestLevel(ctx, userID)
	if err != nil {
		return false, err
	}
	return level >= required, nil
}

// HasAnyRole reports whether the user satisfies at least one of the roles
func (g *AuthorizationGate) HasAnyRole(ctx context.Context, userID string, roles ...string) (bool, error) {
	for _, role := range roles {
		ok, err := g.HasRole(ctx, userID, role)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// HasAllRoles reports whether the user satisfies every role
func (g *AuthorizationGate) HasAllRoles(ctx context.Context, userID string, roles ...string) (bool, error) {
	for _, role := range roles {
		ok, err := g.HasRole(ctx, userID, role)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return len(roles) > 0, nil
}

// HasPermission reports whether any of the user's roles, or a role below
// them in the hierarchy, grants the permission. Users with no roles have no
// permissions.
func (g *AuthorizationGate) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	level, err := g.highestLevel(ctx, userID)
	if err != nil {
		return false, err
	}
	if level == 0 {
		return false, nil
	}
	for role, roleLevel := range roleLevels {
		if roleLevel > level {
			continue
		}
		for _, p := range rolePermissions[role] {
			if p == permission {
				return true, nil
			}
		}
	}
	return false, nil
}

// RequirePermission is HasPermission with a 403 on denial
func (g *AuthorizationGate) RequirePermission(ctx context.Context, userID, permission string) error {
	ok, err := g.HasPermission(ctx, userID, permission)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Authorization("Insufficient permissions")
	}
	return nil
}

// AssignRole grants a role and invalidates the user's cached roles
func (g *AuthorizationGate) AssignRole(ctx context.Context, userID, role string) error {
	if _, ok := roleLevels[role]; !ok {
		return apperrors.Validation(fmt.Sprintf("unknown role: %s", role))
	}

	existing, err := g.Roles(ctx, userID)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r == role {
			return apperrors.Conflict("role already assigned")
		}
	}

	if err := g.records.Insert(ctx, "role_assignments", store.Record{
		"user_id":     userID,
		"role":        role,
		"assigned_at": store.FormatTime(time.Now()),
	}); err != nil {
		return apperrors.Database(err)
	}

	g.invalidate(ctx, userID)
	g.logger.Info("role assigned", zap.String("user_id", userID), zap.String("role", role))
	return nil
}

// RemoveRole revokes a role and invalidates the user's cached roles
func (g *AuthorizationGate) RemoveRole(ctx context.Context, userID, role string) error {
	n, err := g.records.Delete(ctx, "role_assignments",
		[]store.Filter{store.Eq("user_id", userID), store.Eq("role", role)})
	if err != nil {
		return apperrors.Database(err)
	}
	if n == 0 {
		return apperrors.NotFound("role assignment not found")
	}

	g.invalidate(ctx, userID)
	g.logger.Info("role removed", zap.String("user_id", userID), zap.String("role", role))
	return nil
}

func (g *AuthorizationGate) invalidate(ctx context.Context, userID string) {
	_ = g.hot.Delete(userID)
	store.Invalidate(ctx, g.kv, roleCacheKey(userID))
}

// RegisterPolicy appends an attribute-based policy. Order matters: the first
// matching policy decides.
func (g *AuthorizationGate) RegisterPolicy(policy AccessPolicy) {
	g.mu.Lock()
	g.policies = append(g.policies, policy)
	g.mu.Unlock()
}

// EvaluateAccess runs the registered policies against the subject attributes
// for the resource/action pair. No matching policy means deny.
func (g *AuthorizationGate) EvaluateAccess(resource, action string, attributes map[string]interface{}) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, policy := range g.policies {
		if policy.Resource != resource || policy.Action != action {
			continue
		}
		if !conditionsHold(policy.Conditions, attributes) {
			continue
		}
		return policy.Effect == "allow"
	}
	return false
}

func conditionsHold(conditions []Condition, attributes map[string]interface{}) bool {
	for _, cond := range conditions {
		value, ok := attributes[cond.Attribute]
		if !ok {
			return false
		}
		if !cond.holds(value) {
			return false
		}
	}
	return true
}

func (c *Condition) holds(value interface{}) bool {
	switch c.Op {
	case CondEq:
		return value == c.Value
	case CondNe:
		return value != c.Value
	case CondGt:
		a, aok := toFloat(value)
		b, bok := toFloat(c.Value)
		return aok && bok && a > b
	case CondLt:
		a, aok := toFloat(value)
		b, bok := toFloat(c.Value)
		return aok && bok && a < b
	case CondIn:
		return inList(value, c.Value)
	case CondNotIn:
		return !inList(value, c.Value)
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func inList(value, list interface{}) bool {
	switch items := list.(type) {
	case []string:
		s, ok := value.(string)
		if !ok {
			return false
		}
		for _, item := range items {
			if item == s {
				return true
			}
		}
	case []interface{}:
		for _, item := range items {
			if item == value {
				return true
			}
		}
	}
	return false
}

func roleCacheKey(userID string) string {
	return fmt.Sprintf("authz:roles:%s", userID)
}
