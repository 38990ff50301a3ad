package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/brixsport/backend/internal/apperrors"
	"github.com/brixsport/backend/internal/config"
	"github.com/brixsport/backend/internal/store"
)

// Event outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeBlocked = "blocked"
)

// Well-known event types
const (
	EventLogin          = "login"
	EventLoginFailed    = "login_failed"
	EventHighRiskLogin  = "high_risk_login"
	EventLogout         = "logout"
	EventSessionExpired = "session_expired"
	EventMFAEnrolled    = "mfa_enrolled"
	EventMFAVerified    = "mfa_verified"
	EventMFAFailed      = "mfa_failed"
	EventAccessDenied   = "access_denied"
	EventRoleChanged    = "role_changed"
	EventKeyRotated     = "key_rotated"
	EventTrafficBlocked = "traffic_blocked"
)

// SecurityEvent is one audit record
type SecurityEvent struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"userId,omitempty"`
	EventType string                 `json:"eventType"`
	Resource  string                 `json:"resource,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Severity  string                 `json:"severity"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Outcome   string                 `json:"outcome"`
	IP        string                 `json:"ip,omitempty"`
	UserAgent string                 `json:"userAgent,omitempty"`
}

// AuditQuery filters and paginates audit log reads
type AuditQuery struct {
	UserID    string
	EventType string
	Severity  string
	Start     time.Time
	End       time.Time
	Limit     int
	Offset    int
}

// AuditPipeline ingests security events: each event lands in an in-memory
// write buffer (flushed to the durable store in batches), on the capped
// recent-events list, and on capped per-user, per-type and per-severity
// fan-out channels in the key-value store for cheap dashboard reads. High
// and critical events additionally raise an alert.
type AuditPipeline struct {
	logger  *zap.Logger
	records store.Records
	kv      store.KeyValue
	alerts  *AlertManager
	cfg     config.AuditConfig

	mu     sync.Mutex
	buffer []SecurityEvent
}

// NewAuditPipeline creates the audit pipeline. alerts may be nil.
func NewAuditPipeline(logger *zap.Logger, records store.Records, kv store.KeyValue, alerts *AlertManager, cfg config.AuditConfig) *AuditPipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 500
	}
	if cfg.RecentEventsCap <= 0 {
		cfg.RecentEventsCap = 1000
	}
	if cfg.ChannelCap <= 0 {
		cfg.ChannelCap = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	return &AuditPipeline{
		logger:  logger,
		records: records,
		kv:      kv,
		alerts:  alerts,
		cfg:     cfg,
		buffer:  make([]SecurityEvent, 0, cfg.BufferSize),
	}
}

// Log records a security event. Never returns an error: audit ingestion must
// not fail the operation being audited.
func (ap *AuditPipeline) Log(ctx context.Context, event SecurityEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = SeverityLow
	}
	if event.Outcome == "" {
		event.Outcome = OutcomeSuccess
	}

	ap.logger.Info("security event",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.String("user_id", event.UserID),
		zap.String("severity", event.Severity),
		zap.String("outcome", event.Outcome),
		zap.String("ip", event.IP),
	)

	ap.mu.Lock()
	ap.buffer = append(ap.buffer, event)
	full := len(ap.buffer) >= ap.cfg.BufferSize
	ap.mu.Unlock()

	if full {
		if err := ap.Flush(ctx); err != nil {
			ap.logger.Error("audit buffer flush failed", zap.Error(err))
		}
	}

	ap.fanOut(ctx, event)

	if event.Severity == SeverityHigh || event.Severity == SeverityCritical {
		if ap.alerts != nil {
			_, err := ap.alerts.Raise(ctx, event.EventType, event.Severity,
				fmt.Sprintf("%s event for user %s", event.EventType, event.UserID),
				map[string]interface{}{
					"event_id": event.ID,
					"ip":       event.IP,
					"outcome":  event.Outcome,
				})
			if err != nil {
				ap.logger.Error("failed to raise alert for event", zap.String("event_id", event.ID), zap.Error(err))
			}
		}
	}
}

// Buffered reports how many events await the next flush
func (ap *AuditPipeline) Buffered() int {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return len(ap.buffer)
}

// fanOut mirrors the event onto the recent list and the per-dimension
// channels, all capped so readers get the last N without table scans.
func (ap *AuditPipeline) fanOut(ctx context.Context, event SecurityEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	payload := string(data)

	ap.pushCapped(ctx, "audit:recent", payload, int64(ap.cfg.RecentEventsCap))

	channels := []string{"audit:channel:all"}
	if event.UserID != "" {
		channels = append(channels, "audit:channel:user:"+event.UserID)
	}
	channels = append(channels,
		"audit:channel:type:"+event.EventType,
		"audit:channel:severity:"+event.Severity,
	)
	for _, key := range channels {
		ap.pushCapped(ctx, key, payload, int64(ap.cfg.ChannelCap))
	}
}

func (ap *AuditPipeline) pushCapped(ctx context.Context, key, payload string, limit int64) {
	if err := ap.kv.LPush(ctx, key, payload); err != nil {
		return
	}
	_ = ap.kv.LTrim(ctx, key, 0, limit-1)
}

// Flush writes buffered events to the durable store in one batch. On failure
// the events are put back so the next flush retries them.
func (ap *AuditPipeline) Flush(ctx context.Context) error {
	ap.mu.Lock()
	if len(ap.buffer) == 0 {
		ap.mu.Unlock()
		return nil
	}
	batch := ap.buffer
	ap.buffer = make([]SecurityEvent, 0, ap.cfg.BufferSize)
	ap.mu.Unlock()

	recs := make([]store.Record, len(batch))
	for i, ev := range batch {
		recs[i] = eventToRecord(ev)
	}

	if err := ap.records.InsertBatch(ctx, "security_events", recs); err != nil {
		ap.mu.Lock()
		ap.buffer = append(batch, ap.buffer...)
		ap.mu.Unlock()
		return apperrors.Database(err)
	}

	ap.logger.Debug("audit buffer flushed", zap.Int("events", len(batch)))
	return nil
}

// Run flushes the buffer on an interval until the context is canceled, with a
// final flush on shutdown.
func (ap *AuditPipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(ap.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := ap.Flush(flushCtx); err != nil {
				ap.logger.Error("final audit flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := ap.Flush(ctx); err != nil {
				ap.logger.Error("audit buffer flush failed", zap.Error(err))
			}
		}
	}
}

// Recent returns the last events from the capped recent list, newest first
func (ap *AuditPipeline) Recent(ctx context.Context, limit int) ([]SecurityEvent, error) {
	if limit <= 0 || limit > ap.cfg.RecentEventsCap {
		limit = ap.cfg.RecentEventsCap
	}
	items, err := ap.kv.LRange(ctx, "audit:recent", 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	return decodeEvents(items), nil
}

// Channel returns the last events on a fan-out channel, newest first. The
// channel name is e.g. "all", "user:<id>", "type:login", "severity:high".
func (ap *AuditPipeline) Channel(ctx context.Context, name string) ([]SecurityEvent, error) {
	items, err := ap.kv.LRange(ctx, "audit:channel:"+name, 0, int64(ap.cfg.ChannelCap-1))
	if err != nil {
		return nil, err
	}
	return decodeEvents(items), nil
}

// Query reads audit logs from the durable store with filters and pagination.
// The buffer is flushed first so just-logged events are visible.
func (ap *AuditPipeline) Query(ctx context.Context, q AuditQuery) ([]SecurityEvent, int64, error) {
	if err := ap.Flush(ctx); err != nil {
		return nil, 0, err
	}

	var filters []store.Filter
	if q.UserID != "" {
		filters = append(filters, store.Eq("user_id", q.UserID))
	}
	if q.EventType != "" {
		filters = append(filters, store.Eq("event_type", q.EventType))
	}
	if q.Severity != "" {
		filters = append(filters, store.Eq("severity", q.Severity))
	}
	if !q.Start.IsZero() {
		filters = append(filters, store.Gte("timestamp", store.FormatTime(q.Start)))
	}
	if !q.End.IsZero() {
		filters = append(filters, store.Lte("timestamp", store.FormatTime(q.End)))
	}

	total, err := ap.records.Count(ctx, "security_events", filters)
	if err != nil {
		return nil, 0, apperrors.Database(err)
	}

	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	recs, err := ap.records.Select(ctx, "security_events", store.Query{
		Filters: filters,
		OrderBy: "timestamp",
		Desc:    true,
		Limit:   limit,
		Offset:  q.Offset,
	})
	if err != nil {
		return nil, 0, apperrors.Database(err)
	}

	out := make([]SecurityEvent, 0, len(recs))
	for _, rec := range recs {
		out = append(out, eventFromRecord(rec))
	}
	return out, total, nil
}

// ExportGzip streams matching events as gzip-compressed JSON lines
func (ap *AuditPipeline) ExportGzip(ctx context.Context, w io.Writer, q AuditQuery) error {
	q.Limit = 1000
	q.Offset = 0

	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)

	for {
		events, _, err := ap.Query(ctx, q)
		if err != nil {
			gz.Close()
			return err
		}
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				gz.Close()
				return err
			}
		}
		if len(events) < q.Limit {
			break
		}
		q.Offset += q.Limit
	}

	return gz.Close()
}

func eventToRecord(ev SecurityEvent) store.Record {
	rec := store.Record{
		"id":         ev.ID,
		"user_id":    ev.UserID,
		"event_type": ev.EventType,
		"resource":   ev.Resource,
		"action":     ev.Action,
		"timestamp":  store.FormatTime(ev.Timestamp),
		"severity":   ev.Severity,
		"outcome":    ev.Outcome,
		"ip":         ev.IP,
		"user_agent": ev.UserAgent,
	}
	// Batch inserts require a uniform field set across records.
	rec["details"] = ""
	if len(ev.Details) > 0 {
		if data, err := json.Marshal(ev.Details); err == nil {
			rec["details"] = string(data)
		}
	}
	return rec
}

func eventFromRecord(rec store.Record) SecurityEvent {
	ev := SecurityEvent{
		ID:        rec.String("id"),
		UserID:    rec.String("user_id"),
		EventType: rec.String("event_type"),
		Resource:  rec.String("resource"),
		Action:    rec.String("action"),
		Timestamp: rec.Time("timestamp"),
		Severity:  rec.String("severity"),
		Outcome:   rec.String("outcome"),
		IP:        rec.String("ip"),
		UserAgent: rec.String("user_agent"),
	}
	if raw := rec.String("details"); raw != "" {
		var details map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &details); err == nil {
			ev.Details = details
		}
	}
	return ev
}

func decodeEvents(items []string) []SecurityEvent {
	out := make([]SecurityEvent, 0, len(items))
	for _, item := range items {
		var ev SecurityEvent
		if err := json.Unmarshal([]byte(item), &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}
