package security

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brixsport/backend/internal/config"
	"github.com/brixsport/backend/internal/store"
)

func testAuditConfig() config.AuditConfig {
	return config.AuditConfig{
		BufferSize:      5,
		RecentEventsCap: 10,
		ChannelCap:      3,
		ActiveAlertsCap: 100,
		FlushInterval:   time.Hour, // flushed explicitly in tests
	}
}

func newTestPipeline(t *testing.T) (*AuditPipeline, *AlertManager, store.Records) {
	kv := store.NewMemory()
	records := store.NewMemRecords()
	alerts := NewAlertManager(zaptest.NewLogger(t), records, kv, 100)
	pipeline := NewAuditPipeline(zaptest.NewLogger(t), records, kv, alerts, testAuditConfig())
	return pipeline, alerts, records
}

func TestAuditFlushPersistsBatch(t *testing.T) {
	ap, _, records := newTestPipeline(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ap.Log(ctx, SecurityEvent{UserID: "u1", EventType: EventLogin})
	}

	count, err := records.Count(ctx, "security_events", nil)
	require.NoError(t, err)
	assert.Zero(t, count, "events stay buffered until flush")

	require.NoError(t, ap.Flush(ctx))
	count, err = records.Count(ctx, "security_events", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestAuditBufferFlushesWhenFull(t *testing.T) {
	ap, _, records := newTestPipeline(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ap.Log(ctx, SecurityEvent{UserID: "u1", EventType: EventLogin})
	}

	count, err := records.Count(ctx, "security_events", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count, "hitting the buffer size triggers a flush")
}

func TestAuditFanOutChannelsAreCapped(t *testing.T) {
	ap, _, _ := newTestPipeline(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ap.Log(ctx, SecurityEvent{UserID: "u1", EventType: EventLogin})
	}

	events, err := ap.Channel(ctx, "user:u1")
	require.NoError(t, err)
	assert.Len(t, events, 3, "channel keeps only the last N events")

	events, err = ap.Channel(ctx, "type:"+EventLogin)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	recent, err := ap.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 5, "recent list has its own larger cap")
}

func TestAuditHighSeverityRaisesAlert(t *testing.T) {
	ap, alerts, _ := newTestPipeline(t)
	ctx := context.Background()

	ap.Log(ctx, SecurityEvent{UserID: "u1", EventType: EventLoginFailed, Severity: SeverityLow})
	active, err := alerts.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	ap.Log(ctx, SecurityEvent{UserID: "u1", EventType: EventLoginFailed, Severity: SeverityHigh})
	active, err = alerts.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, EventLoginFailed, active[0].Type)
	assert.Equal(t, SeverityHigh, active[0].Severity)
}

func TestAuditQueryFilters(t *testing.T) {
	ap, _, _ := newTestPipeline(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ap.Log(ctx, SecurityEvent{UserID: "alice", EventType: EventLogin, Timestamp: base})
	ap.Log(ctx, SecurityEvent{UserID: "bob", EventType: EventLogin, Timestamp: base.Add(time.Minute)})
	ap.Log(ctx, SecurityEvent{UserID: "alice", EventType: EventLogout, Timestamp: base.Add(2 * time.Minute)})

	events, total, err := ap.Query(ctx, AuditQuery{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, events, 2)
	// Newest first.
	assert.Equal(t, EventLogout, events[0].EventType)

	events, total, err = ap.Query(ctx, AuditQuery{EventType: EventLogin, Start: base.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, events, 1)
	assert.Equal(t, "bob", events[0].UserID)
}

func TestAuditQueryPagination(t *testing.T) {
	ap, _, _ := newTestPipeline(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		ap.Log(ctx, SecurityEvent{UserID: "u1", EventType: EventLogin, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	events, total, err := ap.Query(ctx, AuditQuery{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	assert.Len(t, events, 2)

	next, _, err := ap.Query(ctx, AuditQuery{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.NotEqual(t, events[0].ID, next[0].ID)
}

func TestAuditExportGzip(t *testing.T) {
	ap, _, _ := newTestPipeline(t)
	ctx := context.Background()

	ap.Log(ctx, SecurityEvent{UserID: "u1", EventType: EventLogin})
	ap.Log(ctx, SecurityEvent{UserID: "u1", EventType: EventLogout})

	var buf bytes.Buffer
	require.NoError(t, ap.ExportGzip(ctx, &buf, AuditQuery{UserID: "u1"}))

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	require.Len(t, lines, 2)
	var ev SecurityEvent
	require.NoError(t, json.Unmarshal(lines[0], &ev))
	assert.Equal(t, "u1", ev.UserID)
}
