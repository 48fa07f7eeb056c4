package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/responder/pkg/logger"
)

func testLog() *logger.Logger {
	return logger.New("error", "text")
}

func TestMemorySinkRetention(t *testing.T) {
	s := NewMemorySink(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Log(ctx, "tester", fmt.Sprintf("action.%d", i), nil, "res-1")
	}

	entries := s.Entries()
	require.Len(t, entries, 3)
	// Oldest entries are evicted first.
	assert.Equal(t, "action.2", entries[0].Action)
	assert.Equal(t, "action.4", entries[2].Action)
}

func TestMemorySinkQueries(t *testing.T) {
	s := NewMemorySink(100)
	ctx := context.Background()

	s.Log(ctx, "alice", "case.updated", map[string]any{"field": "priority"}, "case-1")
	s.Log(ctx, "bob", "case.updated", nil, "case-2")
	s.Log(ctx, "alice", "case.closed", nil, "case-1")

	assert.Len(t, s.ByAction("case.updated"), 2)
	assert.Len(t, s.ByResource("case-1"), 2)
	assert.Empty(t, s.ByAction("nothing"))

	updated := s.ByAction("case.updated")
	assert.Equal(t, "priority", updated[0].Details["field"])
	assert.NotEqual(t, updated[0].ID, updated[1].ID)
}

func TestFanoutDuplicatesEntries(t *testing.T) {
	a := NewMemorySink(10)
	b := NewMemorySink(10)
	f := Fanout{a, b}

	f.Log(context.Background(), "system", "playbook.started", nil, "exec-1")

	assert.Len(t, a.Entries(), 1)
	assert.Len(t, b.Entries(), 1)
}

func TestExportQueueTakeAndRequeue(t *testing.T) {
	q := NewExportQueue(10)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		q.Log(ctx, "tester", fmt.Sprintf("a.%d", i), nil, "")
	}
	assert.Equal(t, 4, q.Pending())

	batch := q.take(3)
	require.Len(t, batch, 3)
	assert.Equal(t, 1, q.Pending())
	assert.Equal(t, "a.0", batch[0].entry.Action)

	// Requeued items go back to the head, keeping export order.
	q.requeue(batch)
	assert.Equal(t, 4, q.Pending())
	again := q.take(1)
	assert.Equal(t, "a.0", again[0].entry.Action)
}

func TestExportQueueDropsAfterMaxAttempts(t *testing.T) {
	q := NewExportQueue(10)
	q.Log(context.Background(), "tester", "a.0", nil, "")

	for i := 0; i < maxExportAttempts; i++ {
		batch := q.take(1)
		require.Len(t, batch, 1, "attempt %d", i)
		q.requeue(batch)
	}

	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, int64(1), q.Dropped())
}

func TestExportQueueBounded(t *testing.T) {
	q := NewExportQueue(2)
	ctx := context.Background()

	q.Log(ctx, "t", "a.0", nil, "")
	q.Log(ctx, "t", "a.1", nil, "")
	q.Log(ctx, "t", "a.2", nil, "")

	assert.Equal(t, 2, q.Pending())
	assert.Equal(t, int64(1), q.Dropped())
	assert.Equal(t, "a.1", q.take(1)[0].entry.Action)
}

type captureExporter struct {
	name    string
	batches [][]Entry
	err     error
}

func (c *captureExporter) Name() string { return c.name }
func (c *captureExporter) Export(_ context.Context, entries []Entry) error {
	c.batches = append(c.batches, entries)
	return c.err
}

func TestProcessQueueExportsBatch(t *testing.T) {
	q := NewExportQueue(100)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		q.Log(ctx, "t", fmt.Sprintf("a.%d", i), nil, "")
	}

	e := NewExporter(q, testLog())
	dest := &captureExporter{name: "capture"}
	e.RegisterExporter(dest)

	require.NoError(t, e.ProcessQueue(ctx, 3))
	require.Len(t, dest.batches, 1)
	assert.Len(t, dest.batches[0], 3)
	assert.Equal(t, 2, q.Pending())

	require.NoError(t, e.ProcessQueue(ctx, 3))
	assert.Equal(t, 0, q.Pending())
}

func TestProcessQueueRequeuesOnFailure(t *testing.T) {
	q := NewExportQueue(100)
	ctx := context.Background()
	q.Log(ctx, "t", "a.0", nil, "")

	e := NewExporter(q, testLog())
	dest := &captureExporter{name: "capture", err: fmt.Errorf("collector down")}
	e.RegisterExporter(dest)

	require.Error(t, e.ProcessQueue(ctx, 10))
	assert.Equal(t, 1, q.Pending())

	// Recovery on a later run drains the requeued entry.
	dest.err = nil
	require.NoError(t, e.ProcessQueue(ctx, 10))
	assert.Equal(t, 0, q.Pending())
	assert.Len(t, dest.batches, 2)
}

func TestProcessQueueEmptyIsNoop(t *testing.T) {
	q := NewExportQueue(100)
	e := NewExporter(q, testLog())
	dest := &captureExporter{name: "capture"}
	e.RegisterExporter(dest)

	require.NoError(t, e.ProcessQueue(context.Background(), 10))
	assert.Empty(t, dest.batches)
}

func TestSplunkExporter(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	x := NewSplunkExporter(SplunkConfig{
		Endpoint: srv.URL,
		Token:    "hec-token",
		Index:    "responder_audit",
	}, testLog())

	entries := []Entry{
		newEntry("alice", "case.updated", nil, "case-1"),
		newEntry("bob", "case.closed", nil, "case-2"),
	}
	require.NoError(t, x.Export(context.Background(), entries))

	assert.Equal(t, "Splunk hec-token", gotAuth)

	// One HEC event per line.
	assert.Equal(t, 2, bytes.Count(gotBody, []byte("\n")))

	var first map[string]any
	require.NoError(t, json.Unmarshal(gotBody[:bytes.IndexByte(gotBody, '\n')], &first))
	assert.Equal(t, "responder_audit", first["index"])
	assert.Equal(t, "responder", first["host"])
}

func TestWebhookExporterSignsBatch(t *testing.T) {
	const secret = "export-secret"
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature-256")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	x := NewWebhookExporter(WebhookConfig{
		Endpoint: srv.URL,
		Secret:   secret,
		Headers:  map[string]string{"X-Tenant": "soc"},
	}, testLog())

	require.NoError(t, x.Export(context.Background(), []Entry{
		newEntry("alice", "escalation.fired", map[string]any{"level": 1}, "case-9"),
	}))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)

	var payload struct {
		Type    string  `json:"type"`
		Count   int     `json:"count"`
		Entries []Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "audit_entries", payload.Type)
	assert.Equal(t, 1, payload.Count)
	require.Len(t, payload.Entries, 1)
	assert.Equal(t, "escalation.fired", payload.Entries[0].Action)
}

func TestWebhookExporterRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	x := NewWebhookExporter(WebhookConfig{Endpoint: srv.URL}, testLog())
	err := x.Export(context.Background(), []Entry{newEntry("a", "b", nil, "")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
