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
	"sync"
	"time"

	"github.com/sentinelops/responder/pkg/logger"
)

// SIEMExporter delivers a batch of audit entries to one SIEM destination.
type SIEMExporter interface {
	Export(ctx context.Context, entries []Entry) error
	Name() string
}

// maxExportAttempts is how often a batch item is retried before it is
// dropped from the queue.
const maxExportAttempts = 3

type queuedEntry struct {
	entry    Entry
	attempts int
}

// ExportQueue is a Sink that buffers entries for SIEM export. Wire it
// into the audit Fanout so every engine action lands in the queue, then
// drain it periodically with an Exporter.
type ExportQueue struct {
	mu      sync.Mutex
	pending []queuedEntry
	max     int
	dropped int64
}

// NewExportQueue creates a queue retaining at most max pending entries.
func NewExportQueue(max int) *ExportQueue {
	if max <= 0 {
		max = 10000
	}
	return &ExportQueue{max: max}
}

// Log enqueues the entry. When the queue is full the oldest pending
// entry is dropped; audit writes never block the engines.
func (q *ExportQueue) Log(_ context.Context, actor, action string, details map[string]any, resourceID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, queuedEntry{entry: newEntry(actor, action, details, resourceID)})
	if len(q.pending) > q.max {
		q.pending = q.pending[len(q.pending)-q.max:]
		q.dropped++
	}
}

// Pending returns how many entries are waiting for export.
func (q *ExportQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Dropped returns how many entries were evicted before export.
func (q *ExportQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// take removes up to n entries from the head of the queue.
func (q *ExportQueue) take(n int) []queuedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.pending) {
		n = len(q.pending)
	}
	batch := make([]queuedEntry, n)
	copy(batch, q.pending[:n])
	q.pending = q.pending[n:]
	return batch
}

// requeue puts failed items back at the head, dropping those that have
// exhausted their attempts.
func (q *ExportQueue) requeue(items []queuedEntry) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := items[:0]
	droppedNow := 0
	for _, it := range items {
		it.attempts++
		if it.attempts >= maxExportAttempts {
			q.dropped++
			droppedNow++
			continue
		}
		kept = append(kept, it)
	}
	q.pending = append(kept, q.pending...)
	return droppedNow
}

// Exporter drains an ExportQueue into the registered SIEM destinations.
type Exporter struct {
	queue *ExportQueue
	log   *logger.Logger

	mu        sync.RWMutex
	exporters map[string]SIEMExporter
}

// NewExporter creates an exporter over the given queue.
func NewExporter(queue *ExportQueue, log *logger.Logger) *Exporter {
	return &Exporter{
		queue:     queue,
		log:       log.WithComponent("audit-exporter"),
		exporters: make(map[string]SIEMExporter),
	}
}

// RegisterExporter adds a SIEM destination.
func (e *Exporter) RegisterExporter(exporter SIEMExporter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exporters[exporter.Name()] = exporter
	e.log.Info("registered SIEM exporter", "name", exporter.Name())
}

// ProcessQueue exports one batch to every registered destination. A
// batch that any destination rejects is requeued and retried on the
// next run, up to the attempt limit.
func (e *Exporter) ProcessQueue(ctx context.Context, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 100
	}

	batch := e.queue.take(batchSize)
	if len(batch) == 0 {
		return nil
	}

	entries := make([]Entry, len(batch))
	for i, it := range batch {
		entries[i] = it.entry
	}

	e.mu.RLock()
	exporters := make([]SIEMExporter, 0, len(e.exporters))
	for _, x := range e.exporters {
		exporters = append(exporters, x)
	}
	e.mu.RUnlock()

	var firstErr error
	for _, x := range exporters {
		if err := x.Export(ctx, entries); err != nil {
			e.log.Error("SIEM export failed",
				"destination", x.Name(),
				"count", len(entries),
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		if dropped := e.queue.requeue(batch); dropped > 0 {
			e.log.Warn("dropped audit entries after repeated export failures", "count", dropped)
		}
		return firstErr
	}
	return nil
}

// SplunkExporter pushes audit entries to a Splunk HEC endpoint.
type SplunkExporter struct {
	endpoint   string
	token      string
	index      string
	httpClient *http.Client
	log        *logger.Logger
}

// SplunkConfig contains Splunk HEC configuration.
type SplunkConfig struct {
	Endpoint string // e.g., https://splunk.example.com:8088/services/collector
	Token    string // HEC token
	Index    string // Target index
}

// NewSplunkExporter creates a new Splunk HEC exporter.
func NewSplunkExporter(cfg SplunkConfig, log *logger.Logger) *SplunkExporter {
	return &SplunkExporter{
		endpoint:   cfg.Endpoint,
		token:      cfg.Token,
		index:      cfg.Index,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.WithComponent("splunk-exporter"),
	}
}

func (s *SplunkExporter) Name() string {
	return "splunk"
}

// Export sends audit entries to Splunk HEC as newline-delimited events.
func (s *SplunkExporter) Export(ctx context.Context, entries []Entry) error {
	var buf bytes.Buffer

	for _, entry := range entries {
		event := map[string]any{
			"time":       entry.Timestamp.Unix(),
			"host":       "responder",
			"source":     "audit",
			"sourcetype": "responder:audit",
			"index":      s.index,
			"event":      entry,
		}

		eventJSON, err := json.Marshal(event)
		if err != nil {
			continue
		}
		buf.Write(eventJSON)
		buf.WriteByte('\n')
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("splunk request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("splunk returned status %d: %s", resp.StatusCode, string(body))
	}

	s.log.Info("exported to Splunk", "count", len(entries))
	return nil
}

// WebhookExporter pushes audit entries to a generic HTTP collector.
type WebhookExporter struct {
	endpoint   string
	secret     string
	headers    map[string]string
	httpClient *http.Client
	log        *logger.Logger
}

// WebhookConfig contains webhook collector configuration.
type WebhookConfig struct {
	Endpoint string
	Secret   string            // Used for HMAC-SHA256 signature
	Headers  map[string]string // Additional headers
}

// NewWebhookExporter creates a new webhook exporter.
func NewWebhookExporter(cfg WebhookConfig, log *logger.Logger) *WebhookExporter {
	return &WebhookExporter{
		endpoint:   cfg.Endpoint,
		secret:     cfg.Secret,
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.WithComponent("webhook-exporter"),
	}
}

func (w *WebhookExporter) Name() string {
	return "webhook"
}

// Export sends audit entries to the collector in one signed batch.
func (w *WebhookExporter) Export(ctx context.Context, entries []Entry) error {
	payload := map[string]any{
		"type":      "audit_entries",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"count":     len(entries),
		"entries":   entries,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	if w.secret != "" {
		mac := hmac.New(sha256.New, []byte(w.secret))
		mac.Write(body)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	w.log.Info("exported to webhook", "count", len(entries), "endpoint", w.endpoint)
	return nil
}
