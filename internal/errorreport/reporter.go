// Package errorreport batches client-side failures and connection
// transitions and posts them to an optional telemetry endpoint.
// All methods are nil-safe: a nil *Reporter is a no-op.
package errorreport

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/workspace/agent-client/internal/connection"
)

// Entry is a single telemetry record.
type Entry struct {
	Level        string                 `json:"level"`
	Message      string                 `json:"message"`
	Source       string                 `json:"source"`
	ConnectionID string                 `json:"connectionId,omitempty"`
	Timestamp    string                 `json:"timestamp"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// Config holds configuration for the reporter.
type Config struct {
	FlushInterval time.Duration // default: 30s
	MaxBatchSize  int           // immediate flush threshold (default: 10)
	MaxQueueSize  int           // entries beyond this are dropped (default: 100)
	HTTPTimeout   time.Duration // default: 10s
}

// Reporter batches entries and posts them to the telemetry endpoint.
type Reporter struct {
	endpoint string
	clientID string
	token    string
	config   Config
	client   *http.Client

	mu      sync.Mutex
	queue   []Entry
	stopC   chan struct{}
	doneC   chan struct{}
	started bool
}

// New returns nil when endpoint is empty so callers can pass the result
// around unconditionally.
func New(endpoint, clientID, token string, cfg Config) *Reporter {
	if endpoint == "" {
		return nil
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	return &Reporter{
		endpoint: strings.TrimRight(endpoint, "/"),
		clientID: clientID,
		token:    token,
		config:   cfg,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		queue:    make([]Entry, 0, cfg.MaxBatchSize),
		stopC:    make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (r *Reporter) Start() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	go r.flushLoop()
}

// Shutdown flushes remaining entries and stops the flush goroutine.
func (r *Reporter) Shutdown() {
	if r == nil {
		return
	}
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		r.flush()
		return
	}
	close(r.stopC)
	<-r.doneC
}

// Report queues an entry. Reaching MaxBatchSize triggers a flush.
func (r *Reporter) Report(entry Entry) {
	if r == nil {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	r.mu.Lock()
	if len(r.queue) >= r.config.MaxQueueSize {
		r.mu.Unlock()
		slog.Warn("Telemetry: queue full, dropping entry", "maxQueueSize", r.config.MaxQueueSize, "message", entry.Message)
		return
	}
	r.queue = append(r.queue, entry)
	shouldFlush := len(r.queue) >= r.config.MaxBatchSize
	r.mu.Unlock()

	if shouldFlush {
		go r.flush()
	}
}

// ReportError records a local failure such as an audio playback error.
func (r *Reporter) ReportError(err error, source, connectionID string, ctx map[string]interface{}) {
	if r == nil {
		return
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	r.Report(Entry{
		Level:        "error",
		Message:      msg,
		Source:       source,
		ConnectionID: connectionID,
		Context:      ctx,
	})
}

// ConnectionTransition records a connection status change.
func (r *Reporter) ConnectionTransition(ev connection.TransitionEvent) {
	if r == nil {
		return
	}
	ctx := map[string]interface{}{
		"from": string(ev.From),
		"to":   string(ev.To),
	}
	if ev.LastError != "" {
		ctx["lastError"] = ev.LastError
	}
	if ev.LastOnlineAt != nil {
		ctx["lastOnlineAt"] = ev.LastOnlineAt.UTC().Format(time.RFC3339Nano)
	}
	r.Report(Entry{
		Level:        string(ev.Severity),
		Message:      ev.Event,
		Source:       "connection",
		ConnectionID: ev.ConnectionID,
		Timestamp:    ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Context:      ctx,
	})
}

func (r *Reporter) flushLoop() {
	defer close(r.doneC)

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopC:
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Reporter) flush() {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.queue
	r.queue = make([]Entry, 0, r.config.MaxBatchSize)
	r.mu.Unlock()

	r.send(batch)
}

func (r *Reporter) send(entries []Entry) {
	body, err := json.Marshal(map[string]interface{}{"entries": entries})
	if err != nil {
		slog.Error("Telemetry: failed to marshal entries", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.HTTPTimeout)
	defer cancel()

	url := r.endpoint + "/clients/" + r.clientID + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Error("Telemetry: failed to create request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		slog.Error("Telemetry: failed to send entries", "count", len(entries), "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("Telemetry: endpoint returned non-OK status", "statusCode", resp.StatusCode, "count", len(entries))
	}
}
