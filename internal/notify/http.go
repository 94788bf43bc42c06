package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nimbus-io/anti-entropy/internal/logging"
)

// StatusError is a non-2xx response from the endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint returned %d: %s", e.Code, e.Body)
}

// Retryable reports whether a later attempt could succeed.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// HTTPEmitter posts run events to an endpoint. Every event is saved locally
// before delivery; the chain only advances once the endpoint accepts it.
type HTTPEmitter struct {
	endpoint string
	retries  int
	delay    time.Duration
	client   *http.Client
	chain    *Chain
	log      *slog.Logger
}

// NewHTTPEmitter creates an HTTP emitter. Retries defaults to 3 and
// RetryDelay, which doubles after each failed attempt, to one second.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	chain, err := OpenChain(cfg.BackupDir)
	if err != nil {
		return nil, err
	}
	e := &HTTPEmitter{
		endpoint: cfg.Endpoint,
		retries:  cfg.Retries,
		delay:    cfg.RetryDelay,
		client:   &http.Client{Timeout: 30 * time.Second},
		chain:    chain,
		log:      logging.Component("notify"),
	}
	if e.retries <= 0 {
		e.retries = 3
	}
	if e.delay <= 0 {
		e.delay = time.Second
	}
	return e, nil
}

// Emit links, backs up, and delivers evt.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *RunEvent) error {
	if err := e.chain.Link(evt); err != nil {
		// The local copy is best effort when an endpoint is configured.
		e.log.Warn("event backup failed", "error", err)
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	e.log.Info("emitting run event",
		"event_type", evt.EventType,
		"run_id", evt.Run.RunID,
		"prev_hash", evt.Chain.PrevEventHash,
		"event_hash", evt.Chain.EventHash,
	)
	if err := e.deliver(ctx, body); err != nil {
		return fmt.Errorf("emit %s: %w", evt.EventType, err)
	}

	if err := e.chain.Commit(evt); err != nil {
		e.log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

// deliver posts body until it is accepted, a non-retryable status comes
// back, or the attempts run out.
func (e *HTTPEmitter) deliver(ctx context.Context, body []byte) error {
	delay := e.delay
	var err error
	for attempt := 1; ; attempt++ {
		if err = e.post(ctx, body); err == nil {
			return nil
		}
		if se, ok := err.(*StatusError); ok && !se.Retryable() {
			return err
		}
		if attempt == e.retries {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		e.log.Warn("event delivery failed, retrying",
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}

func (e *HTTPEmitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
