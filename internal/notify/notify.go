// Package notify publishes hash-chained run events: completion with
// per-category finding counts, or the fatal condition that ended a run.
package notify

import (
	"context"
	"time"

	"github.com/nimbus-io/anti-entropy/internal/logging"
)

// Config configures event emission.
type Config struct {
	Enabled    bool
	Endpoint   string // HTTP endpoint; file-only when empty
	BackupDir  string // local event copies and chain heads
	Retries    int
	RetryDelay time.Duration
}

// Emitter is the interface for run event emission.
type Emitter interface {
	Emit(ctx context.Context, evt *RunEvent) error
	Close() error
}

// NewEmitter creates an appropriate emitter based on configuration.
func NewEmitter(cfg Config) Emitter {
	log := logging.Component("notify")

	if !cfg.Enabled {
		log.Debug("notifications disabled, using no-op emitter")
		return noopEmitter{}
	}

	// If endpoint is configured, use HTTP emitter
	if cfg.Endpoint != "" {
		emitter, err := NewHTTPEmitter(cfg)
		if err != nil {
			log.Warn("failed to create HTTP emitter, falling back to file-only", "error", err)
			return createFileOnlyEmitter(cfg)
		}
		log.Info("using HTTP emitter", "endpoint", cfg.Endpoint)
		return emitter
	}

	return createFileOnlyEmitter(cfg)
}

func createFileOnlyEmitter(cfg Config) Emitter {
	log := logging.Component("notify")
	emitter, err := NewFileOnlyEmitter(cfg.BackupDir)
	if err != nil {
		log.Warn("failed to create file emitter, using no-op", "error", err)
		return noopEmitter{}
	}
	log.Info("using file-only emitter", "dir", cfg.BackupDir)
	return fileOnlyEmitterWrapper{emitter: emitter}
}

// fileOnlyEmitterWrapper adapts FileOnlyEmitter to the Emitter interface.
type fileOnlyEmitterWrapper struct {
	emitter *FileOnlyEmitter
}

func (w fileOnlyEmitterWrapper) Emit(_ context.Context, evt *RunEvent) error {
	return w.emitter.Emit(evt)
}

func (w fileOnlyEmitterWrapper) Close() error {
	return w.emitter.Close()
}

// prepare fills in the envelope fields and chain hashes of evt.
func prepare(evt *RunEvent, prevHash string) {
	evt.Version = "1.0"
	evt.EventID = GenerateEventID()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.SetChainHashes(prevHash)
}

// noopEmitter discards all events.
type noopEmitter struct{}

func (noopEmitter) Emit(_ context.Context, _ *RunEvent) error {
	return nil
}

func (noopEmitter) Close() error {
	return nil
}
