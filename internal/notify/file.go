package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nimbus-io/anti-entropy/internal/logging"
)

// FileBackup writes one JSON file per run event.
type FileBackup struct {
	dir string
	log *slog.Logger
}

// NewFileBackup creates dir if needed. An empty dir means ./state.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./state"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &FileBackup{dir: dir, log: logging.Component("notify")}, nil
}

// Path returns {dir}/{cluster}_{run_id}_{event_type}.json.
func (f *FileBackup) Path(evt *RunEvent) string {
	name := fmt.Sprintf("%s_%s_%s.json", evt.Run.Cluster, evt.Run.RunID, evt.EventType)
	return filepath.Join(f.dir, name)
}

// Save writes evt to its backup file.
func (f *FileBackup) Save(evt *RunEvent) error {
	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	path := f.Path(evt)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write event backup: %w", err)
	}
	f.log.Debug("event backed up", "path", path)
	return nil
}

// FileOnlyEmitter links events into their chain and keeps only the local
// copy. Used when no endpoint is configured.
type FileOnlyEmitter struct {
	chain *Chain
	log   *slog.Logger
}

// NewFileOnlyEmitter creates a file-only emitter storing events in dir.
func NewFileOnlyEmitter(dir string) (*FileOnlyEmitter, error) {
	chain, err := OpenChain(dir)
	if err != nil {
		return nil, err
	}
	return &FileOnlyEmitter{chain: chain, log: logging.Component("notify")}, nil
}

// Emit links evt and advances the chain.
func (e *FileOnlyEmitter) Emit(evt *RunEvent) error {
	if err := e.chain.Link(evt); err != nil {
		return err
	}
	e.log.Info("run event recorded",
		"event_type", evt.EventType,
		"run_id", evt.Run.RunID,
		"event_hash", evt.Chain.EventHash,
	)
	if err := e.chain.Commit(evt); err != nil {
		e.log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

// Close releases resources.
func (e *FileOnlyEmitter) Close() error {
	return nil
}
