package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// headsFile holds the chain heads inside the backup directory.
const headsFile = "event-chain-heads.json"

// ComputeEventHash returns "sha256:<hex>" over the JSON form of evt with its
// own event hash cleared. Map keys marshal in sorted order.
func ComputeEventHash(evt *RunEvent) string {
	c := *evt
	c.Chain.EventHash = ""
	canonical, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// GenerateEventID creates a unique event ID.
func GenerateEventID() string {
	return "ae_evt_" + uuid.NewString()
}

// ChainHead is the last delivered event of one chain.
type ChainHead struct {
	EventHash string    `json:"event_hash"`
	EventID   string    `json:"event_id"`
	RunID     string    `json:"run_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chain links events into one hash chain per cluster and keeps a local copy
// of every event it links. The heads are persisted so chains continue across
// runs of the process.
type Chain struct {
	mu     sync.Mutex
	path   string
	heads  map[string]ChainHead
	backup *FileBackup
}

// OpenChain loads the chain heads stored in dir, creating dir if needed.
func OpenChain(dir string) (*Chain, error) {
	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, err
	}
	c := &Chain{
		path:   filepath.Join(backup.dir, headsFile),
		heads:  make(map[string]ChainHead),
		backup: backup,
	}

	data, err := os.ReadFile(c.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &c.heads); err != nil {
			return nil, fmt.Errorf("parse chain heads %s: %w", c.path, err)
		}
	}
	return c, nil
}

// Head returns the head of a chain.
func (c *Chain) Head(chainKey string) (ChainHead, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.heads[chainKey]
	return h, ok && h.EventHash != ""
}

// Link fills in the envelope of evt, points it at the current chain head,
// and saves the local copy. The head does not move until Commit.
func (c *Chain) Link(evt *RunEvent) error {
	head, _ := c.Head(evt.Run.ChainKey())
	prepare(evt, head.EventHash)
	return c.backup.Save(evt)
}

// Commit makes evt the head of its chain.
func (c *Chain) Commit(evt *RunEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.heads[evt.Run.ChainKey()] = ChainHead{
		EventHash: evt.Chain.EventHash,
		EventID:   evt.EventID,
		RunID:     evt.Run.RunID,
		UpdatedAt: time.Now().UTC(),
	}

	data, err := json.MarshalIndent(c.heads, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write chain heads: %w", err)
	}
	return os.Rename(tmp, c.path)
}

// BackupPath returns where the local copy of evt is stored.
func (c *Chain) BackupPath(evt *RunEvent) string {
	return c.backup.Path(evt)
}
