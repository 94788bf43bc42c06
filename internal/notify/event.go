package notify

import (
	"time"
)

// Event types.
const (
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunHalted    = "run_halted"
)

// RunEvent is one entry of the tamper-evident run log.
type RunEvent struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Run      RunInfo          `json:"run"`
	Findings map[string]int64 `json:"findings"`
	Error    *ErrorInfo       `json:"error,omitempty"`
	Output   *OutputInfo      `json:"output,omitempty"`
	Producer ProducerInfo     `json:"producer"`
	Chain    ChainInfo        `json:"chain"`
}

// RunInfo identifies the audit run.
type RunInfo struct {
	Cluster    string    `json:"cluster"`
	RunID      string    `json:"run_id"`
	Nodes      []string  `json:"nodes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Records    int64     `json:"records"`
}

// ErrorInfo describes the fatal condition that ended a run.
type ErrorInfo struct {
	Kind    string `json:"kind"` // collection | stream_corruption | invariant_violation | framing | internal
	Node    string `json:"node,omitempty"`
	Message string `json:"message"`
}

// OutputInfo points at the published run output.
type OutputInfo struct {
	URI      string `json:"uri"`
	Manifest string `json:"manifest"`
}

// ProducerInfo identifies the software that produced the run.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo provides hash chaining for tamper-evident audit log.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the unique key for this cluster's chain.
func (r RunInfo) ChainKey() string {
	return "anti-entropy/" + r.Cluster
}

// SetChainHashes links the event to prev and computes its own hash.
func (e *RunEvent) SetChainHashes(prev string) {
	e.Chain.PrevEventHash = prev
	e.Chain.EventHash = ComputeEventHash(e)
}
