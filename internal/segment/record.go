package segment

import (
	"log/slog"
	"strconv"
	"time"
)

// Entry is one node's slot in a merged record. Row is nil when the node has
// neither a primary row nor a handoff copy for the key.
type Entry struct {
	Row     *Row `msgpack:"row" json:"row"`
	Damaged bool `msgpack:"damaged" json:"damaged"`
	Handoff bool `msgpack:"handoff" json:"handoff"`
}

// Present reports whether the node has a row for the key.
func (e Entry) Present() bool {
	return e.Row != nil
}

// Record is the merged view of one logical segment: one entry per node,
// indexed by node index.
type Record struct {
	Key     Key     `msgpack:"key" json:"key"`
	Entries []Entry `msgpack:"entries" json:"entries"`
}

// NewRecord allocates a record with n empty entries.
func NewRecord(key Key, n int) *Record {
	return &Record{Key: key, Entries: make([]Entry, n)}
}

// PresentCount returns how many nodes have a row for the key.
func (r *Record) PresentCount() int {
	n := 0
	for _, e := range r.Entries {
		if e.Present() {
			n++
		}
	}
	return n
}

// StatusCount returns how many present rows carry status s.
func (r *Record) StatusCount(s Status) int {
	n := 0
	for _, e := range r.Entries {
		if e.Present() && e.Row.Status == s {
			n++
		}
	}
	return n
}

// DamagedCount returns how many present entries are flagged damaged.
func (r *Record) DamagedCount() int {
	n := 0
	for _, e := range r.Entries {
		if e.Present() && e.Damaged {
			n++
		}
	}
	return n
}

// OldestTimestamp returns the earliest timestamp among present rows.
// ok is false when no row is present.
func (r *Record) OldestTimestamp() (oldest time.Time, ok bool) {
	for _, e := range r.Entries {
		if !e.Present() {
			continue
		}
		if !ok || e.Row.Timestamp.Before(oldest) {
			oldest = e.Row.Timestamp
			ok = true
		}
	}
	return oldest, ok
}

// MismatchedKeys returns the indices of present entries whose row identity
// differs from the record key.
func (r *Record) MismatchedKeys() []int {
	var bad []int
	for i, e := range r.Entries {
		if e.Present() && e.Row.Identity() != r.Key {
			bad = append(bad, i)
		}
	}
	return bad
}

// LogValue expands every slot so a logged record carries the rows
// themselves. Slots are named by node index.
func (r *Record) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(r.Entries)+1)
	attrs = append(attrs, slog.String("key", r.Key.String()))
	for i, e := range r.Entries {
		name := strconv.Itoa(i)
		if !e.Present() {
			attrs = append(attrs, slog.String(name, "absent"))
			continue
		}
		attrs = append(attrs, slog.Group(name,
			slog.Any("row", e.Row),
			slog.Bool("damaged", e.Damaged),
			slog.Bool("handoff", e.Handoff),
		))
	}
	return slog.GroupValue(attrs...)
}

// Result is a classified record, persisted append-only to a repair stream.
type Result struct {
	Status Finding `msgpack:"status" json:"status"`
	Record Record  `msgpack:"record" json:"record"`
}

// Finding names an inconsistency category.
type Finding string

const (
	FindingMissingReplicas        Finding = "missing_replicas"
	FindingMissingTombstones      Finding = "missing_tombstones"
	FindingIncompleteFinalization Finding = "incomplete_finalization"
	FindingDamagedRecords         Finding = "damaged_records"
	FindingDatabaseInconsistency  Finding = "database_inconsistency"
)

// AllFindings lists the categories in classification order.
var AllFindings = []Finding{
	FindingMissingReplicas,
	FindingMissingTombstones,
	FindingIncompleteFinalization,
	FindingDamagedRecords,
	FindingDatabaseInconsistency,
}
