// Package segment holds the segment metadata model shared by the audit stages.
package segment

import (
	"fmt"
	"log/slog"
	"time"
)

// Status is the single-character segment status stored by the node databases.
type Status byte

const (
	StatusActive    Status = 'A'
	StatusCancelled Status = 'C'
	StatusFinal     Status = 'F'
	StatusTombstone Status = 'T'
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCancelled:
		return "cancelled"
	case StatusFinal:
		return "final"
	case StatusTombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("unknown(%q)", byte(s))
	}
}

// MarshalJSON writes the status as its one-character database value.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", string(rune(s)))), nil
}

// ParseStatus converts the database column value into a Status.
func ParseStatus(v string) (Status, error) {
	if len(v) != 1 {
		return 0, fmt.Errorf("invalid segment status %q", v)
	}
	switch s := Status(v[0]); s {
	case StatusActive, StatusCancelled, StatusFinal, StatusTombstone:
		return s, nil
	default:
		return 0, fmt.Errorf("invalid segment status %q", v)
	}
}

// Key is the logical identity of a segment across the cluster.
type Key struct {
	UnifiedID     uint64 `msgpack:"unified_id" json:"unified_id"`
	ConjoinedPart uint32 `msgpack:"conjoined_part" json:"conjoined_part"`
}

// Compare orders keys by unified id, then conjoined part.
func (k Key) Compare(o Key) int {
	switch {
	case k.UnifiedID < o.UnifiedID:
		return -1
	case k.UnifiedID > o.UnifiedID:
		return 1
	case k.ConjoinedPart < o.ConjoinedPart:
		return -1
	case k.ConjoinedPart > o.ConjoinedPart:
		return 1
	default:
		return 0
	}
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.UnifiedID, k.ConjoinedPart)
}

// Row is one replica's metadata for a logical segment at one node.
type Row struct {
	UnifiedID     uint64    `msgpack:"unified_id" json:"unified_id"`
	ConjoinedPart uint32    `msgpack:"conjoined_part" json:"conjoined_part"`
	CollectionID  uint32    `msgpack:"collection_id" json:"collection_id"`
	Key           string    `msgpack:"key" json:"key"`
	Timestamp     time.Time `msgpack:"timestamp" json:"timestamp"`
	SegmentNum    uint8     `msgpack:"segment_num" json:"segment_num"`
	FileSize      int64     `msgpack:"file_size" json:"file_size"`
	Status        Status    `msgpack:"status" json:"status"`
	FileAdler32   int32     `msgpack:"file_adler32" json:"file_adler32"`
	FileHash      []byte    `msgpack:"file_hash" json:"file_hash"`
	SourceNodeID  uint32    `msgpack:"source_node_id" json:"source_node_id"`
	HandoffNodeID *uint32   `msgpack:"handoff_node_id" json:"handoff_node_id"`

	// Conjoined upload metadata. Zero values when not applicable.
	FileUserSize           int64   `msgpack:"file_user_size" json:"file_user_size"`
	FileUserHash           []byte  `msgpack:"file_user_hash" json:"file_user_hash"`
	FileTombstoneUnifiedID *uint64 `msgpack:"file_tombstone_unified_id" json:"file_tombstone_unified_id"`
}

// Identity returns the row's logical identity key.
func (r *Row) Identity() Key {
	return Key{UnifiedID: r.UnifiedID, ConjoinedPart: r.ConjoinedPart}
}

// LogValue renders the fields needed to compare replicas in a log line.
func (r *Row) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("identity", r.Identity().String()),
		slog.String("key", r.Key),
		slog.String("status", r.Status.String()),
		slog.Time("timestamp", r.Timestamp),
		slog.Int64("file_size", r.FileSize),
		slog.Int64("file_adler32", int64(r.FileAdler32)),
		slog.Uint64("source_node_id", uint64(r.SourceNodeID)),
	}
	if r.HandoffNodeID != nil {
		attrs = append(attrs, slog.Uint64("handoff_node_id", uint64(*r.HandoffNodeID)))
	}
	return slog.GroupValue(attrs...)
}

// IsHandoff reports whether the row is a backup copy held for another node.
func (r *Row) IsHandoff() bool {
	return r.HandoffNodeID != nil
}

// DamagedSet is the set of keys a node has flagged as having corrupt content.
type DamagedSet map[Key]struct{}

// NewDamagedSet builds a set from a key slice.
func NewDamagedSet(keys []Key) DamagedSet {
	s := make(DamagedSet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Contains reports whether k is flagged damaged.
func (s DamagedSet) Contains(k Key) bool {
	_, ok := s[k]
	return ok
}
