// Package nodedb provides access to the per-node segment metadata databases.
package nodedb

import (
	"context"
	"sort"

	"github.com/nimbus-io/anti-entropy/internal/segment"
)

// Database is one storage node's metadata database.
type Database interface {
	// StreamSegments calls fn for every non-cancelled segment row, ordered by
	// (unified_id, conjoined_part, handoff_node_id NULLS LAST). Streaming stops
	// at the first error returned by fn.
	StreamSegments(ctx context.Context, fn func(segment.Row) error) error

	// DamagedKeys returns the keys the node has flagged as damaged.
	DamagedKeys(ctx context.Context) ([]segment.Key, error)

	// Close releases the connection.
	Close() error
}

// Memory is an in-memory Database. Rows are served in the collection sort
// order regardless of insertion order.
type Memory struct {
	Rows    []segment.Row
	Damaged []segment.Key
	Err     error // returned by StreamSegments after all rows, when set
}

// StreamSegments implements Database.
func (m *Memory) StreamSegments(ctx context.Context, fn func(segment.Row) error) error {
	rows := make([]segment.Row, len(m.Rows))
	copy(rows, m.Rows)
	SortRows(rows)

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if row.Status == segment.StatusCancelled {
			continue
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return m.Err
}

// DamagedKeys implements Database.
func (m *Memory) DamagedKeys(ctx context.Context) ([]segment.Key, error) {
	out := make([]segment.Key, len(m.Damaged))
	copy(out, m.Damaged)
	return out, nil
}

// Close implements Database.
func (m *Memory) Close() error {
	return nil
}

// SortRows sorts rows by identity key with handoff rows ahead of the primary
// row, the same order the node query produces.
func SortRows(rows []segment.Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := &rows[i], &rows[j]
		if c := a.Identity().Compare(b.Identity()); c != 0 {
			return c < 0
		}
		// NULLS LAST: handoff rows first, ordered by destination id.
		switch {
		case a.HandoffNodeID == nil:
			return false
		case b.HandoffNodeID == nil:
			return true
		default:
			return *a.HandoffNodeID < *b.HandoffNodeID
		}
	})
}

var _ Database = (*Memory)(nil)
