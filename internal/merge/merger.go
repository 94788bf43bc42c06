// Package merge joins the per-node snapshot streams into one ordered sequence
// of merged records, one per logical segment.
package merge

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/nimbus-io/anti-entropy/internal/logging"
	"github.com/nimbus-io/anti-entropy/internal/segment"
	"github.com/nimbus-io/anti-entropy/internal/snapshot"
)

// Source is one node's key-grouped cursor. *snapshot.Reader implements it.
type Source interface {
	Node() segment.Node
	Current() (snapshot.Group, bool)
	IsDamaged() bool
	Advance() error
}

// InvariantViolationError reports a merged record whose rows do not share
// its identity key. It signals a defect in collection or merging, never a
// finding about the cluster.
type InvariantViolationError struct {
	Record     *segment.Record
	Mismatched []int // node indices whose row identity differs
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("merged record %s: rows at node indices %v do not match the record key", e.Record.Key, e.Mismatched)
}

// CheckRecord returns an InvariantViolationError if any present row in rec
// carries a different identity key.
func CheckRecord(rec *segment.Record) error {
	if bad := rec.MismatchedKeys(); len(bad) > 0 {
		return &InvariantViolationError{Record: rec, Mismatched: bad}
	}
	return nil
}

// Stats counts what the merger produced.
type Stats struct {
	Records        int64
	Substitutions  int64 // entries filled from another node's handoff row
	OrphanHandoff  int64 // handoff rows destined for a node outside the cluster
	SkippedHandoff int64 // handoff rows whose destination already had a row
}

// pooled is a handoff row together with the damaged flag of the node that
// holds it.
type pooled struct {
	row     segment.Row
	damaged bool
}

// Merger performs the N-way merge-join. Sources must be ordered by node index.
// It is single-threaded and not restartable.
type Merger struct {
	cluster *segment.Cluster
	sources []Source
	stats   Stats
	pool    []pooled
	log     *slog.Logger
}

// New creates a merger over one source per cluster node.
func New(cluster *segment.Cluster, sources []Source) (*Merger, error) {
	if len(sources) != cluster.Size() {
		return nil, fmt.Errorf("got %d sources for a %d node cluster", len(sources), cluster.Size())
	}
	for i, s := range sources {
		if s.Node().Index != i {
			return nil, fmt.Errorf("source %d belongs to node %s at index %d", i, s.Node().Name, s.Node().Index)
		}
	}
	return &Merger{
		cluster: cluster,
		sources: sources,
		log:     logging.Component("merger"),
	}, nil
}

// Next returns the merged record for the next identity key, in strictly
// ascending key order. It returns io.EOF once every source is exhausted and
// ctx.Err() if ctx is done before the record is built.
func (m *Merger) Next(ctx context.Context) (*segment.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	minKey, ok := m.minKey()
	if !ok {
		return nil, io.EOF
	}

	rec := segment.NewRecord(minKey, len(m.sources))
	m.pool = m.pool[:0]

	for i, src := range m.sources {
		g, ok := src.Current()
		if !ok || g.Key != minKey {
			continue
		}
		damaged := src.IsDamaged()
		if g.Primary != nil {
			rec.Entries[i] = segment.Entry{Row: g.Primary, Damaged: damaged}
		}
		for _, h := range g.Handoffs {
			m.pool = append(m.pool, pooled{row: h, damaged: damaged})
		}
		if err := src.Advance(); err != nil {
			return nil, err
		}
	}

	m.substitute(rec)

	if err := CheckRecord(rec); err != nil {
		return nil, err
	}
	m.stats.Records++
	return rec, nil
}

// minKey returns the lowest current key among sources that still have one.
func (m *Merger) minKey() (segment.Key, bool) {
	var min segment.Key
	found := false
	for _, src := range m.sources {
		g, ok := src.Current()
		if !ok {
			continue
		}
		if !found || g.Key.Less(min) {
			min = g.Key
			found = true
		}
	}
	return min, found
}

// substitute fills empty entries from the round's handoff pool. The first
// handoff row found for a node wins.
func (m *Merger) substitute(rec *segment.Record) {
	for _, p := range m.pool {
		idx, err := m.cluster.IndexOfID(*p.row.HandoffNodeID)
		if err != nil {
			m.stats.OrphanHandoff++
			m.log.Warn("handoff row for unknown node",
				"key", rec.Key.String(),
				"handoff_node_id", *p.row.HandoffNodeID,
			)
			continue
		}
		if p.row.Identity() != rec.Key {
			continue
		}
		if rec.Entries[idx].Present() {
			m.stats.SkippedHandoff++
			continue
		}
		row := p.row
		rec.Entries[idx] = segment.Entry{Row: &row, Damaged: p.damaged, Handoff: true}
		m.stats.Substitutions++
	}
}

// Stats returns the counters accumulated so far.
func (m *Merger) Stats() Stats {
	return m.stats
}
