package merge

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/nimbus-io/anti-entropy/internal/segment"
	"github.com/nimbus-io/anti-entropy/internal/snapshot"
)

// sliceSource serves prebuilt groups in order.
type sliceSource struct {
	node    segment.Node
	groups  []snapshot.Group
	damaged segment.DamagedSet
	pos     int
	err     error // returned by Advance when set
}

func (s *sliceSource) Node() segment.Node { return s.node }

func (s *sliceSource) Current() (snapshot.Group, bool) {
	if s.pos >= len(s.groups) {
		return snapshot.Group{}, false
	}
	return s.groups[s.pos], true
}

func (s *sliceSource) IsDamaged() bool {
	g, ok := s.Current()
	return ok && s.damaged.Contains(g.Key)
}

func (s *sliceSource) Advance() error {
	if s.err != nil {
		return s.err
	}
	s.pos++
	return nil
}

func testCluster(t *testing.T, n int) *segment.Cluster {
	t.Helper()
	names := make([]string, n)
	ids := make([]uint32, n)
	for i := range names {
		names[i] = string(rune('a' + i))
		ids[i] = uint32(100 + i)
	}
	c, err := segment.NewCluster(names, ids)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	return c
}

func primary(uid uint64) *segment.Row {
	return &segment.Row{
		UnifiedID: uid,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:    segment.StatusFinal,
	}
}

func handoff(uid uint64, dest uint32) segment.Row {
	r := *primary(uid)
	r.HandoffNodeID = &dest
	return r
}

func key(uid uint64) segment.Key {
	return segment.Key{UnifiedID: uid}
}

func drain(t *testing.T, m *Merger) []*segment.Record {
	t.Helper()
	var out []*segment.Record
	for {
		rec, err := m.Next(context.Background())
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, rec)
	}
}

func TestMerger_OrderAndCompleteness(t *testing.T) {
	cluster := testCluster(t, 3)
	sources := []Source{
		&sliceSource{node: cluster.Node(0), groups: []snapshot.Group{
			{Key: key(1), Primary: primary(1)},
			{Key: key(3), Primary: primary(3)},
			{Key: key(7), Primary: primary(7)},
		}},
		&sliceSource{node: cluster.Node(1), groups: []snapshot.Group{
			{Key: key(2), Primary: primary(2)},
			{Key: key(3), Primary: primary(3)},
		}},
		&sliceSource{node: cluster.Node(2)},
	}

	m, err := New(cluster, sources)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recs := drain(t, m)

	want := []uint64{1, 2, 3, 7}
	if len(recs) != len(want) {
		t.Fatalf("got %d records, want %d", len(recs), len(want))
	}
	for i, rec := range recs {
		if rec.Key.UnifiedID != want[i] {
			t.Errorf("record %d key = %s, want %d/0", i, rec.Key, want[i])
		}
		if len(rec.Entries) != 3 {
			t.Errorf("record %d has %d entries, want 3", i, len(rec.Entries))
		}
	}

	// key 3 is present at nodes 0 and 1 only
	if !recs[2].Entries[0].Present() || !recs[2].Entries[1].Present() || recs[2].Entries[2].Present() {
		t.Errorf("key 3 entries = %+v", recs[2].Entries)
	}
	if m.Stats().Records != 4 {
		t.Errorf("Stats().Records = %d, want 4", m.Stats().Records)
	}

	// Exhausted merger stays exhausted.
	if _, err := m.Next(context.Background()); err != io.EOF {
		t.Errorf("expected io.EOF after end, got %v", err)
	}
}

func TestMerger_RandomizedOrderAndCompleteness(t *testing.T) {
	const nodes = 5
	cluster := testCluster(t, nodes)
	rng := rand.New(rand.NewSource(42))

	union := map[uint64]bool{}
	primaries := make([]map[uint64]bool, nodes)
	sources := make([]Source, nodes)
	for i := 0; i < nodes; i++ {
		primaries[i] = map[uint64]bool{}
		var uids []uint64
		for uid := uint64(1); uid <= 200; uid++ {
			if rng.Intn(3) == 0 {
				uids = append(uids, uid)
			}
		}
		src := &sliceSource{node: cluster.Node(i)}
		for _, uid := range uids {
			src.groups = append(src.groups, snapshot.Group{Key: key(uid), Primary: primary(uid)})
			primaries[i][uid] = true
			union[uid] = true
		}
		sources[i] = src
	}

	m, err := New(cluster, sources)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recs := drain(t, m)

	var want []uint64
	for uid := range union {
		want = append(want, uid)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	if len(recs) != len(want) {
		t.Fatalf("got %d records, want %d", len(recs), len(want))
	}
	for i, rec := range recs {
		if rec.Key.UnifiedID != want[i] {
			t.Fatalf("record %d key = %s, want %d", i, rec.Key, want[i])
		}
		for n := 0; n < nodes; n++ {
			if got := rec.Entries[n].Present(); got != primaries[n][rec.Key.UnifiedID] {
				t.Errorf("key %s node %d present = %v, want %v", rec.Key, n, got, !got)
			}
		}
	}
}

func TestMerger_HandoffSubstitution(t *testing.T) {
	cluster := testCluster(t, 3)
	// Node 0 holds a handoff copy of key 5 destined for node 2 (id 102),
	// and one destined for node 1 which already has its own primary.
	sources := []Source{
		&sliceSource{
			node: cluster.Node(0),
			groups: []snapshot.Group{
				{Key: key(5), Primary: primary(5), Handoffs: []segment.Row{handoff(5, 101), handoff(5, 102)}},
			},
			damaged: segment.NewDamagedSet([]segment.Key{key(5)}),
		},
		&sliceSource{node: cluster.Node(1), groups: []snapshot.Group{
			{Key: key(5), Primary: primary(5)},
		}},
		&sliceSource{node: cluster.Node(2)},
	}

	m, err := New(cluster, sources)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recs := drain(t, m)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}

	rec := recs[0]
	if rec.PresentCount() != 3 {
		t.Errorf("PresentCount = %d, want 3", rec.PresentCount())
	}
	e := rec.Entries[2]
	if !e.Handoff || e.Row.HandoffNodeID == nil || *e.Row.HandoffNodeID != 102 {
		t.Errorf("node 2 entry should be the handoff row for id 102, got %+v", e)
	}
	if !e.Damaged {
		t.Error("substituted entry should carry the holder's damaged flag")
	}
	if rec.Entries[1].Handoff {
		t.Error("node 1 primary should not be replaced by a handoff row")
	}
	if m.Stats().Substitutions != 1 {
		t.Errorf("Substitutions = %d, want 1", m.Stats().Substitutions)
	}
	if m.Stats().SkippedHandoff != 1 {
		t.Errorf("SkippedHandoff = %d, want 1", m.Stats().SkippedHandoff)
	}
	if m.Stats().OrphanHandoff != 0 {
		t.Errorf("OrphanHandoff = %d, want 0", m.Stats().OrphanHandoff)
	}
}

func TestMerger_HandoffOnlyKey(t *testing.T) {
	cluster := testCluster(t, 2)
	sources := []Source{
		&sliceSource{node: cluster.Node(0), groups: []snapshot.Group{
			{Key: key(1), Primary: primary(1)},
			{Key: key(4), Handoffs: []segment.Row{handoff(4, 101)}},
		}},
		&sliceSource{node: cluster.Node(1), groups: []snapshot.Group{
			{Key: key(1), Primary: primary(1)},
		}},
	}

	m, err := New(cluster, sources)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recs := drain(t, m)
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	rec := recs[1]
	if rec.Key != key(4) {
		t.Fatalf("second key = %s, want 4/0", rec.Key)
	}
	if rec.Entries[0].Present() {
		t.Error("node 0 has no primary for key 4")
	}
	if !rec.Entries[1].Present() || !rec.Entries[1].Handoff {
		t.Errorf("node 1 should be filled by the handoff row, got %+v", rec.Entries[1])
	}
}

func TestMerger_OrphanHandoff(t *testing.T) {
	cluster := testCluster(t, 2)
	sources := []Source{
		&sliceSource{node: cluster.Node(0), groups: []snapshot.Group{
			{Key: key(1), Primary: primary(1), Handoffs: []segment.Row{handoff(1, 999)}},
		}},
		&sliceSource{node: cluster.Node(1)},
	}

	m, err := New(cluster, sources)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recs := drain(t, m)
	if len(recs) != 1 || recs[0].PresentCount() != 1 {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if m.Stats().OrphanHandoff != 1 {
		t.Errorf("OrphanHandoff = %d, want 1", m.Stats().OrphanHandoff)
	}
}

func TestMerger_InvariantViolation(t *testing.T) {
	cluster := testCluster(t, 1)
	// The group claims key 1 but carries the row for key 2.
	sources := []Source{
		&sliceSource{node: cluster.Node(0), groups: []snapshot.Group{
			{Key: key(1), Primary: primary(2)},
		}},
	}

	m, err := New(cluster, sources)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = m.Next(context.Background())

	var ive *InvariantViolationError
	if !errors.As(err, &ive) {
		t.Fatalf("expected InvariantViolationError, got %v", err)
	}
	if ive.Record.Key != key(1) || len(ive.Mismatched) != 1 || ive.Mismatched[0] != 0 {
		t.Errorf("unexpected violation detail: key=%s mismatched=%v", ive.Record.Key, ive.Mismatched)
	}
}

func TestMerger_SourceError(t *testing.T) {
	cluster := testCluster(t, 1)
	corrupt := &snapshot.StreamCorruptionError{Node: "a", Err: errors.New("short frame")}
	sources := []Source{
		&sliceSource{node: cluster.Node(0), groups: []snapshot.Group{{Key: key(1), Primary: primary(1)}}, err: corrupt},
	}

	m, err := New(cluster, sources)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = m.Next(context.Background())
	var sce *snapshot.StreamCorruptionError
	if !errors.As(err, &sce) {
		t.Fatalf("expected StreamCorruptionError, got %v", err)
	}
}

func TestMerger_Halt(t *testing.T) {
	cluster := testCluster(t, 1)
	src := &sliceSource{node: cluster.Node(0), groups: []snapshot.Group{
		{Key: key(1), Primary: primary(1)},
		{Key: key(2), Primary: primary(2)},
	}}

	m, err := New(cluster, []Source{src})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := m.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	cancel()

	rec, err := m.Next(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rec != nil {
		t.Error("no record should be produced after halt")
	}
	if src.pos != 1 {
		t.Errorf("source advanced to %d after halt, want 1", src.pos)
	}
}

func TestNew_SourceMismatch(t *testing.T) {
	cluster := testCluster(t, 2)

	if _, err := New(cluster, []Source{&sliceSource{node: cluster.Node(0)}}); err == nil {
		t.Error("expected error for too few sources")
	}

	swapped := []Source{
		&sliceSource{node: cluster.Node(1)},
		&sliceSource{node: cluster.Node(0)},
	}
	if _, err := New(cluster, swapped); err == nil {
		t.Error("expected error for sources out of node order")
	}
}
