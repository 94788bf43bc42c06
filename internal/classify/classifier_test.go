package classify

import (
	"errors"
	"testing"
	"time"

	"github.com/nimbus-io/anti-entropy/internal/merge"
	"github.com/nimbus-io/anti-entropy/internal/segment"
)

var now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

// captureSink records every result written to it.
type captureSink struct {
	results []*segment.Result
	err     error
}

func (s *captureSink) Write(res *segment.Result) error {
	if s.err != nil {
		return s.err
	}
	s.results = append(s.results, res)
	return nil
}

// buildRecord returns a 10 node record where every node holds an identical
// Final row of the given age.
func buildRecord(nodes int, age time.Duration) *segment.Record {
	k := segment.Key{UnifiedID: 42, ConjoinedPart: 0}
	rec := segment.NewRecord(k, nodes)
	for i := range rec.Entries {
		rec.Entries[i].Row = &segment.Row{
			UnifiedID:    k.UnifiedID,
			Timestamp:    now.Add(-age),
			FileSize:     1024,
			Status:       segment.StatusFinal,
			FileAdler32:  12345,
			FileHash:     []byte{0xde, 0xad, 0xbe, 0xef},
			SourceNodeID: 1,
		}
	}
	return rec
}

func newClassifier(t *testing.T, nodes int) (*Classifier, *captureSink, *captureSink) {
	t.Helper()
	meta, data := &captureSink{}, &captureSink{}
	c, err := New(Config{
		Thresholds: DefaultThresholds(nodes),
		MinAge:     24 * time.Hour,
		Now:        func() time.Time { return now },
	}, meta, data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, meta, data
}

func TestClassify_Scenarios(t *testing.T) {
	const day = 24 * time.Hour

	tests := []struct {
		name     string
		build    func() *segment.Record
		want     segment.Finding // empty for healthy
		wantSink Sink
	}{
		{
			name: "A missing replica",
			build: func() *segment.Record {
				rec := buildRecord(10, 2*day)
				rec.Entries[4] = segment.Entry{}
				return rec
			},
			want:     segment.FindingMissingReplicas,
			wantSink: SinkData,
		},
		{
			name: "B missing tombstones",
			build: func() *segment.Record {
				rec := buildRecord(10, 2*day)
				for i, e := range rec.Entries {
					if i < 3 {
						e.Row.Status = segment.StatusTombstone
					} else {
						e.Row.Status = segment.StatusActive
					}
				}
				return rec
			},
			want:     segment.FindingMissingTombstones,
			wantSink: SinkMeta,
		},
		{
			name:  "C all final",
			build: func() *segment.Record { return buildRecord(10, 2*day) },
		},
		{
			name: "D damaged while young",
			build: func() *segment.Record {
				rec := buildRecord(10, time.Hour)
				rec.Entries[7].Damaged = true
				return rec
			},
			want:     segment.FindingDamagedRecords,
			wantSink: SinkData,
		},
		{
			name: "E adler32 differs",
			build: func() *segment.Record {
				rec := buildRecord(10, 2*day)
				rec.Entries[2].Row.FileAdler32 = 999
				return rec
			},
			want:     segment.FindingDatabaseInconsistency,
			wantSink: SinkData,
		},
		{
			name: "incomplete finalization",
			build: func() *segment.Record {
				rec := buildRecord(10, 2*day)
				rec.Entries[0].Row.Status = segment.StatusActive
				return rec
			},
			want:     segment.FindingIncompleteFinalization,
			wantSink: SinkData,
		},
		{
			name: "too few rows for replica check",
			build: func() *segment.Record {
				rec := buildRecord(10, 2*day)
				for i := 0; i < 3; i++ {
					rec.Entries[i] = segment.Entry{}
				}
				return rec
			},
			// 7 Final rows of 10 is still a partial finalization.
			want:     segment.FindingIncompleteFinalization,
			wantSink: SinkData,
		},
		{
			name: "hash differs",
			build: func() *segment.Record {
				rec := buildRecord(10, 2*day)
				rec.Entries[9].Row.FileHash = []byte{0x00}
				return rec
			},
			want:     segment.FindingDatabaseInconsistency,
			wantSink: SinkData,
		},
		{
			name: "handoff counts as present",
			build: func() *segment.Record {
				rec := buildRecord(10, 2*day)
				rec.Entries[5].Handoff = true
				return rec
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, meta, data := newClassifier(t, 10)
			res, err := c.Classify(tt.build())
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}

			if tt.want == "" {
				if res != nil {
					t.Fatalf("expected healthy, got %s", res.Status)
				}
				if len(meta.results)+len(data.results) != 0 {
					t.Error("healthy record should not be written")
				}
				return
			}

			if res == nil {
				t.Fatalf("expected %s, got healthy", tt.want)
			}
			if res.Status != tt.want {
				t.Errorf("status = %s, want %s", res.Status, tt.want)
			}

			sink, other := data, meta
			if tt.wantSink == SinkMeta {
				sink, other = meta, data
			}
			if len(sink.results) != 1 || len(other.results) != 0 {
				t.Errorf("routed to wrong sink: meta=%d data=%d", len(meta.results), len(data.results))
			}
			if c.Counts()[tt.want] != 1 {
				t.Errorf("count for %s = %d, want 1", tt.want, c.Counts()[tt.want])
			}
		})
	}
}

func TestClassify_AgeGating(t *testing.T) {
	c, meta, data := newClassifier(t, 10)

	// Missing replica, tombstone mix, and partial finalization all at once,
	// but the oldest row is newer than the minimum age.
	rec := buildRecord(10, 23*time.Hour)
	rec.Entries[0] = segment.Entry{}
	rec.Entries[1].Row.Status = segment.StatusTombstone
	rec.Entries[2].Row.Status = segment.StatusActive

	res, err := c.Classify(rec)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	// Rows disagree on nothing else, so the record is healthy for now.
	if res != nil {
		t.Fatalf("age gated rules fired on a young record: %s", res.Status)
	}
	if len(meta.results)+len(data.results) != 0 {
		t.Error("nothing should be written")
	}

	// Exactly at the minimum age still does not fire.
	rec = buildRecord(10, 24*time.Hour)
	rec.Entries[0] = segment.Entry{}
	if res, _ := c.Classify(rec); res != nil {
		t.Errorf("rule fired at exactly the minimum age: %s", res.Status)
	}
}

func TestClassify_OldestRowDecidesAge(t *testing.T) {
	c, _, _ := newClassifier(t, 3)
	rec := buildRecord(3, time.Minute)
	rec.Entries[0].Row.Timestamp = now.Add(-48 * time.Hour)
	rec.Entries[2] = segment.Entry{}

	// The timestamps differ too, but missing replicas comes first.
	res, err := c.Classify(rec)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res == nil || res.Status != segment.FindingMissingReplicas {
		t.Fatalf("expected missing_replicas, got %+v", res)
	}
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	c, _, _ := newClassifier(t, 10)

	// Matches every rule: a missing node, tombstones, partial final,
	// damage, and a checksum mismatch.
	rec := buildRecord(10, 72*time.Hour)
	rec.Entries[0] = segment.Entry{}
	rec.Entries[1].Row.Status = segment.StatusTombstone
	rec.Entries[2].Damaged = true
	rec.Entries[3].Row.FileAdler32 = 1

	rules := Rules(DefaultThresholds(10))
	matched := 0
	for _, r := range rules {
		if r.Match(rec) {
			matched++
		}
	}
	if matched != len(rules) {
		t.Fatalf("test record should match all %d rules, matched %d", len(rules), matched)
	}

	// Drop the earliest matching condition one at a time and the next rule
	// in table order takes over.
	order := []segment.Finding{}
	steps := []func(){
		func() { rec.Entries[0] = segment.Entry{Row: cloneRow(rec.Entries[4].Row)} },
		func() { rec.Entries[1].Row.Status = segment.StatusActive },
		func() {
			for _, e := range rec.Entries {
				e.Row.Status = segment.StatusFinal
			}
		},
		func() { rec.Entries[2].Damaged = false },
		func() { rec.Entries[3].Row.FileAdler32 = rec.Entries[4].Row.FileAdler32 },
	}
	for _, step := range steps {
		rule, ok := c.Evaluate(rec, now)
		if !ok {
			t.Fatal("expected a match")
		}
		order = append(order, rule.Status)
		step()
	}
	if _, ok := c.Evaluate(rec, now); ok {
		t.Error("record should be healthy after removing every condition")
	}

	for i, f := range segment.AllFindings {
		if order[i] != f {
			t.Errorf("position %d = %s, want %s", i, order[i], f)
		}
	}
}

func cloneRow(r *segment.Row) *segment.Row {
	c := *r
	return &c
}

func TestClassify_InvariantRecheck(t *testing.T) {
	c, meta, data := newClassifier(t, 3)
	rec := buildRecord(3, 48*time.Hour)
	rec.Entries[1].Row.UnifiedID = 7

	_, err := c.Classify(rec)
	var ive *merge.InvariantViolationError
	if !errors.As(err, &ive) {
		t.Fatalf("expected InvariantViolationError, got %v", err)
	}
	if len(meta.results)+len(data.results) != 0 {
		t.Error("no result should be written for an invalid record")
	}
	if c.Total() != 0 {
		t.Errorf("Total = %d, want 0", c.Total())
	}
}

func TestClassify_SinkError(t *testing.T) {
	meta, data := &captureSink{}, &captureSink{err: errors.New("disk full")}
	c, err := New(Config{Thresholds: DefaultThresholds(3), Now: func() time.Time { return now }}, meta, data)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := buildRecord(3, time.Hour)
	rec.Entries[0].Damaged = true
	if _, err := c.Classify(rec); err == nil {
		t.Fatal("expected sink error")
	}
	if c.Counts()[segment.FindingDamagedRecords] != 0 {
		t.Error("failed write should not be counted")
	}
}

func TestDefaultThresholds(t *testing.T) {
	tests := []struct {
		nodes      int
		minPresent int
	}{
		{10, 8},
		{3, 1},
		{2, 1},
		{1, 1},
	}
	for _, tt := range tests {
		th := DefaultThresholds(tt.nodes)
		if th.MinPresent != tt.minPresent {
			t.Errorf("nodes=%d MinPresent = %d, want %d", tt.nodes, th.MinPresent, tt.minPresent)
		}
		if th.PartialMin != 1 || th.PartialMax != tt.nodes {
			t.Errorf("nodes=%d partial range = [%d, %d)", tt.nodes, th.PartialMin, th.PartialMax)
		}
	}
}

func TestNew_RejectsInvalidThresholds(t *testing.T) {
	tests := []struct {
		name string
		th   Thresholds
	}{
		{"zero value", Thresholds{}},
		{"min present zero", Thresholds{Nodes: 3, MinPresent: 0, PartialMin: 1, PartialMax: 3}},
		{"min present above nodes", Thresholds{Nodes: 3, MinPresent: 4, PartialMin: 1, PartialMax: 3}},
		{"empty partial range", Thresholds{Nodes: 3, MinPresent: 1, PartialMin: 0, PartialMax: 0}},
		{"partial range past nodes", Thresholds{Nodes: 3, MinPresent: 1, PartialMin: 1, PartialMax: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(Config{Thresholds: tt.th}, &captureSink{}, &captureSink{}); err == nil {
				t.Errorf("New accepted %+v", tt.th)
			}
		})
	}

	for _, n := range []int{1, 2, 3, 10} {
		if err := DefaultThresholds(n).Validate(); err != nil {
			t.Errorf("DefaultThresholds(%d): %v", n, err)
		}
	}
}

func TestCounts_IncludesZeros(t *testing.T) {
	c, _, _ := newClassifier(t, 10)
	counts := c.Counts()
	for _, f := range segment.AllFindings {
		if v, ok := counts[f]; !ok || v != 0 {
			t.Errorf("count for %s = %d (present=%v), want 0", f, v, ok)
		}
	}
}
