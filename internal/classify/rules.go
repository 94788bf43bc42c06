// Package classify assigns each merged record to at most one inconsistency
// category using an ordered, first-match rule table.
package classify

import (
	"bytes"
	"fmt"

	"github.com/nimbus-io/anti-entropy/internal/segment"
)

// Sink selects the repair stream a finding is written to.
type Sink int

const (
	SinkData Sink = iota
	SinkMeta
)

func (s Sink) String() string {
	switch s {
	case SinkMeta:
		return "meta"
	case SinkData:
		return "data"
	default:
		return "unknown"
	}
}

// Rule is one row of the classification table.
type Rule struct {
	Status   segment.Finding
	AgeGated bool // only fires once the record is older than the minimum age
	Sink     Sink
	Match    func(rec *segment.Record) bool
}

// Thresholds parameterizes the count-based rules for an N node cluster.
type Thresholds struct {
	Nodes      int
	MinPresent int // rows needed before missing replicas are reported
	PartialMin int // inclusive lower bound of a partial status count
	PartialMax int // exclusive upper bound of a partial status count
}

// DefaultThresholds returns N-2 (at least 1) present rows for the replica
// check and [1, N) for partial status counts.
func DefaultThresholds(nodes int) Thresholds {
	minPresent := nodes - 2
	if minPresent < 1 {
		minPresent = 1
	}
	return Thresholds{
		Nodes:      nodes,
		MinPresent: minPresent,
		PartialMin: 1,
		PartialMax: nodes,
	}
}

// Validate rejects thresholds that cannot describe an N node cluster,
// including the zero value.
func (t Thresholds) Validate() error {
	switch {
	case t.Nodes < 1:
		return fmt.Errorf("thresholds: node count %d must be at least 1", t.Nodes)
	case t.MinPresent < 1 || t.MinPresent > t.Nodes:
		return fmt.Errorf("thresholds: min present %d out of range [1, %d]", t.MinPresent, t.Nodes)
	case t.PartialMin < 1 || t.PartialMax < t.PartialMin || t.PartialMax > t.Nodes:
		return fmt.Errorf("thresholds: partial range [%d, %d) invalid for %d nodes", t.PartialMin, t.PartialMax, t.Nodes)
	}
	return nil
}

func (t Thresholds) partial(count int) bool {
	return count >= t.PartialMin && count < t.PartialMax
}

// Rules returns the classification table in evaluation order. Later rules
// assume every earlier rule did not match.
func Rules(t Thresholds) []Rule {
	return []Rule{
		{
			Status:   segment.FindingMissingReplicas,
			AgeGated: true,
			Sink:     SinkData,
			Match: func(rec *segment.Record) bool {
				present := rec.PresentCount()
				return present >= t.MinPresent && present < len(rec.Entries)
			},
		},
		{
			Status:   segment.FindingMissingTombstones,
			AgeGated: true,
			Sink:     SinkMeta,
			Match: func(rec *segment.Record) bool {
				return t.partial(rec.StatusCount(segment.StatusTombstone))
			},
		},
		{
			Status:   segment.FindingIncompleteFinalization,
			AgeGated: true,
			Sink:     SinkData,
			Match: func(rec *segment.Record) bool {
				return t.partial(rec.StatusCount(segment.StatusFinal))
			},
		},
		{
			Status: segment.FindingDamagedRecords,
			Sink:   SinkData,
			Match: func(rec *segment.Record) bool {
				return rec.DamagedCount() > 0
			},
		},
		{
			Status: segment.FindingDatabaseInconsistency,
			Sink:   SinkData,
			Match:  inconsistent,
		},
	}
}

// inconsistent reports whether the present rows disagree on any of the
// replicated file attributes.
func inconsistent(rec *segment.Record) bool {
	var first *segment.Row
	for _, e := range rec.Entries {
		if !e.Present() {
			continue
		}
		if first == nil {
			first = e.Row
			continue
		}
		r := e.Row
		if !r.Timestamp.Equal(first.Timestamp) ||
			r.FileSize != first.FileSize ||
			r.FileAdler32 != first.FileAdler32 ||
			!bytes.Equal(r.FileHash, first.FileHash) ||
			r.SourceNodeID != first.SourceNodeID {
			return true
		}
	}
	return false
}

// SinkFor returns the sink a finding category is written to.
func SinkFor(status segment.Finding) (Sink, bool) {
	for _, r := range Rules(Thresholds{}) {
		if r.Status == status {
			return r.Sink, true
		}
	}
	return 0, false
}
