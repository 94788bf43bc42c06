package classify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nimbus-io/anti-entropy/internal/logging"
	"github.com/nimbus-io/anti-entropy/internal/merge"
	"github.com/nimbus-io/anti-entropy/internal/segment"
)

// DefaultMinAge is how old a record must be before age-gated rules apply.
const DefaultMinAge = 24 * time.Hour

// ResultWriter receives classified records. *repair.Sink implements it.
type ResultWriter interface {
	Write(res *segment.Result) error
}

// Config configures a Classifier.
type Config struct {
	Thresholds Thresholds // see DefaultThresholds
	MinAge     time.Duration
	Now        func() time.Time // defaults to time.Now
}

// Classifier evaluates merged records against the rule table and routes each
// finding to its sink.
type Classifier struct {
	rules  []Rule
	minAge time.Duration
	now    func() time.Time
	sinks  map[Sink]ResultWriter
	counts map[segment.Finding]int64
	total  int64
	log    *slog.Logger
}

// New creates a classifier writing meta findings to meta and data findings
// to data. cfg.Thresholds must be set; use DefaultThresholds for the usual
// values.
func New(cfg Config, meta, data ResultWriter) (*Classifier, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = DefaultMinAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	counts := make(map[segment.Finding]int64, len(segment.AllFindings))
	for _, f := range segment.AllFindings {
		counts[f] = 0
	}
	return &Classifier{
		rules:  Rules(cfg.Thresholds),
		minAge: cfg.MinAge,
		now:    cfg.Now,
		sinks:  map[Sink]ResultWriter{SinkMeta: meta, SinkData: data},
		counts: counts,
		log:    logging.Component("classifier"),
	}, nil
}

// Evaluate returns the first matching rule for rec at time now. ok is false
// for a healthy record.
func (c *Classifier) Evaluate(rec *segment.Record, now time.Time) (rule Rule, ok bool) {
	aged := false
	if oldest, present := rec.OldestTimestamp(); present {
		aged = now.Sub(oldest) > c.minAge
	}
	for _, r := range c.rules {
		if r.AgeGated && !aged {
			continue
		}
		if r.Match(rec) {
			return r, true
		}
	}
	return Rule{}, false
}

// Classify checks the record invariant, evaluates the rules, and writes at
// most one result. It returns nil for a healthy record.
func (c *Classifier) Classify(rec *segment.Record) (*segment.Result, error) {
	if err := merge.CheckRecord(rec); err != nil {
		return nil, err
	}
	c.total++

	rule, ok := c.Evaluate(rec, c.now())
	if !ok {
		return nil, nil
	}

	res := &segment.Result{Status: rule.Status, Record: *rec}
	if err := c.sinks[rule.Sink].Write(res); err != nil {
		return nil, fmt.Errorf("write %s finding for %s: %w", rule.Status, rec.Key, err)
	}
	c.counts[rule.Status]++

	c.log.Debug("finding",
		"status", string(rule.Status),
		"key", rec.Key.String(),
		"present", rec.PresentCount(),
		"sink", rule.Sink.String(),
	)
	return res, nil
}

// Counts returns the number of findings per category, including zeros.
func (c *Classifier) Counts() map[segment.Finding]int64 {
	out := make(map[segment.Finding]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Total returns the number of records classified, healthy ones included.
func (c *Classifier) Total() int64 {
	return c.total
}
