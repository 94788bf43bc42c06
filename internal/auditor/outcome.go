package auditor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nimbus-io/anti-entropy/internal/framing"
	"github.com/nimbus-io/anti-entropy/internal/merge"
	"github.com/nimbus-io/anti-entropy/internal/notify"
	"github.com/nimbus-io/anti-entropy/internal/snapshot"
)

// Run outcomes, used as the metrics outcome label.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeHalted    = "halted"
)

// Fatal error kinds.
const (
	KindCollection         = "collection"
	KindStreamCorruption   = "stream_corruption"
	KindInvariantViolation = "invariant_violation"
	KindFraming            = "framing"
	KindInternal           = "internal"
)

// Outcome classifies the result of a run. A run stopped by ctx is halted,
// even when the error surfaced through a collection worker.
func Outcome(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return OutcomeCompleted
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return OutcomeHalted
	default:
		return OutcomeFailed
	}
}

// Describe maps a fatal error to its kind and, when known, the node it came
// from.
func Describe(err error) *notify.ErrorInfo {
	info := &notify.ErrorInfo{Kind: KindInternal, Message: err.Error()}

	var (
		ce  *snapshot.CollectionError
		sce *snapshot.StreamCorruptionError
		ive *merge.InvariantViolationError
		fe  *framing.FramingError
	)
	switch {
	case errors.As(err, &ce):
		info.Kind, info.Node = KindCollection, ce.Node
	case errors.As(err, &sce):
		info.Kind, info.Node = KindStreamCorruption, sce.Node
	case errors.As(err, &ive):
		info.Kind = KindInvariantViolation
	case errors.As(err, &fe):
		info.Kind = KindFraming
	}
	return info
}

func (a *Auditor) logFatal(log *slog.Logger, err error) {
	info := Describe(err)
	attrs := []any{"kind", info.Kind, "error", err}
	if info.Node != "" {
		attrs = append(attrs, "node", info.Node)
	}

	var ive *merge.InvariantViolationError
	if errors.As(err, &ive) {
		attrs = append(attrs, "record", ive.Record, "mismatched", ive.Mismatched)
	}
	log.Error("audit failed", attrs...)
}

func (a *Auditor) emit(ctx context.Context, run *Run, outcome string, err error, log *slog.Logger) {
	evt := &notify.RunEvent{
		Run: notify.RunInfo{
			Cluster:    a.cfg.Cluster.Name,
			RunID:      run.ID,
			Nodes:      a.nodeNames(),
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			Records:    run.Records,
		},
		Findings: findingsMap(run.Findings),
		Producer: notify.ProducerInfo{Name: "anti-entropy", Version: Version, GitSHA: GitSHA},
	}

	switch outcome {
	case OutcomeCompleted:
		evt.EventType = notify.EventRunCompleted
		if run.Manifest != nil {
			evt.Output = &notify.OutputInfo{URI: run.OutputURI, Manifest: run.ManifestURI()}
		}
	case OutcomeHalted:
		evt.EventType = notify.EventRunHalted
	default:
		evt.EventType = notify.EventRunFailed
		evt.Error = Describe(err)
	}

	// A halted run's context is already cancelled.
	if err := a.emitter.Emit(context.WithoutCancel(ctx), evt); err != nil {
		log.Warn("failed to emit run event", "event_type", evt.EventType, "error", err)
	}
}

func (a *Auditor) nodeNames() []string {
	nodes := a.cluster.Nodes()
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	return names
}
