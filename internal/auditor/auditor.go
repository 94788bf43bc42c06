// Package auditor runs one anti-entropy audit of a cluster: snapshot every
// node, merge the snapshots, classify each merged record, and publish the
// repair streams.
package auditor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/nimbus-io/anti-entropy/internal/checkpoint"
	"github.com/nimbus-io/anti-entropy/internal/classify"
	"github.com/nimbus-io/anti-entropy/internal/config"
	"github.com/nimbus-io/anti-entropy/internal/logging"
	"github.com/nimbus-io/anti-entropy/internal/merge"
	"github.com/nimbus-io/anti-entropy/internal/metrics"
	"github.com/nimbus-io/anti-entropy/internal/nodedb"
	"github.com/nimbus-io/anti-entropy/internal/notify"
	"github.com/nimbus-io/anti-entropy/internal/repair"
	"github.com/nimbus-io/anti-entropy/internal/report"
	"github.com/nimbus-io/anti-entropy/internal/segment"
	"github.com/nimbus-io/anti-entropy/internal/snapshot"
	"github.com/nimbus-io/anti-entropy/internal/storage"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Options supplies the collaborators of an Auditor. Nil fields get defaults:
// PostgreSQL node databases, no publication, no notifications, no checkpoint.
type Options struct {
	Opener     snapshot.Opener
	Store      storage.AtomicStore
	Emitter    notify.Emitter
	Checkpoint checkpoint.Manager
	Now        func() time.Time
}

// Auditor runs audits for one cluster. Runs must not overlap: each run wipes
// the working directory.
type Auditor struct {
	cfg        config.Config
	cluster    *segment.Cluster
	open       snapshot.Opener
	publisher  *storage.Publisher
	emitter    notify.Emitter
	checkpoint checkpoint.Manager
	now        func() time.Time
	log        *slog.Logger
}

// Run summarizes a finished audit.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Nodes      []snapshot.NodeStats
	Merge      merge.Stats
	Records    int64 // records classified
	Findings   map[segment.Finding]int64
	Files      []storage.File
	Manifest   *storage.Manifest // nil when publication is disabled
	OutputURI  string
}

// New creates an auditor for cfg.
func New(cfg config.Config, opts Options) (*Auditor, error) {
	cluster, err := cfg.Cluster.SegmentCluster()
	if err != nil {
		return nil, fmt.Errorf("build cluster: %w", err)
	}

	a := &Auditor{
		cfg:        cfg,
		cluster:    cluster,
		open:       opts.Opener,
		emitter:    opts.Emitter,
		checkpoint: opts.Checkpoint,
		now:        opts.Now,
		log:        logging.Component("auditor"),
	}
	if a.open == nil {
		a.open = PostgresOpener(cfg.Cluster, cfg.DB)
	}
	if opts.Store != nil {
		a.publisher = storage.NewPublisher(opts.Store, cfg.Storage.Prefix, storage.ProducerInfo{
			Name:    "anti-entropy",
			Version: Version,
			GitSHA:  GitSHA,
		})
	}
	if a.emitter == nil {
		a.emitter = notify.NewEmitter(notify.Config{})
	}
	if a.checkpoint == nil {
		a.checkpoint, _ = checkpoint.NewManager(checkpoint.Config{})
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// PostgresOpener connects to each node's database with the DSN configured
// for it.
func PostgresOpener(cc config.ClusterConfig, db config.DBConfig) snapshot.Opener {
	return func(ctx context.Context, node segment.Node) (nodedb.Database, error) {
		dsn, ok := cc.DSN(node.Name)
		if !ok {
			return nil, fmt.Errorf("no database configured for node %s", node.Name)
		}
		return nodedb.NewPostgres(ctx, nodedb.PostgresConfig{
			Node:           node.Name,
			DSN:            dsn,
			MaxConns:       db.MaxConns,
			ConnectTimeout: db.ConnectTimeout,
		})
	}
}

// Run performs one audit. A halt (ctx cancelled) returns ctx.Err() and skips
// publication; every other error is fatal and is reported the same way.
// In both cases a run event is emitted and metrics are updated.
func (a *Auditor) Run(ctx context.Context) (*Run, error) {
	run := &Run{
		ID:        logging.GenerateRunID(),
		StartedAt: a.now().UTC(),
	}
	ctx = logging.WithRunID(ctx, run.ID)
	log := logging.RunLogger(run.ID, a.cfg.Cluster.Name, a.cluster.Size())

	a.logLastRun(ctx, log)
	log.Info("audit started",
		"work_dir", a.cfg.Audit.WorkDir,
		"min_age", a.cfg.Audit.MinAge.String(),
	)

	err := a.audit(ctx, run, log)
	run.FinishedAt = a.now().UTC()

	outcome := Outcome(ctx, err)
	switch outcome {
	case OutcomeCompleted:
		log.Info("audit complete",
			"records", run.Records,
			"findings", findingsMap(run.Findings),
			"output", run.OutputURI,
			"duration", run.FinishedAt.Sub(run.StartedAt).String(),
		)
		a.saveCheckpoint(ctx, run, log)
	case OutcomeHalted:
		log.Warn("audit halted", "records", run.Records)
	default:
		a.logFatal(log, err)
	}

	a.recordMetrics(run, outcome, err)
	a.emit(ctx, run, outcome, err, log)

	return run, err
}

func (a *Auditor) audit(ctx context.Context, run *Run, log *slog.Logger) error {
	workDir := a.cfg.Audit.WorkDir

	collector := snapshot.NewCollector(snapshot.CollectorConfig{
		Cluster:      a.cfg.Cluster.Name,
		Dir:          workDir,
		PollInterval: a.cfg.Audit.PollInterval,
	}, a.cluster, a.open)

	nodes, err := collector.Collect(ctx)
	if err != nil {
		return err
	}
	run.Nodes = nodes

	readers := make([]*snapshot.Reader, 0, a.cluster.Size())
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	sources := make([]merge.Source, 0, a.cluster.Size())
	for _, node := range a.cluster.Nodes() {
		r, err := snapshot.OpenReader(workDir, node)
		if err != nil {
			return err
		}
		readers = append(readers, r)
		sources = append(sources, r)
	}

	merger, err := merge.New(a.cluster, sources)
	if err != nil {
		return err
	}

	sinks, err := repair.CreateSinks(workDir)
	if err != nil {
		return err
	}
	reportPath := filepath.Join(workDir, report.FileName)
	findings, err := report.Create(reportPath, a.cluster, a.cfg.Cluster.Name, run.ID)
	if err != nil {
		sinks.Close()
		return err
	}

	classifier, err := classify.New(classify.Config{
		Thresholds: a.thresholds(),
		MinAge:     a.cfg.Audit.MinAge,
		Now:        a.now,
	},
		&reportingWriter{sink: sinks.Meta, report: findings, name: classify.SinkMeta.String()},
		&reportingWriter{sink: sinks.Data, report: findings, name: classify.SinkData.String()},
	)
	if err != nil {
		sinks.Close()
		findings.Close()
		return err
	}

	err = classifyAll(ctx, merger, classifier)
	run.Records = classifier.Total()
	run.Findings = classifier.Counts()
	run.Merge = merger.Stats()

	closeErr := sinks.Close()
	if rerr := findings.Close(); closeErr == nil {
		closeErr = rerr
	}
	if err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("close output: %w", closeErr)
	}

	if run.Merge.OrphanHandoff > 0 {
		log.Warn("handoff rows without a destination node", "count", run.Merge.OrphanHandoff)
	}
	if run.Merge.SkippedHandoff > 0 {
		log.Info("handoff rows ignored, destination already has a row", "count", run.Merge.SkippedHandoff)
	}

	run.Files = []storage.File{
		{Path: sinks.Meta.Path(), Records: sinks.Meta.Records()},
		{Path: sinks.Data.Path(), Records: sinks.Data.Records()},
		{Path: reportPath, Records: findings.Rows()},
	}

	v := ValidateOutput(run)
	for _, w := range v.Warnings {
		log.Warn("output validation", "warning", w)
	}
	if !v.Passed {
		return fmt.Errorf("%w: %s", ErrInvalidOutput, strings.Join(v.Errors, "; "))
	}
	log.Debug("output validated", "bytes", v.ByteSize)

	return a.publish(ctx, run)
}

// classifyAll drains the merger into the classifier.
func classifyAll(ctx context.Context, merger *merge.Merger, classifier *classify.Classifier) error {
	for {
		rec, err := merger.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := classifier.Classify(rec); err != nil {
			return err
		}
	}
}

func (a *Auditor) thresholds() classify.Thresholds {
	t := classify.DefaultThresholds(a.cluster.Size())
	if a.cfg.Audit.MinPresent > 0 {
		t.MinPresent = a.cfg.Audit.MinPresent
	}
	return t
}

// reportingWriter writes a finding to its repair stream and appends it to the
// findings report.
type reportingWriter struct {
	sink   *repair.Sink
	report *report.Writer
	name   string
}

func (w *reportingWriter) Write(res *segment.Result) error {
	if err := w.sink.Write(res); err != nil {
		return err
	}
	return w.report.Add(res, w.name)
}

func (a *Auditor) logLastRun(ctx context.Context, log *slog.Logger) {
	cp, err := a.checkpoint.Load(ctx, a.cfg.Cluster.Name)
	switch {
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		log.Info("no previous audit recorded")
	case err != nil:
		log.Warn("failed to load checkpoint", "error", err)
	default:
		log.Info("previous audit",
			"run_id", cp.RunID,
			"finished_at", cp.FinishedAt,
			"records", cp.Records,
			"findings", cp.Findings,
		)
	}
}

func (a *Auditor) saveCheckpoint(ctx context.Context, run *Run, log *slog.Logger) {
	cp := &checkpoint.Checkpoint{
		Cluster:    a.cfg.Cluster.Name,
		RunID:      run.ID,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Records:    run.Records,
		Findings:   findingsMap(run.Findings),
		OutputURI:  run.OutputURI,
		UpdatedAt:  a.now().UTC(),
	}
	if err := a.checkpoint.Save(ctx, cp); err != nil {
		log.Warn("failed to save checkpoint", "error", err)
	}
}

func (a *Auditor) recordMetrics(run *Run, outcome string, err error) {
	m := metrics.Get()
	if m == nil {
		return
	}
	labels := metrics.Labels{Cluster: a.cfg.Cluster.Name, Outcome: outcome}
	m.IncRuns(labels)
	m.ObserveRunDuration(labels, run.FinishedAt.Sub(run.StartedAt).Seconds())
	m.AddRecordsMerged(labels, float64(run.Merge.Records))

	switch outcome {
	case OutcomeCompleted:
		for status, n := range run.Findings {
			m.AddFindings(metrics.Labels{Cluster: a.cfg.Cluster.Name, Status: string(status)}, float64(n))
		}
		m.SetLastRunTimestamp(labels, float64(run.FinishedAt.Unix()))
	case OutcomeFailed:
		m.IncFatalErrors(metrics.Labels{Cluster: a.cfg.Cluster.Name, Kind: Describe(err).Kind})
	}
}

func findingsMap(counts map[segment.Finding]int64) map[string]int64 {
	out := make(map[string]int64, len(counts))
	for k, v := range counts {
		out[string(k)] = v
	}
	return out
}
