package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nimbus-io/anti-entropy/internal/framing"
	"github.com/nimbus-io/anti-entropy/internal/logging"
	"github.com/nimbus-io/anti-entropy/internal/metrics"
	"github.com/nimbus-io/anti-entropy/internal/nodedb"
	"github.com/nimbus-io/anti-entropy/internal/segment"
	"github.com/nimbus-io/anti-entropy/internal/util"
)

// Opener connects to one node's metadata database.
type Opener func(ctx context.Context, node segment.Node) (nodedb.Database, error)

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Cluster      string        // cluster label for logs and metrics
	Dir          string        // working directory, wiped at the start of each run
	PollInterval time.Duration // how often to report outstanding workers
}

// NodeStats summarizes one node's collected snapshot.
type NodeStats struct {
	Node     segment.Node
	Rows     int64
	Handoffs int64
	Damaged  int
	Duration time.Duration
}

// Collector snapshots every node of the cluster in parallel.
type Collector struct {
	cfg     CollectorConfig
	cluster *segment.Cluster
	open    Opener
	log     *slog.Logger
}

// NewCollector creates a collector.
func NewCollector(cfg CollectorConfig, cluster *segment.Cluster, open Opener) *Collector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Collector{
		cfg:     cfg,
		cluster: cluster,
		open:    open,
		log:     logging.Component("collector"),
	}
}

// Collect wipes the working directory and writes one segment stream and one
// damaged key stream per node. It returns only after every worker has
// finished. If ctx is cancelled the outstanding workers are stopped and
// ctx.Err() is returned; the files left behind are not usable.
func (c *Collector) Collect(ctx context.Context) ([]NodeStats, error) {
	if err := util.ResetDir(c.cfg.Dir); err != nil {
		return nil, fmt.Errorf("reset working directory: %w", err)
	}

	nodes := c.cluster.Nodes()
	stats := make([]NodeStats, len(nodes))
	var outstanding atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(nodes))

	for _, node := range nodes {
		if ctx.Err() != nil {
			c.log.Warn("halt requested, not starting remaining workers", "next_node", node.Name)
			break
		}
		outstanding.Add(1)
		g.Go(func() error {
			defer outstanding.Add(-1)
			st, err := c.collectNode(gctx, node)
			if err != nil {
				return &CollectionError{Node: node.Name, Err: err}
			}
			stats[node.Index] = st
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case err := <-done:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err != nil {
				return nil, err
			}
			c.log.Info("collection complete",
				"nodes", len(nodes),
				"duration", time.Since(start).String(),
			)
			return stats, nil

		case <-ticker.C:
			c.log.Debug("waiting for collection workers",
				"outstanding", outstanding.Load(),
				"elapsed", time.Since(start).String(),
			)

		case <-ctx.Done():
			c.log.Warn("halt requested, stopping collection workers", "outstanding", outstanding.Load())
			<-done
			return nil, ctx.Err()
		}
	}
}

// collectNode streams one node's rows and damaged keys into the working
// directory.
func (c *Collector) collectNode(ctx context.Context, node segment.Node) (NodeStats, error) {
	log := logging.NodeLogger(node.Name, node.Index)
	start := time.Now()
	st := NodeStats{Node: node}

	db, err := c.open(ctx, node)
	if err != nil {
		return st, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	w, err := framing.Create(SegmentPath(c.cfg.Dir, node.Name))
	if err != nil {
		return st, err
	}

	err = db.StreamSegments(ctx, func(row segment.Row) error {
		if err := w.Write(row); err != nil {
			return err
		}
		st.Rows++
		if row.IsHandoff() {
			st.Handoffs++
		}
		return nil
	})
	if cerr := w.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close segment stream: %w", cerr)
	}
	if err != nil {
		return st, fmt.Errorf("stream segments: %w", err)
	}

	keys, err := db.DamagedKeys(ctx)
	if err != nil {
		return st, fmt.Errorf("load damaged keys: %w", err)
	}
	if keys == nil {
		keys = []segment.Key{}
	}
	st.Damaged = len(keys)

	dw, err := framing.Create(DamagedPath(c.cfg.Dir, node.Name))
	if err != nil {
		return st, err
	}
	err = dw.Write(keys)
	if cerr := dw.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return st, fmt.Errorf("write damaged keys: %w", err)
	}

	st.Duration = time.Since(start)
	log.Info("node snapshot collected",
		"rows", st.Rows,
		"handoffs", st.Handoffs,
		"damaged", st.Damaged,
		"duration_ms", st.Duration.Milliseconds(),
	)

	if m := metrics.Get(); m != nil {
		labels := metrics.Labels{Cluster: c.cfg.Cluster, Node: node.Name}
		m.AddRowsCollected(labels, float64(st.Rows))
		m.ObserveCollectDuration(labels, st.Duration.Seconds())
	}
	return st, nil
}

// IsCollectionError reports whether err came from a failed collection worker.
func IsCollectionError(err error) bool {
	var ce *CollectionError
	return errors.As(err, &ce)
}
