// Package report writes a flat, columnar summary of every finding of a run.
package report

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/nimbus-io/anti-entropy/internal/segment"
)

// FileName is the report's name within the run directory.
const FileName = "findings.parquet"

// Finding is one row of the findings report.
type Finding struct {
	RunID           string    `parquet:"run_id"`
	Cluster         string    `parquet:"cluster"`
	UnifiedID       uint64    `parquet:"unified_id"`
	ConjoinedPart   uint32    `parquet:"conjoined_part"`
	Status          string    `parquet:"status"`
	Sink            string    `parquet:"sink"`
	Present         int32     `parquet:"present"`
	Handoffs        int32     `parquet:"handoffs"`
	Damaged         int32     `parquet:"damaged"`
	Tombstones      int32     `parquet:"tombstones"`
	Finals          int32     `parquet:"finals"`
	OldestTimestamp time.Time `parquet:"oldest_timestamp,timestamp(millisecond)"`
	MissingNodes    string    `parquet:"missing_nodes"` // comma separated node names
	Key             string    `parquet:"key"`           // object key of the first present row
}

// Writer appends findings to a parquet file. Rows are buffered and flushed in
// row groups.
type Writer struct {
	f       *os.File
	pw      *parquet.GenericWriter[Finding]
	cluster *segment.Cluster
	runID   string
	name    string
	buf     []Finding
	rows    int64
}

const flushRows = 4096

// Create creates the report file at path.
func Create(path string, cluster *segment.Cluster, clusterName, runID string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	pw := parquet.NewGenericWriter[Finding](f,
		parquet.Compression(&parquet.Zstd),
		parquet.CreatedBy("anti-entropy", "", ""),
	)
	return &Writer{
		f:       f,
		pw:      pw,
		cluster: cluster,
		runID:   runID,
		name:    clusterName,
		buf:     make([]Finding, 0, flushRows),
	}, nil
}

// Add records one classified result.
func (w *Writer) Add(res *segment.Result, sink string) error {
	w.buf = append(w.buf, w.row(res, sink))
	w.rows++
	if len(w.buf) >= flushRows {
		return w.flush()
	}
	return nil
}

func (w *Writer) row(res *segment.Result, sink string) Finding {
	rec := &res.Record
	row := Finding{
		RunID:         w.runID,
		Cluster:       w.name,
		UnifiedID:     rec.Key.UnifiedID,
		ConjoinedPart: rec.Key.ConjoinedPart,
		Status:        string(res.Status),
		Sink:          sink,
		Present:       int32(rec.PresentCount()),
		Damaged:       int32(rec.DamagedCount()),
		Tombstones:    int32(rec.StatusCount(segment.StatusTombstone)),
		Finals:        int32(rec.StatusCount(segment.StatusFinal)),
	}
	if oldest, ok := rec.OldestTimestamp(); ok {
		row.OldestTimestamp = oldest.UTC()
	}

	var missing []string
	for i, e := range rec.Entries {
		if !e.Present() {
			missing = append(missing, w.cluster.Node(i).Name)
			continue
		}
		if e.Handoff {
			row.Handoffs++
		}
		if row.Key == "" {
			row.Key = e.Row.Key
		}
	}
	row.MissingNodes = strings.Join(missing, ",")
	return row
}

func (w *Writer) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	if _, err := w.pw.Write(w.buf); err != nil {
		return fmt.Errorf("write findings: %w", err)
	}
	w.buf = w.buf[:0]
	return nil
}

// Rows returns the number of findings added.
func (w *Writer) Rows() int64 {
	return w.rows
}

// Path returns the report file path.
func (w *Writer) Path() string {
	return w.f.Name()
}

// Close flushes buffered rows, writes the parquet footer, and closes the file.
func (w *Writer) Close() error {
	err := w.flush()
	if cerr := w.pw.Close(); err == nil {
		err = cerr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadFile loads every row of a findings report.
func ReadFile(path string) ([]Finding, error) {
	rows, err := parquet.ReadFile[Finding](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}
