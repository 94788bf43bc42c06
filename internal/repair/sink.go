// Package repair persists classified records to the append-only repair
// streams consumed by the repair stage.
package repair

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/nimbus-io/anti-entropy/internal/framing"
	"github.com/nimbus-io/anti-entropy/internal/segment"
)

// Output file names within the run directory.
const (
	MetaFile = "meta-repair.zz"
	DataFile = "data-repair.zz"
)

// Sink appends results to one framed, compressed stream.
type Sink struct {
	path   string
	w      *framing.Writer
	counts map[segment.Finding]int64
}

// Create opens a new sink at path, truncating any existing file.
func Create(path string) (*Sink, error) {
	w, err := framing.Create(path)
	if err != nil {
		return nil, err
	}
	return &Sink{
		path:   path,
		w:      w,
		counts: make(map[segment.Finding]int64),
	}, nil
}

// Write appends one result as a single frame.
func (s *Sink) Write(res *segment.Result) error {
	if err := s.w.Write(res); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(s.path), err)
	}
	s.counts[res.Status]++
	return nil
}

// Path returns the file the sink writes to.
func (s *Sink) Path() string {
	return s.path
}

// Records returns the number of results written.
func (s *Sink) Records() int64 {
	return s.w.Frames()
}

// Counts returns the number of results written per category.
func (s *Sink) Counts() map[segment.Finding]int64 {
	out := make(map[segment.Finding]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Close flushes and closes the stream.
func (s *Sink) Close() error {
	return s.w.Close()
}

// Sinks is the pair of streams produced by one run.
type Sinks struct {
	Meta *Sink
	Data *Sink
}

// CreateSinks creates both repair streams in dir.
func CreateSinks(dir string) (*Sinks, error) {
	meta, err := Create(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, err
	}
	data, err := Create(filepath.Join(dir, DataFile))
	if err != nil {
		meta.Close()
		return nil, err
	}
	return &Sinks{Meta: meta, Data: data}, nil
}

// Close closes both streams and returns the first error.
func (s *Sinks) Close() error {
	err := s.Meta.Close()
	if derr := s.Data.Close(); err == nil {
		err = derr
	}
	return err
}

// Reader reads results back from a repair stream.
type Reader struct {
	r *framing.Reader
}

// Open opens a repair stream for reading.
func Open(path string) (*Reader, error) {
	r, err := framing.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{r: r}, nil
}

// Next decodes the next result. It returns io.EOF at a clean end of stream
// and a *framing.FramingError for a truncated frame.
func (r *Reader) Next() (*segment.Result, error) {
	var res segment.Result
	if err := r.r.Next(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// NextRaw returns the next undecoded payload.
func (r *Reader) NextRaw() ([]byte, error) {
	return r.r.NextRaw()
}

// Close releases the file.
func (r *Reader) Close() error {
	return r.r.Close()
}

// ReadAll reads every result in the stream at path.
func ReadAll(path string) ([]*segment.Result, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []*segment.Result
	for {
		res, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
}
