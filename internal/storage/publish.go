package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nimbus-io/anti-entropy/internal/logging"
)

// File is one local output file to publish.
type File struct {
	Path    string // local path; the base name becomes the published name
	Records int64
}

// Publisher copies a run's output files into an AtomicStore and writes the
// manifest last, so a run directory with a manifest is always complete.
type Publisher struct {
	store    AtomicStore
	prefix   string
	producer ProducerInfo
	log      *slog.Logger
}

// NewPublisher creates a publisher writing under prefix.
func NewPublisher(store AtomicStore, prefix string, producer ProducerInfo) *Publisher {
	return &Publisher{
		store:    store,
		prefix:   prefix,
		producer: producer,
		log:      logging.Component("publisher"),
	}
}

// Publish uploads files and the manifest for ref. It returns ErrRunExists if
// the run directory already has a manifest.
func (p *Publisher) Publish(ctx context.Context, ref RunRef, run RunInfo, files []File, findings map[string]int64) (*Manifest, error) {
	manifestKey := ref.ManifestPath(p.prefix)
	if exists, err := p.store.Exists(ctx, manifestKey); err != nil {
		return nil, fmt.Errorf("check %s: %w", manifestKey, err)
	} else if exists {
		return nil, fmt.Errorf("%w: %s", ErrRunExists, p.URI(ref))
	}
	if err := p.clearStale(ctx, ref); err != nil {
		return nil, err
	}

	manifest := &Manifest{
		Run:       run,
		Files:     make(map[string]FileInfo, len(files)),
		Findings:  findings,
		Producer:  p.producer,
		CreatedAt: time.Now().UTC(),
	}

	var moves []Move
	abort := func() {
		temps := make([]string, len(moves))
		for i, m := range moves {
			temps[i] = m.Temp
		}
		p.store.Abort(ctx, temps)
	}

	for _, f := range files {
		name := filepath.Base(f.Path)
		key := ref.Key(p.prefix, name)

		tempKey, info, err := p.upload(ctx, key, f)
		if err != nil {
			abort()
			return nil, err
		}
		moves = append(moves, Move{Temp: tempKey, Final: key})
		manifest.Files[name] = info

		p.log.Debug("uploaded file", "file", name, "bytes", info.ByteSize, "checksum", info.Checksum)
	}

	data, err := manifest.MarshalJSON()
	if err != nil {
		abort()
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	tempManifest, err := p.store.WriteTemp(ctx, manifestKey, bytes.NewReader(data))
	if err != nil {
		abort()
		return nil, fmt.Errorf("write manifest temp: %w", err)
	}
	moves = append(moves, Move{Temp: tempManifest, Final: manifestKey})

	// Finalize handles its own cleanup on failure
	if err := p.store.Finalize(ctx, moves); err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}

	if err := p.verify(ctx, ref, manifest); err != nil {
		return nil, err
	}

	p.log.Info("published run output",
		"uri", p.URI(ref),
		"files", len(files),
	)
	return manifest, nil
}

// URI returns the URI of the run directory of ref.
func (p *Publisher) URI(ref RunRef) string {
	return p.store.URI(ref.DirPath(p.prefix))
}

// clearStale removes objects a crashed publish left in the run directory.
// Without a manifest they are not a published run.
func (p *Publisher) clearStale(ctx context.Context, ref RunRef) error {
	stale, err := p.store.List(ctx, ref.DirPath(p.prefix)+"/")
	if err != nil {
		return fmt.Errorf("list %s: %w", p.URI(ref), err)
	}
	if len(stale) == 0 {
		return nil
	}
	p.log.Warn("removing objects left by an incomplete publish", "uri", p.URI(ref), "count", len(stale))
	if err := p.store.Abort(ctx, stale); err != nil {
		return fmt.Errorf("remove stale objects: %w", err)
	}
	return nil
}

// verify checks that every published file has the size recorded in the
// manifest.
func (p *Publisher) verify(ctx context.Context, ref RunRef, manifest *Manifest) error {
	for name, info := range manifest.Files {
		obj, err := p.store.Head(ctx, ref.Key(p.prefix, name))
		if err != nil {
			return fmt.Errorf("verify %s: %w", name, err)
		}
		if obj.Size != info.ByteSize {
			return fmt.Errorf("%w: %s is %d bytes, manifest says %d", ErrSizeMismatch, name, obj.Size, info.ByteSize)
		}
	}
	return nil
}

// upload streams one local file to a temp key while hashing it.
func (p *Publisher) upload(ctx context.Context, key string, f File) (string, FileInfo, error) {
	src, err := os.Open(f.Path)
	if err != nil {
		return "", FileInfo{}, fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer src.Close()

	h := sha256.New()
	cr := &countingReader{r: io.TeeReader(src, h)}

	tempKey, err := p.store.WriteTemp(ctx, key, cr)
	if err != nil {
		return "", FileInfo{}, fmt.Errorf("write %s temp: %w", filepath.Base(f.Path), err)
	}

	return tempKey, FileInfo{
		File:     filepath.Base(f.Path),
		Checksum: "sha256:" + hex.EncodeToString(h.Sum(nil)),
		Records:  f.Records,
		ByteSize: cr.n,
	}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
