package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ManifestFile is the name of the manifest written last into a run directory.
const ManifestFile = "_manifest.json"

var (
	// ErrRunExists is returned when a run directory already has a manifest.
	ErrRunExists = errors.New("run already published")

	// ErrSizeMismatch is returned when a published object differs in size
	// from its local source.
	ErrSizeMismatch = errors.New("published size mismatch")
)

// RunRef identifies the published output of one audit run.
type RunRef struct {
	Cluster string
	RunID   string
}

// DirPath returns the storage directory of the run.
func (r RunRef) DirPath(prefix string) string {
	return fmt.Sprintf("%s%s/%s", prefix, r.Cluster, r.RunID)
}

// Key returns the storage key of a file within the run directory.
func (r RunRef) Key(prefix, name string) string {
	return r.DirPath(prefix) + "/" + name
}

// ManifestPath returns the storage key of the run manifest.
func (r RunRef) ManifestPath(prefix string) string {
	return r.Key(prefix, ManifestFile)
}

// Manifest describes the contents of a published run directory.
type Manifest struct {
	Run       RunInfo             `json:"run"`
	Files     map[string]FileInfo `json:"files"`
	Findings  map[string]int64    `json:"findings"`
	Producer  ProducerInfo        `json:"producer"`
	CreatedAt time.Time           `json:"created_at"`
}

// RunInfo describes the run that produced the files.
type RunInfo struct {
	Cluster    string    `json:"cluster"`
	RunID      string    `json:"run_id"`
	Nodes      []string  `json:"nodes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Records    int64     `json:"records"`
}

// FileInfo describes a single published file.
type FileInfo struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	Records  int64  `json:"records"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the run.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// MarshalJSON returns the manifest as indented JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// Move pairs a temporary key with its final key.
type Move struct {
	Temp  string
	Final string
}

// AtomicStore publishes objects by writing them to temporary keys and moving
// them into place once every write has succeeded.
type AtomicStore interface {
	// WriteTemp streams r to a temporary key derived from key and returns it.
	WriteTemp(ctx context.Context, key string, r io.Reader) (tempKey string, err error)

	// Finalize moves temp objects to their final keys in order.
	// For object stores this is copy+delete; for the local filesystem it's rename.
	// If any move fails, the moved objects are removed again.
	Finalize(ctx context.Context, moves []Move) error

	// Abort removes temporary objects without publishing.
	Abort(ctx context.Context, tempKeys []string) error

	// Exists reports whether key is stored.
	Exists(ctx context.Context, key string) (bool, error)

	// Head returns metadata about a stored object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // MD5 for S3/GCS, empty for local
	ModTime time.Time
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "none" | "local" | "gcs" | "s3" | "blob"

	// Local filesystem
	LocalDir string

	// GCS / S3 bucket name
	Bucket string

	// S3 (also works for B2, R2, MinIO)
	S3Endpoint string
	S3Region   string

	// Any gocloud.dev blob URL, e.g. "file:///srv/audits" or "mem://"
	BucketURL string

	// Common
	Prefix string // "audits/" (path prefix within bucket or local dir)
}

// NewAtomicStore creates a storage backend based on configuration.
// It returns nil, nil for the "none" backend.
func NewAtomicStore(ctx context.Context, cfg StorageConfig) (AtomicStore, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for gcs backend")
		}
		return NewGCSStore(ctx, cfg.Bucket)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for s3 backend")
		}
		return NewS3Store(ctx, cfg.Bucket, cfg.S3Endpoint, cfg.S3Region)
	case "blob":
		if cfg.BucketURL == "" {
			return nil, fmt.Errorf("BucketURL required for blob backend")
		}
		return OpenBlobStore(ctx, cfg.BucketURL)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
