// Package snapshot collects per-node segment metadata snapshots into a
// working directory and reads them back as key-grouped cursors.
package snapshot

import (
	"fmt"
	"path/filepath"
)

const fileExt = ".zz"

// SegmentPath returns the path of a node's segment row stream.
func SegmentPath(dir, node string) string {
	return filepath.Join(dir, "segment-"+node+fileExt)
}

// DamagedPath returns the path of a node's damaged key stream.
func DamagedPath(dir, node string) string {
	return filepath.Join(dir, "damaged-"+node+fileExt)
}

// CollectionError reports a failed collection worker. The run is aborted
// before merging and none of the node files are trusted.
type CollectionError struct {
	Node string
	Err  error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collect node %s: %v", e.Node, e.Err)
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

// StreamCorruptionError reports a node snapshot file that is truncated,
// undecodable, or out of sort order.
type StreamCorruptionError struct {
	Node string
	Path string
	Err  error
}

func (e *StreamCorruptionError) Error() string {
	return fmt.Sprintf("corrupt snapshot for node %s (%s): %v", e.Node, e.Path, e.Err)
}

func (e *StreamCorruptionError) Unwrap() error {
	return e.Err
}
