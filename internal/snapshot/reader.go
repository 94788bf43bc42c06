package snapshot

import (
	"errors"
	"fmt"
	"io"

	"github.com/nimbus-io/anti-entropy/internal/framing"
	"github.com/nimbus-io/anti-entropy/internal/segment"
)

var (
	// ErrOutOfOrder means a key sorted below the previous key in the stream.
	ErrOutOfOrder = errors.New("segment rows out of order")
	// ErrDuplicatePrimary means two primary rows share one identity key.
	ErrDuplicatePrimary = errors.New("duplicate primary row")
	// ErrHandoffAfterPrimary means a handoff row followed the primary row
	// for the same key.
	ErrHandoffAfterPrimary = errors.New("handoff row after primary row")
	// ErrMissingDamagedSet means the damaged key stream held no record.
	ErrMissingDamagedSet = errors.New("damaged key stream is empty")
)

// Group is every row a node holds for one identity key: the node's own
// primary row (nil if it has none) and the handoff rows it stores for others.
type Group struct {
	Key      segment.Key
	Primary  *segment.Row
	Handoffs []segment.Row
}

// Reader is a forward-only cursor over one node's snapshot, one key group at
// a time. It is not safe for concurrent use.
type Reader struct {
	node    segment.Node
	path    string
	rows    *framing.Reader
	damaged segment.DamagedSet

	pending *segment.Row // one-row lookahead
	current Group
	valid   bool
	last    segment.Key
	started bool
}

// OpenReader opens a node's snapshot files in dir, loads its damaged set,
// and positions the cursor on the first key group.
func OpenReader(dir string, node segment.Node) (*Reader, error) {
	damaged, err := ReadDamagedSet(DamagedPath(dir, node.Name), node.Name)
	if err != nil {
		return nil, err
	}

	path := SegmentPath(dir, node.Name)
	rows, err := framing.Open(path)
	if err != nil {
		return nil, &StreamCorruptionError{Node: node.Name, Path: path, Err: err}
	}

	r := &Reader{
		node:    node,
		path:    path,
		rows:    rows,
		damaged: damaged,
	}
	if err := r.Advance(); err != nil {
		rows.Close()
		return nil, err
	}
	return r, nil
}

// ReadDamagedSet loads a damaged key stream written by the collector.
func ReadDamagedSet(path, node string) (segment.DamagedSet, error) {
	r, err := framing.Open(path)
	if err != nil {
		return nil, &StreamCorruptionError{Node: node, Path: path, Err: err}
	}
	defer r.Close()

	var keys []segment.Key
	if err := r.Next(&keys); err != nil {
		if err == io.EOF {
			err = ErrMissingDamagedSet
		}
		return nil, &StreamCorruptionError{Node: node, Path: path, Err: err}
	}
	return segment.NewDamagedSet(keys), nil
}

// Node returns the node this reader belongs to.
func (r *Reader) Node() segment.Node {
	return r.node
}

// Current returns the current key group. ok is false once the stream is
// exhausted.
func (r *Reader) Current() (g Group, ok bool) {
	return r.current, r.valid
}

// IsDamaged reports whether the current key is in the node's damaged set.
func (r *Reader) IsDamaged() bool {
	return r.valid && r.damaged.Contains(r.current.Key)
}

// DamagedCount returns the size of the damaged set.
func (r *Reader) DamagedCount() int {
	return len(r.damaged)
}

// Advance moves to the next key group. Handoff rows for a key precede the
// primary row, so the group collects them before taking the primary.
func (r *Reader) Advance() error {
	if r.pending == nil {
		if err := r.fetch(); err != nil {
			return err
		}
	}
	if r.pending == nil {
		r.current = Group{}
		r.valid = false
		return nil
	}

	key := r.pending.Identity()
	if r.started && key.Compare(r.last) <= 0 {
		return r.corrupt(fmt.Errorf("%w: %s after %s", ErrOutOfOrder, key, r.last))
	}

	g := Group{Key: key}
	for r.pending != nil && r.pending.Identity() == key {
		row := r.pending
		if row.IsHandoff() {
			if g.Primary != nil {
				return r.corrupt(fmt.Errorf("%w: key %s", ErrHandoffAfterPrimary, key))
			}
			g.Handoffs = append(g.Handoffs, *row)
		} else {
			if g.Primary != nil {
				return r.corrupt(fmt.Errorf("%w: key %s", ErrDuplicatePrimary, key))
			}
			g.Primary = row
		}
		if err := r.fetch(); err != nil {
			return err
		}
	}

	r.current = g
	r.valid = true
	r.last = key
	r.started = true
	return nil
}

// fetch reads the next row into the lookahead slot; nil at end of stream.
func (r *Reader) fetch() error {
	var row segment.Row
	if err := r.rows.Next(&row); err != nil {
		if err == io.EOF {
			r.pending = nil
			return nil
		}
		return r.corrupt(err)
	}
	r.pending = &row
	return nil
}

func (r *Reader) corrupt(err error) error {
	r.valid = false
	return &StreamCorruptionError{Node: r.node.Name, Path: r.path, Err: err}
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.rows.Close()
}
