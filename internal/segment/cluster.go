package segment

import (
	"errors"
	"fmt"
)

// ErrUnknownNode is returned when a node name or id is not part of the cluster.
var ErrUnknownNode = errors.New("unknown node")

// Node is one storage node of the cluster.
type Node struct {
	Index int    // position in the configured node list
	Name  string // node name, e.g. "multi-node-01"
	ID    uint32 // database node id, the value stored in handoff_node_id
}

// Cluster is the ordered node list. Node indices are fixed for a run.
type Cluster struct {
	nodes  []Node
	byID   map[uint32]int
	byName map[string]int
}

// NewCluster builds a cluster from parallel name and id slices.
func NewCluster(names []string, ids []uint32) (*Cluster, error) {
	if len(names) == 0 {
		return nil, errors.New("cluster has no nodes")
	}
	if len(ids) != len(names) {
		return nil, fmt.Errorf("got %d node ids for %d node names", len(ids), len(names))
	}

	c := &Cluster{
		nodes:  make([]Node, len(names)),
		byID:   make(map[uint32]int, len(names)),
		byName: make(map[string]int, len(names)),
	}
	for i, name := range names {
		if name == "" {
			return nil, fmt.Errorf("node %d has an empty name", i)
		}
		if _, dup := c.byName[name]; dup {
			return nil, fmt.Errorf("duplicate node name %q", name)
		}
		if _, dup := c.byID[ids[i]]; dup {
			return nil, fmt.Errorf("duplicate node id %d", ids[i])
		}
		c.nodes[i] = Node{Index: i, Name: name, ID: ids[i]}
		c.byName[name] = i
		c.byID[ids[i]] = i
	}
	return c, nil
}

// Size returns the number of nodes.
func (c *Cluster) Size() int {
	return len(c.nodes)
}

// Nodes returns the nodes in configured order.
func (c *Cluster) Nodes() []Node {
	out := make([]Node, len(c.nodes))
	copy(out, c.nodes)
	return out
}

// Node returns the node at index i.
func (c *Cluster) Node(i int) Node {
	return c.nodes[i]
}

// IndexOfID maps a database node id to its node index.
func (c *Cluster) IndexOfID(id uint32) (int, error) {
	i, ok := c.byID[id]
	if !ok {
		return -1, fmt.Errorf("%w: id %d", ErrUnknownNode, id)
	}
	return i, nil
}

// IndexOfName maps a node name to its node index.
func (c *Cluster) IndexOfName(name string) (int, error) {
	i, ok := c.byName[name]
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrUnknownNode, name)
	}
	return i, nil
}
