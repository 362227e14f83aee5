package tree

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"

	"github.com/juju/clock"

	"github.com/atinyakov/secretsync/internal/models"
)

// ErrCorruptSnapshot is returned when a snapshot violates the tree invariants.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// Snapshot is a stable structural copy of a tree, used as merge input and
// output and as the persistence and wire format.
type Snapshot struct {
	RootID string         `json:"root_id"`
	Nodes  []SnapshotNode `json:"nodes"`
}

// SnapshotNode is one node of a Snapshot, live or tombstoned.
type SnapshotNode struct {
	ID           string                `json:"id"`
	ParentID     string                `json:"parent_id,omitempty"`
	Name         string                `json:"name,omitempty"`
	Value        models.EncryptedValue `json:"value"`
	LastModified int64                 `json:"last_modified"`
	Children     []string              `json:"children,omitempty"`
	Deleted      bool                  `json:"deleted,omitempty"`
	DeletedAt    int64                 `json:"deleted_at,omitempty"`
	SeenBy       []string              `json:"seen_by,omitempty"`
}

// IsEmpty reports whether the snapshot holds no tree at all, as returned by
// a remote host that has never been synced.
func (s Snapshot) IsEmpty() bool {
	return s.RootID == "" && len(s.Nodes) == 0
}

// Index returns the nodes keyed by id.
func (s Snapshot) Index() map[string]SnapshotNode {
	idx := make(map[string]SnapshotNode, len(s.Nodes))
	for _, n := range s.Nodes {
		idx[n.ID] = n
	}
	return idx
}

// Encode returns the JSON form of the snapshot.
func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses and validates the JSON form of a snapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.IsEmpty() {
		return s, nil
	}
	if _, err := build(s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Validate checks that the snapshot satisfies every tree invariant.
func (s Snapshot) Validate() error {
	_, err := build(s)
	return err
}

// Serialize returns a snapshot of the whole tree: live nodes in depth-first
// order followed by tombstones ordered by id.
func (t *Tree) Serialize() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return serialize(t.rootID, t.nodes)
}

// Deserialize builds a tree from a snapshot. A nil clock means wall time.
func Deserialize(clk clock.Clock, s Snapshot) (*Tree, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	nodes, err := build(s)
	if err != nil {
		return nil, err
	}
	return &Tree{clock: clk, rootID: s.RootID, nodes: nodes}, nil
}

// Apply runs fn with the current snapshot while holding exclusive write
// access, and replaces the tree with the snapshot fn returns. The new state
// is fully built and validated before it is swapped in; on any error the
// tree is left untouched. Apply reports whether the tree changed. fn must
// not call back into the tree.
func (t *Tree) Apply(fn func(local Snapshot) (Snapshot, error)) (bool, error) {
	var changed bool
	err := t.mutate(func() (bool, error) {
		current := serialize(t.rootID, t.nodes)
		next, err := fn(serialize(t.rootID, t.nodes))
		if err != nil {
			return false, err
		}
		nodes, err := build(next)
		if err != nil {
			return false, err
		}
		if reflect.DeepEqual(current, serialize(next.RootID, nodes)) {
			return false, nil
		}
		t.rootID = next.RootID
		t.nodes = nodes
		changed = true
		return true, nil
	})
	return changed, err
}

func serialize(rootID string, nodes map[string]*node) Snapshot {
	s := Snapshot{RootID: rootID, Nodes: make([]SnapshotNode, 0, len(nodes))}

	stack := []string{rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := nodes[id]
		if !ok || n.deleted {
			continue
		}
		s.Nodes = append(s.Nodes, snapshotNode(n))
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}

	var tombstones []string
	for id, n := range nodes {
		if n.deleted {
			tombstones = append(tombstones, id)
		}
	}
	sort.Strings(tombstones)
	for _, id := range tombstones {
		s.Nodes = append(s.Nodes, snapshotNode(nodes[id]))
	}
	return s
}

func snapshotNode(n *node) SnapshotNode {
	sn := SnapshotNode{
		ID:           n.id,
		ParentID:     n.parent,
		Name:         n.name,
		Value:        n.value.Clone(),
		LastModified: n.lastModified,
		Deleted:      n.deleted,
		DeletedAt:    n.deletedAt,
	}
	if len(n.children) > 0 {
		sn.Children = slices.Clone(n.children)
	}
	if len(n.seenBy) > 0 {
		for id := range n.seenBy {
			sn.SeenBy = append(sn.SeenBy, id)
		}
		sort.Strings(sn.SeenBy)
	}
	return sn
}

// build converts a snapshot into a node map, checking every tree invariant.
func build(s Snapshot) (map[string]*node, error) {
	if s.RootID == "" {
		return nil, fmt.Errorf("%w: missing root id", ErrCorruptSnapshot)
	}

	nodes := make(map[string]*node, len(s.Nodes))
	for _, sn := range s.Nodes {
		if sn.ID == "" {
			return nil, fmt.Errorf("%w: node without id", ErrCorruptSnapshot)
		}
		if _, dup := nodes[sn.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrCorruptSnapshot, sn.ID)
		}
		n := &node{
			id:           sn.ID,
			name:         sn.Name,
			parent:       sn.ParentID,
			value:        sn.Value.Clone(),
			lastModified: sn.LastModified,
			children:     slices.Clone(sn.Children),
			deleted:      sn.Deleted,
			deletedAt:    sn.DeletedAt,
		}
		if len(sn.SeenBy) > 0 {
			n.seenBy = make(map[string]struct{}, len(sn.SeenBy))
			for _, p := range sn.SeenBy {
				n.seenBy[p] = struct{}{}
			}
		}
		nodes[n.id] = n
	}

	root, ok := nodes[s.RootID]
	if !ok {
		return nil, fmt.Errorf("%w: root %s not present", ErrCorruptSnapshot, s.RootID)
	}
	if root.parent != "" || root.deleted {
		return nil, fmt.Errorf("%w: root must be live and parentless", ErrCorruptSnapshot)
	}

	live := 0
	for _, n := range nodes {
		if !n.deleted {
			live++
		}
		if n.id != s.RootID && n.parent == "" {
			return nil, fmt.Errorf("%w: node %s has no parent", ErrCorruptSnapshot, n.id)
		}
		seen := make(map[string]struct{}, len(n.children))
		for _, childID := range n.children {
			child, ok := nodes[childID]
			if !ok || child.parent != n.id {
				return nil, fmt.Errorf("%w: node %s lists foreign child %s", ErrCorruptSnapshot, n.id, childID)
			}
			if !n.deleted && child.deleted {
				return nil, fmt.Errorf("%w: live node %s lists tombstone %s", ErrCorruptSnapshot, n.id, childID)
			}
			if _, dup := seen[childID]; dup {
				return nil, fmt.Errorf("%w: node %s lists child %s twice", ErrCorruptSnapshot, n.id, childID)
			}
			seen[childID] = struct{}{}
		}
	}

	// Every live node must be reachable from the root through live children
	// lists; together with the single-parent check this rules out cycles.
	reached := 0
	visited := make(map[string]struct{}, live)
	stack := []string{s.RootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[id]; ok {
			return nil, fmt.Errorf("%w: cycle at %s", ErrCorruptSnapshot, id)
		}
		visited[id] = struct{}{}
		reached++
		stack = append(stack, nodes[id].children...)
	}
	if reached != live {
		return nil, fmt.Errorf("%w: %d live nodes unreachable from root", ErrCorruptSnapshot, live-reached)
	}
	return nodes, nil
}
