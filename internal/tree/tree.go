// Package tree implements the in-memory hierarchical model of encrypted
// secrets. A Tree owns its nodes; callers only ever see copies.
package tree

import (
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/atinyakov/secretsync/internal/models"
)

var (
	// ErrNotFound is returned when a node id is absent or tombstoned.
	ErrNotFound = errors.New("node not found")
	// ErrInvalidParent is returned when a parent is missing or the change would create a cycle.
	ErrInvalidParent = errors.New("invalid parent")
	// ErrCannotDeleteRoot is returned when deleting the root node.
	ErrCannotDeleteRoot = errors.New("cannot delete root node")
)

// SecretNode is a read-only copy of a live node.
type SecretNode struct {
	ID           string
	Name         string
	Value        models.EncryptedValue
	LastModified int64
	ParentID     string
	Children     []string
}

// IsRoot reports whether the node has no parent.
func (n SecretNode) IsRoot() bool {
	return n.ParentID == ""
}

type node struct {
	id           string
	name         string
	parent       string
	value        models.EncryptedValue
	lastModified int64
	children     []string
	deleted      bool
	deletedAt    int64
	seenBy       map[string]struct{}
}

func (n *node) public() SecretNode {
	return SecretNode{
		ID:           n.id,
		Name:         n.name,
		Value:        n.value.Clone(),
		LastModified: n.lastModified,
		ParentID:     n.parent,
		Children:     slices.Clone(n.children),
	}
}

func (n *node) label() string {
	if n.name != "" {
		return n.name
	}
	return "[" + n.id + "]"
}

// Tree is a hierarchical store of named encrypted values. It is safe for
// concurrent use.
type Tree struct {
	mu      sync.RWMutex
	clock   clock.Clock
	rootID  string
	nodes   map[string]*node
	dirty   bool
	onDirty func()
}

// New creates a tree holding only a root node. A nil clock means wall time.
func New(clk clock.Clock, rootName string) *Tree {
	if clk == nil {
		clk = clock.WallClock
	}
	root := &node{
		id:           uuid.NewString(),
		name:         rootName,
		lastModified: clk.Now().UnixMilli(),
	}
	return &Tree{
		clock:  clk,
		rootID: root.id,
		nodes:  map[string]*node{root.id: root},
	}
}

// Root returns a copy of the root node.
func (t *Tree) Root() SecretNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[t.rootID].public()
}

// Len returns the number of live nodes, root included.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for _, n := range t.nodes {
		if !n.deleted {
			count++
		}
	}
	return count
}

// GetNode returns a copy of the live node with the given id.
func (t *Tree) GetNode(id string) (SecretNode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok || n.deleted {
		return SecretNode{}, ErrNotFound
	}
	return n.public(), nil
}

// Path returns the slash separated path of a live node. Unnamed nodes are
// rendered as [id].
func (t *Tree) Path(id string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok || n.deleted {
		return "", ErrNotFound
	}
	return t.pathLocked(n), nil
}

func (t *Tree) pathLocked(n *node) string {
	if n.id == t.rootID {
		return "/"
	}
	var labels []string
	for cur := n; cur != nil && cur.id != t.rootID; cur = t.nodes[cur.parent] {
		labels = append(labels, cur.label())
	}
	slices.Reverse(labels)
	path := ""
	for _, l := range labels {
		path += "/" + l
	}
	return path
}

// Upsert inserts node under parentID, or replaces the name and value of an
// existing node and moves it under parentID. An empty node.ID creates a new
// node with a fresh id. Upserting a tombstoned id resurrects it. The root is
// updated by passing an empty parentID.
func (t *Tree) Upsert(parentID string, in SecretNode) (SecretNode, error) {
	var out SecretNode
	err := t.mutate(func() (bool, error) {
		if in.ID != "" && in.ID == t.rootID {
			if parentID != "" {
				return false, ErrInvalidParent
			}
			root := t.nodes[t.rootID]
			root.name = in.Name
			root.value = in.Value.Clone()
			t.touch(root)
			out = root.public()
			return true, nil
		}

		parent, ok := t.nodes[parentID]
		if !ok || parent.deleted {
			return false, ErrInvalidParent
		}

		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		n, exists := t.nodes[in.ID]
		if exists && t.isAncestorLocked(in.ID, parentID) {
			return false, ErrInvalidParent
		}

		resurrected := exists && n.deleted
		if !exists {
			n = &node{id: in.ID}
			t.nodes[n.id] = n
		} else if resurrected {
			n.deleted = false
			n.deletedAt = 0
			n.seenBy = nil
			n.children = nil
		}

		if !exists || resurrected || n.parent != parentID {
			if old, ok := t.nodes[n.parent]; ok {
				old.children = removeID(old.children, n.id)
			}
			n.parent = parentID
			parent.children = append(parent.children, n.id)
		}

		n.name = in.Name
		n.value = in.Value.Clone()
		t.touch(n)
		out = n.public()
		return true, nil
	})
	return out, err
}

// Delete tombstones the node and all of its live descendants.
func (t *Tree) Delete(id string) error {
	return t.mutate(func() (bool, error) {
		if id == t.rootID {
			return false, ErrCannotDeleteRoot
		}
		n, ok := t.nodes[id]
		if !ok || n.deleted {
			return false, ErrNotFound
		}

		at := t.stamp(n.lastModified)
		stack := []*node{n}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			cur.deleted = true
			cur.deletedAt = max(at, cur.lastModified+1)
			cur.seenBy = nil
			for _, childID := range cur.children {
				if child, ok := t.nodes[childID]; ok && !child.deleted {
					stack = append(stack, child)
				}
			}
			// Tombstones keep their parent id only.
			cur.children = nil
		}

		if parent, ok := t.nodes[n.parent]; ok {
			parent.children = removeID(parent.children, n.id)
		}
		return true, nil
	})
}

// Dirty reports whether the tree changed since the last MarkClean.
func (t *Tree) Dirty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dirty
}

// MarkClean resets the dirty flag, typically after a save.
func (t *Tree) MarkClean() {
	t.mu.Lock()
	t.dirty = false
	t.mu.Unlock()
}

// OnDirty registers fn to be called after every mutation. fn runs without
// the tree lock held.
func (t *Tree) OnDirty(fn func()) {
	t.mu.Lock()
	t.onDirty = fn
	t.mu.Unlock()
}

func (t *Tree) mutate(fn func() (bool, error)) error {
	t.mu.Lock()
	changed, err := fn()
	var cb func()
	if changed {
		t.dirty = true
		cb = t.onDirty
	}
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
	return err
}

// stamp returns the current time in milliseconds, strictly after prev.
func (t *Tree) stamp(prev int64) int64 {
	now := t.clock.Now().UnixMilli()
	if now <= prev {
		now = prev + 1
	}
	return now
}

func (t *Tree) touch(n *node) {
	n.lastModified = t.stamp(n.lastModified)
}

// isAncestorLocked reports whether ancestorID is id itself or lies on the
// parent chain of id.
func (t *Tree) isAncestorLocked(ancestorID, id string) bool {
	for steps := 0; id != "" && steps <= len(t.nodes); steps++ {
		if id == ancestorID {
			return true
		}
		n, ok := t.nodes[id]
		if !ok {
			return false
		}
		id = n.parent
	}
	return false
}

func removeID(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(s string) bool { return s == id })
}
