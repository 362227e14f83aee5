// Package convert moves a secret tree in and out of a portable JSON
// document. Values travel as plain text so a file exported from one
// database can be imported into another one sealed with a different key.
package convert

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/tree"
)

// ErrMalformed is returned for documents that do not describe a tree.
var ErrMalformed = errors.New("malformed export document")

// Encryptor seals and opens node values.
type Encryptor interface {
	Encrypt(plain []byte) (models.EncryptedValue, error)
	Decrypt(v models.EncryptedValue) ([]byte, error)
}

// Node is one entry of the document. The top-level object is the root and
// only carries Children.
type Node struct {
	ID           string  `json:"id,omitempty"`
	Name         string  `json:"name,omitempty"`
	Value        string  `json:"value,omitempty"`
	LastModified int64   `json:"lastModified,omitempty"`
	Children     []*Node `json:"children,omitempty"`
}

// Export renders the live nodes of t as an indented document.
func Export(t *tree.Tree, enc Encryptor) ([]byte, error) {
	root := &Node{}
	byID := make(map[string]*Node)
	for path, n := range t.Walk() {
		if n.IsRoot() {
			byID[n.ID] = root
			continue
		}
		out := &Node{ID: n.ID, Name: n.Name, LastModified: n.LastModified}
		if !n.Value.IsEmpty() {
			plain, err := enc.Decrypt(n.Value)
			if err != nil {
				return nil, fmt.Errorf("decrypt %s: %w", path, err)
			}
			out.Value = string(plain)
		}
		byID[n.ID] = out
		// Walk is pre-order, so the parent is already present.
		parent := byID[n.ParentID]
		parent.Children = append(parent.Children, out)
	}
	return json.MarshalIndent(root, "", "  ")
}

// Import parses a document into a snapshot with a fresh root, sealing every
// value with enc. Nodes without an id get a new one; nodes without a
// timestamp are stamped with now.
func Import(data []byte, enc Encryptor, now int64) (tree.Snapshot, error) {
	var doc Node
	if err := json.Unmarshal(data, &doc); err != nil {
		return tree.Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	snap := tree.Snapshot{RootID: uuid.NewString()}
	snap.Nodes = append(snap.Nodes, tree.SnapshotNode{ID: snap.RootID})
	seen := map[string]struct{}{snap.RootID: {}}

	var add func(parentID string, nodes []*Node) ([]string, error)
	add = func(parentID string, nodes []*Node) ([]string, error) {
		ids := make([]string, 0, len(nodes))
		for _, n := range nodes {
			if n == nil {
				return nil, fmt.Errorf("%w: null node", ErrMalformed)
			}
			id := n.ID
			if id == "" {
				id = uuid.NewString()
			}
			if _, dup := seen[id]; dup {
				return nil, fmt.Errorf("%w: duplicate id %s", ErrMalformed, id)
			}
			seen[id] = struct{}{}

			sn := tree.SnapshotNode{ID: id, ParentID: parentID, Name: n.Name, LastModified: n.LastModified}
			if sn.LastModified == 0 {
				sn.LastModified = now
			}
			if n.Value != "" {
				v, err := enc.Encrypt([]byte(n.Value))
				if err != nil {
					return nil, fmt.Errorf("encrypt %s: %w", id, err)
				}
				sn.Value = v
			}
			i := len(snap.Nodes)
			snap.Nodes = append(snap.Nodes, sn)

			children, err := add(id, n.Children)
			if err != nil {
				return nil, err
			}
			snap.Nodes[i].Children = children
			ids = append(ids, id)
		}
		return ids, nil
	}

	children, err := add(snap.RootID, doc.Children)
	if err != nil {
		return tree.Snapshot{}, err
	}
	snap.Nodes[0].Children = children
	if err := snap.Validate(); err != nil {
		return tree.Snapshot{}, err
	}
	return snap, nil
}
