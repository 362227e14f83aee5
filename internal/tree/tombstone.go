package tree

// Tombstones returns the ids of all tombstoned nodes.
func (t *Tree) Tombstones() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for id, n := range t.nodes {
		if n.deleted {
			ids = append(ids, id)
		}
	}
	return ids
}

// AckTombstones records that profileID has received the given tombstones.
// Ids that are unknown or live are ignored.
func (t *Tree) AckTombstones(profileID string, ids []string) {
	_ = t.mutate(func() (bool, error) {
		changed := false
		for _, id := range ids {
			n, ok := t.nodes[id]
			if !ok || !n.deleted {
				continue
			}
			if _, seen := n.seenBy[profileID]; seen {
				continue
			}
			if n.seenBy == nil {
				n.seenBy = make(map[string]struct{})
			}
			n.seenBy[profileID] = struct{}{}
			changed = true
		}
		return changed, nil
	})
}

// PurgeTombstones removes every tombstone acknowledged by all of
// profileIDs. With no profiles registered all tombstones are removed. It
// returns the number of purged nodes. Tombstones whose parent was purged keep
// the dangling parent id; they are never resurrected through it.
func (t *Tree) PurgeTombstones(profileIDs []string) int {
	var purged int
	_ = t.mutate(func() (bool, error) {
		for id, n := range t.nodes {
			if !n.deleted || !seenByAll(n, profileIDs) {
				continue
			}
			if parent, ok := t.nodes[n.parent]; ok {
				parent.children = removeID(parent.children, id)
			}
			delete(t.nodes, id)
			purged++
		}
		return purged > 0, nil
	})
	return purged
}

func seenByAll(n *node, profileIDs []string) bool {
	for _, p := range profileIDs {
		if _, ok := n.seenBy[p]; !ok {
			return false
		}
	}
	return true
}
