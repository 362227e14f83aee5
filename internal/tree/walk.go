package tree

import "iter"

// Walk yields (path, node) for every live node in depth-first pre-order,
// starting with the root. Each iteration first collects every entry under
// the read lock and only then yields them, so memory grows with the tree and
// the lock is never held while the caller runs. The sequence is restartable
// and never observes concurrent edits.
func (t *Tree) Walk() iter.Seq2[string, SecretNode] {
	return func(yield func(string, SecretNode) bool) {
		type entry struct {
			path string
			node SecretNode
		}

		t.mu.RLock()
		var entries []entry
		stack := []string{t.rootID}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			n, ok := t.nodes[id]
			if !ok || n.deleted {
				continue
			}
			entries = append(entries, entry{path: t.pathLocked(n), node: n.public()})
			for i := len(n.children) - 1; i >= 0; i-- {
				stack = append(stack, n.children[i])
			}
		}
		t.mu.RUnlock()

		for _, e := range entries {
			if !yield(e.path, e.node) {
				return
			}
		}
	}
}
