// Package merge reconciles a local and a remote tree snapshot, given the last
// snapshot both sides agreed on. It performs no I/O and never mutates its
// inputs.
package merge

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/atinyakov/secretsync/internal/tree"
)

// ErrRootConflict is returned when a remote node reuses the local root id.
var ErrRootConflict = errors.New("remote node collides with local root")

// Result is the outcome of a merge.
type Result struct {
	// Merged is the reconciled snapshot, rooted at the local root.
	Merged tree.Snapshot
	// LocalChanges counts node records that differ between Merged and the
	// local input.
	LocalChanges int
	// RemoteChanges counts node records the remote lacks or holds differently.
	RemoteChanges int
	// Log lists the merge actions in human readable form.
	Log []string
}

// Changed reports whether either side needs changes.
func (r Result) Changed() bool {
	return r.LocalChanges > 0 || r.RemoteChanges > 0
}

type side int

const (
	sideLocal side = iota
	sideRemote
)

func (s side) other() side {
	if s == sideLocal {
		return sideRemote
	}
	return sideLocal
}

type action struct {
	id     string
	format string
}

type merger struct {
	rootID  string
	now     int64
	local   map[string]tree.SnapshotNode
	remote  map[string]tree.SnapshotNode
	base    map[string]tree.SnapshotNode
	nodes   map[string]*tree.SnapshotNode
	winner  map[string]side
	actions []action
}

// Merge computes the three-way merge of local and remote against base, which
// may be nil when the profile has never synced. now, in Unix milliseconds,
// stamps deletions and resurrections the merge itself introduces.
//
// Rules, per node id:
//   - present on one side only and absent from base: an addition, kept;
//   - present on one side only but known to base: the other side purged it,
//     so a tombstone is dropped, a copy modified after base is kept, and any
//     other copy becomes a tombstone;
//   - live on both sides: the later LastModified wins, ties go to local;
//   - tombstone against live: deletion wins iff DeletedAt is later than the
//     live copy's LastModified.
//
// The winning record also decides the node's parent. Live nodes under a
// tombstone resurrect it; nodes whose parent is unknown, or that sit on a
// cycle, are reattached under the root.
func Merge(base *tree.Snapshot, local, remote tree.Snapshot, now int64) (Result, error) {
	if err := local.Validate(); err != nil {
		return Result{}, fmt.Errorf("local snapshot: %w", err)
	}
	if remote.IsEmpty() {
		return uploadAll(local), nil
	}
	if err := remote.Validate(); err != nil {
		return Result{}, fmt.Errorf("remote snapshot: %w", err)
	}

	remoteIdx, err := mapRoot(remote, local.RootID)
	if err != nil {
		return Result{}, err
	}
	baseIdx := map[string]tree.SnapshotNode{}
	if base != nil && !base.IsEmpty() {
		// A base that cannot be mapped is treated as missing.
		if idx, err := mapRoot(*base, local.RootID); err == nil {
			baseIdx = idx
		}
	}

	m := &merger{
		rootID: local.RootID,
		now:    now,
		local:  local.Index(),
		remote: remoteIdx,
		base:   baseIdx,
		nodes:  make(map[string]*tree.SnapshotNode),
		winner: make(map[string]side),
	}
	m.pick()
	m.resolveStructure()
	m.rebuildChildren()
	return m.result()
}

// uploadAll handles a remote that has never received a snapshot.
func uploadAll(local tree.Snapshot) Result {
	live := 0
	for _, n := range local.Nodes {
		if !n.Deleted {
			live++
		}
	}
	return Result{
		Merged:        local,
		RemoteChanges: len(local.Nodes),
		Log:           []string{fmt.Sprintf("remote is empty, uploading %d nodes", live)},
	}
}

// mapRoot indexes s with its root id replaced by rootID.
func mapRoot(s tree.Snapshot, rootID string) (map[string]tree.SnapshotNode, error) {
	rename := func(id string) string {
		if id == s.RootID {
			return rootID
		}
		return id
	}
	idx := make(map[string]tree.SnapshotNode, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == rootID && s.RootID != rootID {
			return nil, fmt.Errorf("%w: %s", ErrRootConflict, n.ID)
		}
		n.ID = rename(n.ID)
		n.ParentID = rename(n.ParentID)
		if len(n.Children) > 0 {
			children := make([]string, len(n.Children))
			for i, c := range n.Children {
				children[i] = rename(c)
			}
			n.Children = children
		}
		idx[n.ID] = n
	}
	return idx, nil
}

func (m *merger) logf(id, format string) {
	m.actions = append(m.actions, action{id: id, format: format})
}

func (m *merger) pick() {
	ids := make([]string, 0, len(m.local)+len(m.remote))
	for id := range m.local {
		ids = append(ids, id)
	}
	for id := range m.remote {
		if _, ok := m.local[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		l, inLocal := m.local[id]
		r, inRemote := m.remote[id]
		switch {
		case inLocal && inRemote:
			m.decide(l, r)
		case inLocal:
			m.oneSided(l, sideLocal)
		default:
			m.oneSided(r, sideRemote)
		}
	}
}

func (m *merger) keep(n tree.SnapshotNode, from side) {
	n.Children = slices.Clone(n.Children)
	n.SeenBy = nil
	if n.Deleted {
		// Acknowledgements are per client; only the local set is kept.
		if l, ok := m.local[n.ID]; ok && l.Deleted {
			n.SeenBy = slices.Clone(l.SeenBy)
		}
	}
	m.nodes[n.ID] = &n
	m.winner[n.ID] = from
}

func (m *merger) decide(l, r tree.SnapshotNode) {
	id := l.ID
	switch {
	case !l.Deleted && !r.Deleted:
		if r.LastModified > l.LastModified {
			m.keep(r, sideRemote)
			if differs(l, r) {
				m.logf(id, "updated %s from remote")
			}
			return
		}
		m.keep(l, sideLocal)
		if differs(l, r) {
			m.logf(id, "updated %s on remote")
		}
	case l.Deleted && r.Deleted:
		if r.DeletedAt > l.DeletedAt {
			m.keep(r, sideRemote)
			return
		}
		m.keep(l, sideLocal)
	case l.Deleted:
		if l.DeletedAt > r.LastModified {
			m.keep(l, sideLocal)
			m.logf(id, "deleted %s on remote")
			return
		}
		m.keep(r, sideRemote)
		m.logf(id, "restored %s from remote")
	default:
		if r.DeletedAt > l.LastModified {
			m.keep(r, sideRemote)
			m.logf(id, "deleted %s locally")
			return
		}
		m.keep(l, sideLocal)
		m.logf(id, "restored %s on remote")
	}
}

func (m *merger) oneSided(n tree.SnapshotNode, from side) {
	b, known := m.base[n.ID]
	if !known {
		m.keep(n, from)
		switch {
		case n.Deleted:
		case from == sideRemote:
			m.logf(n.ID, "added %s from remote")
		default:
			m.logf(n.ID, "added %s on remote")
		}
		return
	}

	// The other side had this node at the last sync and has since purged it.
	switch {
	case n.Deleted:
		m.logf(n.ID, "purged %s")
	case n.LastModified > b.LastModified:
		m.keep(n, from)
		m.logf(n.ID, "kept %s, modified after deletion")
	default:
		n.Deleted = true
		n.DeletedAt = max(m.now, n.LastModified+1)
		m.keep(n, from)
		if from == sideLocal {
			m.logf(n.ID, "deleted %s locally")
		} else {
			m.logf(n.ID, "deleted %s on remote")
		}
	}
}

func (m *merger) resolveStructure() {
	root := m.nodes[m.rootID]
	root.ParentID = ""
	root.Deleted = false
	root.DeletedAt = 0
	root.SeenBy = nil

	ids := m.sortedIDs(func(n *tree.SnapshotNode) bool { return !n.Deleted && n.ID != m.rootID })
	done := map[string]bool{m.rootID: true}
	for _, id := range ids {
		m.attach(id, done)
	}
}

// attach walks from id towards the root, resurrecting tombstoned ancestors
// and reattaching the chain under the root at an unknown parent or a cycle.
func (m *merger) attach(id string, done map[string]bool) {
	var path []string
	onPath := make(map[string]bool)
	for cur := id; !done[cur]; {
		n := m.nodes[cur]
		if onPath[cur] {
			m.reparent(path[len(path)-1], "reattached %s under root (cycle)")
			break
		}
		onPath[cur] = true
		path = append(path, cur)

		parent, ok := m.nodes[n.ParentID]
		if !ok {
			m.reparent(cur, "reattached %s under root (unknown parent)")
			break
		}
		if parent.Deleted {
			parent.Deleted = false
			parent.LastModified = max(m.now, parent.DeletedAt+1, parent.LastModified+1)
			parent.DeletedAt = 0
			parent.SeenBy = nil
			m.logf(parent.ID, "restored %s (has live descendants)")
		}
		cur = parent.ID
	}
	for _, p := range path {
		done[p] = true
	}
}

func (m *merger) reparent(id, format string) {
	n := m.nodes[id]
	n.ParentID = m.rootID
	n.LastModified = max(m.now, n.LastModified+1)
	m.logf(id, format)
}

func (m *merger) sortedIDs(match func(*tree.SnapshotNode) bool) []string {
	var ids []string
	for id, n := range m.nodes {
		if match(n) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *merger) original(id string, s side) tree.SnapshotNode {
	if s == sideLocal {
		return m.local[id]
	}
	return m.remote[id]
}

// rebuildChildren derives every live children list from the resolved parent
// ids. Order follows the parent winner's list, then the other side's, then
// newly attached nodes by id. Tombstones carry no children.
func (m *merger) rebuildChildren() {
	byParent := make(map[string][]string)
	for _, id := range m.sortedIDs(func(n *tree.SnapshotNode) bool { return !n.Deleted && n.ID != m.rootID }) {
		p := m.nodes[id].ParentID
		byParent[p] = append(byParent[p], id)
	}

	for id, n := range m.nodes {
		n.Children = nil
		candidates := byParent[id]
		if n.Deleted || len(candidates) == 0 {
			continue
		}
		want := make(map[string]bool, len(candidates))
		for _, c := range candidates {
			want[c] = true
		}
		ordered := make([]string, 0, len(candidates))
		take := func(list []string) {
			for _, c := range list {
				if want[c] {
					ordered = append(ordered, c)
					delete(want, c)
				}
			}
		}
		w := m.winner[id]
		take(m.original(id, w).Children)
		take(m.original(id, w.other()).Children)
		take(candidates)
		n.Children = ordered
	}
}

func (m *merger) result() (Result, error) {
	out := tree.Snapshot{RootID: m.rootID}
	for _, id := range m.sortedIDs(func(*tree.SnapshotNode) bool { return true }) {
		out.Nodes = append(out.Nodes, *m.nodes[id])
	}
	t, err := tree.Deserialize(nil, out)
	if err != nil {
		return Result{}, fmt.Errorf("merged snapshot: %w", err)
	}

	res := Result{Merged: t.Serialize()}
	res.LocalChanges = countChanges(m.nodes, m.local)
	res.RemoteChanges = countChanges(m.nodes, m.remote)
	for _, a := range m.actions {
		res.Log = append(res.Log, fmt.Sprintf(a.format, m.path(a.id)))
	}
	return res, nil
}

func countChanges(merged map[string]*tree.SnapshotNode, side map[string]tree.SnapshotNode) int {
	changes := 0
	for id, n := range merged {
		s, ok := side[id]
		if !ok || differs(*n, s) {
			changes++
		}
	}
	for id := range side {
		if _, ok := merged[id]; !ok {
			changes++
		}
	}
	return changes
}

// differs compares the replicated fields of two records. SeenBy is local
// bookkeeping and is ignored.
func differs(a, b tree.SnapshotNode) bool {
	return a.ParentID != b.ParentID ||
		a.Name != b.Name ||
		!a.Value.Equal(b.Value) ||
		a.LastModified != b.LastModified ||
		!slices.Equal(a.Children, b.Children) ||
		a.Deleted != b.Deleted ||
		a.DeletedAt != b.DeletedAt
}

// path renders the merged path of id; ancestors that were dropped end it.
func (m *merger) path(id string) string {
	if id == m.rootID {
		return "/"
	}
	var labels []string
	cur, ok := m.nodes[id]
	if !ok {
		// Dropped nodes are named from whichever input still has them.
		n, inLocal := m.local[id]
		if !inLocal {
			n = m.remote[id]
		}
		cur = &n
	}
	for steps := 0; cur != nil && cur.ID != m.rootID && steps <= len(m.nodes); steps++ {
		label := cur.Name
		if label == "" {
			label = "[" + cur.ID + "]"
		}
		labels = append(labels, label)
		cur = m.nodes[cur.ParentID]
	}
	slices.Reverse(labels)
	return "/" + strings.Join(labels, "/")
}
