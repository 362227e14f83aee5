package merge_test

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/secretsync/internal/merge"
	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/tree"
)

const now = int64(5_000_000)

func val(s string) models.EncryptedValue {
	return models.EncryptedValue{Algorithm: "test", Ciphertext: []byte(s)}
}

// snap builds a snapshot with root "r" and the given live children of root.
func snap(children ...tree.SnapshotNode) tree.Snapshot {
	root := tree.SnapshotNode{ID: "r", LastModified: 1}
	var nodes []tree.SnapshotNode
	for _, c := range children {
		if c.ParentID == "" {
			c.ParentID = "r"
		}
		if c.ParentID == "r" && !c.Deleted {
			root.Children = append(root.Children, c.ID)
		}
		nodes = append(nodes, c)
	}
	return tree.Snapshot{RootID: "r", Nodes: append([]tree.SnapshotNode{root}, nodes...)}
}

func node(t *testing.T, s tree.Snapshot, id string) tree.SnapshotNode {
	t.Helper()
	n, ok := s.Index()[id]
	require.True(t, ok, "node %s missing", id)
	return n
}

func TestMergeUnchangedIsIdempotent(t *testing.T) {
	clk := testclock.NewClock(time.UnixMilli(1000))
	tr := tree.New(clk, "root")
	a, err := tr.Upsert(tr.Root().ID, tree.SecretNode{Name: "a", Value: val("1")})
	require.NoError(t, err)
	_, err = tr.Upsert(a.ID, tree.SecretNode{Name: "b", Value: val("2")})
	require.NoError(t, err)
	c, err := tr.Upsert(tr.Root().ID, tree.SecretNode{Name: "c"})
	require.NoError(t, err)
	require.NoError(t, tr.Delete(c.ID))

	local := tr.Serialize()
	remote := tr.Serialize()

	res, err := merge.Merge(nil, local, remote, now)
	require.NoError(t, err)
	assert.Zero(t, res.LocalChanges)
	assert.Zero(t, res.RemoteChanges)
	assert.False(t, res.Changed())
	assert.Empty(t, res.Log)
	assert.Equal(t, local, res.Merged)

	res, err = merge.Merge(&local, local, remote, now)
	require.NoError(t, err)
	assert.False(t, res.Changed())
}

func TestMergeLaterTimestampWinsInBothDirections(t *testing.T) {
	older := snap(tree.SnapshotNode{ID: "a", Name: "a", Value: val("old"), LastModified: 10})
	newer := snap(tree.SnapshotNode{ID: "a", Name: "a", Value: val("new"), LastModified: 20})

	res, err := merge.Merge(nil, older, newer, now)
	require.NoError(t, err)
	assert.Equal(t, val("new"), node(t, res.Merged, "a").Value)
	assert.Equal(t, 1, res.LocalChanges)
	assert.Zero(t, res.RemoteChanges)

	res, err = merge.Merge(nil, newer, older, now)
	require.NoError(t, err)
	assert.Equal(t, val("new"), node(t, res.Merged, "a").Value)
	assert.Zero(t, res.LocalChanges)
	assert.Equal(t, 1, res.RemoteChanges)
}

func TestMergeTieKeepsLocal(t *testing.T) {
	local := snap(tree.SnapshotNode{ID: "a", Name: "mine", LastModified: 10})
	remote := snap(tree.SnapshotNode{ID: "a", Name: "theirs", LastModified: 10})

	res, err := merge.Merge(nil, local, remote, now)
	require.NoError(t, err)
	assert.Equal(t, "mine", node(t, res.Merged, "a").Name)
	assert.Zero(t, res.LocalChanges)
	assert.Equal(t, 1, res.RemoteChanges)
}

func TestMergeAdditionsFromBothSides(t *testing.T) {
	local := snap(tree.SnapshotNode{ID: "a", Name: "a", LastModified: 10})
	remote := snap(tree.SnapshotNode{ID: "b", Name: "b", LastModified: 10})

	res, err := merge.Merge(nil, local, remote, now)
	require.NoError(t, err)
	root := node(t, res.Merged, "r")
	assert.Equal(t, []string{"a", "b"}, root.Children)
	assert.Contains(t, res.Log, "added /b from remote")
	assert.Contains(t, res.Log, "added /a on remote")
	assert.Equal(t, 2, res.LocalChanges) // b added, root children changed
	assert.Equal(t, 2, res.RemoteChanges)
}

func TestMergeRestoresNodeModifiedAfterDeletion(t *testing.T) {
	// Root with three children; child 2 deleted locally at T1, modified
	// remotely at T2 > T1.
	local := snap(
		tree.SnapshotNode{ID: "c1", Name: "c1", LastModified: 10},
		tree.SnapshotNode{ID: "c2", Name: "c2", Value: val("v1"), LastModified: 10, Deleted: true, DeletedAt: 100},
		tree.SnapshotNode{ID: "c3", Name: "c3", LastModified: 10},
	)
	remote := snap(
		tree.SnapshotNode{ID: "c1", Name: "c1", LastModified: 10},
		tree.SnapshotNode{ID: "c2", Name: "c2", Value: val("v2"), LastModified: 200},
		tree.SnapshotNode{ID: "c3", Name: "c3", LastModified: 10},
	)

	res, err := merge.Merge(nil, local, remote, now)
	require.NoError(t, err)
	c2 := node(t, res.Merged, "c2")
	assert.False(t, c2.Deleted)
	assert.Zero(t, c2.DeletedAt)
	assert.Equal(t, val("v2"), c2.Value)
	assert.ElementsMatch(t, []string{"c1", "c2", "c3"}, node(t, res.Merged, "r").Children)
	assert.Contains(t, res.Log, "restored /c2 from remote")
	assert.Positive(t, res.LocalChanges)
}

func TestMergeDeletionWinsWhenLater(t *testing.T) {
	local := snap(tree.SnapshotNode{ID: "a", Name: "a", LastModified: 10, Deleted: true, DeletedAt: 50})
	remote := snap(tree.SnapshotNode{ID: "a", Name: "a", LastModified: 20})

	res, err := merge.Merge(nil, local, remote, now)
	require.NoError(t, err)
	assert.True(t, node(t, res.Merged, "a").Deleted)
	assert.Empty(t, node(t, res.Merged, "r").Children)
	assert.Zero(t, res.LocalChanges)
	assert.Equal(t, 2, res.RemoteChanges)
}

func TestMergeMapsRemoteRoot(t *testing.T) {
	local := snap(tree.SnapshotNode{ID: "a", Name: "a", LastModified: 10})
	remote := tree.Snapshot{RootID: "other", Nodes: []tree.SnapshotNode{
		{ID: "other", LastModified: 1, Children: []string{"a"}},
		{ID: "a", ParentID: "other", Name: "a", LastModified: 10},
	}}

	res, err := merge.Merge(nil, local, remote, now)
	require.NoError(t, err)
	assert.Equal(t, "r", res.Merged.RootID)
	assert.False(t, res.Changed())
}

func TestMergeLiveChildResurrectsParent(t *testing.T) {
	local := snap()
	remote := snap(
		tree.SnapshotNode{ID: "p", Name: "p", LastModified: 10, Children: []string{"c"}},
		tree.SnapshotNode{ID: "c", ParentID: "p", Name: "c", LastModified: 10},
	)
	// Locally the parent was deleted and purged, and the child was never seen.
	base := snap(tree.SnapshotNode{ID: "p", Name: "p", LastModified: 10})

	res, err := merge.Merge(&base, local, remote, now)
	require.NoError(t, err)
	p := node(t, res.Merged, "p")
	c := node(t, res.Merged, "c")
	assert.False(t, p.Deleted, "live child resurrects parent")
	assert.Equal(t, "p", c.ParentID)
}

func TestMergeTombstonesNodePurgedElsewhere(t *testing.T) {
	base := snap(tree.SnapshotNode{ID: "a", Name: "a", LastModified: 10})
	local := snap(tree.SnapshotNode{ID: "a", Name: "a", LastModified: 10})
	remote := snap()

	res, err := merge.Merge(&base, local, remote, now)
	require.NoError(t, err)
	a := node(t, res.Merged, "a")
	assert.True(t, a.Deleted)
	assert.Equal(t, now, a.DeletedAt)
	assert.Contains(t, res.Log, "deleted /a locally")
}

func TestMergeKeepsNodeModifiedAfterRemotePurge(t *testing.T) {
	base := snap(tree.SnapshotNode{ID: "a", Name: "a", LastModified: 10})
	local := snap(tree.SnapshotNode{ID: "a", Name: "a2", LastModified: 20})
	remote := snap()

	res, err := merge.Merge(&base, local, remote, now)
	require.NoError(t, err)
	assert.False(t, node(t, res.Merged, "a").Deleted)
}

func TestMergeDropsTombstonePurgedElsewhere(t *testing.T) {
	base := snap(tree.SnapshotNode{ID: "a", Name: "a", LastModified: 10, Deleted: true, DeletedAt: 20})
	local := snap()
	remote := snap(tree.SnapshotNode{ID: "a", Name: "a", LastModified: 10, Deleted: true, DeletedAt: 20})

	res, err := merge.Merge(&base, local, remote, now)
	require.NoError(t, err)
	_, ok := res.Merged.Index()["a"]
	assert.False(t, ok)
	assert.Zero(t, res.LocalChanges)
	assert.Equal(t, 1, res.RemoteChanges)
}

func TestMergeMoveFollowsWinner(t *testing.T) {
	local := snap(
		tree.SnapshotNode{ID: "x", Name: "x", LastModified: 10},
		tree.SnapshotNode{ID: "y", Name: "y", LastModified: 10, Children: []string{"n"}},
		tree.SnapshotNode{ID: "n", ParentID: "y", Name: "n", LastModified: 30},
	)
	remote := snap(
		tree.SnapshotNode{ID: "x", Name: "x", LastModified: 10, Children: []string{"n"}},
		tree.SnapshotNode{ID: "y", Name: "y", LastModified: 10},
		tree.SnapshotNode{ID: "n", ParentID: "x", Name: "n", LastModified: 20},
	)

	res, err := merge.Merge(nil, local, remote, now)
	require.NoError(t, err)
	assert.Equal(t, "y", node(t, res.Merged, "n").ParentID)
	assert.Empty(t, node(t, res.Merged, "x").Children)
	assert.Equal(t, []string{"n"}, node(t, res.Merged, "y").Children)
}

func TestMergeBreaksCycleAcrossSides(t *testing.T) {
	// Locally b was moved under a; remotely a was moved under b.
	local := snap(
		tree.SnapshotNode{ID: "a", Name: "a", LastModified: 10, Children: []string{"b"}},
		tree.SnapshotNode{ID: "b", ParentID: "a", Name: "b", LastModified: 20},
	)
	remote := snap(
		tree.SnapshotNode{ID: "b", Name: "b", LastModified: 10, Children: []string{"a"}},
		tree.SnapshotNode{ID: "a", ParentID: "b", Name: "a", LastModified: 20},
	)

	res, err := merge.Merge(nil, local, remote, now)
	require.NoError(t, err)
	require.NoError(t, res.Merged.Validate())
	reattached := 0
	for _, id := range []string{"a", "b"} {
		if node(t, res.Merged, id).ParentID == "r" {
			reattached++
		}
	}
	assert.Equal(t, 1, reattached)
}

func TestMergeEmptyRemoteUploadsEverything(t *testing.T) {
	local := snap(tree.SnapshotNode{ID: "a", Name: "a", LastModified: 10})
	res, err := merge.Merge(nil, local, tree.Snapshot{}, now)
	require.NoError(t, err)
	assert.Equal(t, local, res.Merged)
	assert.Zero(t, res.LocalChanges)
	assert.Equal(t, 2, res.RemoteChanges)
}

func TestMergeRejectsCorruptInput(t *testing.T) {
	local := snap(tree.SnapshotNode{ID: "a", LastModified: 10})
	corrupt := tree.Snapshot{RootID: "r", Nodes: []tree.SnapshotNode{{ID: "r"}, {ID: "r"}}}

	_, err := merge.Merge(nil, local, corrupt, now)
	assert.ErrorIs(t, err, tree.ErrCorruptSnapshot)

	_, err = merge.Merge(nil, corrupt, local, now)
	assert.ErrorIs(t, err, tree.ErrCorruptSnapshot)

	collide := tree.Snapshot{RootID: "x", Nodes: []tree.SnapshotNode{
		{ID: "x", Children: []string{"r"}},
		{ID: "r", ParentID: "x"},
	}}
	_, err = merge.Merge(nil, local, collide, now)
	assert.ErrorIs(t, err, merge.ErrRootConflict)
}
