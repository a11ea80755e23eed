package closure

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryEdgeRepo struct {
	edges []Edge
}

func (m *memoryEdgeRepo) EdgesTo(_ context.Context, descendant uuid.UUID) ([]Edge, error) {
	var out []Edge
	for _, e := range m.edges {
		if e.Descendant == descendant {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryEdgeRepo) EdgesFrom(_ context.Context, ancestor uuid.UUID) ([]Edge, error) {
	var out []Edge
	for _, e := range m.edges {
		if e.Ancestor == ancestor {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryEdgeRepo) InsertEdges(_ context.Context, edges []Edge) error {
	m.edges = append(m.edges, edges...)
	return nil
}

func (m *memoryEdgeRepo) DeleteByDescendants(_ context.Context, ids []uuid.UUID) error {
	doomed := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		doomed[id] = struct{}{}
	}
	kept := m.edges[:0]
	for _, e := range m.edges {
		if _, ok := doomed[e.Descendant]; !ok {
			kept = append(kept, e)
		}
	}
	m.edges = kept
	return nil
}

// buildTree inserts root -> (a, b), a -> (c), c -> (d) and returns the ids.
func buildTree(t *testing.T, svc *Service) (root, a, b, c, d uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	root, a, b, c, d = newID(t), newID(t), newID(t), newID(t), newID(t)
	steps := []struct{ node, parent uuid.UUID }{
		{root, uuid.Nil},
		{a, root},
		{b, root},
		{c, a},
		{d, c},
	}
	for _, step := range steps {
		require.NoError(t, svc.InsertNode(ctx, step.node, step.parent))
	}
	return root, a, b, c, d
}

func newID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return id
}

func TestInsertNodeAncestorChain(t *testing.T) {
	svc := NewService(&memoryEdgeRepo{})
	ctx := context.Background()
	root, a, _, c, d := buildTree(t, svc)

	ancestors, err := svc.AncestorsOf(ctx, d)
	require.NoError(t, err)

	// Exactly one ancestor at every depth from 0 to the node's true depth.
	want := []struct {
		depth    int
		ancestor uuid.UUID
	}{
		{0, d}, {1, c}, {2, a}, {3, root},
	}
	require.Len(t, ancestors, len(want))
	for i, w := range want {
		assert.Equal(t, w.ancestor, ancestors[i].Ancestor, "ancestor at index %d", i)
		assert.Equal(t, w.depth, ancestors[i].Depth, "depth at index %d", i)
	}
}

func TestAncestorDescendantInverse(t *testing.T) {
	svc := NewService(&memoryEdgeRepo{})
	ctx := context.Background()
	root, a, b, c, d := buildTree(t, svc)

	for _, n := range []uuid.UUID{root, a, b, c, d} {
		ancestors, err := svc.AncestorsOf(ctx, n)
		require.NoError(t, err)
		for _, anc := range ancestors {
			descendants, err := svc.DescendantsOf(ctx, anc.Ancestor)
			require.NoError(t, err)
			assert.Contains(t, descendants, n,
				"node %s missing from descendants of its ancestor %s", n, anc.Ancestor)
		}
	}
}

func TestDirectParentOf(t *testing.T) {
	svc := NewService(&memoryEdgeRepo{})
	ctx := context.Background()
	root, a, _, c, _ := buildTree(t, svc)

	parent, ok, err := svc.DirectParentOf(ctx, c)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, parent)

	_, ok, err = svc.DirectParentOf(ctx, root)
	require.NoError(t, err)
	assert.False(t, ok, "root must not have a parent")
}

func TestDeleteSubtreeRemovesWholeSubtree(t *testing.T) {
	repo := &memoryEdgeRepo{}
	svc := NewService(repo)
	ctx := context.Background()
	root, a, b, c, d := buildTree(t, svc)

	deleted, err := svc.DeleteSubtree(ctx, a)
	require.NoError(t, err)
	require.Len(t, deleted, 3)
	for _, id := range []uuid.UUID{a, c, d} {
		assert.Contains(t, deleted, id)
	}

	// Survivors must no longer reference the deleted ids anywhere.
	for _, survivor := range []uuid.UUID{root, b} {
		descendants, err := svc.DescendantsOf(ctx, survivor)
		require.NoError(t, err)
		for _, gone := range deleted {
			assert.NotContains(t, descendants, gone,
				"survivor %s still sees deleted node %s", survivor, gone)
		}
	}
	ancestors, err := svc.AncestorsOf(ctx, b)
	require.NoError(t, err)
	assert.Len(t, ancestors, 2, "b keeps its self edge and the root edge")
}

func TestInsertNodeUnknownParent(t *testing.T) {
	svc := NewService(&memoryEdgeRepo{})
	err := svc.InsertNode(context.Background(), newID(t), newID(t))
	require.ErrorIs(t, err, ErrParentNotFound)
}

// The SQL repositories lock the affected row before deriving edges, so an
// insert under a parent and a delete of that parent's subtree serialize.
// Replay the serialized order: the late insert must fail parent-not-found
// and no edge may survive referencing a deleted node.
func TestInsertSerializedAfterSubtreeDelete(t *testing.T) {
	repo := &memoryEdgeRepo{}
	svc := NewService(repo)
	ctx := context.Background()
	_, a, _, c, _ := buildTree(t, svc)

	deleted, err := svc.DeleteSubtree(ctx, a)
	require.NoError(t, err)
	require.Contains(t, deleted, c)

	child := newID(t)
	err = svc.InsertNode(ctx, child, c)
	require.ErrorIs(t, err, ErrParentNotFound)

	gone := make(map[uuid.UUID]struct{}, len(deleted))
	for _, id := range deleted {
		gone[id] = struct{}{}
	}
	for _, edge := range repo.edges {
		_, ancGone := gone[edge.Ancestor]
		_, descGone := gone[edge.Descendant]
		assert.False(t, ancGone, "surviving edge still lists deleted node %s as ancestor", edge.Ancestor)
		assert.False(t, descGone, "surviving edge still lists deleted node %s as descendant", edge.Descendant)
	}
}
