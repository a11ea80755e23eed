package closure

import (
	"context"
	"sort"

	"github.com/google/uuid"
)

// Service implements tree operations on top of an EdgeRepository. All edge
// derivation happens here so the repository stays a dumb row store.
type Service struct {
	repo EdgeRepository
}

// NewService constructs a Service.
func NewService(repo EdgeRepository) *Service {
	return &Service{repo: repo}
}

// InsertNode records a new node under parentID. A zero parentID creates a new
// root. The node inherits the parent's entire ancestor chain shifted one
// level deeper, plus its own self-edge; existing edges are never touched.
func (s *Service) InsertNode(ctx context.Context, nodeID, parentID uuid.UUID) error {
	edges := []Edge{{Ancestor: nodeID, Descendant: nodeID, Depth: 0}}
	if parentID != uuid.Nil {
		ancestors, err := s.repo.EdgesTo(ctx, parentID)
		if err != nil {
			return err
		}
		if len(ancestors) == 0 {
			return ErrParentNotFound
		}
		for _, edge := range ancestors {
			edges = append(edges, Edge{
				Ancestor:   edge.Ancestor,
				Descendant: nodeID,
				Depth:      edge.Depth + 1,
			})
		}
	}
	return s.repo.InsertEdges(ctx, edges)
}

// DeleteSubtree removes the node and its whole subtree from the closure
// table and returns the ids of every removed node, nodeID included. Children
// are deleted, never re-parented. Callers delete the matching domain rows
// within the same transaction.
func (s *Service) DeleteSubtree(ctx context.Context, nodeID uuid.UUID) ([]uuid.UUID, error) {
	ids, err := s.DescendantsOf(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := s.repo.DeleteByDescendants(ctx, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// DescendantsOf returns the node's full descendant set including itself,
// ordered by depth then id.
func (s *Service) DescendantsOf(ctx context.Context, nodeID uuid.UUID) ([]uuid.UUID, error) {
	edges, err := s.repo.EdgesFrom(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	sortEdges(edges)
	ids := make([]uuid.UUID, len(edges))
	for i, edge := range edges {
		ids[i] = edge.Descendant
	}
	return ids, nil
}

// AncestorsOf returns the node's full ancestor chain including itself,
// ordered from the node (depth 0) up to the root.
func (s *Service) AncestorsOf(ctx context.Context, nodeID uuid.UUID) ([]Edge, error) {
	edges, err := s.repo.EdgesTo(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	sortEdges(edges)
	return edges, nil
}

// DirectParentOf returns the unique ancestor at depth 1. The second return
// is false when the node is a root or unknown.
func (s *Service) DirectParentOf(ctx context.Context, nodeID uuid.UUID) (uuid.UUID, bool, error) {
	edges, err := s.repo.EdgesTo(ctx, nodeID)
	if err != nil {
		return uuid.Nil, false, err
	}
	for _, edge := range edges {
		if edge.Depth == 1 {
			return edge.Ancestor, true, nil
		}
	}
	return uuid.Nil, false, nil
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Depth != edges[j].Depth {
			return edges[i].Depth < edges[j].Depth
		}
		if edges[i].Ancestor != edges[j].Ancestor {
			return edges[i].Ancestor.String() < edges[j].Ancestor.String()
		}
		return edges[i].Descendant.String() < edges[j].Descendant.String()
	})
}
