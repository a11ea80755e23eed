// Package closure maintains materialized ancestor/descendant/depth relations
// for node hierarchies. The same mechanism backs both the organization group
// tree and the UI element tree; each hierarchy gets its own closure table.
package closure

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrParentNotFound indicates the requested parent node has no closure rows.
var ErrParentNotFound = errors.New("closure: parent node not found")

// Edge is one (ancestor, descendant, depth) triple. Every node owns a
// self-edge with depth 0; depth counts the edges on the path between the two
// nodes in the represented tree.
type Edge struct {
	Ancestor   uuid.UUID
	Descendant uuid.UUID
	Depth      int
}

// EdgeRepository is the persistence port for a single closure table.
type EdgeRepository interface {
	// EdgesTo returns every edge ending at the node: its full ancestor
	// chain including the self-edge.
	EdgesTo(ctx context.Context, descendant uuid.UUID) ([]Edge, error)
	// EdgesFrom returns every edge starting at the node: its full
	// descendant set including the self-edge.
	EdgesFrom(ctx context.Context, ancestor uuid.UUID) ([]Edge, error)
	// InsertEdges persists the derived edges for a new node.
	InsertEdges(ctx context.Context, edges []Edge) error
	// DeleteByDescendants removes every edge whose descendant is in ids.
	// An edge with an ancestor inside a deleted subtree necessarily has its
	// descendant inside it too, so this removes all edges touching the
	// subtree, including those arriving from surviving ancestors.
	DeleteByDescendants(ctx context.Context, ids []uuid.UUID) error
}
