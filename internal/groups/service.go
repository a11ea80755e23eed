package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/tessera-admin/tessera/internal/closure"
)

// RepositoryPort defines the persistence operations the service needs.
type RepositoryPort interface {
	Create(ctx context.Context, group Group) error
	Update(ctx context.Context, id uuid.UUID, name, remark string) error
	DeleteSubtree(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (Group, error)
	GetAll(ctx context.Context) ([]Group, error)
}

// TreePort answers subtree queries. Satisfied by the closure service.
type TreePort interface {
	DescendantsOf(ctx context.Context, nodeID uuid.UUID) ([]uuid.UUID, error)
}

// CacheInvalidator evicts cached filters when the tree shape changes.
type CacheInvalidator interface {
	InvalidateAllUsers(ctx context.Context) error
}

// ErrUnknownParent rejects inserts under a parent that is not in the tree.
var ErrUnknownParent = errors.New("parent group not found")

// Service owns the organizational group tree.
type Service struct {
	repo     RepositoryPort
	tree     TreePort
	cache    CacheInvalidator
	collator *collate.Collator
	logger   *slog.Logger
}

// NewService constructs a Service. cache may be nil in tests.
func NewService(repo RepositoryPort, tree TreePort, cache CacheInvalidator, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		tree:     tree,
		cache:    cache,
		collator: collate.New(language.Und, collate.IgnoreCase),
		logger:   logger,
	}
}

// Create inserts a new group under parentID, or a new root when parentID is
// nil. Filters compiled from the parent's old descendant set are stale
// afterwards, so user caches are dropped.
func (s *Service) Create(ctx context.Context, name, remark string, parentID uuid.UUID) (Group, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Group{}, err
	}
	group := Group{ID: id, Name: name, Remark: remark, UpID: parentID}
	if err := s.repo.Create(ctx, group); err != nil {
		if errors.Is(err, closure.ErrParentNotFound) {
			return Group{}, fmt.Errorf("%w: %s", ErrUnknownParent, parentID)
		}
		return Group{}, err
	}
	s.invalidate(ctx)
	return group, nil
}

// Update renames a group.
func (s *Service) Update(ctx context.Context, id uuid.UUID, name, remark string) error {
	return s.repo.Update(ctx, id, name, remark)
}

// Delete removes a group and its entire subtree and returns the removed
// ids. Users inside the subtree lose their group reference.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	removed, err := s.repo.DeleteSubtree(ctx, id)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return removed, nil
}

// Get fetches one group.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Group, error) {
	return s.repo.Get(ctx, id)
}

// GetAll returns every group sorted by name with locale-aware collation.
// Parent references let the client rebuild the tree.
func (s *Service) GetAll(ctx context.Context) ([]Group, error) {
	groups, err := s.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return s.collator.CompareString(groups[i].Name, groups[j].Name) < 0
	})
	return groups, nil
}

// Descendants returns the group's full subtree ids, the group included.
func (s *Service) Descendants(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	return s.tree.DescendantsOf(ctx, id)
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateAllUsers(ctx); err != nil && s.logger != nil {
		s.logger.Warn("invalidate filter caches", slog.Any("error", err))
	}
}
