package elements

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tessera-admin/tessera/internal/closure"
	"github.com/tessera-admin/tessera/internal/identity"
	"github.com/tessera-admin/tessera/internal/shared"
)

// RepositoryPort defines the persistence operations the service needs.
type RepositoryPort interface {
	Create(ctx context.Context, element Element) error
	DeleteSubtree(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
	GetAll(ctx context.Context) ([]Element, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]Element, error)
}

// IdentityPort resolves role element grants.
type IdentityPort interface {
	FindRoleByName(ctx context.Context, name string) (identity.Role, error)
	RoleClaims(ctx context.Context, roleID uuid.UUID, claimType identity.ClaimType) ([]identity.Claim, error)
}

// ErrUnknownParent rejects inserts under a parent that is not in the tree.
var ErrUnknownParent = errors.New("parent element not found")

// Service owns the UI element tree and per-user element resolution.
type Service struct {
	repo      RepositoryPort
	identity  IdentityPort
	adminRole string
	logger    *slog.Logger
}

// NewService constructs a Service.
func NewService(repo RepositoryPort, idPort IdentityPort, adminRole string, logger *slog.Logger) *Service {
	return &Service{repo: repo, identity: idPort, adminRole: adminRole, logger: logger}
}

// Create inserts a new element under parentID.
func (s *Service) Create(ctx context.Context, name string, elementType ElementType, identification, route string, parentID uuid.UUID) (Element, error) {
	if !elementType.Valid() {
		return Element{}, fmt.Errorf("unknown element type %q", elementType)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Element{}, err
	}
	element := Element{
		ID:             id,
		Name:           name,
		ElementType:    elementType,
		Identification: identification,
		Route:          route,
		UpID:           parentID,
	}
	if err := s.repo.Create(ctx, element); err != nil {
		if errors.Is(err, closure.ErrParentNotFound) {
			return Element{}, fmt.Errorf("%w: %s", ErrUnknownParent, parentID)
		}
		return Element{}, err
	}
	return element, nil
}

// Delete removes an element and its entire subtree, role grants included.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	return s.repo.DeleteSubtree(ctx, id)
}

// GetAll returns the whole element tree, for the admin editor.
func (s *Service) GetAll(ctx context.Context) ([]Element, error) {
	return s.repo.GetAll(ctx)
}

// ElementsFor returns the elements visible to the principal: everything for
// the admin role, otherwise the union of element claims over their roles.
func (s *Service) ElementsFor(ctx context.Context, principal *shared.Principal) ([]Element, error) {
	if principal.HasRole(s.adminRole) {
		return s.repo.GetAll(ctx)
	}
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, roleName := range principal.Roles {
		role, err := s.identity.FindRoleByName(ctx, roleName)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				continue
			}
			return nil, err
		}
		claims, err := s.identity.RoleClaims(ctx, role.ID, identity.ClaimElement)
		if err != nil {
			return nil, err
		}
		for _, claim := range claims {
			elementID, err := uuid.Parse(claim.Value)
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("element claim with malformed id", slog.String("value", claim.Value))
				}
				continue
			}
			if !seen[elementID] {
				seen[elementID] = true
				ids = append(ids, elementID)
			}
		}
	}
	return s.repo.GetByIDs(ctx, ids)
}
