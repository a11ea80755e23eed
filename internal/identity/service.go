package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tessera-admin/tessera/internal/shared"
)

// RepositoryPort defines the persistence operations the service needs.
type RepositoryPort interface {
	FindUserByName(ctx context.Context, userName string) (User, error)
	FindUserByID(ctx context.Context, id uuid.UUID) (User, error)
	ListUsers(ctx context.Context, page, perPage int) ([]User, shared.Pagination, error)
	CreateUser(ctx context.Context, user User) error
	SetUserGroup(ctx context.Context, userID, groupID uuid.UUID) error
	SetUserRoles(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID) error
	CreateRole(ctx context.Context, role Role) error
	ListRoles(ctx context.Context) ([]Role, error)
	FindRoleByName(ctx context.Context, name string) (Role, error)
	RoleClaims(ctx context.Context, roleID uuid.UUID, claimType ClaimType) ([]Claim, error)
	SetRoleClaims(ctx context.Context, roleID uuid.UUID, claims []Claim) error
}

// PermissionInvalidator evicts cached authorization state after identity
// mutations. Implemented by the permission cache service.
type PermissionInvalidator interface {
	InvalidateUser(ctx context.Context, userID uuid.UUID) error
	InvalidateRole(ctx context.Context, roleID uuid.UUID) error
	InvalidateAllUsers(ctx context.Context) error
}

// Service owns user and role administration.
type Service struct {
	repo   RepositoryPort
	perms  PermissionInvalidator
	audit  *shared.AuditLogger
	logger *slog.Logger
}

// NewService constructs a Service. perms and audit may be nil in tests.
func NewService(repo RepositoryPort, perms PermissionInvalidator, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	return &Service{repo: repo, perms: perms, audit: audit, logger: logger}
}

// GetUser loads a user by name.
func (s *Service) GetUser(ctx context.Context, userName string) (User, error) {
	return s.repo.FindUserByName(ctx, userName)
}

// ListUsers returns one page of accounts.
func (s *Service) ListUsers(ctx context.Context, page, perPage int) ([]User, shared.Pagination, error) {
	return s.repo.ListUsers(ctx, page, perPage)
}

// CreateUser registers a new account with a bcrypt password hash.
func (s *Service) CreateUser(ctx context.Context, userName, displayName, password string, groupID uuid.UUID) (User, error) {
	if userName == "" || password == "" {
		return User{}, fmt.Errorf("user name and password required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, err
	}
	user := User{
		ID:           id,
		UserName:     userName,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		GroupID:      groupID,
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return User{}, err
	}
	s.record(ctx, "user.create", "user", user.ID.String(), map[string]any{"user_name": userName})
	return user, nil
}

// AssignRoles replaces the user's roles with the named set.
func (s *Service) AssignRoles(ctx context.Context, userID uuid.UUID, roleNames []string) error {
	roleIDs := make([]uuid.UUID, 0, len(roleNames))
	for _, name := range roleNames {
		role, err := s.repo.FindRoleByName(ctx, name)
		if err != nil {
			return fmt.Errorf("role %q: %w", name, err)
		}
		roleIDs = append(roleIDs, role.ID)
	}
	if err := s.repo.SetUserRoles(ctx, userID, roleIDs); err != nil {
		return err
	}
	s.invalidateUser(ctx, userID)
	s.record(ctx, "user.roles", "user", userID.String(), map[string]any{"roles": roleNames})
	return nil
}

// MoveToGroup reassigns the user's organizational group. Cached filters
// derived from the old group become stale, so the user cache is dropped.
func (s *Service) MoveToGroup(ctx context.Context, userID, groupID uuid.UUID) error {
	if err := s.repo.SetUserGroup(ctx, userID, groupID); err != nil {
		return err
	}
	s.invalidateUser(ctx, userID)
	s.record(ctx, "user.group", "user", userID.String(), map[string]any{"group_id": groupID.String()})
	return nil
}

// CreateRole registers a new role.
func (s *Service) CreateRole(ctx context.Context, name, remark string) (Role, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Role{}, err
	}
	role := Role{ID: id, Name: name, Remark: remark}
	if err := s.repo.CreateRole(ctx, role); err != nil {
		return Role{}, err
	}
	s.record(ctx, "role.create", "role", role.ID.String(), map[string]any{"name": name})
	return role, nil
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// RoleClaims returns the claims attached to a role.
func (s *Service) RoleClaims(ctx context.Context, roleID uuid.UUID) ([]Claim, error) {
	return s.repo.RoleClaims(ctx, roleID, "")
}

// SetRoleClaims replaces the role's claims wholesale and drops every cache
// that may embed the old grants.
func (s *Service) SetRoleClaims(ctx context.Context, roleID uuid.UUID, claims []Claim) error {
	for _, claim := range claims {
		if !claim.Type.Valid() {
			return fmt.Errorf("unknown claim type %q", claim.Type)
		}
		if claim.Type == ClaimRule {
			if _, err := uuid.Parse(claim.Value); err != nil {
				return fmt.Errorf("rule claim %q is not a rule group id", claim.Value)
			}
		}
	}
	if err := s.repo.SetRoleClaims(ctx, roleID, claims); err != nil {
		return err
	}
	if s.perms != nil {
		if err := s.perms.InvalidateRole(ctx, roleID); err != nil {
			s.warn("invalidate role cache", err)
		}
		if err := s.perms.InvalidateAllUsers(ctx); err != nil {
			s.warn("invalidate user caches", err)
		}
	}
	s.record(ctx, "role.claims", "role", roleID.String(), map[string]any{"claims": len(claims)})
	return nil
}

func (s *Service) invalidateUser(ctx context.Context, userID uuid.UUID) {
	if s.perms == nil {
		return
	}
	if err := s.perms.InvalidateUser(ctx, userID); err != nil {
		s.warn("invalidate user cache", err)
	}
}

func (s *Service) record(ctx context.Context, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	var actor uuid.UUID
	if p := shared.PrincipalFromContext(ctx); p != nil {
		actor = p.UserID
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
	}); err != nil {
		s.warn("audit record", err)
	}
}

func (s *Service) warn(msg string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, slog.Any("error", err))
	}
}
