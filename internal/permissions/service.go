package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/tessera-admin/tessera/internal/identity"
	"github.com/tessera-admin/tessera/internal/rules"
	"github.com/tessera-admin/tessera/internal/shared"
)

const (
	filterKeyPrefix = "perm:filters:"
	apiKeyPrefix    = "perm:apis:"
)

// IdentityPort exposes the identity lookups the cache needs.
type IdentityPort interface {
	FindRoleByName(ctx context.Context, name string) (identity.Role, error)
	RoleClaims(ctx context.Context, roleID uuid.UUID, claimType identity.ClaimType) ([]identity.Claim, error)
}

// RulesPort compiles a stored rule group's filter for one principal.
type RulesPort interface {
	CompileFilter(ctx context.Context, groupID uuid.UUID, vars rules.Context) (rules.Group, []byte, error)
}

// Service is the permission cache and authorization decision point. Cached
// state is only ever rebuilt wholesale from the rule and identity stores;
// mutations there invalidate, never patch.
type Service struct {
	client    *redis.Client
	identity  IdentityPort
	rules     RulesPort
	adminRole string
	ttl       time.Duration
	flight    singleflight.Group
	logger    *slog.Logger
}

// NewService constructs a Service. adminRole members bypass API checks and
// read without row filters.
func NewService(client *redis.Client, idPort IdentityPort, rulesPort RulesPort, adminRole string, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{
		client:    client,
		identity:  idPort,
		rules:     rulesPort,
		adminRole: adminRole,
		ttl:       ttl,
		logger:    logger,
	}
}

// GetUserFilters returns the principal's compiled row filters, rebuilding
// the cache entry on miss. An empty slice is a valid cached value and means
// unrestricted reads (the admin case), so presence of the key, not its
// content, decides hit or miss.
func (s *Service) GetUserFilters(ctx context.Context, principal *shared.Principal) ([]FilterDescriptor, error) {
	key := filterKeyPrefix + principal.UserID.String()
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == nil {
		var filters []FilterDescriptor
		if err := json.Unmarshal(raw, &filters); err == nil {
			return filters, nil
		}
		s.warn("corrupt filter cache entry, rebuilding", errors.New(key))
	} else if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// Concurrent misses for the same user share one rebuild.
	result, err, _ := s.flight.Do(key, func() (any, error) {
		filters, err := s.buildUserFilters(ctx, principal)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(filters)
		if err != nil {
			return nil, err
		}
		if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
			s.warn("store filter cache entry", err)
		}
		return filters, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]FilterDescriptor), nil
}

// buildUserFilters compiles every rule claim reachable through the
// principal's roles. Dangling claims are skipped rather than failing the
// whole rebuild; a skipped filter denies access to its entity, which is the
// safe direction.
func (s *Service) buildUserFilters(ctx context.Context, principal *shared.Principal) ([]FilterDescriptor, error) {
	filters := make([]FilterDescriptor, 0)
	if principal.HasRole(s.adminRole) {
		return filters, nil
	}

	vars := rules.Context{UserName: principal.UserName, GroupID: principal.GroupID}
	seen := make(map[uuid.UUID]bool)
	for _, roleName := range principal.Roles {
		role, err := s.identity.FindRoleByName(ctx, roleName)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				s.warn("principal carries unknown role "+roleName, err)
				continue
			}
			return nil, err
		}
		claims, err := s.identity.RoleClaims(ctx, role.ID, identity.ClaimRule)
		if err != nil {
			return nil, err
		}
		for _, claim := range claims {
			groupID, err := uuid.Parse(claim.Value)
			if err != nil {
				s.warn("rule claim with malformed group id "+claim.Value, err)
				continue
			}
			if seen[groupID] {
				continue
			}
			seen[groupID] = true
			group, expression, err := s.rules.CompileFilter(ctx, groupID, vars)
			if err != nil {
				if errors.Is(err, rules.ErrNotFound) {
					s.warn("rule claim references deleted group "+claim.Value, err)
					continue
				}
				return nil, err
			}
			filters = append(filters, FilterDescriptor{
				DbContext:  group.DbContext,
				Entity:     group.Entity,
				Expression: expression,
			})
		}
	}
	return filters, nil
}

// Authorize decides whether the principal may call the endpoint. Admin role
// members always may; everyone else needs an api claim matching
// "path|method" on one of their roles.
func (s *Service) Authorize(ctx context.Context, principal *shared.Principal, path, method string) (bool, error) {
	if principal == nil {
		return false, nil
	}
	if principal.HasRole(s.adminRole) {
		return true, nil
	}
	want := APIKey(path, method)
	for _, roleName := range principal.Roles {
		apis, err := s.roleAPIs(ctx, roleName)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				continue
			}
			return false, err
		}
		if apis[want] {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) roleAPIs(ctx context.Context, roleName string) (map[string]bool, error) {
	role, err := s.identity.FindRoleByName(ctx, roleName)
	if err != nil {
		return nil, err
	}
	key := apiKeyPrefix + role.ID.String()

	raw, err := s.client.Get(ctx, key).Bytes()
	if err == nil {
		var values []string
		if err := json.Unmarshal(raw, &values); err == nil {
			return toSet(values), nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	result, err, _ := s.flight.Do(key, func() (any, error) {
		claims, err := s.identity.RoleClaims(ctx, role.ID, identity.ClaimAPI)
		if err != nil {
			return nil, err
		}
		values := make([]string, 0, len(claims))
		for _, claim := range claims {
			values = append(values, claim.Value)
		}
		data, err := json.Marshal(values)
		if err != nil {
			return nil, err
		}
		if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
			s.warn("store api cache entry", err)
		}
		return values, nil
	})
	if err != nil {
		return nil, err
	}
	return toSet(result.([]string)), nil
}

// InvalidateUser drops one user's cached filters.
func (s *Service) InvalidateUser(ctx context.Context, userID uuid.UUID) error {
	return s.client.Del(ctx, filterKeyPrefix+userID.String()).Err()
}

// InvalidateRole drops one role's cached api grants.
func (s *Service) InvalidateRole(ctx context.Context, roleID uuid.UUID) error {
	return s.client.Del(ctx, apiKeyPrefix+roleID.String()).Err()
}

// InvalidateAllUsers drops every cached filter set. Used after rule edits,
// where any user's compiled filters may embed the old rules.
func (s *Service) InvalidateAllUsers(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, filterKeyPrefix+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 200 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return s.client.Del(ctx, keys...).Err()
	}
	return nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func (s *Service) warn(msg string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, slog.Any("error", err))
	}
}
