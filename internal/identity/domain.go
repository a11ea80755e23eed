package identity

import "github.com/google/uuid"

// ClaimType partitions role claims by what they grant.
type ClaimType string

const (
	// ClaimRule points at a rule group whose compiled filter scopes the
	// rows a role member may read.
	ClaimRule ClaimType = "rule"
	// ClaimAPI names an endpoint the role may call, as "path|method".
	ClaimAPI ClaimType = "api"
	// ClaimElement names a UI element the role may see.
	ClaimElement ClaimType = "element"
)

// Valid reports whether the claim type is one of the known kinds.
func (t ClaimType) Valid() bool {
	switch t {
	case ClaimRule, ClaimAPI, ClaimElement:
		return true
	}
	return false
}

// Claim is a single grant attached to a role.
type Claim struct {
	Type  ClaimType
	Value string
}

// Role is a named bundle of claims.
type Role struct {
	ID     uuid.UUID
	Name   string
	Remark string
}

// User is an account. GroupID is uuid.Nil for users outside the
// organizational tree; Roles carries role names, not ids.
type User struct {
	ID           uuid.UUID
	UserName     string
	DisplayName  string
	PasswordHash string
	GroupID      uuid.UUID
	Roles        []string
}
