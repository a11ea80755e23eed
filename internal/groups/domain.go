package groups

import "github.com/google/uuid"

// Group is one node of the organizational tree. UpID is the direct parent,
// uuid.Nil for roots.
type Group struct {
	ID     uuid.UUID
	Name   string
	Remark string
	UpID   uuid.UUID
}
