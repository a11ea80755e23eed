package elements

import "github.com/google/uuid"

// ElementType classifies what a UI element is rendered as.
type ElementType string

const (
	TypeMenu   ElementType = "menu"
	TypeButton ElementType = "button"
	TypeLink   ElementType = "link"
)

// Valid reports whether the element type is a known kind.
func (t ElementType) Valid() bool {
	switch t {
	case TypeMenu, TypeButton, TypeLink:
		return true
	}
	return false
}

// Element is one node of the UI element tree. Identification is the stable
// key the frontend matches against; Route is the frontend route a menu
// navigates to. UpID is the direct parent, uuid.Nil for roots.
type Element struct {
	ID             uuid.UUID
	Name           string
	ElementType    ElementType
	Identification string
	Route          string
	UpID           uuid.UUID
}
