package canvas

import (
	"errors"
	"fmt"
)

// Direction names one of the four edges of a panel.
type Direction string

const (
	Left   Direction = "left"
	Right  Direction = "right"
	Top    Direction = "top"
	Bottom Direction = "bottom"
)

func (d Direction) Valid() bool {
	switch d {
	case Left, Right, Top, Bottom:
		return true
	}
	return false
}

// ErrUnknownDirection is a caller bug: directions are validated at the
// protocol boundary before any alignment arithmetic happens.
var ErrUnknownDirection = errors.New("unknown direction")

// EdgeAction is the graph operation an alignment transition belongs to.
type EdgeAction int

const (
	ActionConnect EdgeAction = iota
	ActionDisconnect
)

// Alignment tracks which edges of a panel are free. true means no
// connection currently occupies that edge.
type Alignment struct {
	Left   bool `json:"isLeft"`
	Right  bool `json:"isRight"`
	Top    bool `json:"isTop"`
	Bottom bool `json:"isBottom"`
}

// FreeAlignment is the alignment of a freshly connected panel.
func FreeAlignment() Alignment {
	return Alignment{Left: true, Right: true, Top: true, Bottom: true}
}

// IsFree reports whether the edge d is unoccupied.
func (a Alignment) IsFree(d Direction) bool {
	switch d {
	case Left:
		return a.Left
	case Right:
		return a.Right
	case Top:
		return a.Top
	case Bottom:
		return a.Bottom
	}
	return false
}

// NextAlignment returns a copy of a with the flag for d cleared on
// connect and set on disconnect.
func NextAlignment(a Alignment, action EdgeAction, d Direction) (Alignment, error) {
	free := action == ActionDisconnect
	switch d {
	case Left:
		a.Left = free
	case Right:
		a.Right = free
	case Top:
		a.Top = free
	case Bottom:
		a.Bottom = free
	default:
		return a, fmt.Errorf("%w: %q", ErrUnknownDirection, string(d))
	}
	return a, nil
}
