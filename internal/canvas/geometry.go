// Package canvas holds the pure geometry of the shared virtual canvas:
// panel boxes, point remapping between panel frames, edge occupancy and
// the directed connection graph between panel edges.
package canvas

// Point is a location in some panel's local pixel frame.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is a panel's rectangle in the shared canvas. End coordinates are
// exclusive: EndX-StartX is the panel width.
type Box struct {
	StartX float64 `json:"startX"`
	StartY float64 `json:"startY"`
	EndX   float64 `json:"endX"`
	EndY   float64 `json:"endY"`
}

// Rect is a rectangle reported as origin plus size.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// BoxAt places a width x height box with its origin at (x, y).
func BoxAt(x, y, width, height float64) Box {
	return Box{StartX: x, StartY: y, EndX: x + width, EndY: y + height}
}

// FromRect converts an origin+size rectangle into a box.
func FromRect(r Rect) Box {
	return BoxAt(r.X, r.Y, r.Width, r.Height)
}

// Resize keeps the start corner and moves the end corner.
func (b Box) Resize(width, height float64) Box {
	return BoxAt(b.StartX, b.StartY, width, height)
}

func (b Box) Width() float64  { return b.EndX - b.StartX }
func (b Box) Height() float64 { return b.EndY - b.StartY }

// RemapPoint translates p from the sender's local frame into the
// recipient's local frame so it lands on the same canvas location.
func RemapPoint(p Point, sender, recipient Box) Point {
	return Point{
		X: p.X - recipient.StartX + sender.StartX,
		Y: p.Y - recipient.StartY + sender.StartY,
	}
}
