package canvas

// Edge is a directed link from one panel's edge to another panel's edge.
// Edges are owned by their source panel: only the source keeps the edge in
// its connection list, while both ends track occupancy through Alignment.
type Edge struct {
	Source string    `json:"source"`
	Target string    `json:"target"`
	From   Direction `json:"from"`
	To     Direction `json:"to"`
}

// Valid reports whether both ends are named and both directions are known.
func (e Edge) Valid() bool {
	return e.Source != "" && e.Target != "" && e.From.Valid() && e.To.Valid()
}

// AddEdge appends e to list. The caller applies NextAlignment for the
// connect in the same action so the two are never observed out of sync.
func AddEdge(list []Edge, e Edge) []Edge {
	out := make([]Edge, 0, len(list)+1)
	out = append(out, list...)
	return append(out, e)
}

// RemoveEdges drops every edge for which match returns true.
// Removing nothing is not an error: a repeated disconnect is tolerated.
func RemoveEdges(list []Edge, match func(Edge) bool) []Edge {
	out := make([]Edge, 0, len(list))
	for _, e := range list {
		if !match(e) {
			out = append(out, e)
		}
	}
	return out
}

// SameEdge matches an edge equal to e in all four fields.
func SameEdge(e Edge) func(Edge) bool {
	return func(other Edge) bool { return other == e }
}

// OutgoingEdges returns the edges of list leaving source through from.
func OutgoingEdges(list []Edge, source string, from Direction) []Edge {
	var out []Edge
	for _, e := range list {
		if e.Source == source && e.From == from {
			out = append(out, e)
		}
	}
	return out
}
