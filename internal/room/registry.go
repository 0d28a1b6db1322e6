package room

import (
	"slices"

	"github.com/shouta0715/ripples-api/internal/session"
)

type member struct {
	connID string
	user   *session.User
}

// registry is the room's in-memory view of its panels, in join order. It
// is owned by the room goroutine.
type registry struct {
	members []member
	customs []session.CustomField
}

var _ session.Registry = (*registry)(nil)

func (g *registry) Lookup(panelID string) (*session.User, bool) {
	for _, m := range g.members {
		if m.user.ID() == panelID {
			return m.user, true
		}
	}
	return nil, false
}

func (g *registry) Users() []*session.User {
	out := make([]*session.User, len(g.members))
	for i, m := range g.members {
		out[i] = m.user
	}
	return out
}

func (g *registry) CustomFields() []session.CustomField {
	return slices.Clone(g.customs)
}

func (g *registry) add(connID string, u *session.User) {
	g.members = append(g.members, member{connID: connID, user: u})
}

func (g *registry) byConn(connID string) (*session.User, bool) {
	for _, m := range g.members {
		if m.connID == connID {
			return m.user, true
		}
	}
	return nil, false
}

// connOf returns the connection a panel id is bound to.
func (g *registry) connOf(panelID string) (string, bool) {
	for _, m := range g.members {
		if m.user.ID() == panelID {
			return m.connID, true
		}
	}
	return "", false
}

func (g *registry) remove(connID string) (*session.User, bool) {
	i := slices.IndexFunc(g.members, func(m member) bool { return m.connID == connID })
	if i < 0 {
		return nil, false
	}
	u := g.members[i].user
	g.members = slices.Delete(g.members, i, i+1)
	return u, true
}

func (g *registry) len() int { return len(g.members) }

func (g *registry) custom(key string) (int, bool) {
	i := slices.IndexFunc(g.customs, func(f session.CustomField) bool { return f.Key == key })
	return i, i >= 0
}
