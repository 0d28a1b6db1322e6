package room

import (
	"context"
	"io"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/shouta0715/ripples-api/internal/canvas"
	"github.com/shouta0715/ripples-api/internal/session"
	"github.com/shouta0715/ripples-api/pkg/blob"
	"github.com/shouta0715/ripples-api/pkg/store"
)

// withAdmin runs fn on the room goroutine with the current admin, failing
// with AdminNotConnected when there is none.
func (r *Room) withAdmin(ctx context.Context, fn func(a *session.Admin) error) error {
	return r.do(ctx, func() error {
		if r.admin == nil {
			return session.AdminNotConnected()
		}
		return fn(r.admin)
	})
}

// --- Panel state ---

func (r *Room) ChangePosition(ctx context.Context, panelID string, p session.PositionUpdate) error {
	return r.withAdmin(ctx, func(a *session.Admin) error { return a.Position(panelID, p) })
}

func (r *Room) Resize(ctx context.Context, panelID string, width, height float64) error {
	if width < 1 || height < 1 {
		return session.InvalidRequest("Invalid size")
	}
	return r.withAdmin(ctx, func(a *session.Admin) error { return a.Resize(panelID, width, height) })
}

func (r *Room) ChangeDisplayName(ctx context.Context, panelID, name string) error {
	return r.withAdmin(ctx, func(a *session.Admin) error { return a.DisplayName(panelID, name) })
}

func (r *Room) ChangeDevice(ctx context.Context, panelID string, d session.DeviceUpdate) error {
	if d.Width < 1 || d.Height < 1 {
		return session.InvalidRequest("Invalid size")
	}
	return r.withAdmin(ctx, func(a *session.Admin) error { return a.Device(panelID, d) })
}

func (r *Room) SetMode(ctx context.Context, mode session.Mode) error {
	return r.withAdmin(ctx, func(a *session.Admin) error {
		if err := a.SetMode(mode); err != nil {
			return err
		}
		r.lastMode = mode
		return nil
	})
}

// GetMode reports the admin's mode, or the last known one while no admin
// is connected.
func (r *Room) GetMode(ctx context.Context) (session.Mode, error) {
	var mode session.Mode
	err := r.do(ctx, func() error {
		mode = r.lastMode
		if r.admin != nil {
			mode = r.admin.Mode()
		}
		return nil
	})
	return mode, err
}

// --- Connections ---

// Connect links two panel edges on behalf of actorID, which must be the
// edge's source.
func (r *Room) Connect(ctx context.Context, actorID string, edge canvas.Edge) error {
	if actorID != edge.Source {
		return session.InvalidRequest("Invalid source")
	}
	return r.withAdmin(ctx, func(a *session.Admin) error { return a.Connect(edge) })
}

func (r *Room) Disconnect(ctx context.Context, actorID string, edge canvas.Edge) error {
	if actorID != edge.Source {
		return session.InvalidRequest("Invalid source")
	}
	return r.withAdmin(ctx, func(a *session.Admin) error { return a.Disconnect(edge) })
}

func (r *Room) Over(ctx context.Context, actorID string, req session.OverRequest) error {
	return r.withAdmin(ctx, func(a *session.Admin) error { return a.Over(actorID, req) })
}

// --- Queries ---

func (r *Room) GetUserSessions(ctx context.Context) ([]session.PanelState, error) {
	var out []session.PanelState
	err := r.do(ctx, func() error {
		users := r.members.Users()
		out = make([]session.PanelState, len(users))
		for i, u := range users {
			out[i] = u.State()
		}
		return nil
	})
	return out, err
}

func (r *Room) GetUserState(ctx context.Context, panelID string) (session.PanelState, error) {
	var out session.PanelState
	err := r.do(ctx, func() error {
		u, ok := r.members.Lookup(panelID)
		if !ok {
			return session.InvalidRequest("Invalid user")
		}
		out = u.State()
		return nil
	})
	return out, err
}

func (r *Room) PanelCount(ctx context.Context) (int, error) {
	var n int
	err := r.do(ctx, func() error {
		n = r.members.len()
		return nil
	})
	return n, err
}

// OtherPanels counts the connected panels whose id is not panelID.
func (r *Room) OtherPanels(ctx context.Context, panelID string) (int, error) {
	var n int
	err := r.do(ctx, func() error {
		n = r.members.len()
		if _, ok := r.members.Lookup(panelID); ok {
			n--
		}
		return nil
	})
	return n, err
}

// --- Custom fields ---

func (r *Room) GetCustoms(ctx context.Context) ([]session.CustomField, error) {
	var out []session.CustomField
	err := r.do(ctx, func() error {
		out = r.members.CustomFields()
		return nil
	})
	return out, err
}

func (r *Room) putCustom(f session.CustomField) error {
	data, err := store.Encode(f)
	if err != nil {
		return session.Unreachable("encode custom field: %v", err)
	}
	if err := r.store.PutCustom(r.ctx, r.name, f.Key, data); err != nil {
		return session.Unreachable("store custom field: %v", err)
	}
	return nil
}

// broadcastCustoms applies a field change to every panel and tells the
// admin about each resulting state.
func (r *Room) broadcastCustoms(trigger session.CustomsTrigger, f session.CustomField) {
	for _, u := range r.members.Users() {
		u.Customs(trigger, f)
		if r.admin != nil {
			r.admin.Notify(session.ActionDevice, u.State())
		}
	}
}

// SetCustom adds a field definition. A key that already exists is left
// untouched and the call still succeeds.
func (r *Room) SetCustom(ctx context.Context, f session.CustomField) error {
	if err := f.Validate(); err != nil {
		return err
	}
	return r.do(ctx, func() error {
		if _, exists := r.members.custom(f.Key); exists {
			r.logger.Debug("Ignoring duplicate custom field", slog.String("key", f.Key))
			return nil
		}
		if err := r.putCustom(f); err != nil {
			return err
		}
		r.members.customs = append(r.members.customs, f)
		r.broadcastCustoms(session.CustomsAdd, f)
		return nil
	})
}

// UpdateCustom replaces the definition stored under key. Panels whose
// value no longer fits the type fall back to the new default. A missing
// key is a no-op.
func (r *Room) UpdateCustom(ctx context.Context, key string, f session.CustomField) error {
	f.Key = key
	if err := f.Validate(); err != nil {
		return err
	}
	return r.do(ctx, func() error {
		i, exists := r.members.custom(key)
		if !exists {
			return nil
		}
		if err := r.putCustom(f); err != nil {
			return err
		}
		r.members.customs[i] = f
		r.broadcastCustoms(session.CustomsUpdate, f)
		return nil
	})
}

// DeleteCustom removes a field definition. A missing key is a no-op and
// nobody is notified.
func (r *Room) DeleteCustom(ctx context.Context, key string) error {
	return r.do(ctx, func() error {
		i, exists := r.members.custom(key)
		if !exists {
			return nil
		}
		if err := r.store.DeleteCustom(r.ctx, r.name, key); err != nil {
			return session.Unreachable("delete custom field: %v", err)
		}
		f := r.members.customs[i]
		r.members.customs = slices.Delete(r.members.customs, i, i+1)
		r.broadcastCustoms(session.CustomsRemove, f)
		return nil
	})
}

// --- Images ---

// UploadImage stores an image and announces it to the admin and every
// start device. The blob is written before the room goroutine is
// involved.
func (r *Room) UploadImage(ctx context.Context, contentType string, body io.Reader) (string, error) {
	id := uuid.NewString()
	info, err := r.blobs.Put(ctx, r.name, id, contentType, body)
	if err != nil {
		return "", err
	}
	r.logger.Info("Image uploaded", slog.String("id", id), slog.Int64("size", info.Size))

	err = r.do(ctx, func() error {
		if r.admin != nil {
			r.admin.Uploaded(id)
		}
		for _, u := range r.members.Users() {
			if u.State().IsStartDevice {
				u.Uploaded(id)
			}
		}
		return nil
	})
	return id, err
}

func (r *Room) OpenImage(ctx context.Context, id string) (*blob.Object, error) {
	return r.blobs.Open(ctx, r.name, id)
}
