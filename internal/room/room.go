// Package room implements the per-room coordinator. Every wire frame and
// every RPC of a room runs on a single goroutine, one at a time, in
// arrival order, so room state needs no locks.
package room

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/shouta0715/ripples-api/internal/session"
	"github.com/shouta0715/ripples-api/pkg/blob"
	"github.com/shouta0715/ripples-api/pkg/store"
)

var (
	ErrClosed   = errors.New("room is closed")
	ErrRoomFull = errors.New("room is full")
)

// Conn is the transport side of one connection.
type Conn interface {
	Send(msg []byte)
	CloseWith(code websocket.StatusCode, reason string)
}

type Options struct {
	// IdleSuspend drops the in-memory actors after this long without
	// traffic. Zero keeps them forever.
	IdleSuspend time.Duration
	MailboxSize int
	// MaxPanels caps the panels of one room. Zero means no cap.
	MaxPanels int
}

// link is a live transport connection. Links survive suspension; actors
// do not.
type link struct {
	conn Conn
	role session.Role
}

type Room struct {
	name    string
	store   store.Store
	blobs   *blob.FS
	opts    Options
	mailbox chan func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the room goroutine.
	links     map[string]link
	hydrated  bool
	members   *registry
	admin     *session.Admin
	adminConn string
	lastMode  session.Mode

	logger *slog.Logger
}

func newRoom(parent context.Context, name string, st store.Store, blobs *blob.FS, opts Options, logger *slog.Logger) *Room {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 64
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		name:     name,
		store:    st,
		blobs:    blobs,
		opts:     opts,
		mailbox:  make(chan func(), opts.MailboxSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		links:    make(map[string]link),
		members:  &registry{},
		lastMode: session.ModeView,
		logger:   logger.With(slog.String("component", "room"), slog.String("room", name)),
	}
	go r.run()
	return r
}

func (r *Room) Name() string { return r.name }

func (r *Room) run() {
	defer close(r.done)

	// Customs and attachments are loaded before the first closure.
	r.rehydrate()

	var idle <-chan time.Time
	var timer *time.Timer
	if r.opts.IdleSuspend > 0 {
		timer = time.NewTimer(r.opts.IdleSuspend)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case job := <-r.mailbox:
			if !r.hydrated {
				r.rehydrate()
			}
			job()
			if timer != nil {
				timer.Reset(r.opts.IdleSuspend)
			}
		case <-idle:
			if r.hydrated {
				r.suspend()
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// guard runs fn, converting a panic into an Unreachable error so one bad
// frame cannot take the room goroutine down.
func (r *Room) guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Recovered from panic in room action", slog.Any("panic", p))
			err = session.Unreachable("room action panicked: %v", p)
		}
	}()
	return fn()
}

// do runs fn on the room goroutine and waits for its result.
func (r *Room) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	job := func() { errc <- r.guard(fn) }

	select {
	case r.mailbox <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// post queues fn without waiting. Errors are logged.
func (r *Room) post(fn func() error) {
	job := func() {
		if err := r.guard(fn); err != nil {
			r.logActionError(err)
		}
	}
	select {
	case r.mailbox <- job:
	case <-r.done:
	}
}

func (r *Room) logActionError(err error) {
	if session.KindOf(err) == session.KindInvalidRequest {
		r.logger.Warn("Dropped invalid frame", slog.Any("error", err))
		return
	}
	r.logger.Error("Room action failed", slog.Any("error", err))
}

// Close stops the room goroutine and closes every live connection.
func (r *Room) Close() {
	r.cancel()
	<-r.done
	for _, l := range r.links {
		go l.conn.CloseWith(websocket.StatusGoingAway, "server shutting down")
	}
}

// --- Persistence ---

func (r *Room) saveUser(connID string) session.SaveFunc {
	return func(s session.PanelState) {
		r.saveAttachment(connID, session.RoleUser, s)
	}
}

func (r *Room) saveAdmin(connID string) func(session.AdminState) {
	return func(s session.AdminState) {
		r.saveAttachment(connID, session.RoleAdmin, s)
	}
}

func (r *Room) saveAttachment(connID string, role session.Role, v any) {
	data, err := store.Encode(v)
	if err != nil {
		r.logger.Error("Failed to encode attachment", slog.String("connID", connID), slog.Any("error", err))
		return
	}
	a := store.Attachment{ConnID: connID, Role: string(role), State: data}
	if err := r.store.SaveAttachment(r.ctx, r.name, a); err != nil {
		r.logger.Error("Failed to save attachment", slog.String("connID", connID), slog.Any("error", err))
	}
}

func (r *Room) deleteAttachment(connID string) {
	if err := r.store.DeleteAttachment(r.ctx, r.name, connID); err != nil {
		r.logger.Error("Failed to delete attachment", slog.String("connID", connID), slog.Any("error", err))
	}
}

// rehydrate rebuilds the actors from the store: custom fields first, then
// one actor per attachment whose connection is still live. Attachments of
// dead connections are removed.
func (r *Room) rehydrate() {
	r.members = &registry{}
	r.admin, r.adminConn = nil, ""

	recs, err := r.store.ListCustoms(r.ctx, r.name)
	if err != nil {
		r.logger.Error("Failed to load custom fields", slog.Any("error", err))
	}
	for _, rec := range recs {
		var f session.CustomField
		if err := store.Decode(rec.Value, &f); err != nil {
			r.logger.Error("Skipping undecodable custom field", slog.String("key", rec.Key), slog.Any("error", err))
			continue
		}
		r.members.customs = append(r.members.customs, f)
	}

	attachments, err := r.store.LoadAttachments(r.ctx, r.name)
	if err != nil {
		r.logger.Error("Failed to load attachments", slog.Any("error", err))
	}
	restored := make(map[string]bool, len(attachments))
	for _, a := range attachments {
		l, live := r.links[a.ConnID]
		if !live {
			r.deleteAttachment(a.ConnID)
			continue
		}
		if err := r.restore(a, l); err != nil {
			r.logger.Error("Failed to restore connection", slog.String("connID", a.ConnID), slog.Any("error", err))
			continue
		}
		restored[a.ConnID] = true
	}

	// Live connections without a usable attachment cannot be served.
	for connID, l := range r.links {
		if !restored[connID] {
			delete(r.links, connID)
			go l.conn.CloseWith(websocket.StatusInternalError, "session state lost")
		}
	}

	r.hydrated = true
	r.logger.Debug("Room hydrated",
		slog.Int("panels", r.members.len()),
		slog.Bool("admin", r.admin != nil),
		slog.Int("customs", len(r.members.customs)),
	)
}

func (r *Room) restore(a store.Attachment, l link) error {
	switch session.Role(a.Role) {
	case session.RoleAdmin:
		var s session.AdminState
		if err := store.Decode(a.State, &s); err != nil {
			return err
		}
		if r.admin != nil {
			return session.Unreachable("room has more than one admin")
		}
		r.admin = session.RestoreAdmin(s, l.conn, r.members, r.saveAdmin(a.ConnID), r.logger)
		r.adminConn = a.ConnID
		r.lastMode = s.Mode
	case session.RoleUser:
		var s session.PanelState
		if err := store.Decode(a.State, &s); err != nil {
			return err
		}
		if _, dup := r.members.Lookup(s.ID); dup {
			return session.Unreachable("panel %s is bound to more than one connection", s.ID)
		}
		r.members.add(a.ConnID, session.NewUser(s, l.conn, r.saveUser(a.ConnID), r.logger))
	default:
		return session.Unreachable("unknown attachment role %q", a.Role)
	}
	return nil
}

// suspend drops the in-memory actors. Connections stay open and the next
// closure rehydrates from the store.
func (r *Room) suspend() {
	if r.admin != nil {
		r.lastMode = r.admin.Mode()
	}
	r.members = &registry{}
	r.admin, r.adminConn = nil, ""
	r.hydrated = false
	r.logger.Debug("Room suspended", slog.Int("connections", len(r.links)))
}

// --- Connection lifecycle ---

// AttachAdmin installs conn as the room's admin. A previous admin
// connection is closed; the room mode carries over.
func (r *Room) AttachAdmin(ctx context.Context, connID string, conn Conn) error {
	return r.do(ctx, func() error {
		mode := r.lastMode
		if r.admin != nil {
			mode = r.admin.Mode()
			old := r.adminConn
			if l, ok := r.links[old]; ok {
				delete(r.links, old)
				go l.conn.CloseWith(websocket.StatusPolicyViolation, "replaced by a new admin")
			}
			r.deleteAttachment(old)
			r.logger.Info("Admin replaced", slog.String("previousConnID", old))
		}

		r.links[connID] = link{conn: conn, role: session.RoleAdmin}
		r.admin = session.NewAdmin(mode, conn, r.members, r.saveAdmin(connID), r.logger)
		r.adminConn = connID
		r.lastMode = mode

		for _, u := range r.members.Users() {
			r.admin.Join(u.State())
		}
		r.logger.Info("Admin attached", slog.String("connID", connID), slog.String("mode", string(mode)))
		return nil
	})
}

// admit checks a panel may join right now and builds its initial state.
func (r *Room) admit(requestPath string, query url.Values) (session.PanelState, error) {
	if r.admin == nil {
		return session.PanelState{}, session.AdminNotConnected()
	}
	state, err := session.NewPanelState(requestPath, query, r.members.CustomFields(), nil)
	if err != nil {
		return session.PanelState{}, err
	}
	if r.opts.MaxPanels > 0 && r.members.len() >= r.opts.MaxPanels {
		if _, rejoin := r.members.Lookup(state.ID); !rejoin {
			return session.PanelState{}, ErrRoomFull
		}
	}
	return state, nil
}

// CheckAdmission runs the join checks without registering anything, so
// the caller can refuse before upgrading the connection.
func (r *Room) CheckAdmission(ctx context.Context, requestPath string, query url.Values) error {
	return r.do(ctx, func() error {
		_, err := r.admit(requestPath, query)
		return err
	})
}

// AttachUser admits a panel. An older connection claiming the same panel
// id is closed and replaced.
func (r *Room) AttachUser(ctx context.Context, connID string, conn Conn, requestPath string, query url.Values) error {
	return r.do(ctx, func() error {
		state, err := r.admit(requestPath, query)
		if err != nil {
			return err
		}

		if old, ok := r.members.connOf(state.ID); ok {
			r.evict(old, "replaced by a new connection")
		}

		u := session.NewUser(state, conn, r.saveUser(connID), r.logger)
		r.links[connID] = link{conn: conn, role: session.RoleUser}
		r.members.add(connID, u)
		u.Persist()

		r.admin.Join(u.State())
		u.Join()
		u.AssignPosition()
		r.logger.Info("Panel joined", slog.String("connID", connID), slog.String("panelID", state.ID))
		return nil
	})
}

func (r *Room) evict(connID, reason string) {
	l, ok := r.links[connID]
	if !ok {
		return
	}
	r.drop(connID)
	go l.conn.CloseWith(websocket.StatusPolicyViolation, reason)
}

// drop forgets a connection and tells the admin when a panel left.
func (r *Room) drop(connID string) {
	l, ok := r.links[connID]
	if !ok {
		return
	}
	delete(r.links, connID)
	r.deleteAttachment(connID)

	if l.role == session.RoleAdmin {
		if r.adminConn == connID && r.admin != nil {
			r.lastMode = r.admin.Mode()
			r.admin, r.adminConn = nil, ""
		}
		r.logger.Info("Admin left", slog.String("connID", connID))
		return
	}
	u, ok := r.members.remove(connID)
	if !ok {
		return
	}
	u.Close()
	if r.admin != nil {
		r.admin.Leave(u.ID())
	}
	r.logger.Info("Panel left", slog.String("connID", connID), slog.String("panelID", u.ID()))
}

// Detach is called once a connection is closed or failed.
func (r *Room) Detach(connID string) {
	r.post(func() error {
		r.drop(connID)
		return nil
	})
}

// Receive dispatches an inbound wire frame of connID.
func (r *Room) Receive(connID string, raw []byte) {
	r.post(func() error {
		l, ok := r.links[connID]
		if !ok {
			return nil
		}
		if l.role == session.RoleAdmin {
			if r.admin == nil || r.adminConn != connID {
				return nil
			}
			return r.admin.HandleFrame(raw)
		}
		u, ok := r.members.byConn(connID)
		if !ok {
			return session.Unreachable("connection %s has no panel", connID)
		}
		return r.receiveUser(u, raw)
	})
}

func (r *Room) receiveUser(u *session.User, raw []byte) error {
	switch action := session.FrameAction(raw); action {
	case "", session.ActionInteraction:
		ev, err := session.DecodePointer(raw)
		if err != nil {
			return err
		}
		r.fanOut(ev, u.State())
		return nil
	case session.ActionOver:
		req, err := session.DecodeOver(raw)
		if err != nil {
			return err
		}
		if r.admin == nil {
			return session.AdminNotConnected()
		}
		return r.admin.Over(u.ID(), req)
	case session.ActionConnect, session.ActionDisconnect:
		edge, err := session.DecodeEdge(raw)
		if err != nil {
			return err
		}
		if edge.Source != u.ID() {
			return session.InvalidRequest("Invalid source")
		}
		if r.admin == nil {
			return session.AdminNotConnected()
		}
		if action == session.ActionConnect {
			return r.admin.Connect(edge)
		}
		return r.admin.Disconnect(edge)
	case session.ActionDevice:
		d, err := session.DecodeDeviceFrame(raw)
		if err != nil {
			return err
		}
		if err := session.ValidateCustomValues(r.members.CustomFields(), d.Custom); err != nil {
			return err
		}
		u.Device(d)
		if r.admin != nil {
			r.admin.Notify(action, u.State())
		}
		return nil
	default:
		if err := u.HandleFrame(raw); err != nil {
			return err
		}
		switch action {
		case session.ActionResize, session.ActionDevice, session.ActionDisplayName, session.ActionPosition:
			if r.admin != nil {
				r.admin.Notify(action, u.State())
			}
		}
		return nil
	}
}

// fanOut delivers a pointer event to every panel, the sender included,
// remapped per recipient, and to the admin as observer.
func (r *Room) fanOut(ev session.PointerEvent, sender session.PanelState) {
	for _, u := range r.members.Users() {
		u.Interaction(ev, sender)
	}
	if r.admin != nil {
		r.admin.Interaction(ev, sender)
	}
}
