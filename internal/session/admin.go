package session

import (
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/shouta0715/ripples-api/internal/canvas"
)

// Registry is the admin's read view of the room's panels. The room owns
// the registry; the admin only resolves ids through it.
type Registry interface {
	Lookup(panelID string) (*User, bool)
	Users() []*User
	CustomFields() []CustomField
}

// Admin is the actor of the room's controlling client. It is the only
// component that resolves a panel id and drives another panel's actor.
type Admin struct {
	state    AdminState
	sink     Sink
	registry Registry
	save     func(AdminState)
	logger   *slog.Logger
}

// NewAdmin creates an admin with a fresh id in the given mode.
func NewAdmin(mode Mode, sink Sink, registry Registry, save func(AdminState), logger *slog.Logger) *Admin {
	if !mode.Valid() {
		mode = ModeView
	}
	return RestoreAdmin(AdminState{ID: uuid.NewString(), Role: RoleAdmin, Mode: mode}, sink, registry, save, logger)
}

// RestoreAdmin rebuilds an admin from a persisted state.
func RestoreAdmin(state AdminState, sink Sink, registry Registry, save func(AdminState), logger *slog.Logger) *Admin {
	a := &Admin{
		state:    state,
		sink:     sink,
		registry: registry,
		save:     save,
		logger:   logger.With(slog.String("component", "admin"), slog.String("adminID", state.ID)),
	}
	if a.save != nil {
		a.save(a.state)
	}
	return a
}

func (a *Admin) State() AdminState { return a.state }
func (a *Admin) Mode() Mode        { return a.state.Mode }

func (a *Admin) send(v any) { emit(a.sink, a.logger, v) }

func (a *Admin) user(id string) (*User, error) {
	u, ok := a.registry.Lookup(id)
	if !ok {
		return nil, InvalidRequest("Invalid user")
	}
	return u, nil
}

// SetMode switches the room mode and tells every panel.
func (a *Admin) SetMode(mode Mode) error {
	if !mode.Valid() {
		return InvalidRequest("invalid mode %q", string(mode))
	}
	a.state.Mode = mode
	if a.save != nil {
		a.save(a.state)
	}
	for _, u := range a.registry.Users() {
		u.Mode(mode)
	}
	a.send(modeFrame{Action: ActionMode, Mode: mode})
	return nil
}

// Join tells the admin a panel was admitted. Peers are not notified.
func (a *Admin) Join(state PanelState) {
	a.send(stateFrame{Action: ActionJoin, PanelState: state})
}

// Leave tells the admin a panel went away.
func (a *Admin) Leave(panelID string) {
	a.send(idFrame{Action: ActionLeave, ID: panelID})
}

// Interaction relays a pointer event to the admin only. Panels get their
// copies from the room's fan-out.
func (a *Admin) Interaction(ev PointerEvent, sender PanelState) {
	a.send(ev.frame(ActionInteraction, canvas.Point{X: ev.X, Y: ev.Y}, sender.ID))
}

// Notify echoes a panel's own state change to the admin.
func (a *Admin) Notify(action Action, state PanelState) {
	a.send(stateFrame{Action: action, PanelState: state})
}

func (a *Admin) Resize(id string, width, height float64) error {
	u, err := a.user(id)
	if err != nil {
		return err
	}
	u.Resize(width, height)
	a.Notify(ActionResize, u.State())
	return nil
}

func (a *Admin) Device(id string, d DeviceUpdate) error {
	u, err := a.user(id)
	if err != nil {
		return err
	}
	if err := ValidateCustomValues(a.registry.CustomFields(), d.Custom); err != nil {
		return err
	}
	u.Device(d)
	a.Notify(ActionDevice, u.State())
	return nil
}

func (a *Admin) DisplayName(id, name string) error {
	u, err := a.user(id)
	if err != nil {
		return err
	}
	u.DisplayName(name)
	a.Notify(ActionDisplayName, u.State())
	return nil
}

func (a *Admin) Position(id string, p PositionUpdate) error {
	u, err := a.user(id)
	if err != nil {
		return err
	}
	u.Position(p)
	a.Notify(ActionPosition, u.State())
	return nil
}

// Connect links source.from to target.to. Each edge of a panel carries at
// most one connection, so occupied edges are refused.
func (a *Admin) Connect(edge canvas.Edge) error {
	source, target, err := a.ends(edge)
	if err != nil {
		return err
	}
	if !source.state.Alignment.IsFree(edge.From) {
		return InvalidRequest("%s edge of %s is already connected", edge.From, edge.Source)
	}
	if !target.state.Alignment.IsFree(edge.To) {
		return InvalidRequest("%s edge of %s is already connected", edge.To, edge.Target)
	}
	return a.applyEdge(ActionConnect, edge, source, target)
}

// Disconnect removes the edge. Disconnecting an edge the source does not
// hold succeeds without touching either panel, so edges still occupied by
// another connection stay occupied.
func (a *Admin) Disconnect(edge canvas.Edge) error {
	source, target, err := a.ends(edge)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(source.state.Connections, canvas.SameEdge(edge)) {
		a.logger.Debug("Ignoring disconnect of unknown edge",
			slog.String("source", edge.Source), slog.String("target", edge.Target))
		return nil
	}
	return a.applyEdge(ActionDisconnect, edge, source, target)
}

func (a *Admin) ends(edge canvas.Edge) (*User, *User, error) {
	if !edge.Valid() {
		return nil, nil, InvalidRequest("invalid connection")
	}
	if edge.Source == edge.Target {
		return nil, nil, InvalidRequest("a panel cannot connect to itself")
	}
	source, err := a.user(edge.Source)
	if err != nil {
		return nil, nil, err
	}
	target, err := a.user(edge.Target)
	if err != nil {
		return nil, nil, err
	}
	return source, target, nil
}

func (a *Admin) applyEdge(trigger Action, edge canvas.Edge, source, target *User) error {
	sourceState := source.State()
	apply := target.Connect
	if trigger == ActionDisconnect {
		apply = target.Disconnect
	}
	if err := apply(edge, sourceState); err != nil {
		return err
	}
	apply = source.Connect
	if trigger == ActionDisconnect {
		apply = source.Disconnect
	}
	if err := apply(edge, sourceState); err != nil {
		return err
	}
	a.send(connectionFrame{
		Action:  ActionConnection,
		Trigger: trigger,
		Source:  source.State(),
		Target:  target.State(),
	})
	return nil
}

// Over forwards a pointer leaving sender through the from edge of source
// to the target of every matching outgoing connection. Recipients get an
// "over" frame.
func (a *Admin) Over(senderID string, req OverRequest) error {
	sender, err := a.user(senderID)
	if err != nil {
		return err
	}
	state := sender.State()
	for _, edge := range canvas.OutgoingEdges(state.Connections, req.Source, req.From) {
		target, ok := a.registry.Lookup(edge.Target)
		if !ok {
			a.logger.Debug("Skipping over event for departed panel", slog.String("target", edge.Target))
			continue
		}
		target.Over(req.Event, edge, state)
	}
	return nil
}

// Uploaded tells the admin an image is ready.
func (a *Admin) Uploaded(imageID string) {
	a.send(idFrame{Action: ActionUploaded, ID: imageID})
}

// HandleFrame applies a wire frame sent by the admin client.
func (a *Admin) HandleFrame(raw []byte) error {
	switch action := FrameAction(raw); action {
	case ActionMode:
		var f struct {
			Mode Mode `json:"mode"`
		}
		if err := decodeFrame(raw, &f, "mode"); err != nil {
			return err
		}
		return a.SetMode(f.Mode)
	case ActionInteraction:
		ev, err := DecodePointer(raw)
		if err != nil {
			return err
		}
		id, _ := ev.Fields["id"].(string)
		a.Interaction(ev, PanelState{ID: id})
		return nil
	case ActionDevice:
		id, err := frameID(raw)
		if err != nil {
			return err
		}
		d, err := DecodeDeviceFrame(raw)
		if err != nil {
			return err
		}
		return a.Device(id, d)
	case ActionDisplayName:
		var f struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayname"`
		}
		if err := decodeFrame(raw, &f, "id", "displayname"); err != nil {
			return err
		}
		return a.DisplayName(f.ID, f.DisplayName)
	case ActionPosition:
		id, err := frameID(raw)
		if err != nil {
			return err
		}
		p, err := DecodePosition(raw)
		if err != nil {
			return err
		}
		return a.Position(id, p)
	case ActionUploaded:
		id, err := frameID(raw)
		if err != nil {
			return err
		}
		a.Uploaded(id)
		return nil
	case ActionConnect, ActionDisconnect:
		edge, err := DecodeEdge(raw)
		if err != nil {
			return err
		}
		if action == ActionConnect {
			return a.Connect(edge)
		}
		return a.Disconnect(edge)
	case ActionJoin, ActionLeave:
		return InvalidRequest("%s is issued by the room, not the admin client", string(action))
	default:
		return Unreachable("unknown admin action %q", string(action))
	}
}

func frameID(raw []byte) (string, error) {
	var f struct {
		ID string `json:"id"`
	}
	if err := decodeFrame(raw, &f, "id"); err != nil {
		return "", err
	}
	return f.ID, nil
}

// ValidateCustomValues checks values against the room's field definitions.
func ValidateCustomValues(defs []CustomField, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	byKey := make(map[string]CustomField, len(defs))
	for _, d := range defs {
		byKey[d.Key] = d
	}
	for k, v := range values {
		d, ok := byKey[k]
		if !ok {
			return InvalidRequest("unknown custom field %q", k)
		}
		if !ValueMatches(d.Type, v) {
			return InvalidRequest("custom field %q expects %s", k, string(d.Type))
		}
	}
	return nil
}
