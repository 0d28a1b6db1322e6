package session

import (
	"log/slog"

	"github.com/shouta0715/ripples-api/internal/canvas"
)

// SaveFunc persists a panel's latest state. The room wires it to the
// registry and the attachment store.
type SaveFunc func(PanelState)

// User is the actor of one connected panel. It owns the panel's state and
// is the only code that mutates it; the admin reaches it through the same
// methods the wire protocol uses.
type User struct {
	state  PanelState
	sink   Sink
	save   SaveFunc
	logger *slog.Logger
	closed bool
}

// NewUser wraps an existing state, either freshly built by NewPanelState
// or rehydrated from an attachment.
func NewUser(state PanelState, sink Sink, save SaveFunc, logger *slog.Logger) *User {
	return &User{
		state:  state.Clone(),
		sink:   sink,
		save:   save,
		logger: logger.With(slog.String("component", "user"), slog.String("panelID", state.ID)),
	}
}

func (u *User) ID() string { return u.state.ID }

// State returns a snapshot of the panel state.
func (u *User) State() PanelState { return u.state.Clone() }

// Close moves the actor to its terminal state; later actions do nothing.
func (u *User) Close() { u.closed = true }

func (u *User) Closed() bool { return u.closed }

func (u *User) commit(next PanelState) {
	u.state = next
	if u.save != nil {
		u.save(u.state.Clone())
	}
}

func (u *User) send(v any) {
	if u.closed {
		return
	}
	emit(u.sink, u.logger, v)
}

// Persist stores the current state without changing it.
func (u *User) Persist() {
	if u.closed {
		return
	}
	u.commit(u.state)
}

// Interaction forwards a pointer event from sender, remapped into this
// panel's frame.
func (u *User) Interaction(ev PointerEvent, sender PanelState) {
	p := canvas.RemapPoint(canvas.Point{X: ev.X, Y: ev.Y}, sender.AssignPosition, u.state.AssignPosition)
	u.send(ev.frame(ActionInteraction, p, sender.ID))
}

// Over forwards a pointer that left sender through edge along a
// connection ending on this panel.
func (u *User) Over(ev PointerEvent, edge canvas.Edge, sender PanelState) {
	p := canvas.RemapPoint(canvas.Point{X: ev.X, Y: ev.Y}, sender.AssignPosition, u.state.AssignPosition)
	frame := ev.frame(ActionOver, p, sender.ID)
	frame["source"] = edge.Source
	frame["target"] = edge.Target
	frame["from"] = edge.From
	frame["to"] = edge.To
	u.send(frame)
}

// Resize keeps the start corner and moves the end corner.
func (u *User) Resize(width, height float64) {
	if u.closed {
		return
	}
	next := u.state.Clone()
	next.Width, next.Height = width, height
	next.AssignPosition = next.AssignPosition.Resize(width, height)
	u.commit(next)
	u.send(stateFrame{Action: ActionResize, PanelState: u.state})
}

// Device adopts an externally reported rectangle as the panel's box.
func (u *User) Device(d DeviceUpdate) {
	if u.closed {
		return
	}
	next := u.state.Clone()
	next.AssignPosition = canvas.FromRect(d.Rect)
	next.Width, next.Height = d.Width, d.Height
	if d.IsStartDevice != nil {
		next.IsStartDevice = *d.IsStartDevice
	}
	for k, v := range d.Custom {
		next.Custom[k] = v
	}
	u.commit(next)
	u.send(stateFrame{Action: ActionDevice, PanelState: u.state})
}

func (u *User) DisplayName(name string) {
	if u.closed {
		return
	}
	next := u.state.Clone()
	next.DisplayName = name
	u.commit(next)
	u.send(displayNameFrame{Action: ActionDisplayName, ID: u.state.ID, DisplayName: name})
}

// Position moves the box to (x, y) keeping the current size, and
// optionally overwrites the alignment.
func (u *User) Position(p PositionUpdate) {
	if u.closed {
		return
	}
	next := u.state.Clone()
	next.AssignPosition = canvas.BoxAt(p.X, p.Y, next.Width, next.Height)
	if p.Alignment != nil {
		next.Alignment = *p.Alignment
	}
	u.commit(next)
	u.send(stateFrame{Action: ActionPosition, PanelState: u.state})
}

// Connect applies one end of a new edge. The source appends the edge to
// its connection list and occupies its from edge; the target only
// occupies its to edge. Edges live in the source's list alone.
func (u *User) Connect(edge canvas.Edge, source PanelState) error {
	return u.applyEdge(ActionConnect, canvas.ActionConnect, edge, source)
}

// Disconnect undoes Connect. A missing edge is tolerated.
func (u *User) Disconnect(edge canvas.Edge, source PanelState) error {
	return u.applyEdge(ActionDisconnect, canvas.ActionDisconnect, edge, source)
}

func (u *User) applyEdge(trigger Action, action canvas.EdgeAction, edge canvas.Edge, source PanelState) error {
	if u.closed {
		return nil
	}
	next := u.state.Clone()
	var err error
	switch u.state.ID {
	case edge.Source:
		next.Alignment, err = canvas.NextAlignment(next.Alignment, action, edge.From)
		if err != nil {
			return Unreachable("%v", err)
		}
		if action == canvas.ActionConnect {
			next.Connections = canvas.AddEdge(next.Connections, edge)
		} else {
			next.Connections = canvas.RemoveEdges(next.Connections, canvas.SameEdge(edge))
		}
	case edge.Target:
		next.Alignment, err = canvas.NextAlignment(next.Alignment, action, edge.To)
		if err != nil {
			return Unreachable("%v", err)
		}
	default:
		return InvalidRequest("panel %s is not an end of the connection", u.state.ID)
	}
	u.commit(next)
	if u.state.ID == edge.Source {
		source = u.state
	}
	u.send(edgeEchoFrame{
		Action:      ActionConnection,
		Trigger:     trigger,
		Edge:        edge,
		Alignment:   u.state.Alignment,
		SourceState: source,
	})
	return nil
}

// Customs applies a custom field definition change and pushes the
// combined state with a device frame.
func (u *User) Customs(trigger CustomsTrigger, field CustomField) {
	if u.closed {
		return
	}
	next := u.state.Clone()
	switch trigger {
	case CustomsAdd:
		next.Custom[field.Key] = field.DefaultValue
	case CustomsRemove:
		delete(next.Custom, field.Key)
	case CustomsUpdate:
		if !ValueMatches(field.Type, next.Custom[field.Key]) {
			next.Custom[field.Key] = field.DefaultValue
		}
	}
	u.state = next
	box := u.state.AssignPosition
	u.Device(DeviceUpdate{Rect: canvas.Rect{X: box.StartX, Y: box.StartY, Width: box.Width(), Height: box.Height()}})
}

// Mode tells the panel the room mode changed.
func (u *User) Mode(mode Mode) {
	u.send(modeFrame{Action: ActionMode, Mode: mode})
}

// Join confirms the panel was admitted, carrying its initial state.
func (u *User) Join() {
	u.send(stateFrame{Action: ActionJoin, PanelState: u.state})
}

// AssignPosition tells the panel where it sits on the canvas.
func (u *User) AssignPosition() {
	u.send(stateFrame{Action: ActionAssignPosition, PanelState: u.state})
}

func (u *User) Uploaded(imageID string) {
	u.send(idFrame{Action: ActionUploaded, ID: imageID})
}

// HandleFrame applies a wire frame addressed to this panel that touches
// only its own state. Routed actions (interaction, over, connect,
// disconnect) are handled by the room before reaching here.
func (u *User) HandleFrame(raw []byte) error {
	if u.closed {
		return nil
	}
	switch action := FrameAction(raw); action {
	case ActionResize:
		r, err := DecodeResize(raw)
		if err != nil {
			return err
		}
		u.Resize(r.Width, r.Height)
	case ActionDevice:
		d, err := DecodeDeviceFrame(raw)
		if err != nil {
			return err
		}
		u.Device(d)
	case ActionDisplayName:
		var f struct {
			DisplayName string `json:"displayname"`
		}
		if err := decodeFrame(raw, &f, "displayname"); err != nil {
			return err
		}
		u.DisplayName(f.DisplayName)
	case ActionPosition:
		p, err := DecodePosition(raw)
		if err != nil {
			return err
		}
		u.Position(p)
	case ActionMode:
		var f struct {
			Mode Mode `json:"mode"`
		}
		if err := decodeFrame(raw, &f, "mode"); err != nil {
			return err
		}
		if !f.Mode.Valid() {
			return InvalidRequest("invalid mode %q", string(f.Mode))
		}
		u.Mode(f.Mode)
	case ActionUploaded:
		var f struct {
			ID string `json:"id"`
		}
		if err := decodeFrame(raw, &f, "id"); err != nil {
			return err
		}
		u.Uploaded(f.ID)
	case ActionJoin:
		u.Join()
	case ActionCustoms:
		var f struct {
			Trigger CustomsTrigger `json:"trigger"`
			Custom  CustomField    `json:"custom"`
			Key     string         `json:"key"`
		}
		if err := decodeFrame(raw, &f, "trigger"); err != nil {
			return err
		}
		switch f.Trigger {
		case CustomsAdd:
			if err := f.Custom.Validate(); err != nil {
				return err
			}
			u.Customs(CustomsAdd, f.Custom)
		case CustomsRemove:
			if f.Key == "" {
				return InvalidRequest("missing field \"key\"")
			}
			u.Customs(CustomsRemove, CustomField{Key: f.Key})
		default:
			return InvalidRequest("invalid customs trigger %q", string(f.Trigger))
		}
	default:
		return Unreachable("unknown user action %q", string(action))
	}
	return nil
}
