package session

import (
	"encoding/json"
	"log/slog"
	"maps"
	"math"

	"github.com/shouta0715/ripples-api/internal/canvas"
	"github.com/tidwall/gjson"
)

// Sink receives encoded outbound frames. Delivery is best effort.
type Sink interface {
	Send(msg []byte)
}

// Action is the discriminator carried by every wire frame.
type Action string

const (
	ActionMode           Action = "mode"
	ActionJoin           Action = "join"
	ActionLeave          Action = "leave"
	ActionInteraction    Action = "interaction"
	ActionResize         Action = "resize"
	ActionDevice         Action = "device"
	ActionDisplayName    Action = "displayname"
	ActionPosition       Action = "position"
	ActionUploaded       Action = "uploaded"
	ActionConnect        Action = "connect"
	ActionDisconnect     Action = "disconnect"
	ActionOver           Action = "over"
	ActionCustoms        Action = "customs"
	ActionConnection     Action = "connection"
	ActionAssignPosition Action = "assignPosition"
)

// FrameAction reads the action discriminator of a raw frame.
func FrameAction(raw []byte) Action {
	return Action(gjson.GetBytes(raw, "action").String())
}

// requireFields fails with InvalidRequest when any of the gjson paths is
// absent from raw.
func requireFields(raw []byte, paths ...string) error {
	for _, p := range paths {
		if !gjson.GetBytes(raw, p).Exists() {
			return InvalidRequest("missing field %q", p)
		}
	}
	return nil
}

// decodeFrame checks required fields then unmarshals raw into v.
func decodeFrame(raw []byte, v any, required ...string) error {
	if !gjson.ValidBytes(raw) {
		return InvalidRequest("frame is not valid JSON")
	}
	if err := requireFields(raw, required...); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return InvalidRequest("malformed frame: %v", err)
	}
	return nil
}

// PointerEvent is a pointer sample in the sender's local frame. Fields
// keeps any extra keys of the original frame so they reach recipients.
type PointerEvent struct {
	X      float64
	Y      float64
	Fields map[string]any
}

// DecodePointer parses an interaction or over frame.
func DecodePointer(raw []byte) (PointerEvent, error) {
	fields := map[string]any{}
	if err := decodeFrame(raw, &fields, "x", "y"); err != nil {
		return PointerEvent{}, err
	}
	x, okX := fields["x"].(float64)
	y, okY := fields["y"].(float64)
	if !okX || !okY {
		return PointerEvent{}, InvalidRequest("x and y must be numbers")
	}
	delete(fields, "sender")
	return PointerEvent{X: x, Y: y, Fields: fields}, nil
}

// frame renders the event for a recipient: the point is replaced by p and
// id names the sending panel.
func (e PointerEvent) frame(action Action, p canvas.Point, senderID string) map[string]any {
	out := maps.Clone(e.Fields)
	if out == nil {
		out = map[string]any{}
	}
	out["action"] = action
	out["x"] = p.X
	out["y"] = p.Y
	out["id"] = senderID
	return out
}

// DeviceUpdate is a physical rectangle reported for a panel, optionally
// with the start-device flag and custom values.
type DeviceUpdate struct {
	canvas.Rect
	IsStartDevice *bool          `json:"isStartDevice,omitempty"`
	Custom        map[string]any `json:"custom,omitempty"`
}

// DecodeDevice parses a flat device payload. Width and height are
// truncated to whole pixels like the join query.
func DecodeDevice(raw []byte) (DeviceUpdate, error) {
	var d DeviceUpdate
	if err := decodeFrame(raw, &d, "x", "y", "width", "height"); err != nil {
		return DeviceUpdate{}, err
	}
	d.Width, d.Height = math.Trunc(d.Width), math.Trunc(d.Height)
	if d.Width < 1 || d.Height < 1 {
		return DeviceUpdate{}, InvalidRequest("Invalid size")
	}
	return d, nil
}

// DecodeDeviceFrame parses a device frame whose rectangle is either
// nested under "device" or flat.
func DecodeDeviceFrame(raw []byte) (DeviceUpdate, error) {
	return DecodeDevice([]byte(nestedOrSelf(raw, "device")))
}

// PositionUpdate moves a panel's box, keeping its size.
type PositionUpdate struct {
	X         float64           `json:"x"`
	Y         float64           `json:"y"`
	Alignment *canvas.Alignment `json:"alignment,omitempty"`
}

func DecodePosition(raw []byte) (PositionUpdate, error) {
	var p PositionUpdate
	if err := decodeFrame(raw, &p, "x", "y"); err != nil {
		return PositionUpdate{}, err
	}
	return p, nil
}

type ResizeUpdate struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DecodeResize truncates the size to whole pixels.
func DecodeResize(raw []byte) (ResizeUpdate, error) {
	var r ResizeUpdate
	if err := decodeFrame(raw, &r, "width", "height"); err != nil {
		return ResizeUpdate{}, err
	}
	r.Width, r.Height = math.Trunc(r.Width), math.Trunc(r.Height)
	if r.Width < 1 || r.Height < 1 {
		return ResizeUpdate{}, InvalidRequest("Invalid size")
	}
	return r, nil
}

// DecodeEdge parses {source,target,from,to} and checks the directions.
func DecodeEdge(raw []byte) (canvas.Edge, error) {
	var e canvas.Edge
	if err := decodeFrame(raw, &e, "source", "target", "from", "to"); err != nil {
		return canvas.Edge{}, err
	}
	if !e.Valid() {
		return canvas.Edge{}, InvalidRequest("invalid connection")
	}
	return e, nil
}

// OverRequest is a pointer crossing the from edge of source.
type OverRequest struct {
	Source string
	From   canvas.Direction
	Event  PointerEvent
}

func DecodeOver(raw []byte) (OverRequest, error) {
	ev, err := DecodePointer(raw)
	if err != nil {
		return OverRequest{}, err
	}
	if err := requireFields(raw, "source", "from"); err != nil {
		return OverRequest{}, err
	}
	req := OverRequest{
		Source: gjson.GetBytes(raw, "source").String(),
		From:   canvas.Direction(gjson.GetBytes(raw, "from").String()),
		Event:  ev,
	}
	if !req.From.Valid() {
		return OverRequest{}, InvalidRequest("invalid direction %q", string(req.From))
	}
	return req, nil
}

// CustomsTrigger says how a field definition change applies to a panel.
type CustomsTrigger string

const (
	CustomsAdd    CustomsTrigger = "add"
	CustomsRemove CustomsTrigger = "remove"
	CustomsUpdate CustomsTrigger = "update"
)

type stateFrame struct {
	Action Action `json:"action"`
	PanelState
}

type modeFrame struct {
	Action Action `json:"action"`
	Mode   Mode   `json:"mode"`
}

type idFrame struct {
	Action Action `json:"action"`
	ID     string `json:"id"`
}

type displayNameFrame struct {
	Action      Action `json:"action"`
	ID          string `json:"id"`
	DisplayName string `json:"displayname"`
}

type edgeEchoFrame struct {
	Action      Action           `json:"action"`
	Trigger     Action           `json:"trigger"`
	Edge        canvas.Edge      `json:"connection"`
	Alignment   canvas.Alignment `json:"alignment"`
	SourceState PanelState       `json:"sourceState"`
}

type connectionFrame struct {
	Action  Action     `json:"action"`
	Trigger Action     `json:"trigger"`
	Source  PanelState `json:"source"`
	Target  PanelState `json:"target"`
}

// emit encodes v and hands it to sink, logging encode failures.
func emit(sink Sink, logger *slog.Logger, v any) {
	if sink == nil {
		return
	}
	msg, err := json.Marshal(v)
	if err != nil {
		logger.Error("Failed to marshal outbound frame", slog.Any("error", err))
		return
	}
	sink.Send(msg)
}

// nestedOrSelf returns the object under key when raw carries one, and raw
// itself otherwise. Device payloads arrive both nested and flat.
func nestedOrSelf(raw []byte, key string) string {
	if r := gjson.GetBytes(raw, key); r.Exists() && r.IsObject() {
		return r.Raw
	}
	return string(raw)
}
