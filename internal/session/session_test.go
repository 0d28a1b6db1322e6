package session_test

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/url"
	"testing"

	"github.com/shouta0715/ripples-api/internal/canvas"
	"github.com/shouta0715/ripples-api/internal/session"
	"github.com/shouta0715/ripples-api/pkg/logging"
)

// --- Test Suite Setup ---

type recordingSink struct {
	frames []map[string]any
}

func (s *recordingSink) Send(msg []byte) {
	var m map[string]any
	if err := json.Unmarshal(msg, &m); err != nil {
		panic(err)
	}
	s.frames = append(s.frames, m)
}

func (s *recordingSink) last(t *testing.T) map[string]any {
	t.Helper()
	if len(s.frames) == 0 {
		t.Fatal("expected at least one frame, got none")
	}
	return s.frames[len(s.frames)-1]
}

func (s *recordingSink) actions() []string {
	out := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		a, _ := f["action"].(string)
		out = append(out, a)
	}
	return out
}

type fakeRegistry struct {
	users  []*session.User
	fields []session.CustomField
}

func (r *fakeRegistry) Lookup(id string) (*session.User, bool) {
	for _, u := range r.users {
		if u.ID() == id {
			return u, true
		}
	}
	return nil, false
}

func (r *fakeRegistry) Users() []*session.User             { return r.users }
func (r *fakeRegistry) CustomFields() []session.CustomField { return r.fields }

const (
	panelA = "6f1c1c8e-3a52-4c8f-9a0e-0d7c5b1f2a10"
	panelB = "0b8f3f7e-8f1d-4f64-b2f3-47c2b8f0c9a1"
	panelC = "3d2e9c4a-1b7f-4e0a-8c5d-6a9b2f1e7c30"
)

func newPanel(t *testing.T, id string, x, y float64) (*session.User, *recordingSink, *[]session.PanelState) {
	t.Helper()
	state, err := session.NewPanelState("/room/"+id, url.Values{"width": {"800"}, "height": {"600"}}, nil, rand.New(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatalf("NewPanelState failed: %v", err)
	}
	state.AssignPosition = canvas.BoxAt(x, y, state.Width, state.Height)
	sink := &recordingSink{}
	saved := &[]session.PanelState{}
	u := session.NewUser(state, sink, func(s session.PanelState) { *saved = append(*saved, s) }, logging.Discard())
	return u, sink, saved
}

// --- Connect-time validation ---

func TestNewPanelStateValidation(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		query url.Values
		ok    bool
	}{
		{"valid", "/r1/" + panelA, url.Values{"width": {"800"}, "height": {"600"}}, true},
		{"fractional size truncates", "/r1/" + panelA, url.Values{"width": {"800.7"}, "height": {"600"}}, true},
		{"not a uuid", "/r1/panel-1", url.Values{"width": {"800"}, "height": {"600"}}, false},
		{"braced uuid", "/r1/{" + panelA + "}", url.Values{"width": {"800"}, "height": {"600"}}, false},
		{"missing width", "/r1/" + panelA, url.Values{"height": {"600"}}, false},
		{"non numeric", "/r1/" + panelA, url.Values{"width": {"wide"}, "height": {"600"}}, false},
		{"zero", "/r1/" + panelA, url.Values{"width": {"0"}, "height": {"600"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := session.NewPanelState(tt.path, tt.query, nil, nil)
			if tt.ok && err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if !tt.ok && !errors.Is(err, session.ErrInvalidRequest) {
				t.Fatalf("expected InvalidRequest, got %v", err)
			}
		})
	}
}

func TestNewPanelStateDefaults(t *testing.T) {
	defs := []session.CustomField{
		{Key: "color", Label: "Color", Type: session.CustomString, DefaultValue: "red"},
		{Key: "volume", Label: "Volume", Type: session.CustomNumber, DefaultValue: 3.0},
	}
	s, err := session.NewPanelState("/r1/"+panelA, url.Values{"width": {"800"}, "height": {"600"}}, defs, rand.New(rand.NewPCG(7, 7)))
	if err != nil {
		t.Fatalf("NewPanelState failed: %v", err)
	}
	if s.DisplayName != panelA {
		t.Errorf("expected display name to default to id, got %q", s.DisplayName)
	}
	if s.AssignPosition.EndX-s.AssignPosition.StartX != 800 || s.AssignPosition.EndY-s.AssignPosition.StartY != 600 {
		t.Errorf("box does not match size: %+v", s.AssignPosition)
	}
	if s.Alignment != canvas.FreeAlignment() {
		t.Errorf("expected all edges free, got %+v", s.Alignment)
	}
	if s.Custom["color"] != "red" || s.Custom["volume"] != 3.0 {
		t.Errorf("custom not seeded: %+v", s.Custom)
	}
}

// --- User actor ---

func TestUserResizePreservesStart(t *testing.T) {
	u, sink, saved := newPanel(t, panelA, 40, 70)
	u.Resize(1024, 768)

	s := u.State()
	if s.AssignPosition.StartX != 40 || s.AssignPosition.StartY != 70 {
		t.Errorf("start corner moved: %+v", s.AssignPosition)
	}
	if s.AssignPosition.EndX != 1064 || s.AssignPosition.EndY != 838 {
		t.Errorf("unexpected end corner: %+v", s.AssignPosition)
	}
	if len(*saved) != 1 {
		t.Errorf("expected state to be saved once, got %d", len(*saved))
	}
	if sink.last(t)["action"] != "resize" {
		t.Errorf("expected resize echo, got %v", sink.last(t)["action"])
	}
}

func TestUserInteractionRemapsIntoOwnFrame(t *testing.T) {
	sender, _, _ := newPanel(t, panelA, 0, 0)
	recipient, sink, saved := newPanel(t, panelB, 800, 0)

	recipient.Interaction(session.PointerEvent{X: 850, Y: 20, Fields: map[string]any{"kind": "move"}}, sender.State())

	f := sink.last(t)
	if f["action"] != "interaction" || f["x"] != 50.0 || f["y"] != 20.0 || f["id"] != panelA {
		t.Errorf("unexpected frame: %+v", f)
	}
	if f["kind"] != "move" {
		t.Errorf("extra fields were not forwarded: %+v", f)
	}
	if len(*saved) != 0 {
		t.Errorf("interaction must not mutate state")
	}
}

func TestUserPositionKeepsSizeAndOverwritesAlignment(t *testing.T) {
	u, _, _ := newPanel(t, panelA, 0, 0)
	al := canvas.Alignment{Left: false, Right: true, Top: true, Bottom: false}
	u.Position(session.PositionUpdate{X: 100, Y: 200, Alignment: &al})

	s := u.State()
	if s.AssignPosition != canvas.BoxAt(100, 200, 800, 600) {
		t.Errorf("unexpected box: %+v", s.AssignPosition)
	}
	if s.Alignment != al {
		t.Errorf("alignment not overwritten: %+v", s.Alignment)
	}

	u.Position(session.PositionUpdate{X: 5, Y: 5})
	if u.State().Alignment != al {
		t.Errorf("alignment changed without being provided")
	}
}

func TestUserDeviceAdoptsRect(t *testing.T) {
	u, sink, _ := newPanel(t, panelA, 0, 0)
	start := true
	u.Device(session.DeviceUpdate{Rect: canvas.Rect{X: 10, Y: 20, Width: 300, Height: 200}, IsStartDevice: &start})

	s := u.State()
	if s.AssignPosition != canvas.BoxAt(10, 20, 300, 200) || s.Width != 300 || s.Height != 200 {
		t.Errorf("device rect not adopted: %+v", s)
	}
	if !s.IsStartDevice {
		t.Errorf("start device flag not applied")
	}
	if sink.last(t)["action"] != "device" {
		t.Errorf("expected device echo")
	}
}

func TestUserCustomsPushesDeviceFrame(t *testing.T) {
	u, sink, _ := newPanel(t, panelA, 5, 5)
	u.Customs(session.CustomsAdd, session.CustomField{Key: "mute", Type: session.CustomBoolean, DefaultValue: false})
	if got := u.State().Custom["mute"]; got != false {
		t.Fatalf("custom not added: %v", got)
	}
	f := sink.last(t)
	if f["action"] != "device" {
		t.Fatalf("expected a device frame, got %v", f["action"])
	}
	if u.State().AssignPosition != canvas.BoxAt(5, 5, 800, 600) {
		t.Errorf("customs moved the panel: %+v", u.State().AssignPosition)
	}

	u.Customs(session.CustomsRemove, session.CustomField{Key: "mute"})
	if _, ok := u.State().Custom["mute"]; ok {
		t.Errorf("custom not removed")
	}
}

func TestUserClosedIgnoresActions(t *testing.T) {
	u, sink, saved := newPanel(t, panelA, 0, 0)
	u.Close()
	u.Resize(1, 1)
	u.DisplayName("x")
	u.Mode(session.ModeConnect)
	if len(sink.frames) != 0 || len(*saved) != 0 {
		t.Errorf("closed user still acted: frames=%d saves=%d", len(sink.frames), len(*saved))
	}
}

func TestUserHandleFrame(t *testing.T) {
	u, sink, _ := newPanel(t, panelA, 0, 0)

	if err := u.HandleFrame([]byte(`{"action":"displayname","displayname":"Lobby"}`)); err != nil {
		t.Fatalf("displayname frame failed: %v", err)
	}
	if u.State().DisplayName != "Lobby" {
		t.Errorf("display name not applied")
	}

	if err := u.HandleFrame([]byte(`{"action":"device","device":{"x":1,"y":2,"width":30,"height":40}}`)); err != nil {
		t.Fatalf("nested device frame failed: %v", err)
	}
	if u.State().AssignPosition != canvas.BoxAt(1, 2, 30, 40) {
		t.Errorf("device not applied: %+v", u.State().AssignPosition)
	}

	err := u.HandleFrame([]byte(`{"action":"resize","width":100}`))
	if !errors.Is(err, session.ErrInvalidRequest) {
		t.Errorf("expected InvalidRequest for missing height, got %v", err)
	}

	err = u.HandleFrame([]byte(`{"action":"teleport"}`))
	if !errors.Is(err, session.ErrUnreachable) {
		t.Errorf("expected Unreachable for unknown action, got %v", err)
	}
	if got := sink.actions(); len(got) != 2 {
		t.Errorf("expected 2 echoes, got %v", got)
	}
}

// --- Admin actor ---

func TestAdminConnectDisconnect(t *testing.T) {
	src, srcSink, _ := newPanel(t, panelA, 0, 0)
	dst, dstSink, _ := newPanel(t, panelB, 800, 0)
	reg := &fakeRegistry{users: []*session.User{src, dst}}
	adminSink := &recordingSink{}
	admin := session.NewAdmin(session.ModeView, adminSink, reg, nil, logging.Discard())

	edge := canvas.Edge{Source: panelA, Target: panelB, From: canvas.Left, To: canvas.Right}
	if err := admin.Connect(edge); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	s, d := src.State(), dst.State()
	if s.Alignment.Left || d.Alignment.Right {
		t.Errorf("edges not occupied: src=%+v dst=%+v", s.Alignment, d.Alignment)
	}
	if len(s.Connections) != 1 || s.Connections[0] != edge {
		t.Errorf("source connections: %+v", s.Connections)
	}
	if len(d.Connections) != 0 {
		t.Errorf("target must not record the edge: %+v", d.Connections)
	}
	if srcSink.last(t)["action"] != "connection" || dstSink.last(t)["action"] != "connection" {
		t.Errorf("both panels must receive a connection frame")
	}
	if f := adminSink.last(t); f["action"] != "connection" || f["trigger"] != "connect" {
		t.Errorf("unexpected admin frame: %+v", f)
	}

	// The same edge is occupied now.
	if err := admin.Connect(edge); !errors.Is(err, session.ErrInvalidRequest) {
		t.Errorf("expected second connect on occupied edge to fail, got %v", err)
	}

	if err := admin.Disconnect(edge); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	s, d = src.State(), dst.State()
	if !s.Alignment.Left || !d.Alignment.Right {
		t.Errorf("edges not freed: src=%+v dst=%+v", s.Alignment, d.Alignment)
	}
	if len(s.Connections) != 0 {
		t.Errorf("edge still recorded: %+v", s.Connections)
	}

	// Disconnecting again is tolerated.
	if err := admin.Disconnect(edge); err != nil {
		t.Errorf("idempotent disconnect failed: %v", err)
	}
}

func TestAdminDisconnectUnknownEdgeKeepsEdgesOccupied(t *testing.T) {
	a, aSink, _ := newPanel(t, panelA, 0, 0)
	b, _, _ := newPanel(t, panelB, 800, 0)
	c, _, _ := newPanel(t, panelC, 0, 600)
	adminSink := &recordingSink{}
	admin := session.NewAdmin(session.ModeConnect, adminSink, &fakeRegistry{users: []*session.User{a, b, c}}, nil, logging.Discard())

	live := canvas.Edge{Source: panelA, Target: panelB, From: canvas.Right, To: canvas.Left}
	if err := admin.Connect(live); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	panelFrames, adminFrames := len(aSink.frames), len(adminSink.frames)

	never := canvas.Edge{Source: panelA, Target: panelC, From: canvas.Right, To: canvas.Left}
	if err := admin.Disconnect(never); err != nil {
		t.Fatalf("disconnecting an unknown edge must succeed, got %v", err)
	}
	if a.State().Alignment.Right {
		t.Errorf("right edge of the source was freed while still connected")
	}
	if !c.State().Alignment.Left {
		t.Errorf("target of the unknown edge changed: %+v", c.State().Alignment)
	}
	if len(aSink.frames) != panelFrames || len(adminSink.frames) != adminFrames {
		t.Errorf("unknown disconnect sent frames")
	}

	if err := admin.Connect(never); !errors.Is(err, session.ErrInvalidRequest) {
		t.Errorf("expected the occupied right edge to refuse a second edge, got %v", err)
	}
	if n := len(canvas.OutgoingEdges(a.State().Connections, panelA, canvas.Right)); n != 1 {
		t.Errorf("right edge of the source has %d live edges, want 1", n)
	}
}

func TestDecodeSizesTruncateToWholePixels(t *testing.T) {
	r, err := session.DecodeResize([]byte(`{"width":800.7,"height":600.2}`))
	if err != nil {
		t.Fatalf("DecodeResize failed: %v", err)
	}
	if r.Width != 800 || r.Height != 600 {
		t.Errorf("resize not truncated: %+v", r)
	}

	d, err := session.DecodeDeviceFrame([]byte(`{"action":"device","device":{"x":1.5,"y":2,"width":320.9,"height":240.4}}`))
	if err != nil {
		t.Fatalf("DecodeDeviceFrame failed: %v", err)
	}
	if d.Width != 320 || d.Height != 240 || d.X != 1.5 {
		t.Errorf("device not truncated: %+v", d)
	}

	for _, raw := range []string{
		`{"width":0.5,"height":100}`,
		`{"width":100,"height":0.99}`,
	} {
		if _, err := session.DecodeResize([]byte(raw)); !errors.Is(err, session.ErrInvalidRequest) {
			t.Errorf("DecodeResize(%s): expected InvalidRequest, got %v", raw, err)
		}
		if _, err := session.DecodeDevice([]byte(`{"x":0,"y":0,` + raw[1:])); !errors.Is(err, session.ErrInvalidRequest) {
			t.Errorf("DecodeDevice(%s): expected InvalidRequest, got %v", raw, err)
		}
	}
}

func TestAdminRoutesUnknownUser(t *testing.T) {
	admin := session.NewAdmin(session.ModeView, &recordingSink{}, &fakeRegistry{}, nil, logging.Discard())
	if err := admin.Position(panelA, session.PositionUpdate{}); !errors.Is(err, session.ErrInvalidRequest) {
		t.Errorf("expected InvalidRequest, got %v", err)
	}
	if err := admin.Connect(canvas.Edge{Source: panelA, Target: panelA, From: canvas.Left, To: canvas.Right}); !errors.Is(err, session.ErrInvalidRequest) {
		t.Errorf("expected self connection to fail, got %v", err)
	}
}

func TestAdminSetModeBroadcasts(t *testing.T) {
	a, aSink, _ := newPanel(t, panelA, 0, 0)
	b, bSink, _ := newPanel(t, panelB, 0, 0)
	var saved []session.AdminState
	admin := session.NewAdmin(session.ModeView, &recordingSink{}, &fakeRegistry{users: []*session.User{a, b}},
		func(s session.AdminState) { saved = append(saved, s) }, logging.Discard())

	if err := admin.SetMode(session.ModeConnect); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	for _, sink := range []*recordingSink{aSink, bSink} {
		if f := sink.last(t); f["action"] != "mode" || f["mode"] != "connect" {
			t.Errorf("unexpected mode frame: %+v", f)
		}
	}
	if saved[len(saved)-1].Mode != session.ModeConnect {
		t.Errorf("mode not persisted")
	}
	if err := admin.SetMode("edit"); !errors.Is(err, session.ErrInvalidRequest) {
		t.Errorf("expected invalid mode to fail, got %v", err)
	}
}

func TestAdminOverFollowsOutgoingEdges(t *testing.T) {
	src, _, _ := newPanel(t, panelA, 0, 0)
	dst, dstSink, _ := newPanel(t, panelB, 800, 0)
	admin := session.NewAdmin(session.ModeConnect, &recordingSink{}, &fakeRegistry{users: []*session.User{src, dst}}, nil, logging.Discard())

	edge := canvas.Edge{Source: panelA, Target: panelB, From: canvas.Right, To: canvas.Left}
	if err := admin.Connect(edge); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	before := len(dstSink.frames)

	err := admin.Over(panelA, session.OverRequest{Source: panelA, From: canvas.Left, Event: session.PointerEvent{X: 1, Y: 1}})
	if err != nil {
		t.Fatalf("Over failed: %v", err)
	}
	if len(dstSink.frames) != before {
		t.Fatalf("over on an unconnected edge reached the target")
	}

	err = admin.Over(panelA, session.OverRequest{Source: panelA, From: canvas.Right, Event: session.PointerEvent{X: 810, Y: 30}})
	if err != nil {
		t.Fatalf("Over failed: %v", err)
	}
	f := dstSink.last(t)
	if f["action"] != "over" || f["x"] != 10.0 || f["y"] != 30.0 || f["id"] != panelA || f["to"] != "left" {
		t.Errorf("unexpected over frame: %+v", f)
	}
}

func TestAdminDeviceValidatesCustomValues(t *testing.T) {
	u, _, _ := newPanel(t, panelA, 0, 0)
	reg := &fakeRegistry{
		users:  []*session.User{u},
		fields: []session.CustomField{{Key: "level", Label: "Level", Type: session.CustomNumber, DefaultValue: 1.0}},
	}
	admin := session.NewAdmin(session.ModeView, &recordingSink{}, reg, nil, logging.Discard())

	bad := session.DeviceUpdate{Rect: canvas.Rect{Width: 10, Height: 10}, Custom: map[string]any{"level": "high"}}
	if err := admin.Device(panelA, bad); !errors.Is(err, session.ErrInvalidRequest) {
		t.Errorf("expected type mismatch to fail, got %v", err)
	}
	good := session.DeviceUpdate{Rect: canvas.Rect{Width: 10, Height: 10}, Custom: map[string]any{"level": 4.0}}
	if err := admin.Device(panelA, good); err != nil {
		t.Fatalf("Device failed: %v", err)
	}
	if u.State().Custom["level"] != 4.0 {
		t.Errorf("custom value not applied: %+v", u.State().Custom)
	}
}

func TestAdminHandleFrame(t *testing.T) {
	u, _, _ := newPanel(t, panelA, 0, 0)
	adminSink := &recordingSink{}
	admin := session.NewAdmin(session.ModeView, adminSink, &fakeRegistry{users: []*session.User{u}}, nil, logging.Discard())

	if err := admin.HandleFrame([]byte(`{"action":"position","id":"` + panelA + `","x":9,"y":8}`)); err != nil {
		t.Fatalf("position frame failed: %v", err)
	}
	if u.State().AssignPosition.StartX != 9 {
		t.Errorf("position not applied")
	}
	if f := adminSink.last(t); f["action"] != "position" || f["id"] != panelA {
		t.Errorf("admin not re-echoed the state: %+v", f)
	}

	if err := admin.HandleFrame([]byte(`{"action":"join"}`)); !errors.Is(err, session.ErrInvalidRequest) {
		t.Errorf("expected join from wire to be refused, got %v", err)
	}
	if err := admin.HandleFrame([]byte(`{"action":"nope"}`)); !errors.Is(err, session.ErrUnreachable) {
		t.Errorf("expected Unreachable, got %v", err)
	}
	if err := admin.HandleFrame([]byte(`{"action":"connect","source":"a","target":"b","from":"up","to":"left"}`)); !errors.Is(err, session.ErrInvalidRequest) {
		t.Errorf("expected invalid direction to fail, got %v", err)
	}
}

func TestCustomFieldValidate(t *testing.T) {
	tests := []struct {
		name string
		f    session.CustomField
		ok   bool
	}{
		{"ok", session.CustomField{Key: "speed_1", Label: "Speed", Type: session.CustomNumber, DefaultValue: 1.5}, true},
		{"bad key", session.CustomField{Key: "spe-ed", Label: "Speed", Type: session.CustomNumber, DefaultValue: 1.5}, false},
		{"long key", session.CustomField{Key: "abcdefghijklmnopqrstuvwxyz012345", Label: "x", Type: session.CustomBoolean, DefaultValue: true}, false},
		{"empty label", session.CustomField{Key: "k", Label: "", Type: session.CustomString, DefaultValue: ""}, false},
		{"type mismatch", session.CustomField{Key: "k", Label: "K", Type: session.CustomBoolean, DefaultValue: "yes"}, false},
		{"unknown type", session.CustomField{Key: "k", Label: "K", Type: "date", DefaultValue: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.f.Validate()
			if tt.ok != (err == nil) {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
