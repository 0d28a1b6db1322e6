package session

import (
	"maps"
	"math/rand/v2"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strconv"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shouta0715/ripples-api/internal/canvas"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

type Mode string

const (
	ModeView    Mode = "view"
	ModeConnect Mode = "connect"
)

func (m Mode) Valid() bool { return m == ModeView || m == ModeConnect }

// PanelState is everything the room knows about one connected panel.
type PanelState struct {
	ID             string           `json:"id"`
	Role           Role             `json:"role"`
	Width          float64          `json:"width"`
	Height         float64          `json:"height"`
	DisplayName    string           `json:"displayname"`
	AssignPosition canvas.Box       `json:"assignPosition"`
	Alignment      canvas.Alignment `json:"alignment"`
	// Connections holds only the edges this panel is the source of.
	Connections   []canvas.Edge  `json:"connections"`
	IsStartDevice bool           `json:"isStartDevice"`
	Custom        map[string]any `json:"custom"`
}

// Clone returns a copy that shares no slices or maps with s.
func (s PanelState) Clone() PanelState {
	s.Connections = slices.Clone(s.Connections)
	if s.Connections == nil {
		s.Connections = []canvas.Edge{}
	}
	s.Custom = maps.Clone(s.Custom)
	if s.Custom == nil {
		s.Custom = map[string]any{}
	}
	return s
}

type AdminState struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Mode Mode   `json:"mode"`
}

// initialSpread bounds the random placement of a newly connected panel.
const initialSpread = 1000

// NewPanelState validates the connect-time request of a panel and builds
// its initial state. The id is the last segment of requestPath and must be
// an RFC 4122 UUID; width and height come from the query string.
func NewPanelState(requestPath string, query url.Values, defs []CustomField, rng *rand.Rand) (PanelState, error) {
	id := path.Base(requestPath)
	if !ValidPanelID(id) {
		return PanelState{}, InvalidRequest("Invalid ID")
	}

	width, okW := parseDimension(query.Get("width"))
	height, okH := parseDimension(query.Get("height"))
	if !okW || !okH {
		return PanelState{}, InvalidRequest("Invalid size")
	}

	var x, y float64
	if rng != nil {
		x, y = float64(rng.IntN(initialSpread)), float64(rng.IntN(initialSpread))
	} else {
		x, y = float64(rand.IntN(initialSpread)), float64(rand.IntN(initialSpread))
	}

	return PanelState{
		ID:             id,
		Role:           RoleUser,
		Width:          width,
		Height:         height,
		DisplayName:    id,
		AssignPosition: canvas.BoxAt(x, y, width, height),
		Alignment:      canvas.FreeAlignment(),
		Connections:    []canvas.Edge{},
		Custom:         SeedCustom(defs),
	}, nil
}

// ValidPanelID accepts canonical hyphenated UUIDs of versions 1 through 5
// with the RFC 4122 variant.
func ValidPanelID(id string) bool {
	if len(id) != 36 {
		return false
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	v := u.Version()
	return v >= 1 && v <= 5 && u.Variant() == uuid.RFC4122
}

func parseDimension(raw string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return float64(n), n >= 1
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 1 {
		return 0, false
	}
	return float64(int(f)), true
}

type CustomType string

const (
	CustomString  CustomType = "string"
	CustomNumber  CustomType = "number"
	CustomBoolean CustomType = "boolean"
)

// CustomField is a room-wide field definition every panel carries a value for.
type CustomField struct {
	Key          string     `json:"key"`
	Label        string     `json:"label"`
	Type         CustomType `json:"type"`
	DefaultValue any        `json:"defaultValue"`
}

var customKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,30}$`)

func (f CustomField) Validate() error {
	if !customKeyPattern.MatchString(f.Key) {
		return InvalidRequest("custom key must be 1-30 letters, digits or underscores")
	}
	if n := utf8.RuneCountInString(f.Label); n < 1 || n > 30 {
		return InvalidRequest("custom label must be 1-30 characters")
	}
	if !ValueMatches(f.Type, f.DefaultValue) {
		return InvalidRequest("default value does not match type %q", string(f.Type))
	}
	return nil
}

// ValueMatches reports whether v is a legal value for a field of type t.
func ValueMatches(t CustomType, v any) bool {
	switch t {
	case CustomString:
		_, ok := v.(string)
		return ok
	case CustomNumber:
		switch v.(type) {
		case float64, float32, int, int64, uint64:
			return true
		}
		return false
	case CustomBoolean:
		_, ok := v.(bool)
		return ok
	}
	return false
}

// SeedCustom builds a panel's custom map from the field defaults.
func SeedCustom(defs []CustomField) map[string]any {
	out := make(map[string]any, len(defs))
	for _, d := range defs {
		out[d.Key] = d.DefaultValue
	}
	return out
}
