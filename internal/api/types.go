package api

import (
	"encoding/json"
	"strings"
	"time"
)

// StatusReady is the only range status the console interprets. Every other
// value is displayed as-is.
const StatusReady = "ready"

// RoomStatusPending is reported for rooms the backend returns without a status.
const RoomStatusPending = "pending"

// Range is a provisioned lab environment.
type Range struct {
	ID          int64           `json:"id"`
	TeamID      int64           `json:"team_id,omitempty"`
	TemplateID  int64           `json:"template_id,omitempty"`
	OwnerUserID int64           `json:"owner_user_id,omitempty"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Metadata    json.RawMessage `json:"metadata_json,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
	UpdatedAt   string          `json:"updated_at,omitempty"`
}

func (r *Range) UnmarshalJSON(b []byte) error {
	type plain Range
	var aux struct {
		plain
		Meta json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = Range(aux.plain)
	r.Metadata = Unwrap(firstPresent(r.Metadata, aux.Meta))
	return nil
}

// Ready reports whether the range status is "ready", ignoring case and
// surrounding space.
func (r Range) Ready() bool {
	return strings.EqualFold(strings.TrimSpace(r.Status), StatusReady)
}

// Ports returns the raw port-map record stored under the "ports" key of the
// range metadata, or nil.
func (r Range) Ports() json.RawMessage {
	var meta struct {
		Ports json.RawMessage `json:"ports"`
	}
	if !DecodeLoose(r.Metadata, &meta) {
		return nil
	}
	return Unwrap(meta.Ports)
}

// RoomSettings are the per-room options applied by the provisioner.
type RoomSettings struct {
	UserPass          string `json:"user_pass,omitempty"`
	AdminPass         string `json:"admin_pass,omitempty"`
	MaxConnections    int    `json:"max_connections,omitempty"`
	ControlProtection *bool  `json:"control_protection,omitempty"`
}

// Room is one service of a range as tracked by the backend.
type Room struct {
	ServiceName string          `json:"service_name"`
	Status      string          `json:"status"`
	EntryPath   string          `json:"entry_path,omitempty"`
	Settings    json.RawMessage `json:"settings,omitempty"`
}

func (r *Room) UnmarshalJSON(b []byte) error {
	type plain Room
	var aux struct {
		plain
		SettingsJSON json.RawMessage `json:"settings_json"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = Room(aux.plain)
	r.Settings = Unwrap(firstPresent(r.Settings, aux.SettingsJSON))
	if strings.TrimSpace(r.Status) == "" {
		r.Status = RoomStatusPending
	}
	return nil
}

// ParsedSettings decodes the room settings. It reports false when the room
// carries none or when they cannot be decoded.
func (r Room) ParsedSettings() (RoomSettings, bool) {
	var s RoomSettings
	if !DecodeLoose(r.Settings, &s) {
		return RoomSettings{}, false
	}
	if s.MaxConnections < 0 {
		s.MaxConnections = 0
	}
	return s, true
}

// Resource is a runtime object (container, network, ...) the backend created
// for a range.
type Resource struct {
	ResourceType string          `json:"resource_type"`
	DockerID     string          `json:"docker_id,omitempty"`
	ServiceName  string          `json:"service_name,omitempty"`
	Metadata     json.RawMessage `json:"metadata_json,omitempty"`
}

func (r *Resource) UnmarshalJSON(b []byte) error {
	type plain Resource
	var aux struct {
		plain
		Meta json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = Resource(aux.plain)
	r.Metadata = Unwrap(firstPresent(r.Metadata, aux.Meta))
	return nil
}

// Image returns the image reference recorded in the resource metadata.
func (r Resource) Image() string {
	var meta struct {
		Image string `json:"image"`
	}
	if !DecodeLoose(r.Metadata, &meta) {
		return ""
	}
	return strings.TrimSpace(meta.Image)
}

// AccessEntry is a backend-computed access URL for a service.
type AccessEntry struct {
	ServiceName string `json:"service_name"`
	URL         string `json:"url"`
}

// RangeDetail is the point-in-time snapshot returned by GET /api/ranges/:id.
type RangeDetail struct {
	Range     Range         `json:"range"`
	Rooms     []Room        `json:"rooms"`
	Resources []Resource    `json:"resources"`
	Access    []AccessEntry `json:"access"`
}

// Event is one record of a range's provisioning stream.
type Event struct {
	ID        int64           `json:"id,omitempty"`
	RangeID   int64           `json:"range_id,omitempty"`
	JobID     int64           `json:"job_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Level     string          `json:"level"`
	Kind      string          `json:"kind"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Template is a reusable range definition.
type Template struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name,omitempty"`
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition_json,omitempty"`
}

func (t *Template) UnmarshalJSON(b []byte) error {
	type plain Template
	var aux struct {
		plain
		Def json.RawMessage `json:"definition"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*t = Template(aux.plain)
	t.Definition = Unwrap(firstPresent(t.Definition, aux.Def))
	return nil
}

// ParsedDefinition decodes the template definition, returning the zero value
// when it is missing or malformed.
func (t Template) ParsedDefinition() TemplateDefinition {
	var def TemplateDefinition
	if !DecodeLoose(t.Definition, &def) {
		return TemplateDefinition{}
	}
	return def
}

type TemplateDefinition struct {
	Name     string            `json:"name"`
	Room     RoomSettings      `json:"room"`
	Services []TemplateService `json:"services"`
}

type TemplateService struct {
	Name    string         `json:"name"`
	Image   string         `json:"image"`
	Network string         `json:"network,omitempty"`
	Env     []string       `json:"env,omitempty"`
	Ports   []TemplatePort `json:"ports,omitempty"`
}

type TemplatePort struct {
	Container int    `json:"container"`
	Host      int    `json:"host,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
}

// CatalogImage is one entry of GET /api/catalog/images.
type CatalogImage struct {
	Repository  string `json:"repository"`
	Tag         string `json:"tag"`
	Image       string `json:"image"`
	LastUpdated string `json:"last_updated,omitempty"`
}

// Me identifies the logged-in operator.
type Me struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// RoomSpec is one room of the rooms-form range creation request.
type RoomSpec struct {
	Name    string `json:"name"`
	Image   string `json:"image"`
	Network string `json:"network,omitempty"`
}

// CreateRangeRequest is the body of POST /api/ranges. Either Rooms or the
// legacy TemplateID must be set.
type CreateRangeRequest struct {
	TeamID     int64         `json:"team_id"`
	TemplateID int64         `json:"template_id,omitempty"`
	Name       string        `json:"name"`
	Rooms      []RoomSpec    `json:"rooms,omitempty"`
	Room       *RoomSettings `json:"room,omitempty"`
}

// Verb is a room lifecycle command.
type Verb string

const (
	VerbStart    Verb = "start"
	VerbStop     Verb = "stop"
	VerbRestart  Verb = "restart"
	VerbRecreate Verb = "recreate"
)

// Valid reports whether v is a known room verb.
func (v Verb) Valid() bool {
	switch v {
	case VerbStart, VerbStop, VerbRestart, VerbRecreate:
		return true
	}
	return false
}
