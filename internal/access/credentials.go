package access

import (
	"strings"

	"github.com/cfilipov/rangeconsole/internal/api"
)

// Credentials are the room passwords an operator hands out.
type Credentials struct {
	User  string `json:"user"`
	Admin string `json:"admin"`
}

const (
	userPasswordSuffix  = "USER_PASSWORD"
	adminPasswordSuffix = "ADMIN_PASSWORD"
)

// ExtractCredentials recovers room credentials from a template definition.
// The structured room.user_pass and room.admin_pass fields win; each missing
// one falls back to the first environment entry, across all services in
// order, whose key ends in USER_PASSWORD or ADMIN_PASSWORD respectively.
func ExtractCredentials(def api.TemplateDefinition) Credentials {
	c := Credentials{
		User:  strings.TrimSpace(def.Room.UserPass),
		Admin: strings.TrimSpace(def.Room.AdminPass),
	}
	if c.User != "" && c.Admin != "" {
		return c
	}
	for _, svc := range def.Services {
		for _, kv := range svc.Env {
			key, val, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			key = strings.ToUpper(strings.TrimSpace(key))
			switch {
			case c.User == "" && strings.HasSuffix(key, userPasswordSuffix):
				c.User = val
			case c.Admin == "" && strings.HasSuffix(key, adminPasswordSuffix):
				c.Admin = val
			}
		}
	}
	return c
}

// EffectiveCredentials layers a room's own settings over the template's.
// Non-empty room values win.
func EffectiveCredentials(template Credentials, room api.RoomSettings) Credentials {
	c := template
	if v := strings.TrimSpace(room.UserPass); v != "" {
		c.User = v
	}
	if v := strings.TrimSpace(room.AdminPass); v != "" {
		c.Admin = v
	}
	return c
}
