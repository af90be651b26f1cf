// Package access derives user-reachable endpoints and room credentials from
// a range snapshot. Everything here is a pure function of its inputs.
package access

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"

	"github.com/cfilipov/rangeconsole/internal/api"
)

// PortBinding is one published host port of a service's container port.
type PortBinding struct {
	ServiceName   string `json:"service_name"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"`
	HostPort      int    `json:"host_port"`
	HostIP        string `json:"host_ip,omitempty"`
}

// hostBinding accepts both the Docker spelling (HostPort) and snake_case, with
// the port as a string or a number.
type hostBinding struct {
	HostIP    string          `json:"HostIp"`
	HostPort  json.RawMessage `json:"HostPort"`
	HostPort2 json.RawMessage `json:"host_port"`
}

func (b hostBinding) port() (int, bool) {
	raw := b.HostPort
	if len(raw) == 0 {
		raw = b.HostPort2
	}
	if len(raw) == 0 {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return validPort(n.String())
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return validPort(strings.TrimSpace(s))
	}
	return 0, false
}

func validPort(s string) (int, bool) {
	p, err := strconv.Atoi(s)
	if err != nil || p <= 0 || p > 65535 {
		return 0, false
	}
	return p, true
}

// ResolvePorts flattens a port-map record, shaped
// service -> "port/proto" -> [{HostPort}], into one PortBinding per host port.
// A missing or malformed record yields an empty list; malformed keys and
// bindings are skipped. The result is sorted by service, container port,
// protocol and host port.
func ResolvePorts(raw json.RawMessage) []PortBinding {
	var services map[string]json.RawMessage
	if !api.DecodeLoose(raw, &services) {
		return nil
	}

	var out []PortBinding
	for svc, rawMap := range services {
		var pm map[string][]hostBinding
		if !api.DecodeLoose(rawMap, &pm) {
			continue
		}
		for key, binds := range pm {
			port, ok := parseContainerPort(key)
			if !ok {
				continue
			}
			for _, b := range binds {
				hp, ok := b.port()
				if !ok {
					continue
				}
				out = append(out, PortBinding{
					ServiceName:   svc,
					ContainerPort: port.Int(),
					Protocol:      port.Proto(),
					HostPort:      hp,
					HostIP:        b.HostIP,
				})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ServiceName != b.ServiceName {
			return a.ServiceName < b.ServiceName
		}
		if a.ContainerPort != b.ContainerPort {
			return a.ContainerPort < b.ContainerPort
		}
		if a.Protocol != b.Protocol {
			return a.Protocol < b.Protocol
		}
		return a.HostPort < b.HostPort
	})
	return dedupBindings(out)
}

// parseContainerPort validates a "port/proto" key. Port ranges are rejected:
// a host binding belongs to a single container port.
func parseContainerPort(key string) (nat.Port, bool) {
	proto, portStr := nat.SplitProtoPort(strings.ToLower(strings.TrimSpace(key)))
	if portStr == "" {
		return "", false
	}
	p, err := nat.NewPort(proto, portStr)
	if err != nil {
		return "", false
	}
	start, end, err := p.Range()
	if err != nil || start != end || start == 0 {
		return "", false
	}
	return p, true
}

// dedupBindings drops adjacent identical rows of a sorted list.
func dedupBindings(in []PortBinding) []PortBinding {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, b := range in[1:] {
		last := out[len(out)-1]
		if b.ServiceName == last.ServiceName && b.ContainerPort == last.ContainerPort &&
			b.Protocol == last.Protocol && b.HostPort == last.HostPort {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Services returns the sorted service names present in bindings.
func Services(bindings []PortBinding) []string {
	seen := make(map[string]bool, len(bindings))
	var out []string
	for _, b := range bindings {
		if !seen[b.ServiceName] {
			seen[b.ServiceName] = true
			out = append(out, b.ServiceName)
		}
	}
	sort.Strings(out)
	return out
}
