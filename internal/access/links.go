package access

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/cfilipov/rangeconsole/internal/api"
)

// Flavor names the addressing strategy that produced a link.
type Flavor string

const (
	FlavorProxy         Flavor = "proxy"
	FlavorNATPort       Flavor = "nat-port"
	FlavorHostname      Flavor = "hostname"
	FlavorImageHostname Flavor = "image-hostname"
)

var flavorRank = map[Flavor]int{
	FlavorProxy:         0,
	FlavorNATPort:       1,
	FlavorHostname:      2,
	FlavorImageHostname: 3,
}

// Reason explains an empty link set.
type Reason string

const (
	ReasonNotReady   Reason = "not-ready"
	ReasonNoBindings Reason = "no-bindings"
)

const (
	DefaultVNCPort = 6080
	DefaultDomain  = "localhost"
	vncSuffix      = "vnc.html?autoconnect=true&resize=remote"

	// OriginPlaceholder stands in for the browser's hostname in nat-port
	// links built without a configured origin host.
	OriginPlaceholder = "{origin}"
)

// Link is one way to reach a service port from a browser. Identity is
// (ServiceName, Href, Flavor).
type Link struct {
	ServiceName    string `json:"service_name"`
	Href           string `json:"href"`
	ContainerProto string `json:"container_proto"`
	Flavor         Flavor `json:"flavor"`
}

// Options carries the addressing environment links are built for.
type Options struct {
	// OriginHost is the hostname nat-port links point at. When empty they
	// carry OriginPlaceholder and each client fills in its own hostname
	// through Result.ForOrigin.
	OriginHost string
	// Domain suffixes synthesized hostnames. Defaults to "localhost".
	Domain string
	// RouterPort is appended to synthesized hostnames when non-zero.
	RouterPort int
	// VNCPort is the container port that serves the remote desktop page.
	VNCPort int
}

func (o Options) withDefaults() Options {
	o.OriginHost = strings.Trim(strings.TrimSpace(o.OriginHost), "[]")
	if o.OriginHost == "" {
		o.OriginHost = OriginPlaceholder
	}
	if strings.TrimSpace(o.Domain) == "" {
		o.Domain = DefaultDomain
	}
	o.Domain = strings.Trim(strings.ToLower(o.Domain), ".")
	if o.VNCPort == 0 {
		o.VNCPort = DefaultVNCPort
	}
	return o
}

// Input is the part of a range snapshot links are derived from.
type Input struct {
	RangeID  int64
	Ready    bool
	Bindings []PortBinding
	// Images maps service name to the image reference reported for it.
	Images map[string]string
}

// Result is a deduplicated link set. Reason is set when Links is empty
// because of the range state rather than by accident.
type Result struct {
	Links  []Link `json:"links"`
	Reason Reason `json:"reason,omitempty"`
}

// ServiceLinks is the links of one service, for display.
type ServiceLinks struct {
	ServiceName string `json:"service_name"`
	Links       []Link `json:"links"`
}

// Synthesize expands every TCP binding into at most one link per flavor and
// deduplicates the union. Ranges that are not ready yield no links. UDP and
// other non-TCP bindings are skipped since a browser cannot open them. The
// output order is by service, flavor and href, independent of input order.
func Synthesize(in Input, opts Options) Result {
	if !in.Ready {
		return Result{Reason: ReasonNotReady}
	}
	opts = opts.withDefaults()

	seen := make(map[Link]bool)
	var links []Link
	add := func(l Link) {
		key := Link{ServiceName: l.ServiceName, Href: l.Href, Flavor: l.Flavor}
		if seen[key] {
			return
		}
		seen[key] = true
		links = append(links, l)
	}

	for _, b := range in.Bindings {
		if b.Protocol != "tcp" || b.HostPort <= 0 {
			continue
		}
		cp := strconv.Itoa(b.ContainerPort) + "/" + b.Protocol
		suffix := ""
		if b.ContainerPort == opts.VNCPort {
			suffix = vncSuffix
		}
		scheme := "http"
		if b.ContainerPort == 443 {
			scheme = "https"
		}
		mk := func(f Flavor, href string) {
			add(Link{ServiceName: b.ServiceName, Href: href + suffix, ContainerProto: cp, Flavor: f})
		}

		mk(FlavorProxy, ProxyPath(in.RangeID, b.ServiceName))
		mk(FlavorNATPort, fmt.Sprintf("%s://%s/", scheme, net.JoinHostPort(opts.OriginHost, strconv.Itoa(b.HostPort))))
		if host := hostLabel(Slug(b.ServiceName), in.RangeID, opts); host != "" {
			mk(FlavorHostname, scheme+"://"+host+"/")
		}
		if img := in.Images[b.ServiceName]; img != "" {
			if host := hostLabel(Slug(ImageBasename(img)), in.RangeID, opts); host != "" {
				mk(FlavorImageHostname, scheme+"://"+host+"/")
			}
		}
	}

	if len(links) == 0 {
		return Result{Reason: ReasonNoBindings}
	}
	sort.SliceStable(links, func(i, j int) bool {
		a, b := links[i], links[j]
		if a.ServiceName != b.ServiceName {
			return a.ServiceName < b.ServiceName
		}
		if a.Flavor != b.Flavor {
			return flavorRank[a.Flavor] < flavorRank[b.Flavor]
		}
		return a.Href < b.Href
	})
	return Result{Links: links}
}

// ForOrigin returns the result with nat-port placeholders replaced by host.
// An empty host means "localhost". Order and identity are preserved since
// every nat-port link gets the same host.
func (r Result) ForOrigin(host string) Result {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if host == "" {
		host = "localhost"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	var links []Link
	for i, l := range r.Links {
		if l.Flavor != FlavorNATPort || !strings.Contains(l.Href, OriginPlaceholder) {
			continue
		}
		if links == nil {
			links = append([]Link(nil), r.Links...)
		}
		links[i].Href = strings.Replace(l.Href, OriginPlaceholder, host, 1)
	}
	if links == nil {
		return r
	}
	return Result{Links: links, Reason: r.Reason}
}

// WithLogin appends the neko auto-login query to every non-VNC proxy link:
// usr is the viewer's display name and pwd the room's user password, when
// password returns one.
func (r Result) WithLogin(viewer string, password func(service string) string) Result {
	usr := ViewerName(viewer)
	var links []Link
	for i, l := range r.Links {
		if l.Flavor != FlavorProxy || strings.Contains(l.Href, "?") {
			continue
		}
		if links == nil {
			links = append([]Link(nil), r.Links...)
		}
		q := url.Values{}
		q.Set("usr", usr)
		if password != nil {
			if pwd := password(l.ServiceName); pwd != "" {
				q.Set("pwd", pwd)
			}
		}
		links[i].Href = l.Href + "?" + q.Encode()
	}
	if links == nil {
		return r
	}
	return Result{Links: links, Reason: r.Reason}
}

// ViewerName turns an operator name or email into a room display name made
// of letters, digits and "-_.". Blank input yields "guest".
func ViewerName(raw string) string {
	x := strings.TrimSpace(raw)
	if local, _, ok := strings.Cut(x, "@"); ok {
		x = local
	}
	x = strings.Map(func(r rune) rune {
		switch {
		case r == ' ':
			return '-'
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return -1
	}, x)
	if x == "" {
		return "guest"
	}
	return x
}

// ProxyPath is the console-relative reverse-proxy route for a service.
func ProxyPath(rangeID int64, service string) string {
	return fmt.Sprintf("/api/ranges/%d/access/%s/", rangeID, url.PathEscape(service))
}

func hostLabel(slug string, rangeID int64, opts Options) string {
	if slug == "" {
		return ""
	}
	host := fmt.Sprintf("%s-r%d.%s", slug, rangeID, opts.Domain)
	if opts.RouterPort > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(opts.RouterPort))
	}
	return host
}

// ByService groups the result's links by service, preserving link order.
func (r Result) ByService() []ServiceLinks {
	var out []ServiceLinks
	for _, l := range r.Links {
		if n := len(out); n > 0 && out[n-1].ServiceName == l.ServiceName {
			out[n-1].Links = append(out[n-1].Links, l)
			continue
		}
		out = append(out, ServiceLinks{ServiceName: l.ServiceName, Links: []Link{l}})
	}
	return out
}

// ImagesByService collects the first image reference reported for each
// service across the range's resources.
func ImagesByService(resources []api.Resource) map[string]string {
	out := make(map[string]string)
	for _, r := range resources {
		if r.ServiceName == "" {
			continue
		}
		if _, ok := out[r.ServiceName]; ok {
			continue
		}
		if img := r.Image(); img != "" {
			out[r.ServiceName] = img
		}
	}
	return out
}
