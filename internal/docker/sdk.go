package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"

	"github.com/cfilipov/rangeconsole/internal/api"
)

// Range statuses derived from container states.
const (
	StatusStopped  = "stopped"
	StatusDegraded = "degraded"
)

func containerName(c container.Summary) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// serviceName is the room a container serves: the range_service label, the
// compose service, else the container name.
func serviceName(c container.Summary) string {
	if s := c.Labels[LabelService]; s != "" {
		return s
	}
	if s := c.Labels[composeService]; s != "" {
		return s
	}
	return containerName(c)
}

func (s *Source) listContainers(ctx context.Context, id int64) ([]container.Summary, error) {
	raw, err := s.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: rangeFilter(id)})
	if err != nil {
		return nil, daemonError("container list", err)
	}
	sort.Slice(raw, func(i, j int) bool {
		return serviceName(raw[i]) < serviceName(raw[j])
	})
	return raw, nil
}

// rangeStatus is ready when every container runs.
func rangeStatus(cs []container.Summary) string {
	running := 0
	for _, c := range cs {
		if string(c.State) == "running" {
			running++
		}
	}
	switch {
	case len(cs) > 0 && running == len(cs):
		return api.StatusReady
	case running == 0:
		return StatusStopped
	default:
		return StatusDegraded
	}
}

// portMaps renders published ports the way the provisioner records them:
// one nat.PortMap per service.
func portMaps(cs []container.Summary) map[string]nat.PortMap {
	out := make(map[string]nat.PortMap, len(cs))
	for _, c := range cs {
		pm := nat.PortMap{}
		for _, p := range c.Ports {
			if p.PublicPort == 0 {
				continue
			}
			port, err := nat.NewPort(p.Type, strconv.Itoa(int(p.PrivatePort)))
			if err != nil {
				continue
			}
			pm[port] = append(pm[port], nat.PortBinding{
				HostIP:   p.IP,
				HostPort: strconv.Itoa(int(p.PublicPort)),
			})
		}
		out[serviceName(c)] = pm
	}
	return out
}

func buildRange(id int64, cs []container.Summary) api.Range {
	r := api.Range{
		ID:     id,
		Name:   fmt.Sprintf("range-%d", id),
		Status: rangeStatus(cs),
	}
	var oldest int64
	for _, c := range cs {
		if n := c.Labels[LabelName]; n != "" {
			r.Name = n
		}
		if oldest == 0 || (c.Created > 0 && c.Created < oldest) {
			oldest = c.Created
		}
	}
	if oldest > 0 {
		r.CreatedAt = time.Unix(oldest, 0).UTC().Format(time.RFC3339)
	}
	meta, err := json.Marshal(map[string]any{"ports": portMaps(cs)})
	if err == nil {
		r.Metadata = meta
	}
	return r
}

// ListRanges groups labelled containers into ranges, ordered by id.
func (s *Source) ListRanges(ctx context.Context) ([]api.Range, error) {
	cs, err := s.listContainers(ctx, 0)
	if err != nil {
		return nil, err
	}
	groups := make(map[int64][]container.Summary)
	for _, c := range cs {
		id, err := strconv.ParseInt(c.Labels[LabelRange], 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		groups[id] = append(groups[id], c)
	}
	out := make([]api.Range, 0, len(groups))
	for id, group := range groups {
		out = append(out, buildRange(id, group))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RangeDetail snapshots one range from its containers.
func (s *Source) RangeDetail(ctx context.Context, id int64) (api.RangeDetail, error) {
	cs, err := s.listContainers(ctx, id)
	if err != nil {
		return api.RangeDetail{}, err
	}
	if len(cs) == 0 {
		return api.RangeDetail{}, notFound("range")
	}

	d := api.RangeDetail{Range: buildRange(id, cs)}
	for _, c := range cs {
		svc := serviceName(c)
		room := api.Room{ServiceName: svc, Status: string(c.State)}
		if raw := c.Labels[LabelSettings]; json.Valid([]byte(raw)) {
			room.Settings = json.RawMessage(raw)
		}
		d.Rooms = append(d.Rooms, room)

		meta, _ := json.Marshal(map[string]string{
			"image": c.Image,
			"name":  containerName(c),
			"state": string(c.State),
		})
		d.Resources = append(d.Resources, api.Resource{
			ResourceType: "container",
			DockerID:     c.ID,
			ServiceName:  svc,
			Metadata:     meta,
		})
	}
	return d, nil
}

func (s *Source) Me(context.Context) (api.Me, error) {
	return api.Me{Email: "local", Role: "daemon"}, nil
}

func (s *Source) CreateRange(context.Context, api.CreateRangeRequest) (api.Range, error) {
	return api.Range{}, unsupported("create range")
}

// ListTemplates returns no templates; daemon ranges are labelled by hand.
func (s *Source) ListTemplates(context.Context) ([]api.Template, error) {
	return nil, nil
}

func (s *Source) Template(context.Context, int64) (api.Template, error) {
	return api.Template{}, notFound("template")
}

// CatalogImages lists the local tagged images.
func (s *Source) CatalogImages(ctx context.Context) ([]api.CatalogImage, error) {
	imgs, err := s.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, daemonError("image list", err)
	}
	var out []api.CatalogImage
	for _, img := range imgs {
		updated := ""
		if img.Created > 0 {
			updated = time.Unix(img.Created, 0).UTC().Format(time.RFC3339)
		}
		for _, tag := range img.RepoTags {
			if tag == "<none>:<none>" {
				continue
			}
			out = append(out, catalogEntry(tag, updated))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Image < out[j].Image })
	return out, nil
}

func catalogEntry(ref, updated string) api.CatalogImage {
	entry := api.CatalogImage{Image: ref, LastUpdated: updated}
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		entry.Repository, entry.Tag, _ = strings.Cut(ref, ":")
		return entry
	}
	entry.Repository = reference.FamiliarName(named)
	if tagged, ok := named.(reference.Tagged); ok {
		entry.Tag = tagged.Tag()
	}
	entry.Image = reference.FamiliarString(named)
	return entry
}

// findRoom returns the container serving service in range id.
func (s *Source) findRoom(ctx context.Context, id int64, service string) (container.Summary, error) {
	cs, err := s.listContainers(ctx, id)
	if err != nil {
		return container.Summary{}, err
	}
	if len(cs) == 0 {
		return container.Summary{}, notFound("range")
	}
	for _, c := range cs {
		if serviceName(c) == service {
			return c, nil
		}
	}
	return container.Summary{}, notFound("room")
}

// RoomAction maps a room verb onto container operations.
func (s *Source) RoomAction(ctx context.Context, rangeID int64, service string, verb api.Verb) error {
	c, err := s.findRoom(ctx, rangeID, service)
	if err != nil {
		return err
	}
	switch verb {
	case api.VerbStart:
		err = s.cli.ContainerStart(ctx, c.ID, container.StartOptions{})
	case api.VerbStop:
		err = s.cli.ContainerStop(ctx, c.ID, container.StopOptions{})
	case api.VerbRestart:
		err = s.cli.ContainerRestart(ctx, c.ID, container.StopOptions{})
	case api.VerbRecreate:
		return s.recreate(ctx, c.ID)
	default:
		return fmt.Errorf("unknown room action %q", verb)
	}
	return daemonError("container "+string(verb), err)
}

// recreate replaces a container with a fresh one built from the same
// configuration, then starts it.
func (s *Source) recreate(ctx context.Context, id string) error {
	insp, err := s.cli.ContainerInspect(ctx, id)
	if err != nil {
		return daemonError("container inspect", err)
	}
	if insp.ContainerJSONBase == nil || insp.Config == nil {
		return &api.Error{Status: 500, Message: "container " + id + " has no configuration"}
	}
	name := strings.TrimPrefix(insp.Name, "/")

	var netCfg *network.NetworkingConfig
	if insp.NetworkSettings != nil && len(insp.NetworkSettings.Networks) > 0 {
		netCfg = &network.NetworkingConfig{EndpointsConfig: make(map[string]*network.EndpointSettings)}
		for netName, ep := range insp.NetworkSettings.Networks {
			settings := &network.EndpointSettings{}
			if ep != nil {
				settings.Aliases = ep.Aliases
			}
			netCfg.EndpointsConfig[netName] = settings
		}
	}

	if err := s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return daemonError("container remove", err)
	}
	created, err := s.cli.ContainerCreate(ctx, insp.Config, insp.HostConfig, netCfg, nil, name)
	if err != nil {
		return daemonError("container create", err)
	}
	return daemonError("container start", s.cli.ContainerStart(ctx, created.ID, container.StartOptions{}))
}

func (s *Source) UpdateRoom(context.Context, int64, string, api.RoomSettings, bool) error {
	return unsupported("update room")
}

func (s *Source) DestroyRange(context.Context, int64) error {
	return unsupported("destroy")
}

func (s *Source) ResetRange(context.Context, int64) error {
	return unsupported("reset")
}
