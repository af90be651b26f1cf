package docker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/cfilipov/rangeconsole/internal/api"
)

// Container labels that tie a container to a range.
const (
	LabelRange    = "range_id"
	LabelName     = "range_name"
	LabelService  = "range_service"
	LabelSettings = "range_settings"

	composeService = "com.docker.compose.service"
)

// Source is a range backend read straight from the local Docker daemon.
// Every container carrying a range_id label belongs to that range; the
// range has one room per container.
type Source struct {
	cli *client.Client
}

// NewSource connects to the daemon named by DOCKER_HOST, or the default
// socket.
func NewSource() (*Source, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sdk: %w", err)
	}
	return &Source{cli: cli}, nil
}

// NewSourceWithHost connects to a specific daemon. host is a full URI like
// "unix:///path/to/docker.sock".
func NewSourceWithHost(host string) (*Source, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sdk with host: %w", err)
	}
	return &Source{cli: cli}, nil
}

func (s *Source) Close() error {
	return s.cli.Close()
}

// rangeFilter selects the containers of one range, or of every range when
// id is 0.
func rangeFilter(id int64) filters.Args {
	if id == 0 {
		return filters.NewArgs(filters.Arg("label", LabelRange))
	}
	return filters.NewArgs(filters.Arg("label", LabelRange+"="+strconv.FormatInt(id, 10)))
}

// daemonError maps an SDK failure onto the backend error taxonomy so
// operators see the daemon's own text.
func daemonError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%s: %w: %v", op, api.ErrUnreachable, err)
	}
	status := http.StatusInternalServerError
	if client.IsErrNotFound(err) {
		status = http.StatusNotFound
	}
	return &api.Error{Status: status, Message: err.Error()}
}

func notFound(what string) error {
	return &api.Error{Status: http.StatusNotFound, Message: what + " not found"}
}

func unsupported(op string) error {
	return fmt.Errorf("%s in daemon mode: %w", op, api.ErrUnsupported)
}
