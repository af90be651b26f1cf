// Package actions issues lifecycle commands against ranges and rooms.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/cfilipov/rangeconsole/internal/api"
)

// Commander performs lifecycle requests against the backend.
type Commander interface {
	RoomAction(ctx context.Context, rangeID int64, service string, verb api.Verb) error
	UpdateRoom(ctx context.Context, rangeID int64, service string, settings api.RoomSettings, reconcile bool) error
	DestroyRange(ctx context.Context, rangeID int64) error
	ResetRange(ctx context.Context, rangeID int64) error
}

// RefreshFunc re-fetches the range after a successful command.
type RefreshFunc func(ctx context.Context, rangeID int64) error

// Range-level verbs, alongside the room verbs in package api.
const (
	verbUpdate  = "update"
	verbDestroy = "destroy"
	verbReset   = "reset"
)

// Outcome describes a successful command.
type Outcome struct {
	RangeID int64  `json:"range_id"`
	Service string `json:"service,omitempty"`
	Verb    string `json:"verb"`
	Message string `json:"message"`
	// Shared is set when one request served several concurrent identical
	// calls.
	Shared bool `json:"shared,omitempty"`
	// RefreshErr is set when the command succeeded but the follow-up
	// re-fetch failed.
	RefreshErr error `json:"-"`
}

// Dispatcher sends one request per command and refreshes on success.
// Concurrent identical commands, keyed by (range, service, verb), collapse
// into one request.
type Dispatcher struct {
	cmd     Commander
	refresh RefreshFunc
	flight  singleflight.Group
}

func New(cmd Commander, refresh RefreshFunc) *Dispatcher {
	return &Dispatcher{cmd: cmd, refresh: refresh}
}

func (d *Dispatcher) Start(ctx context.Context, rangeID int64, service string) (Outcome, error) {
	return d.room(ctx, rangeID, service, api.VerbStart)
}

func (d *Dispatcher) Stop(ctx context.Context, rangeID int64, service string) (Outcome, error) {
	return d.room(ctx, rangeID, service, api.VerbStop)
}

func (d *Dispatcher) Restart(ctx context.Context, rangeID int64, service string) (Outcome, error) {
	return d.room(ctx, rangeID, service, api.VerbRestart)
}

// Recreate replaces a room's container from its current definition.
func (d *Dispatcher) Recreate(ctx context.Context, rangeID int64, service string) (Outcome, error) {
	return d.room(ctx, rangeID, service, api.VerbRecreate)
}

// Update replaces a room's settings. reconcile is forwarded unchanged; the
// backend decides whether to re-apply the settings to the running room.
func (d *Dispatcher) Update(ctx context.Context, rangeID int64, service string, settings api.RoomSettings, reconcile bool) (Outcome, error) {
	if service == "" {
		return Outcome{}, fmt.Errorf("update: service is required")
	}
	if settings.MaxConnections < 0 {
		return Outcome{}, fmt.Errorf("update: max_connections must not be negative")
	}
	return d.run(ctx, rangeID, service, verbUpdate, func(ctx context.Context) error {
		return d.cmd.UpdateRoom(ctx, rangeID, service, settings, reconcile)
	})
}

func (d *Dispatcher) Destroy(ctx context.Context, rangeID int64) (Outcome, error) {
	return d.run(ctx, rangeID, "", verbDestroy, func(ctx context.Context) error {
		return d.cmd.DestroyRange(ctx, rangeID)
	})
}

func (d *Dispatcher) Reset(ctx context.Context, rangeID int64) (Outcome, error) {
	return d.run(ctx, rangeID, "", verbReset, func(ctx context.Context) error {
		return d.cmd.ResetRange(ctx, rangeID)
	})
}

func (d *Dispatcher) room(ctx context.Context, rangeID int64, service string, verb api.Verb) (Outcome, error) {
	if service == "" {
		return Outcome{}, fmt.Errorf("%s: service is required", verb)
	}
	return d.run(ctx, rangeID, service, string(verb), func(ctx context.Context) error {
		return d.cmd.RoomAction(ctx, rangeID, service, verb)
	})
}

// run executes send once per in-flight key. The request is detached from the
// caller's cancellation so it always runs to completion; joiners get the
// same result. On failure the error is returned as-is and nothing is
// refreshed.
func (d *Dispatcher) run(ctx context.Context, rangeID int64, service, verb string, send func(context.Context) error) (Outcome, error) {
	key := fmt.Sprintf("%d\x00%s\x00%s", rangeID, service, verb)
	detached := context.WithoutCancel(ctx)

	v, err, shared := d.flight.Do(key, func() (any, error) {
		if err := send(detached); err != nil {
			slog.Warn("action failed", "verb", verb, "rangeID", rangeID, "service", service, "err", err)
			return nil, err
		}
		out := Outcome{
			RangeID: rangeID,
			Service: service,
			Verb:    verb,
			Message: successMessage(verb, service),
		}
		if d.refresh != nil {
			if err := d.refresh(detached, rangeID); err != nil {
				slog.Warn("refresh after action", "verb", verb, "rangeID", rangeID, "err", err)
				out.RefreshErr = err
			}
		}
		return out, nil
	})
	if err != nil {
		return Outcome{}, err
	}
	out := v.(Outcome)
	out.Shared = shared
	return out, nil
}

func successMessage(verb, service string) string {
	switch verb {
	case verbUpdate:
		return fmt.Sprintf("Updated settings for %s", service)
	case verbDestroy:
		return "Destroy requested"
	case verbReset:
		return "Reset requested"
	default:
		return fmt.Sprintf("%s requested for %s", capitalize(verb), service)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
