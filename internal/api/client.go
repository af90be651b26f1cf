package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cfilipov/rangeconsole/internal/sse"
)

// maxBody caps how much of a response body is read.
const maxBody = 8 << 20

// Client talks to the provisioning backend's REST and event-stream surface.
type Client struct {
	base   *url.URL
	http   *http.Client
	stream *http.Client
	token  string
	cookie *http.Cookie
}

type Option func(*Client)

// WithHTTPClient replaces the client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBearerToken authenticates every request with an Authorization header.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithSessionCookie forwards a backend session cookie on every request.
func WithSessionCookie(name, value string) Option {
	return func(c *Client) {
		if name != "" && value != "" {
			c.cookie = &http.Cookie{Name: name, Value: value}
		}
	}
}

// NewClient returns a client for the backend rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	// Streams stay open indefinitely, so they must not inherit the REST timeout.
	st := *c.http
	st.Timeout = 0
	c.stream = &st
	return c, nil
}

// BaseURL returns the backend root.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) endpoint(format string, args ...any) string {
	return c.base.String() + fmt.Sprintf(format, args...)
}

func (c *Client) newRequest(ctx context.Context, method, target string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	return req, nil
}

// do sends one request and decodes a successful JSON response into out.
// Transport failures wrap ErrUnreachable; non-2xx responses become *Error.
func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
	req, err := c.newRequest(ctx, method, target, body)
	if err != nil {
		return err
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrUnreachable, req.URL.Path, err)
	}
	slog.Debug("backend request",
		"method", method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"requestID", req.Header.Get("X-Request-ID"),
		"elapsed", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromBody(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// Me returns the logged-in operator.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var me Me
	err := c.do(ctx, http.MethodGet, c.endpoint("/api/me"), nil, &me)
	return me, err
}

// ListRanges returns the ranges visible to the operator.
func (c *Client) ListRanges(ctx context.Context) ([]Range, error) {
	var ranges []Range
	if err := c.do(ctx, http.MethodGet, c.endpoint("/api/ranges"), nil, &ranges); err != nil {
		return nil, err
	}
	return ranges, nil
}

// CreateRange submits a new range and returns it as accepted by the backend.
func (c *Client) CreateRange(ctx context.Context, req CreateRangeRequest) (Range, error) {
	var resp struct {
		Range Range `json:"range"`
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint("/api/ranges"), req, &resp); err != nil {
		return Range{}, err
	}
	return resp.Range, nil
}

// RangeDetail fetches a point-in-time snapshot of one range.
func (c *Client) RangeDetail(ctx context.Context, id int64) (RangeDetail, error) {
	var d RangeDetail
	err := c.do(ctx, http.MethodGet, c.endpoint("/api/ranges/%d", id), nil, &d)
	return d, err
}

// ListTemplates returns the template catalog.
func (c *Client) ListTemplates(ctx context.Context) ([]Template, error) {
	var ts []Template
	if err := c.do(ctx, http.MethodGet, c.endpoint("/api/templates"), nil, &ts); err != nil {
		return nil, err
	}
	return ts, nil
}

// Template fetches one template.
func (c *Client) Template(ctx context.Context, id int64) (Template, error) {
	var t Template
	err := c.do(ctx, http.MethodGet, c.endpoint("/api/templates/%d", id), nil, &t)
	return t, err
}

// CatalogImages returns the image catalog offered for new rooms.
func (c *Client) CatalogImages(ctx context.Context) ([]CatalogImage, error) {
	var imgs []CatalogImage
	if err := c.do(ctx, http.MethodGet, c.endpoint("/api/catalog/images"), nil, &imgs); err != nil {
		return nil, err
	}
	return imgs, nil
}

// RoomAction posts a lifecycle verb for one room.
func (c *Client) RoomAction(ctx context.Context, rangeID int64, service string, verb Verb) error {
	if !verb.Valid() {
		return fmt.Errorf("unknown room action %q", verb)
	}
	return c.do(ctx, http.MethodPost,
		c.endpoint("/api/ranges/%d/rooms/%s/%s", rangeID, url.PathEscape(service), verb), nil, nil)
}

// UpdateRoom replaces a room's settings. reconcile is passed through as-is;
// the backend decides what re-applying the settings means.
func (c *Client) UpdateRoom(ctx context.Context, rangeID int64, service string, settings RoomSettings, reconcile bool) error {
	body := struct {
		Room      RoomSettings `json:"room"`
		Reconcile bool         `json:"reconcile"`
	}{settings, reconcile}
	return c.do(ctx, http.MethodPut,
		c.endpoint("/api/ranges/%d/rooms/%s", rangeID, url.PathEscape(service)), body, nil)
}

// DestroyRange tears the range down.
func (c *Client) DestroyRange(ctx context.Context, rangeID int64) error {
	return c.do(ctx, http.MethodPost, c.endpoint("/api/ranges/%d/destroy", rangeID), nil, nil)
}

// ResetRange re-provisions the range from its template.
func (c *Client) ResetRange(ctx context.Context, rangeID int64) error {
	return c.do(ctx, http.MethodPost, c.endpoint("/api/ranges/%d/reset", rangeID), nil, nil)
}

// Stream follows the range's event stream until ctx is done, reconnecting
// after failures.
func (c *Client) Stream(ctx context.Context, rangeID int64, h sse.Handler) error {
	target := c.endpoint("/api/ranges/%d/events", rangeID)
	sub := &sse.Subscriber{
		HTTP: c.stream,
		NewRequest: func(ctx context.Context, _ string) (*http.Request, error) {
			return c.newRequest(ctx, http.MethodGet, target, nil)
		},
	}
	return sub.Run(ctx, h)
}
