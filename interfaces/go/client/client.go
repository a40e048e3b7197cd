// Package client is a small HTTP client for a running device-relay server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Transport: newTransport()},
	}
}

// newTransport keeps a few idle connections per relay and negotiates HTTP/2
// when the relay is served over TLS. Long polls and SSE share the pool.
func newTransport() *http.Transport {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// plain HTTP/1.1 stays available if h2 cannot be configured
	_ = http2.ConfigureTransport(tr)
	return tr
}

type Device struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform"`
	State    string `json:"state,omitempty"`
	Model    string `json:"model,omitempty"`
}

type Recording struct {
	ID         string     `json:"id"`
	DeviceID   string     `json:"deviceId"`
	SessionID  string     `json:"sessionId,omitempty"`
	Status     string     `json:"status"`
	FPS        int        `json:"fps"`
	StartedAt  time.Time  `json:"startedAt"`
	StoppedAt  *time.Time `json:"stoppedAt,omitempty"`
	FrameCount int        `json:"frameCount"`
	DurationMs int64      `json:"durationMs"`
}

type Event struct {
	Sequence  uint64            `json:"sequence"`
	Type      string            `json:"type"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Route     map[string]string `json:"route,omitempty"`
}

type Batch struct {
	Events   []Event `json:"events"`
	Aborted  bool    `json:"aborted"`
	TimedOut bool    `json:"timedOut"`
}

// WaitOptions narrow a WaitForEvents call. Zero durations use server defaults.
type WaitOptions struct {
	Types       []string
	SessionID   string
	Filter      string
	BatchWindow time.Duration
	Timeout     time.Duration
}

// APIError is the server's error envelope.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("device-relay: %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var out struct {
		Items []Device `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/devices", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Screenshot fetches a single capture in the bridge's native format.
func (c *Client) Screenshot(ctx context.Context, deviceID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/devices/"+url.PathEscape(deviceID)+"/screenshot", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

// EventsSince returns retained events after seq. complete is false when the
// server no longer holds every event since then.
func (c *Client) EventsSince(ctx context.Context, seq uint64) (events []Event, complete bool, err error) {
	var out struct {
		Events   []Event `json:"events"`
		Complete bool    `json:"complete"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/events/since?seq="+strconv.FormatUint(seq, 10), nil, &out); err != nil {
		return nil, false, err
	}
	return out.Events, out.Complete, nil
}

// WaitForEvents long-polls for the next batch. Cancelling ctx abandons it.
func (c *Client) WaitForEvents(ctx context.Context, o WaitOptions) (Batch, error) {
	q := url.Values{}
	if len(o.Types) > 0 {
		q.Set("types", strings.Join(o.Types, ","))
	}
	if o.SessionID != "" {
		q.Set("sessionId", o.SessionID)
	}
	if o.Filter != "" {
		q.Set("filter", o.Filter)
	}
	if o.BatchWindow > 0 {
		q.Set("batchWindowMs", strconv.FormatInt(o.BatchWindow.Milliseconds(), 10))
	}
	if o.Timeout > 0 {
		q.Set("timeoutMs", strconv.FormatInt(o.Timeout.Milliseconds(), 10))
	}
	var b Batch
	err := c.do(ctx, http.MethodGet, "/api/events/wait?"+q.Encode(), nil, &b)
	return b, err
}

func (c *Client) PublishEvent(ctx context.Context, eventType string, data any, route map[string]string) (Event, error) {
	var ev Event
	body := map[string]any{"type": eventType, "data": data, "route": route}
	err := c.do(ctx, http.MethodPost, "/api/events", body, &ev)
	return ev, err
}

func (c *Client) StartRecording(ctx context.Context, deviceID string, fps int, sessionID string) (Recording, error) {
	var rec Recording
	body := map[string]any{"deviceId": deviceID, "fps": fps, "sessionId": sessionID}
	err := c.do(ctx, http.MethodPost, "/api/recordings", body, &rec)
	return rec, err
}

func (c *Client) StopRecording(ctx context.Context, id string) (Recording, error) {
	var rec Recording
	err := c.do(ctx, http.MethodPost, "/api/recordings/"+url.PathEscape(id)+"/stop", nil, &rec)
	return rec, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var env struct {
		Error APIError `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&env)
	env.Error.Status = resp.StatusCode
	if env.Error.Code == "" {
		env.Error.Code = http.StatusText(resp.StatusCode)
	}
	return &env.Error
}
