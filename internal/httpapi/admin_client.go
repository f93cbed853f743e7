package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"depot-go/internal/depot"
	"depot-go/internal/server"
)

// AdminClient calls the admin API of a running server.
type AdminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAdminClient(baseURL, token string, hc *http.Client) *AdminClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &AdminClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

// Users lists every known user, or only the online ones.
func (c *AdminClient) Users(ctx context.Context, onlineOnly bool) ([]depot.User, error) {
	path := "/admin/users"
	if onlineOnly {
		path += "?online=true"
	}
	var users []depot.User
	if err := c.do(ctx, http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Broadcast sends message as a NOTIFICATION to every authenticated session.
func (c *AdminClient) Broadcast(ctx context.Context, message string) (int, error) {
	var resp BroadcastResponse
	if err := c.do(ctx, http.MethodPost, "/admin/broadcast", BroadcastRequest{Message: message}, &resp); err != nil {
		return 0, err
	}
	return resp.Delivered, nil
}

// ExtendLicense adds days to a license and returns the updated record.
func (c *AdminClient) ExtendLicense(ctx context.Context, licenseKey string, days int) (*depot.User, error) {
	var u depot.User
	path := "/admin/licenses/" + url.PathEscape(licenseKey) + "/extend"
	if err := c.do(ctx, http.MethodPost, path, ExtendRequest{Days: days}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Kick disconnects a session. An empty reason uses DefaultKickReason.
func (c *AdminClient) Kick(ctx context.Context, sessionID, reason string) error {
	path := "/admin/sessions/" + url.PathEscape(sessionID)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Events streams session events to fn until ctx is done or the server closes
// the feed.
func (c *AdminClient) Events(ctx context.Context, fn func(server.Event)) error {
	u, err := url.Parse(c.baseURL + "/admin/events")
	if err != nil {
		return fmt.Errorf("parsing admin URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return statusError(resp)
		}
		return fmt.Errorf("%w: opening event stream: %w", depot.ErrTransport, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var e server.Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("%w: reading event: %w", depot.ErrTransport, err)
		}
		fn(e)
	}
}

func (c *AdminClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", depot.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// statusError turns an error response into an error carrying the server's
// message, classified by status code.
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, depot.ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", depot.ErrAuth, msg)
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
}
