// Package httpapi talks to the chat server's protected HTTP routes: room history and room creation.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatty/pkg/webchat"
)

const NewRoomPath = "/protected/new-room"

type Client struct {
	base   *url.URL
	cookie string
	http   *http.Client
}

var (
	_ webchat.HistoryFetcher = (*Client)(nil)
	_ webchat.RoomCreator    = (*Client)(nil)
)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCookie forwards the session cookie of an authenticated browser session.
func WithCookie(cookie string) Option {
	return func(c *Client) { c.cookie = cookie }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, errors.Wrap(err, "invalid base URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("base URL must be http or https, got %q", baseURL)
	}
	c := &Client{base: u, http: &http.Client{Timeout: 30 * time.Second}}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) resolve(ref string) (*url.URL, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid reference %q", ref)
	}
	return c.base.ResolveReference(r), nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if msg := errorMessage(body); msg != "" {
			return nil, errors.Errorf("HTTP %d: %s", resp.StatusCode, msg)
		}
		return nil, errors.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// FetchHistory loads a room's history. source is a path relative to the server (see
// webchat.HistorySource) or an absolute URL.
func (c *Client) FetchHistory(ctx context.Context, source string) ([]string, error) {
	u, err := c.resolve(source)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch history")
	}
	entries, err := DecodeHistory(body)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("component", "httpapi").Str("source", source).Int("entries", len(entries)).Msg("history fetched")
	return entries, nil
}

// CreateRoom asks the server to create a room named name.
func (c *Client) CreateRoom(ctx context.Context, name string) (webchat.RoomDescriptor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return webchat.RoomDescriptor{}, webchat.ErrEmptyRoomName
	}
	u, err := c.resolve(NewRoomPath)
	if err != nil {
		return webchat.RoomDescriptor{}, err
	}
	// the server reads roomName from request params, which covers the query string
	q := u.Query()
	q.Set("roomName", name)
	u.RawQuery = q.Encode()

	payload, err := json.Marshal(map[string]string{"roomName": name})
	if err != nil {
		return webchat.RoomDescriptor{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(payload))
	if err != nil {
		return webchat.RoomDescriptor{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := c.do(req)
	if err != nil {
		return webchat.RoomDescriptor{}, errors.Wrap(err, "create room")
	}
	if msg := errorMessage(body); msg != "" {
		return webchat.RoomDescriptor{}, errors.Errorf("create room: %s", msg)
	}
	return decodeCreatedRoom(body, name), nil
}

// DecodeHistory accepts {"data":{"history":[...]}} or {"history":[...]}. Entries are either
// preformatted display fragments or [timestamp, email, text] triples, which are rendered as
// fragments with their fields escaped.
func DecodeHistory(body []byte) ([]string, error) {
	var in struct {
		Data *struct {
			History []json.RawMessage `json:"history"`
		} `json:"data"`
		History []json.RawMessage `json:"history"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, errors.Wrap(err, "decode history")
	}
	raw := in.History
	if in.Data != nil {
		raw = in.Data.History
	}
	out := make([]string, 0, len(raw))
	for i, entry := range raw {
		text, err := formatEntry(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "history entry %d", i)
		}
		out = append(out, text)
	}
	return out, nil
}

func formatEntry(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var triple []string
	if err := json.Unmarshal(raw, &triple); err != nil {
		return "", errors.Wrap(err, "unsupported entry")
	}
	if len(triple) != 3 {
		return "", errors.Errorf("expected [time, email, text], got %d fields", len(triple))
	}
	return fmt.Sprintf("%s &lt;%s&gt;: %s",
		html.EscapeString(triple[0]), html.EscapeString(triple[1]), html.EscapeString(triple[2])), nil
}

// errorMessage extracts {"status":"error","message":...} or {"error":{"message":...}}.
func errorMessage(body []byte) string {
	var in struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return ""
	}
	switch {
	case in.Status == "error":
		if in.Message == "" {
			return "unknown error"
		}
		return in.Message
	case in.Error != nil:
		return in.Error.Message
	default:
		return ""
	}
}

func decodeCreatedRoom(body []byte, name string) webchat.RoomDescriptor {
	type room struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		UUID string `json:"uuid"`
	}
	var in struct {
		room
		Room *room `json:"room"`
		Data *struct {
			Room *room `json:"room"`
		} `json:"data"`
	}
	_ = json.Unmarshal(body, &in)
	r := in.room
	switch {
	case in.Room != nil:
		r = *in.Room
	case in.Data != nil && in.Data.Room != nil:
		r = *in.Data.Room
	}
	id := r.UUID
	if id == "" {
		id = r.ID
	}
	if r.Name != "" {
		name = r.Name
	}
	// the server may answer with an empty object; the new room then shows up in the next room list
	return webchat.RoomDescriptor{RoomID: id, DisplayName: name}
}
