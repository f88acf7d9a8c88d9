package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loopforge/runway/internal/logstream"
	"github.com/loopforge/runway/web/api"
)

// Client talks to a running runway server
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the given base URL, e.g. http://127.0.0.1:8484
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches the overall status snapshot
func (c *Client) Status() (api.StatusResponse, error) {
	var status api.StatusResponse
	err := c.getJSON("/api/status", &status)
	return status, err
}

// Routines fetches all routines, optionally filtered by owner
func (c *Client) Routines(ownerID string) ([]api.RoutineResponse, error) {
	path := "/api/routines"
	if ownerID != "" {
		path += "?owner=" + ownerID
	}
	var routines []api.RoutineResponse
	err := c.getJSON(path, &routines)
	return routines, err
}

func (c *Client) getJSON(path string, into interface{}) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

// OpenFeed connects to the owner websocket feed. The returned channel closes
// when the connection drops.
func (c *Client) OpenFeed(ownerID string) (<-chan logstream.Event, error) {
	wsBase := "ws" + strings.TrimPrefix(c.base, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsBase+"/api/feed?owner="+ownerID, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to feed: %w", err)
	}

	events := make(chan logstream.Event, 32)
	go func() {
		defer close(events)
		defer conn.Close()
		for {
			var ev logstream.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			events <- ev
		}
	}()
	return events, nil
}
