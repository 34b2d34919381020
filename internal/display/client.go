package display

import (
	"context"
	"encoding/json"
	log "log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// Client is a dashboard's connection to the daemon hub.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func Dial(ctx context.Context, wsURL string) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	log.Info("Connected to daemon", "url", wsURL)
	return &Client{conn: conn}, nil
}

func (c *Client) Read() (*Message, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) Write(m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
