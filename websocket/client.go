package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// allStocksWildcard subscribes to every stock
const allStocksWildcard = "*"

// subscribeRequest is the first frame sent on a new connection
type subscribeRequest struct {
	Action string   `json:"action"`
	Stocks []string `json:"stocks"`
}

// Client is a single connection to the tick feed
type Client struct {
	url        string
	conn       *websocket.Conn
	header     http.Header
	writeMu    sync.Mutex
	pingCancel context.CancelFunc
}

// NewClient creates a client. token is sent as a bearer token when set.
func NewClient(url string, token string) *Client {
	header := make(http.Header)
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	header.Set("User-Agent", "optiver-forecast/1.0")

	return &Client{
		url:    url,
		header: header,
	}
}

// Connect dials the feed
func (c *Client) Connect(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}
	c.conn = conn
	return nil
}

// Subscribe asks the feed for the ticks of stocks, or of every stock when
// stocks is empty.
func (c *Client) Subscribe(stocks []string) error {
	if len(stocks) == 0 {
		stocks = []string{allStocksWildcard}
	}
	if err := c.WriteJSON(subscribeRequest{Action: "subscribe", Stocks: stocks}); err != nil {
		return fmt.Errorf("failed to send subscription: %w", err)
	}
	return nil
}

// StartPing sends ping control frames every interval until Close.
func (c *Client) StartPing(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pingCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
}

// WriteJSON sends v as a text frame
func (c *Client) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("connection is nil")
	}
	return c.conn.WriteJSON(v)
}

// ReadMessage returns the payload of the next data frame. It fails when no
// frame arrives within idle; a zero idle waits forever.
func (c *Client) ReadMessage(idle time.Duration) ([]byte, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("connection is nil")
	}
	if idle > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return nil, err
		}
	}
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Close stops the pinger and closes the connection
func (c *Client) Close() error {
	if c.pingCancel != nil {
		c.pingCancel()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
