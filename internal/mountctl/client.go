package mountctl

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client sends one control request per connection.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient talks to the control socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

// Do sends req and decodes the response. A response with Success false is
// returned as an error.
func (c *Client) Do(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send control request: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read control response: %w", err)
	}
	if !resp.Success {
		return &resp, fmt.Errorf("control request %s failed: %s", req.Action, resp.Error)
	}
	return &resp, nil
}
