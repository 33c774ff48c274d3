package uds

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 5 * time.Minute}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w\nIs the daemon running? Start it with: cogno daemon",
			c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Call sends a command and decodes a successful result into out (which may be nil).
// A failed command is returned as *ErrorDetail.
func (c *Client) Call(command string, params, out any) error {
	resp, err := c.SendCommand(command, params)
	if err != nil {
		return err
	}
	if !resp.Success {
		if resp.Error == nil {
			return &ErrorDetail{Code: ErrCodeInternal, Message: "command failed without detail"}
		}
		return resp.Error
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode %s result: %w", command, err)
	}
	return nil
}
