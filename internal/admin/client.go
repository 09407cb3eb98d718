package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/edgeproxy/internal/supervisor"
)

// Client issues one request per connection to an admin Server.
type Client struct {
	addr    string
	token   string
	timeout time.Duration
}

func NewClient(addr, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		addr:    strings.TrimSpace(addr),
		token:   strings.TrimSpace(token),
		timeout: timeout,
	}
}

func (c *Client) Status(ctx context.Context) (StatusReport, error) {
	var out StatusReport
	err := c.call(ctx, Request{Action: ActionStatus}, &out)
	return out, err
}

// Start asks the host to start the proxy and waits for readiness on the
// server side.
func (c *Client) Start(ctx context.Context) (supervisor.Snapshot, error) {
	var out supervisor.Snapshot
	err := c.call(ctx, Request{Action: ActionStart}, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context) (supervisor.Snapshot, error) {
	var out supervisor.Snapshot
	err := c.call(ctx, Request{Action: ActionStop}, &out)
	return out, err
}

func (c *Client) ProxyURL(ctx context.Context, remote string, headers map[string]string) (string, error) {
	var out ProxyURLResult
	err := c.call(ctx, Request{Action: ActionProxyURL, Remote: remote, Headers: headers}, &out)
	return out.URL, err
}

func (c *Client) call(ctx context.Context, req Request, out any) error {
	if c.addr == "" {
		return fmt.Errorf("admin: addr required")
	}
	req.Token = c.token
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("admin: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.After(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		return err
	}

	respLine, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return err
	}
	var resp Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("admin: %s failed: %s", req.Action, strings.TrimSpace(resp.Error))
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return err
		}
	}
	return nil
}
