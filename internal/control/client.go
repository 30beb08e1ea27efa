// Package control talks to the guest's control endpoint over the
// unix socket that the guest-socket bridge exposes on the host.
//
// Each exchange is one request and one response on a fresh connection:
// a minimal HTTP/1.0 request with no body, followed by reading until the
// guest closes the connection.
package control

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Endpoint paths served by the guest.
const (
	PathReady         = "/ready"
	PathShutdown      = "/shutdown"
	PathSpawnTerminal = "/spawn-terminal"
)

// DefaultInterval spaces readiness polls.
const DefaultInterval = 500 * time.Millisecond

// Client issues control requests.
type Client struct {
	// Interval between readiness polls. Zero means DefaultInterval.
	Interval time.Duration

	// Timeout bounds a single exchange. Zero means no bound beyond the
	// caller's context.
	Timeout time.Duration

	// Logger receives debug output for swallowed errors. If nil,
	// slog.Default() is used.
	Logger *slog.Logger
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) interval() time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	return DefaultInterval
}

// FormatRequest renders the request bytes for method and path.
func FormatRequest(method, path string) string {
	return fmt.Sprintf("%s %s HTTP/1.0\r\nHost: localhost\r\nContent-Length: 0\r\n\r\n", method, path)
}

// Do performs one exchange and returns the full response text.
func (c *Client) Do(ctx context.Context, socket, method, path string) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socket)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := io.WriteString(conn, FormatRequest(method, path)); err != nil {
		return "", fmt.Errorf("write request: %w", err)
	}

	response, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return strings.ToValidUTF8(string(response), "\uFFFD"), nil
}

// Ready reports whether the guest answered /ready with a 200.
func (c *Client) Ready(ctx context.Context, socket string) bool {
	response, err := c.Do(ctx, socket, "GET", PathReady)
	if err != nil {
		return false
	}
	return strings.Contains(response, "200")
}

// WaitReady polls /ready until the guest is ready or ctx is done.
// Connection failures are expected while the guest boots and are not
// reported.
func (c *Client) WaitReady(ctx context.Context, socket string) error {
	interval := c.interval()
	for {
		if c.Ready(ctx, socket) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// RequestShutdown asks the guest to power off. Errors are dropped: the
// hypervisor exiting is what confirms the shutdown.
func (c *Client) RequestShutdown(ctx context.Context, socket string) {
	if _, err := c.Do(ctx, socket, "POST", PathShutdown); err != nil {
		c.logger().Debug("shutdown request not delivered", "socket", socket, "error", err)
	}
}

// RequestTerminal asks the guest to open a terminal window. Errors are dropped.
func (c *Client) RequestTerminal(ctx context.Context, socket string) {
	if _, err := c.Do(ctx, socket, "POST", PathSpawnTerminal); err != nil {
		c.logger().Debug("terminal request not delivered", "socket", socket, "error", err)
	}
}
