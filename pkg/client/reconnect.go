package client

import (
	"context"
	"fmt"
	"net"
	"time"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Reconnect closes the current connection, if any, and dials the relay
// address again with exponential backoff until it succeeds or ctx ends.
// The registered identity is kept: ids live on the relay, not the socket.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	backoff := initialBackoff
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err == nil {
			c.conn = conn
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to reconnect to relay %s: %w", c.addr, err)
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
