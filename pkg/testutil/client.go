package testutil

import (
	"testing"
	"time"

	"github.com/lightforgemedia/xybot-console/pkg/channel"
)

// NewTestClient creates a channel client for origin with a fast reconnect
// delay and the test logger. It is closed when the test ends.
func NewTestClient(t *testing.T, origin string, opts ...channel.Option) *channel.Client {
	t.Helper()
	all := append([]channel.Option{
		channel.WithLogger(DefaultLogger),
		channel.WithReconnect(5, 20*time.Millisecond),
		channel.WithDialTimeout(2 * time.Second),
	}, opts...)
	c, err := channel.New(origin, all...)
	if err != nil {
		t.Fatalf("Failed to create channel client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// WaitForState waits until c reaches state.
func WaitForState(t *testing.T, c *channel.Client, state channel.State, timeout time.Duration) error {
	t.Helper()
	return WaitFor(t, "channel state "+state.String(), timeout, func() bool {
		return c.State() == state
	})
}
