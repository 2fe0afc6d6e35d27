package channel

import (
	"encoding/json"
	"fmt"

	"github.com/lightforgemedia/xybot-console/pkg/wire"
)

// OnConnect registers fn for the connect lifecycle event.
func (c *Client) OnConnect(fn func(wire.ConnectionPayload)) *Subscription {
	return Subscribe(c, wire.EventConnect, func(p wire.ConnectionPayload) error {
		fn(p)
		return nil
	})
}

// OnDisconnect registers fn for the disconnect lifecycle event.
func (c *Client) OnDisconnect(fn func(wire.ConnectionPayload)) *Subscription {
	return Subscribe(c, wire.EventDisconnect, func(p wire.ConnectionPayload) error {
		fn(p)
		return nil
	})
}

// OnError registers fn for error events, raised both by the client on
// transport failures (Error set) and by the backend (Message set).
func (c *Client) OnError(fn func(wire.ErrorPayload)) *Subscription {
	return Subscribe(c, wire.EventError, func(p wire.ErrorPayload) error {
		fn(p)
		return nil
	})
}

// Subscribe registers fn for eventType, decoding each payload into T before
// the call. A payload that does not decode is reported as a handler error
// and fn is not called.
func Subscribe[T any](c *Client, eventType string, fn func(T) error) *Subscription {
	if fn == nil {
		return c.On(eventType, nil)
	}
	return c.On(eventType, func(payload json.RawMessage) error {
		var v T
		if err := wire.DecodePayload(payload, &v); err != nil {
			return fmt.Errorf("decode %q payload into %T: %w", eventType, v, err)
		}
		return fn(v)
	})
}
