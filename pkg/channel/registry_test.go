package channel

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDispatchOrder(t *testing.T) {
	r := NewRegistry(testLogger)
	var calls []string
	r.On("status", func(json.RawMessage) error { calls = append(calls, "first"); return nil })
	r.On("status", func(json.RawMessage) error { calls = append(calls, "second"); return nil })
	r.On("other", func(json.RawMessage) error { calls = append(calls, "other"); return nil })

	n := r.Dispatch("status", json.RawMessage(`{}`))
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := NewRegistry(testLogger)
	count := 0
	h := func(json.RawMessage) error { count++; return nil }
	first := r.On("status", h)
	second := r.On("status", h)
	require.NotSame(t, first, second)

	r.Dispatch("status", nil)
	assert.Equal(t, 2, count, "each registration runs once per dispatch")

	r.Off("status", first)
	count = 0
	r.Dispatch("status", nil)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, r.Count("status"))
}

func TestRegistryOff(t *testing.T) {
	t.Run("all handlers", func(t *testing.T) {
		r := NewRegistry(testLogger)
		r.On("status", func(json.RawMessage) error { return nil })
		r.On("status", func(json.RawMessage) error { return nil })
		r.Off("status")
		assert.Equal(t, 0, r.Count("status"))
		assert.Equal(t, 0, r.Dispatch("status", nil))
	})

	t.Run("unknown subscription is ignored", func(t *testing.T) {
		r := NewRegistry(testLogger)
		r.On("status", func(json.RawMessage) error { return nil })
		other := NewRegistry(testLogger).On("status", func(json.RawMessage) error { return nil })
		r.Off("status", other, nil)
		assert.Equal(t, 1, r.Count("status"))
	})

	t.Run("unknown type is a no-op", func(t *testing.T) {
		r := NewRegistry(testLogger)
		assert.NotPanics(t, func() { r.Off("missing") })
	})
}

func TestRegistryNilHandler(t *testing.T) {
	r := NewRegistry(testLogger)
	assert.Nil(t, r.On("status", nil))
	assert.Equal(t, 0, r.Count("status"))
}

func TestRegistryHandlerFailuresAreIsolated(t *testing.T) {
	r := NewRegistry(testLogger)
	reached := false
	r.On("status", func(json.RawMessage) error { return errors.New("boom") })
	r.On("status", func(json.RawMessage) error { panic("handler exploded") })
	r.On("status", func(json.RawMessage) error { reached = true; return nil })

	assert.NotPanics(t, func() { r.Dispatch("status", nil) })
	assert.True(t, reached, "later handlers still run")
}

func TestRegistryChangesDuringDispatch(t *testing.T) {
	r := NewRegistry(testLogger)
	var calls []string
	var self *Subscription
	self = r.On("status", func(json.RawMessage) error {
		calls = append(calls, "self")
		r.Off("status", self)
		r.On("status", func(json.RawMessage) error { calls = append(calls, "late"); return nil })
		return nil
	})
	r.On("status", func(json.RawMessage) error { calls = append(calls, "second"); return nil })

	r.Dispatch("status", nil)
	assert.Equal(t, []string{"self", "second"}, calls, "changes apply from the next dispatch")

	calls = nil
	r.Dispatch("status", nil)
	assert.Equal(t, []string{"second", "late"}, calls)
}
