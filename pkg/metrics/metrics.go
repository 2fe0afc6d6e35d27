// Package metrics exposes Prometheus metrics for channel clients.
//
// A Collector owns its registry so several can coexist in one process and in
// tests. Watch follows a client's state feed; CountEvents counts inbound
// events of the given types.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/lightforgemedia/xybot-console/pkg/channel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xybot"

var states = []channel.State{
	channel.StateIdle,
	channel.StateConnecting,
	channel.StateOpen,
	channel.StateRetrying,
	channel.StateGivenUp,
}

// Collector holds the channel metrics and the registry they live in.
type Collector struct {
	registry *prometheus.Registry

	state    *prometheus.GaugeVec
	attempts prometheus.Gauge
	opens    prometheus.Counter
	closures prometheus.Counter
	retries  prometheus.Counter
	giveUps  prometheus.Counter
	events   *prometheus.CounterVec
}

// New returns a Collector with Go runtime and process collectors
// registered alongside the channel metrics.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "state",
				Help:      "Current channel state (1 for the active state, 0 otherwise)",
			},
			[]string{"state"},
		),
		attempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "reconnect_attempts",
			Help:      "Reconnect attempts since the channel was last open",
		}),
		opens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "opens_total",
			Help:      "Total number of times the channel opened",
		}),
		closures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "closures_total",
			Help:      "Total number of times an open channel closed",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "retries_total",
			Help:      "Total number of reconnects scheduled",
		}),
		giveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "give_ups_total",
			Help:      "Total number of times reconnecting was abandoned",
		}),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "events_total",
				Help:      "Total number of events dispatched by type",
			},
			[]string{"type"},
		),
	}
	c.registry.MustRegister(
		c.state, c.attempts, c.opens, c.closures, c.retries, c.giveUps, c.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.setState(channel.StateIdle)
	return c
}

// Registry returns the registry, for registering additional metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Watch records cl's state transitions until ctx is done or the client is
// closed. It returns immediately.
func (c *Collector) Watch(ctx context.Context, cl *channel.Client) {
	c.setState(cl.State())
	changes := cl.StateChanges(ctx)
	go func() {
		for change := range changes {
			c.Observe(change)
		}
	}()
}

// Observe records one state transition.
func (c *Collector) Observe(change channel.StateChange) {
	c.setState(change.To)
	c.attempts.Set(float64(change.Retries))
	switch {
	case change.To == channel.StateOpen:
		c.opens.Inc()
	case change.From == channel.StateOpen:
		c.closures.Inc()
	}
	switch change.To {
	case channel.StateRetrying:
		c.retries.Inc()
	case channel.StateGivenUp:
		c.giveUps.Inc()
	}
}

// CountEvents counts inbound events of the given types on cl.
func (c *Collector) CountEvents(cl *channel.Client, eventTypes ...string) []*channel.Subscription {
	subs := make([]*channel.Subscription, 0, len(eventTypes))
	for _, eventType := range eventTypes {
		counter := c.events.WithLabelValues(eventType)
		subs = append(subs, cl.On(eventType, func(json.RawMessage) error {
			counter.Inc()
			return nil
		}))
	}
	return subs
}

func (c *Collector) setState(active channel.State) {
	for _, s := range states {
		v := 0.0
		if s == active {
			v = 1
		}
		c.state.WithLabelValues(s.String()).Set(v)
	}
}
