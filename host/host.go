// Package host supervises the gateway's long-running components: it
// starts them in registration order, tracks their states for the health
// surface, and on shutdown cancels them in reverse order with a grace
// period each.
package host

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is a component's lifecycle state.
type State string

const (
	StateUnknown   State = "Unknown"
	StateRunning   State = "Running"
	StateStopped   State = "Stopped"
	StateCancelled State = "Cancelled"
)

// RunFunc is a component body; it blocks until its context ends.
type RunFunc func(ctx context.Context) error

// Config bounds the host.
type Config struct {
	// StopGrace is how long each component gets to exit on shutdown.
	StopGrace time.Duration `yaml:"stopGrace"`
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type component struct {
	name   string
	run    RunFunc
	cancel context.CancelFunc
	done   chan struct{}
}

// Host runs registered components.
type Host struct {
	cfg Config

	mu         sync.Mutex
	components []*component
	states     map[string]State
	started    bool
}

func New(cfg Config) *Host {
	cfg.defaults()
	return &Host{cfg: cfg, states: make(map[string]State)}
}

// Add registers a component. Registration order is start order; shutdown
// runs in reverse. Must be called before Run.
func (h *Host) Add(name string, run RunFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		panic("host: Add after Run")
	}
	h.components = append(h.components, &component{name: name, run: run, done: make(chan struct{})})
	h.states[name] = StateUnknown
}

// Statuses reports every component's current state.
func (h *Host) Statuses() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.states))
	for name, st := range h.states {
		out[name] = string(st)
	}
	return out
}

func (h *Host) setState(name string, st State) {
	h.mu.Lock()
	h.states[name] = st
	h.mu.Unlock()
}

// Run starts every component and blocks until ctx ends, then shuts the
// components down in reverse order.
func (h *Host) Run(ctx context.Context) error {
	h.mu.Lock()
	h.started = true
	comps := h.components
	h.mu.Unlock()

	for _, c := range comps {
		cctx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		h.setState(c.name, StateRunning)
		h.cfg.Logger.Info("host: component started", "component", c.name)
		go func(c *component, cctx context.Context) {
			defer close(c.done)
			err := c.run(cctx)
			switch {
			case errors.Is(err, context.Canceled):
				h.setState(c.name, StateCancelled)
			case err != nil:
				h.setState(c.name, StateStopped)
				h.cfg.Logger.Error("host: component failed", "component", c.name, "error", err)
			default:
				h.setState(c.name, StateStopped)
			}
		}(c, cctx)
	}

	<-ctx.Done()
	h.shutdown(comps)
	return ctx.Err()
}

// shutdown cancels components newest-first and waits up to the grace
// period for each.
func (h *Host) shutdown(comps []*component) {
	for i := len(comps) - 1; i >= 0; i-- {
		c := comps[i]
		c.cancel()
		select {
		case <-c.done:
			h.cfg.Logger.Info("host: component stopped", "component", c.name)
		case <-time.After(h.cfg.StopGrace):
			h.cfg.Logger.Warn("host: component did not stop in time", "component", c.name)
		}
	}
}
