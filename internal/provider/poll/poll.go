// Package poll implements a bus provider that periodically fetches
// values from a process-local source.
//
// Each activated concrete path gets its own fetch loop, started by
// Activate and stopped when the activation context is cancelled on
// deactivation. The loop publishes every fetched value to the
// activated path.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/pathbus/internal/bus"
	"github.com/dshills/pathbus/internal/bus/path"
)

// ErrNilFetch is returned when no fetch function is provided.
var ErrNilFetch = errors.New("fetch function cannot be nil")

// Fetch produces the current value for a concrete path.
type Fetch func(ctx context.Context, p path.Path) (any, error)

// Provider polls a fetch function on a fixed interval for every
// activated concrete path.
type Provider struct {
	interval time.Duration
	fetch    Fetch
	logger   bus.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider logger.
func WithLogger(l bus.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// New creates a polling provider. Non-positive intervals default to
// one second.
func New(interval time.Duration, fetch Fetch, opts ...Option) (*Provider, error) {
	if fetch == nil {
		return nil, ErrNilFetch
	}
	if interval <= 0 {
		interval = time.Second
	}

	p := &Provider{
		interval: interval,
		fetch:    fetch,
		logger:   nopLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Activate fetches once synchronously so the first subscriber gets a
// value promptly, then starts the interval loop. The loop stops when
// the activation context is cancelled.
func (p *Provider) Activate(pctx bus.ProviderContext) error {
	value, err := p.fetch(pctx.Context, pctx.Path)
	if err != nil {
		return err
	}
	if err := pctx.Bus.Publish(pctx.Path, value); err != nil {
		return err
	}

	go p.loop(pctx)
	return nil
}

// Deactivate is driven entirely by the context cancellation.
func (p *Provider) Deactivate(bus.ProviderContext) {}

func (p *Provider) loop(pctx bus.ProviderContext) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pctx.Context.Done():
			return
		case <-ticker.C:
			value, err := p.fetch(pctx.Context, pctx.Path)
			if err != nil {
				p.logger.Warn("fetch failed", "path", pctx.Path.String(), "error", err)
				continue
			}
			if err := pctx.Bus.Publish(pctx.Path, value); err != nil {
				if errors.Is(err, bus.ErrBusClosed) {
					return
				}
				p.logger.Error("publish failed", "path", pctx.Path.String(), "error", err)
			}
		}
	}
}

// Ensure Provider implements bus.Provider.
var _ bus.Provider = (*Provider)(nil)
