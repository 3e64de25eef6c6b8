package remote

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dshills/pathbus/internal/bus"
	"github.com/dshills/pathbus/internal/bus/path"
)

// Config configures a remote provider.
type Config struct {
	// URL is the websocket endpoint of the backend.
	URL string

	// Mount is the bus path the provider is attached at. Concrete
	// subscribed paths are <mount>/<resourceType>/<resourceId>.
	Mount path.Path

	// Logger receives provider diagnostics.
	Logger bus.Logger

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration

	// ReconnectMin and ReconnectMax bound the reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// OnStale is called with each live concrete path when the shared
	// connection drops: the local view of those resources may be
	// behind until the resubscribe completes. Consumers typically wire
	// this to Tracker.MarkStale.
	OnStale func(p path.Path)
}

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// resource is one live activation: a concrete path mapped onto the
// wire protocol's (resourceType, resourceId) pair.
type resource struct {
	path         path.Path
	resourceType string
	resourceID   string
}

// Provider multiplexes many concrete-path activations over one shared
// websocket connection. The connection opens lazily on the first
// activation and closes when the last activation is released; each
// activation translates to a subscribe_resource/unsubscribe_resource
// frame, and inbound resource_updated frames are published into the
// bus.
type Provider struct {
	config Config

	mu        sync.Mutex
	conn      *websocket.Conn
	gen       int // connection generation; invalidates stale read loops
	bus       *bus.Bus
	resources map[string]resource // keyed by canonical concrete path
	closed    bool
}

// New creates a remote provider. The connection is not opened until
// the first activation.
func New(config Config) (*Provider, error) {
	if config.URL == "" {
		return nil, ErrMissingURL
	}
	if config.Logger == nil {
		config.Logger = nopLogger{}
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.ReconnectMin <= 0 {
		config.ReconnectMin = 250 * time.Millisecond
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = 30 * time.Second
	}

	return &Provider{
		config:    config,
		resources: make(map[string]resource),
	}, nil
}

// Activate opens the shared connection if needed and sends a
// subscribe_resource frame for the activated path.
func (p *Provider) Activate(pctx bus.ProviderContext) error {
	res, err := p.resourceFor(pctx.Path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProviderClosed
	}

	if p.conn == nil {
		conn, _, err := p.config.Dialer.DialContext(pctx.Context, p.config.URL, nil)
		if err != nil {
			return fmt.Errorf("dialing %s: %w", p.config.URL, err)
		}
		p.conn = conn
		p.bus = pctx.Bus
		p.gen++
		go p.readLoop(conn, p.gen)
		p.config.Logger.Info("connected", "url", p.config.URL)
	}

	frame, err := encodeRequest(msgSubscribe, res.resourceType, res.resourceID, uuid.NewString())
	if err != nil {
		p.releaseLocked()
		return err
	}
	if err := p.writeLocked(frame); err != nil {
		p.releaseLocked()
		return fmt.Errorf("subscribing %s/%s: %w", res.resourceType, res.resourceID, err)
	}

	p.resources[pctx.Path.Canonical()] = res
	p.config.Logger.Debug("resource subscribed",
		"type", res.resourceType, "id", res.resourceID)
	return nil
}

// Deactivate sends an unsubscribe_resource frame and closes the shared
// connection when no activations remain. The write is best effort: the
// connection may already be gone.
func (p *Provider) Deactivate(pctx bus.ProviderContext) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := pctx.Path.Canonical()
	res, ok := p.resources[key]
	if !ok {
		return
	}
	delete(p.resources, key)

	if p.conn == nil {
		return
	}

	if frame, err := encodeRequest(msgUnsubscribe, res.resourceType, res.resourceID, uuid.NewString()); err == nil {
		if err := p.writeLocked(frame); err != nil {
			p.config.Logger.Warn("unsubscribe write failed",
				"type", res.resourceType, "id", res.resourceID, "error", err)
		}
	}
	p.config.Logger.Debug("resource unsubscribed",
		"type", res.resourceType, "id", res.resourceID)

	p.releaseLocked()
}

// Close shuts the provider down and drops the connection. Further
// activations fail with ErrProviderClosed.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.gen++
	p.resources = make(map[string]resource)
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	return nil
}

// Resources returns the canonical paths of the live activations.
// Diagnostics and testing only.
func (p *Provider) Resources() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, len(p.resources))
	for key := range p.resources {
		keys = append(keys, key)
	}
	return keys
}

// resourceFor maps a concrete subscribed path to its wire identity.
func (p *Provider) resourceFor(full path.Path) (resource, error) {
	if !full.HasPrefix(p.config.Mount) {
		return resource{}, ErrBadResourcePath
	}
	rel := full.Segments()[p.config.Mount.Len():]
	if len(rel) != 2 {
		return resource{}, ErrBadResourcePath
	}
	return resource{path: full, resourceType: rel[0], resourceID: rel[1]}, nil
}

// writeLocked sends one frame. Caller holds p.mu, which also satisfies
// the websocket package's single-writer requirement.
func (p *Provider) writeLocked(frame []byte) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.config.WriteTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

// releaseLocked closes the shared connection once no activations
// remain. Caller holds p.mu.
func (p *Provider) releaseLocked() {
	if len(p.resources) == 0 && p.conn != nil {
		p.gen++
		_ = p.conn.Close()
		p.conn = nil
		p.config.Logger.Info("disconnected", "url", p.config.URL)
	}
}

// readLoop pumps inbound frames from one connection into the bus. It
// exits when the connection dies or is superseded.
func (p *Provider) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.handleDisconnect(gen, err)
			return
		}

		m, err := decodeMessage(data)
		if err != nil {
			p.config.Logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if m.Type != msgUpdated {
			continue
		}

		full := p.config.Mount.Child(m.ResourceType).Child(m.ResourceID)

		p.mu.Lock()
		b := p.bus
		_, live := p.resources[full.Canonical()]
		p.mu.Unlock()

		// Updates for resources we no longer hold are dropped rather
		// than cached, keeping node creation bounded by activations.
		if b == nil || !live {
			continue
		}
		if err := b.Publish(full, m.Data); err != nil {
			p.config.Logger.Error("publish failed", "path", full.String(), "error", err)
		}
	}
}

// handleDisconnect reacts to a dead connection: live resources are
// flagged stale and the provider reconnects with capped exponential
// backoff, resubscribing everything still activated.
func (p *Provider) handleDisconnect(gen int, cause error) {
	p.mu.Lock()
	if p.closed || p.gen != gen {
		// Deliberate close or an already superseded connection.
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.gen++
	stale := make([]path.Path, 0, len(p.resources))
	for _, res := range p.resources {
		stale = append(stale, res.path)
	}
	p.mu.Unlock()

	p.config.Logger.Warn("connection lost", "url", p.config.URL, "error", cause)

	if p.config.OnStale != nil {
		for _, sp := range stale {
			p.config.OnStale(sp)
		}
	}

	p.reconnect()
}

// reconnect redials until it succeeds, the provider closes, or the
// last activation is released.
func (p *Provider) reconnect() {
	backoff := p.config.ReconnectMin
	for {
		p.mu.Lock()
		if p.closed || len(p.resources) == 0 || p.conn != nil {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		time.Sleep(backoff)
		if backoff *= 2; backoff > p.config.ReconnectMax {
			backoff = p.config.ReconnectMax
		}

		p.mu.Lock()
		if p.closed || len(p.resources) == 0 || p.conn != nil {
			p.mu.Unlock()
			return
		}
		conn, _, err := p.config.Dialer.Dial(p.config.URL, nil)
		if err != nil {
			p.mu.Unlock()
			p.config.Logger.Warn("reconnect failed", "url", p.config.URL, "error", err)
			continue
		}

		p.conn = conn
		p.gen++
		gen := p.gen
		for _, res := range p.resources {
			frame, err := encodeRequest(msgSubscribe, res.resourceType, res.resourceID, uuid.NewString())
			if err != nil {
				continue
			}
			if err := p.writeLocked(frame); err != nil {
				p.config.Logger.Warn("resubscribe write failed",
					"type", res.resourceType, "id", res.resourceID, "error", err)
			}
		}
		go p.readLoop(conn, gen)
		count := len(p.resources)
		p.mu.Unlock()

		p.config.Logger.Info("reconnected", "url", p.config.URL, "resources", count)
		return
	}
}

// Ensure Provider implements bus.Provider.
var _ bus.Provider = (*Provider)(nil)
