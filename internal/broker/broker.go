// Package broker implements the connection state machine and server
// supervisor (spec components D and E): the per-client MQTT session
// lifecycle, and the accept-loop/registry/auth-hooks/events that own it.
package broker

import (
	"maps"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mistbroker/mist/internal/bus"
	"github.com/mistbroker/mist/internal/logger"
	"github.com/mistbroker/mist/internal/store"
)

// AuthHooks are the three pluggable, default-allow authorization
// callbacks spec.md §6 names. auth.Store implements this interface.
type AuthHooks interface {
	Authenticate(clientID, username, password string) (bool, error)
	AuthorizePublish(clientID, topic string, payload []byte) (bool, error)
	AuthorizeSubscribe(clientID, filter string) (bool, error)
}

type allowAllHooks struct{}

func (allowAllHooks) Authenticate(clientID, username, password string) (bool, error) { return true, nil }
func (allowAllHooks) AuthorizePublish(clientID, topic string, payload []byte) (bool, error) {
	return true, nil
}
func (allowAllHooks) AuthorizeSubscribe(clientID, filter string) (bool, error) { return true, nil }

// EventKind names the events spec.md §6 lists.
type EventKind string

const (
	EventReady              EventKind = "ready"
	EventClosed             EventKind = "closed"
	EventError              EventKind = "error"
	EventClientConnected    EventKind = "clientConnected"
	EventClientDisconnected EventKind = "clientDisconnected"
	EventPublished          EventKind = "published"
)

// Event is the payload delivered on Broker.Events().
type Event struct {
	Kind    EventKind
	Session *Session
	Packet  *store.Packet
	Err     error
}

type registry map[string]*Conn

// Broker is the server supervisor (component E): accept loop, client
// registry keyed by client id, auth hooks, and event emission. The
// registry itself keeps the teacher's copy-on-write atomic.Value map so
// shutdown can snapshot it without locking out new connections.
type Broker struct {
	sessions atomic.Value // registry
	mu       sync.Mutex   // serializes registry swaps

	Store            store.Store
	Bus              bus.Bus
	Hooks            AuthHooks
	MaxConnections   int
	BaseRetryTimeout time.Duration

	currentConnections atomic.Int32
	closing            atomic.Bool

	events chan Event
	log    *logger.Logger
}

// Config bundles the dependencies New needs to assemble a Broker.
type Config struct {
	Store            store.Store
	Bus              bus.Bus
	Hooks            AuthHooks
	MaxConnections   int
	BaseRetryTimeout time.Duration
}

// New assembles a Broker. If cfg.Hooks is nil, every hook default-allows,
// matching spec.md §6.
func New(cfg Config) *Broker {
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = allowAllHooks{}
	}

	b := &Broker{
		Store:            cfg.Store,
		Bus:              cfg.Bus,
		Hooks:            hooks,
		MaxConnections:   cfg.MaxConnections,
		BaseRetryTimeout: cfg.BaseRetryTimeout,
		events:           make(chan Event, 256),
		log:              logger.NewMQTTLogger("broker"),
	}
	b.sessions.Store(make(registry))
	return b
}

// Events returns the channel events are emitted on. Emission never blocks
// the caller that triggered it: a full channel drops the event and logs a
// warning rather than stalling a client's goroutine.
func (b *Broker) Events() <-chan Event {
	return b.events
}

// Closing reports whether Shutdown has been called, so transport's accept
// loop can distinguish a deliberate listener close from an accept error.
func (b *Broker) Closing() bool {
	return b.closing.Load()
}

func (b *Broker) emit(e Event) {
	select {
	case b.events <- e:
	default:
		b.log.Warn("event channel full, dropping event", logger.String("kind", string(e.Kind)))
	}
}

// Ready emits the ready event; transport calls it once its listener is
// bound, so "ready" reflects the listening socket rather than the broker
// value's construction.
func (b *Broker) Ready() {
	b.emit(Event{Kind: EventReady})
	b.log.Info("broker ready")
}

// TryAdmit reserves a connection slot against MaxConnections. Transport
// calls it for every accepted net.Conn before handing it to HandleConn; a
// false result means the caller should reject and close the connection.
func (b *Broker) TryAdmit() bool {
	if b.MaxConnections <= 0 {
		return true
	}
	if b.currentConnections.Add(1) > int32(b.MaxConnections) {
		b.currentConnections.Add(-1)
		return false
	}
	return true
}

// HandleConn runs the connection state machine for an already-admitted
// net.Conn until it closes. Transport owns the listener and byte framing
// hand-off; HandleConn owns everything past "here is a raw packet".
func (b *Broker) HandleConn(netConn net.Conn) {
	defer b.currentConnections.Add(-1)

	c := newConn(b, netConn)
	c.run()
}

// register adds a connection to the registry, displacing and closing any
// prior live session for the same client id (spec.md §3: "a client-id has
// at most one live connection").
func (b *Broker) register(clientID string, c *Conn) {
	b.mu.Lock()
	current := b.sessions.Load().(registry)
	if prior, ok := current[clientID]; ok && prior != c {
		prior.closeDisplaced()
	}

	updated := make(registry, len(current)+1)
	maps.Copy(updated, current)
	updated[clientID] = c
	b.sessions.Store(updated)
	b.mu.Unlock()
}

// lookup returns the live connection registered for clientID, if any.
func (b *Broker) lookup(clientID string) (*Conn, bool) {
	current := b.sessions.Load().(registry)
	c, ok := current[clientID]
	return c, ok
}

// unregister removes a connection from the registry, but only if it is
// still the one registered (a newer connection may have already displaced
// it, per spec.md §4.4 step 3).
func (b *Broker) unregister(clientID string, c *Conn) {
	b.mu.Lock()
	current := b.sessions.Load().(registry)
	if current[clientID] != c {
		b.mu.Unlock()
		return
	}
	updated := make(registry, len(current))
	maps.Copy(updated, current)
	delete(updated, clientID)
	b.sessions.Store(updated)
	b.mu.Unlock()
}

// Shutdown closes every live connection in parallel, then the bus and
// persistence, and emits closed — spec.md §4.5. The listener is not
// touched here; transport's Stop closes it.
func (b *Broker) Shutdown() error {
	b.closing.Store(true)

	current := b.sessions.Load().(registry)
	var wg sync.WaitGroup
	for _, c := range current {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.closeGraceful()
		}(c)
	}
	wg.Wait()

	if b.Bus != nil {
		b.Bus.Close()
	}
	if b.Store != nil {
		b.Store.Close()
	}

	b.emit(Event{Kind: EventClosed})
	close(b.events)
	return nil
}
