// Package crossserver implements the Cross-Server Client (spec.md §4.9,
// component C9): the server-to-server call path used for fan-out broadcasts
// between peer zone servers. It reuses multiplex.Multiplexer wholesale —
// the same at-most-one-Connection-per-server_id invariant, the same
// reconnect/backoff machinery — but keys by host:port directly (the caller
// already knows its target, obtained from the host platform's registry) and
// adds idle reaping, since cross-server peers come and go far more loosely
// than the fixed backend set a C7 multiplexer usually serves. Grounded on
// the teacher's client/pool.Pool plus a bespoke idle-sweep loop; the teacher
// has no idle-reap precedent, so that loop follows the teacher's own
// health.go ticker-loop shape instead.
package crossserver

import (
	"fmt"
	"time"

	basesync "github.com/gostdlib/base/concurrency/sync"
	gstdctx "github.com/gostdlib/base/context"
	"github.com/google/uuid"

	"github.com/granville/rpc/endpoint"
	"github.com/granville/rpc/grainref"
	"github.com/granville/rpc/multiplex"
	"github.com/granville/rpc/transport"
	"github.com/granville/rpc/wire"
)

const (
	// DefaultIdleTimeout reaps a peer Connection unused for this long
	// (spec.md §4.9, default 5 min).
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultFanoutTimeout bounds one fan-out call so a slow peer never
	// blocks the caller (spec.md §4.9, default 5 s).
	DefaultFanoutTimeout = 5 * time.Second
	// idleSweepInterval is how often the reaper scans for idle peers.
	idleSweepInterval = 30 * time.Second
)

// Client is the C9 Cross-Server Client: a Multiplexer addressed by
// host:port, with idle reaping instead of a health-driven descriptor set.
type Client struct {
	mux         *multiplex.Multiplexer
	idleTimeout time.Duration
	lastUsed    lastUsedMap
	closed      chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.idleTimeout = d }
}

// New creates a cross-server Client dialing over tr.
func New(tr transport.Transport, localID uuid.UUID, manifest *wire.ManifestTable, handler endpoint.RequestHandler, opts ...Option) *Client {
	c := &Client{
		mux:         multiplex.New(tr, localID, manifest, handler),
		idleTimeout: DefaultIdleTimeout,
		lastUsed:    newLastUsedMap(),
		closed:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start launches the idle-reaper background loop.
func (c *Client) Start(ctx gstdctx.Context) {
	pool := gstdctx.Pool(ctx)
	pool.Submit(ctx, func() { c.reapLoop(ctx) })
}

// peerKey is host:port, bypassing zone routing entirely — the caller names
// the target directly (spec.md §4.9).
func peerKey(host string, port int) string { return fmt.Sprintf("%s:%d", host, port) }

// connection acquires (dialing if necessary) the Connection to host:port
// and records it as just-used for idle-reaping purposes.
func (c *Client) connection(ctx gstdctx.Context, host string, port int) (*endpoint.Connection, error) {
	key := peerKey(host, port)
	if _, ok := c.mux.Descriptor(key); !ok {
		c.mux.Register(ctx, multiplex.ServerDescriptor{ServerID: key, Host: host, Port: port, IsPrimary: true})
	}
	conn, err := c.mux.Connection(ctx, key)
	if err != nil {
		return nil, err
	}
	c.lastUsed.touch(key)
	return conn, nil
}

// Call performs one bounded two-way call to host:port, enforcing
// DefaultFanoutTimeout unless the caller's context already carries a
// shorter deadline.
func (c *Client) Call(ctx gstdctx.Context, host string, port int, grainID grainref.GrainId, interfaceID uint32, methodIndex uint16, args []byte, mode wire.DeliveryMode) (endpoint.Result, error) {
	conn, err := c.connection(ctx, host, port)
	if err != nil {
		return endpoint.Result{}, err
	}
	return conn.SendRequest(ctx, grainID.Encode(), interfaceID, methodIndex, args, mode, DefaultFanoutTimeout)
}

// FanoutResult is one peer's outcome from Fanout.
type FanoutResult struct {
	Host string
	Port int
	Err  error
}

// Peer names one cross-server fan-out target.
type Peer struct {
	Host string
	Port int
}

// Fanout sends a OneWay call to every peer concurrently, each bounded by
// DefaultFanoutTimeout, so one unreachable peer cannot block delivery to the
// rest (spec.md §4.9 scenario 6). Failures are returned per-peer, never as a
// single aggregate error — callers that want "log and ignore" semantics can
// discard the returned slice's errors.
func (c *Client) Fanout(ctx gstdctx.Context, peers []Peer, grainID grainref.GrainId, interfaceID uint32, methodIndex uint16, args []byte) []FanoutResult {
	results := make([]FanoutResult, len(peers))
	done := make(chan int, len(peers))

	for i, p := range peers {
		i, p := i, p
		pool := gstdctx.Pool(ctx)
		pool.Submit(ctx, func() {
			callCtx, cancel := gstdctx.WithTimeout(ctx, DefaultFanoutTimeout)
			defer cancel()
			conn, err := c.connection(callCtx, p.Host, p.Port)
			if err == nil {
				err = conn.SendOneWay(callCtx, grainID.Encode(), interfaceID, methodIndex, args, wire.Unreliable)
			}
			results[i] = FanoutResult{Host: p.Host, Port: p.Port, Err: err}
			done <- i
		})
	}

	for range peers {
		select {
		case <-done:
		case <-ctx.Done():
			return results
		}
	}
	return results
}

// reapLoop periodically closes Connections idle beyond idleTimeout.
func (c *Client) reapLoop(ctx gstdctx.Context) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reapIdle(ctx)
		}
	}
}

func (c *Client) reapIdle(ctx gstdctx.Context) {
	for _, desc := range c.mux.Descriptors() {
		last, ok := c.lastUsed.get(desc.ServerID)
		if !ok {
			continue
		}
		if time.Since(last) > c.idleTimeout {
			c.mux.Unregister(ctx, desc.ServerID)
			c.lastUsed.delete(desc.ServerID)
		}
	}
}

// Close shuts down the cross-server client and all peer Connections.
func (c *Client) Close(ctx gstdctx.Context) error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	return c.mux.Close(ctx)
}

// lastUsedMap tracks per-peer last-use timestamps for the idle reaper.
type lastUsedMap struct {
	mu basesync.Mutex
	m  map[string]time.Time
}

func newLastUsedMap() lastUsedMap { return lastUsedMap{m: make(map[string]time.Time)} }

func (l *lastUsedMap) touch(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m[key] = time.Now()
}

func (l *lastUsedMap) get(key string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.m[key]
	return t, ok
}

func (l *lastUsedMap) delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, key)
}
