// Package multiplex implements the Client Multiplexer (spec.md §4.7,
// component C7): a server_id-keyed map of Connections, eager/lazy connect,
// a periodic health monitor, and reconnection with capped exponential
// backoff. It is grounded on the teacher's rpc/client/pool package
// (pool.go/subconn.go/health.go), generalized from the teacher's
// resolver-driven address list to this runtime's explicit ServerDescriptor
// registration (spec.md §3: descriptors are created by the embedder when a
// server is discovered, not resolved from a DNS-style target).
package multiplex

import (
	"fmt"
	"time"

	basesync "github.com/gostdlib/base/concurrency/sync"
	gstdctx "github.com/gostdlib/base/context"
	"github.com/gostdlib/base/retry/exponential"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/granville/rpc/endpoint"
	granerrors "github.com/granville/rpc/errors"
	"github.com/granville/rpc/transport"
	"github.com/granville/rpc/wire"
)

// Health mirrors spec.md §3's ServerDescriptor.health enum.
type Health uint8

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
	HealthOffline
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	case HealthOffline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// ServerDescriptor is the identity of an RPC server (spec.md §3).
type ServerDescriptor struct {
	ServerID        string
	Host            string
	Port            int
	Metadata        map[string]string
	IsPrimary       bool
	Health          Health
	LastHealthCheck time.Time
}

// Addr returns the host:port this descriptor's Connection dials.
func (d ServerDescriptor) Addr() string { return fmt.Sprintf("%s:%d", d.Host, d.Port) }

const (
	// DefaultHealthCheckInterval is the health monitor's probe cadence
	// (spec.md §8: "Health-check cadence 30 s").
	DefaultHealthCheckInterval = 30 * time.Second
	// DefaultReconnectBackoffBase and Cap bound reconnection backoff
	// (spec.md §8: "Reconnect backoff base 2 s (cap 60 s)").
	DefaultReconnectBackoffBase = 2 * time.Second
	DefaultReconnectBackoffCap  = 60 * time.Second
)

// config holds Multiplexer construction options, the teacher's functional
// options idiom (client/pool.Option). It carries every spec.md §6 timeout
// knob (call_timeout_ms, connect_timeout_ms, heartbeat_interval_ms,
// health_check_interval_ms, reconnect_backoff_base_ms,
// reconnect_backoff_cap_ms) so an embedder can configure them in one place
// rather than separately on every endpoint.Connection.
type config struct {
	eagerConnect         bool
	callTimeout          time.Duration
	connectTimeout       time.Duration
	heartbeatInterval    time.Duration
	healthCheckInterval  time.Duration
	reconnectBackoffBase time.Duration
	reconnectBackoffCap  time.Duration
	autoRemoveUnhealthy  bool
	unhealthyThreshold   int
}

func defaultConfig() *config {
	return &config{
		callTimeout:          endpoint.DefaultCallTimeout,
		connectTimeout:       endpoint.DefaultConnectTimeout,
		heartbeatInterval:    endpoint.DefaultHeartbeatInterval,
		healthCheckInterval:  DefaultHealthCheckInterval,
		reconnectBackoffBase: DefaultReconnectBackoffBase,
		reconnectBackoffCap:  DefaultReconnectBackoffCap,
		autoRemoveUnhealthy:  false,
		unhealthyThreshold:   3,
	}
}

// Option configures a Multiplexer.
type Option func(*config)

// WithEagerConnect dials a Connection as soon as a ServerDescriptor is
// registered, rather than on first use (spec.md §6 "eager_connect").
func WithEagerConnect(b bool) Option { return func(c *config) { c.eagerConnect = b } }

// WithCallTimeout overrides the per-call deadline applied to calls that
// don't set an explicit one, on every Connection this Multiplexer dials.
func WithCallTimeout(d time.Duration) Option { return func(c *config) { c.callTimeout = d } }

// WithConnectTimeout overrides how long dial() waits for a fresh Connection
// to complete its handshake before treating it as failed.
func WithConnectTimeout(d time.Duration) Option { return func(c *config) { c.connectTimeout = d } }

// WithHeartbeatInterval overrides the heartbeat loop's send cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *config) { c.heartbeatInterval = d }
}

// WithHealthCheckInterval overrides the health monitor's grading cadence.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(c *config) { c.healthCheckInterval = d }
}

// WithReconnectBackoff overrides the base and cap of the reconnect loop's
// capped exponential backoff (spec.md §4.7: "2 s × 2^n, max 60 s").
func WithReconnectBackoff(base, maxCap time.Duration) Option {
	return func(c *config) { c.reconnectBackoffBase = base; c.reconnectBackoffCap = maxCap }
}

// WithAutoRemoveUnhealthy enables removing descriptors that remain Offline
// once threshold consecutive reconnect dials have failed (spec.md §4.7,
// default disabled); the health check that finds this unregisters them.
func WithAutoRemoveUnhealthy(threshold int) Option {
	return func(c *config) { c.autoRemoveUnhealthy = true; c.unhealthyThreshold = threshold }
}

// entry tracks one server_id's Connection plus reconnection bookkeeping.
type entry struct {
	desc ServerDescriptor

	mu               basesync.Mutex
	conn             *endpoint.Connection
	bridge           *endpoint.Bridge
	consecutiveFails int
	backoff          *exponential.Backoff
}

// Multiplexer is the C7 Client Multiplexer: at most one Connection per
// server_id, routing-agnostic (routing strategies in package zone consult
// it), with a background health monitor and reconnect loop.
type Multiplexer struct {
	tr       transport.Transport
	localID  uuid.UUID
	manifest *wire.ManifestTable
	handler  endpoint.RequestHandler
	cfg      *config

	mu      basesync.Mutex
	entries map[string]*entry

	sf     singleflight.Group
	closed chan struct{}
}

// New creates a Multiplexer dialing over tr. manifest is this client's own
// manifest, exchanged with every server it connects to; handler answers
// inbound Requests from servers, if any (typically nil for a pure client).
func New(tr transport.Transport, localID uuid.UUID, manifest *wire.ManifestTable, handler endpoint.RequestHandler, opts ...Option) *Multiplexer {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	m := &Multiplexer{
		tr:       tr,
		localID:  localID,
		manifest: manifest,
		handler:  handler,
		cfg:      cfg,
		entries:  make(map[string]*entry),
		closed:   make(chan struct{}),
	}
	return m
}

// Start launches the background heartbeat and health-check loops. Callers
// that never need health transitions (e.g. tests dialing a single fixed
// server) may skip it.
func (m *Multiplexer) Start(ctx gstdctx.Context) {
	pool := gstdctx.Pool(ctx)
	pool.Submit(ctx, func() { m.heartbeatLoop(ctx) })
	pool.Submit(ctx, func() { m.healthCheckLoop(ctx) })
}

// Register adds or replaces a ServerDescriptor. If WithEagerConnect was set,
// a Connection attempt begins immediately; otherwise it is deferred to first
// use via Connection.
func (m *Multiplexer) Register(ctx gstdctx.Context, desc ServerDescriptor) {
	m.mu.Lock()
	e, ok := m.entries[desc.ServerID]
	if !ok {
		policy := exponential.Policy{
			InitialInterval: m.cfg.reconnectBackoffBase,
			Multiplier:      2,
			MaxInterval:     m.cfg.reconnectBackoffCap,
		}
		backoff, _ := exponential.New(exponential.WithPolicy(policy))
		e = &entry{desc: desc, backoff: backoff}
		m.entries[desc.ServerID] = e
	} else {
		e.mu.Lock()
		e.desc = desc
		e.mu.Unlock()
	}
	m.mu.Unlock()

	if m.cfg.eagerConnect {
		pool := gstdctx.Pool(ctx)
		pool.Submit(ctx, func() {
			m.Connection(ctx, desc.ServerID)
		})
	}
}

// Unregister removes a ServerDescriptor and closes its Connection, if any.
func (m *Multiplexer) Unregister(ctx gstdctx.Context, serverID string) {
	m.mu.Lock()
	e, ok := m.entries[serverID]
	delete(m.entries, serverID)
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()
	if conn != nil {
		conn.Close(ctx)
	}
}

// Descriptors returns a snapshot of all registered ServerDescriptors,
// consulted by routing strategies (package zone).
func (m *Multiplexer) Descriptors() []ServerDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerDescriptor, 0, len(m.entries))
	for _, e := range m.entries {
		e.mu.Lock()
		out = append(out, e.desc)
		e.mu.Unlock()
	}
	return out
}

// Descriptor returns one registered ServerDescriptor by id.
func (m *Multiplexer) Descriptor(serverID string) (ServerDescriptor, bool) {
	m.mu.Lock()
	e, ok := m.entries[serverID]
	m.mu.Unlock()
	if !ok {
		return ServerDescriptor{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.desc, true
}

// Connection returns the live Connection for server_id, dialing it if
// necessary. Concurrent callers requesting the same server_id share one
// in-flight dial (spec.md §4.7: "internal connection setup is single-flight
// per server_id").
func (m *Multiplexer) Connection(ctx gstdctx.Context, serverID string) (*endpoint.Connection, error) {
	m.mu.Lock()
	e, ok := m.entries[serverID]
	m.mu.Unlock()
	if !ok {
		return nil, granerrors.E(granerrors.CatRouting, fmt.Errorf("multiplex: server %q not registered", serverID))
	}

	if e.desc.Health == HealthOffline {
		return nil, granerrors.E(granerrors.CatRouting, fmt.Errorf("multiplex: server %q is offline", serverID))
	}

	e.mu.Lock()
	if e.conn != nil && e.conn.State() == endpoint.Connected {
		conn := e.conn
		e.mu.Unlock()
		return conn, nil
	}
	e.mu.Unlock()

	v, err, _ := m.sf.Do(serverID, func() (any, error) {
		return m.dial(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return v.(*endpoint.Connection), nil
}

// dial opens a fresh Connection to e's address, replacing any stale one.
func (m *Multiplexer) dial(ctx gstdctx.Context, e *entry) (*endpoint.Connection, error) {
	e.mu.Lock()
	if e.conn != nil && e.conn.State() == endpoint.Connected {
		conn := e.conn
		e.mu.Unlock()
		return conn, nil
	}
	addr := e.desc.Addr()
	e.mu.Unlock()

	connCh := make(chan *endpoint.Connection, 1)
	bridge := endpoint.NewBridge(m.localID, wire.RoleClient, m.manifest, m.handler, func(c *endpoint.Connection) {
		connCh <- c
	}, endpoint.WithCallTimeout(m.cfg.callTimeout), endpoint.WithHeartbeatInterval(m.cfg.heartbeatInterval))

	if _, err := m.tr.Connect(ctx, addr, bridge); err != nil {
		e.mu.Lock()
		e.consecutiveFails++
		e.mu.Unlock()
		return nil, granerrors.E(granerrors.CatTransport, fmt.Errorf("multiplex: dial %s: %w", addr, err))
	}

	var conn *endpoint.Connection
	select {
	case conn = <-connCh:
	case <-ctx.Done():
		return nil, granerrors.E(granerrors.CatCanceled, ctx.Err())
	}

	deadline := time.Now().Add(m.cfg.connectTimeout)
	for conn.State() != endpoint.Connected {
		if conn.State() == endpoint.Failed {
			e.mu.Lock()
			e.consecutiveFails++
			e.mu.Unlock()
			return nil, granerrors.E(granerrors.CatTransport, fmt.Errorf("multiplex: connection to %s failed during handshake", addr))
		}
		if time.Now().After(deadline) {
			return nil, granerrors.E(granerrors.CatTimeout, fmt.Errorf("multiplex: handshake with %s timed out", addr))
		}
		time.Sleep(time.Millisecond)
	}

	e.mu.Lock()
	e.conn = conn
	e.bridge = bridge
	e.consecutiveFails = 0
	e.desc.Health = HealthHealthy
	e.desc.LastHealthCheck = time.Now()
	e.mu.Unlock()

	return conn, nil
}

// heartbeatLoop periodically sends a Heartbeat frame on every Connected
// Connection at cfg.heartbeatInterval (spec.md §8: "Heartbeat interval
// 5 s"), distinct from and faster than the health-grading cadence below.
func (m *Multiplexer) heartbeatLoop(ctx gstdctx.Context) {
	ticker := time.NewTicker(m.cfg.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sendHeartbeats(ctx)
		}
	}
}

func (m *Multiplexer) sendHeartbeats(ctx gstdctx.Context) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn != nil && conn.State() == endpoint.Connected {
			conn.SendHeartbeat(ctx)
		}
	}
}

// healthCheckLoop periodically grades every registered server's Connection
// by its heartbeat-ack counters (spec.md §4.7's "lightweight request") and
// updates ServerDescriptor.health, reconnecting Failed connections with
// capped exponential backoff.
func (m *Multiplexer) healthCheckLoop(ctx gstdctx.Context) {
	ticker := time.NewTicker(m.cfg.healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Multiplexer) checkAll(ctx gstdctx.Context) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()

		if conn == nil {
			e.mu.Lock()
			offline := e.desc.Health == HealthOffline
			fails := e.consecutiveFails
			e.mu.Unlock()
			if m.cfg.autoRemoveUnhealthy && offline && fails >= m.cfg.unhealthyThreshold {
				m.Unregister(ctx, e.desc.ServerID)
			}
			continue
		}

		switch conn.State() {
		case endpoint.Connected:
			health := HealthHealthy
			switch conn.MissedHeartbeats() {
			case 0:
				health = HealthHealthy
			case 1:
				health = HealthDegraded
			default:
				health = HealthUnhealthy
			}
			e.mu.Lock()
			e.desc.Health = health
			e.desc.LastHealthCheck = time.Now()
			e.mu.Unlock()
		case endpoint.Failed, endpoint.Closed:
			e.mu.Lock()
			e.desc.Health = HealthOffline
			e.desc.LastHealthCheck = time.Now()
			fails := e.consecutiveFails
			e.conn = nil
			e.mu.Unlock()

			if m.cfg.autoRemoveUnhealthy && fails >= m.cfg.unhealthyThreshold {
				m.Unregister(ctx, e.desc.ServerID)
				continue
			}
			pool := gstdctx.Pool(ctx)
			pool.Submit(ctx, func() { m.reconnect(ctx, e) })
		}
	}
}

// reconnect retries dialing e with capped exponential backoff, per spec.md
// §4.7: "2 s × 2^n, max 60 s, reset on success."
func (m *Multiplexer) reconnect(ctx gstdctx.Context, e *entry) {
	err := e.backoff.Retry(ctx, func(retryCtx gstdctx.Context, r exponential.Record) error {
		_, err := m.dial(retryCtx, e)
		return err
	})
	if err != nil && err != exponential.ErrRetryCanceled {
		e.mu.Lock()
		e.desc.Health = HealthOffline
		e.mu.Unlock()
	}
}

// Close shuts down the Multiplexer and every Connection it holds.
func (m *Multiplexer) Close(ctx gstdctx.Context) error {
	select {
	case <-m.closed:
		return nil
	default:
		close(m.closed)
	}
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = nil
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn != nil {
			conn.Close(ctx)
		}
	}
	return nil
}
