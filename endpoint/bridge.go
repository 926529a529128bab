package endpoint

import (
	"fmt"
	"net"

	basesync "github.com/gostdlib/base/concurrency/sync"
	gstdctx "github.com/gostdlib/base/context"
	"github.com/google/uuid"

	granerrors "github.com/granville/rpc/errors"
	"github.com/granville/rpc/transport"
	"github.com/granville/rpc/wire"
)

// basesyncMap is a small mutex-guarded map from transport.Session to its
// Connection; the set of live sessions is small enough that a map plus
// mutex is clearer here than the lock-free structures used elsewhere.
type basesyncMap struct {
	mu basesync.Mutex
	m  map[transport.Session]*Connection
}

func newBasesyncMap() basesyncMap {
	return basesyncMap{m: make(map[transport.Session]*Connection)}
}

func (b *basesyncMap) store(s transport.Session, c *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[s] = c
}

func (b *basesyncMap) load(s transport.Session) (*Connection, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.m[s]
	return c, ok
}

func (b *basesyncMap) delete(s transport.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, s)
}

// Bridge adapts a transport.EventHandler onto Connection creation and frame
// dispatch, so C1 sessions and C4 connections stay decoupled: transport
// packages never import endpoint, and endpoint never imports a concrete
// transport implementation.
type Bridge struct {
	localID  uuid.UUID
	role     wire.Role
	manifest *wire.ManifestTable
	handler  RequestHandler
	connOpts []Option

	onNew func(*Connection)
	byKey basesyncMap
}

// NewBridge creates a Bridge that builds one Connection per
// transport.Session and reports newly opened ones through onNew (typically
// registering them in a multiplexer's or server's connection table). opts
// are applied to every Connection the Bridge creates.
func NewBridge(localID uuid.UUID, role wire.Role, manifest *wire.ManifestTable, handler RequestHandler, onNew func(*Connection), opts ...Option) *Bridge {
	return &Bridge{localID: localID, role: role, manifest: manifest, handler: handler, onNew: onNew, byKey: newBasesyncMap(), connOpts: opts}
}

var _ transport.EventHandler = (*Bridge)(nil)

func (b *Bridge) OnSessionOpened(s transport.Session) {
	if _, ok := b.byKey.load(s); ok {
		return
	}
	conn := New(s, b.localID, b.role, b.manifest, b.handler, b.connOpts...)
	b.byKey.store(s, conn)
	if b.onNew != nil {
		b.onNew(conn)
	}
	if b.role == wire.RoleClient {
		conn.Handshake(gstdctx.Background())
	}
}

func (b *Bridge) OnSessionClosed(s transport.Session, reason transport.CloseReason) {
	if conn, ok := b.byKey.load(s); ok {
		conn.fail(fmt.Errorf("endpoint: session closed: %s", reason))
		b.byKey.delete(s)
	}
}

func (b *Bridge) OnDataReceived(s transport.Session, payload []byte, mode wire.DeliveryMode) {
	conn, ok := b.byKey.load(s)
	if !ok {
		return
	}
	f, recognized, err := wire.Decode(payload)
	if !recognized {
		// Unknown frame tags are ignored per spec.md §4.2.
		return
	}
	if err != nil {
		conn.fail(granerrors.E(granerrors.CatProtocol, fmt.Errorf("endpoint: malformed frame: %w", err)))
		return
	}
	conn.OnFrame(gstdctx.Background(), f)
}

func (b *Bridge) OnError(remote net.Addr, kind transport.ConnectFailedKind, err error) {}

func (b *Bridge) OnLatencySample(s transport.Session, ms float64) {}

// ConnectionFor returns the Connection associated with a Session, if any.
func (b *Bridge) ConnectionFor(s transport.Session) (*Connection, bool) {
	return b.byKey.load(s)
}
