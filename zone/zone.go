// Package zone implements the Zone Routing Strategy (spec.md §4.8,
// component C8): the pluggable policy that maps (grain interface, key,
// RoutingContext) to a server_id, with the reference workload's zone-aware
// default. It is grounded on the teacher's client/pool/balancer.go Picker
// abstraction, generalized from the teacher's ready-subconn-list balancing
// to this runtime's metadata/zone-matching selection over
// multiplex.ServerDescriptor.
package zone

import (
	"fmt"
	"hash/fnv"
	"sort"

	basesync "github.com/gostdlib/base/concurrency/sync"
	gstdctx "github.com/gostdlib/base/context"

	"github.com/granville/rpc/endpoint"
	granerrors "github.com/granville/rpc/errors"
	"github.com/granville/rpc/grainref"
	"github.com/granville/rpc/multiplex"
)

// GridCoord is the reference workload's zone key, a coarse 2D coordinate.
type GridCoord struct {
	X, Y int32
}

// String renders the coordinate the way the wire metadata convention (§4.8:
// metadata["zone"]) expects: "x,y".
func (g GridCoord) String() string { return fmt.Sprintf("%d,%d", g.X, g.Y) }

// RoutingContext is a mutable, per-client-session dictionary of typed
// routing properties (spec.md §3). Only the zone property is interpreted by
// this package's default strategy; the embedder may extend it.
type RoutingContext struct {
	mu   basesync.Mutex
	zone GridCoord
	set  bool
}

// NewRoutingContext creates an empty RoutingContext.
func NewRoutingContext() *RoutingContext { return &RoutingContext{} }

// SetZone updates the caller's current zone. Setting the same value twice is
// a no-op observable via equality of subsequent routing decisions (spec.md
// §8): the stored value is unchanged so a racing reader never sees a
// transient distinct-but-equal value.
func (r *RoutingContext) SetZone(z GridCoord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set && r.zone == z {
		return
	}
	r.zone = z
	r.set = true
}

// Zone returns the current zone and whether one has been set.
func (r *RoutingContext) Zone() (GridCoord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zone, r.set
}

// ZoneAware marks a grain interface as zone-partitioned (spec.md §4.8: "a
// type-level marker"). Interfaces not implementing this use the primary
// server fallback.
type ZoneAware interface {
	// ZoneFor derives the target zone for a call, given the grain id and the
	// caller's RoutingContext. Most zone-aware interfaces simply return the
	// context's current zone; some derive it from the key instead (e.g. a
	// world position encoded in the grain id).
	ZoneFor(grainID grainref.GrainId, rc *RoutingContext) (GridCoord, bool)
}

// contextZone is the default ZoneFor behavior: read straight from the
// RoutingContext, ignoring the grain id.
type contextZone struct{}

func (contextZone) ZoneFor(_ grainref.GrainId, rc *RoutingContext) (GridCoord, bool) {
	return rc.Zone()
}

// DefaultZoneAware is the zero-configuration ZoneAware implementation used
// when a grain interface wants zone routing straight from the
// RoutingContext without a custom key-derived zone.
var DefaultZoneAware ZoneAware = contextZone{}

// Strategy picks a server_id for one call. Router wraps the default
// zone-aware Strategy described in spec.md §4.8; embedders may supply a
// different Strategy for non-reference-workload routing policies.
type Strategy interface {
	RouteFor(ctx gstdctx.Context, interfaceID uint32, grainID grainref.GrainId, zoneAware ZoneAware, rc *RoutingContext, servers []multiplex.ServerDescriptor) (serverID string, err error)
}

// defaultStrategy implements spec.md §4.8's zone-aware routing with a
// primary-server fallback for non-zone-aware interfaces.
type defaultStrategy struct{}

func (defaultStrategy) RouteFor(ctx gstdctx.Context, interfaceID uint32, grainID grainref.GrainId, zoneAware ZoneAware, rc *RoutingContext, servers []multiplex.ServerDescriptor) (string, error) {
	if zoneAware == nil {
		return primaryServer(servers)
	}

	target, ok := zoneAware.ZoneFor(grainID, rc)
	if !ok {
		return primaryServer(servers)
	}

	var candidates []multiplex.ServerDescriptor
	for _, s := range servers {
		if s.Health == multiplex.HealthOffline {
			continue
		}
		if s.Metadata["zone"] == target.String() {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return "", granerrors.E(granerrors.CatRouting, fmt.Errorf("zone: no server available for zone %s", target))
	}
	if len(candidates) == 1 {
		return candidates[0].ServerID, nil
	}

	// Tie-break: stable hash of (server_id, grain_id) per spec.md §4.8.
	sort.Slice(candidates, func(i, j int) bool {
		return stableHash(candidates[i].ServerID, grainID) < stableHash(candidates[j].ServerID, grainID)
	})
	return candidates[0].ServerID, nil
}

func primaryServer(servers []multiplex.ServerDescriptor) (string, error) {
	for _, s := range servers {
		if s.IsPrimary && s.Health != multiplex.HealthOffline {
			return s.ServerID, nil
		}
	}
	return "", granerrors.E(granerrors.CatRouting, fmt.Errorf("zone: no primary server available"))
}

func stableHash(serverID string, grainID grainref.GrainId) uint64 {
	h := fnv.New64a()
	h.Write([]byte(serverID))
	h.Write(grainID.Encode())
	return h.Sum64()
}

// Router adapts a Multiplexer plus a Strategy into grainref.ConnectionSource
// — the seam C6 calls through. Each interface a Router serves may supply its
// own ZoneAware marker (nil for non-zone-aware interfaces); Router looks
// this up by interface_id.
type Router struct {
	mux        *multiplex.Multiplexer
	rc         *RoutingContext
	strategy   Strategy
	zoneAwares map[uint32]ZoneAware
}

// NewRouter creates a Router over mux using the default zone-aware strategy.
func NewRouter(mux *multiplex.Multiplexer, rc *RoutingContext) *Router {
	return &Router{mux: mux, rc: rc, strategy: defaultStrategy{}, zoneAwares: make(map[uint32]ZoneAware)}
}

// WithStrategy overrides the routing Strategy (e.g. for a non-zoned
// deployment), returning the Router for chaining.
func (r *Router) WithStrategy(s Strategy) *Router {
	r.strategy = s
	return r
}

// MarkZoneAware registers interfaceID as zone-aware using za (spec.md
// §4.8's "type-level marker"). Interfaces never registered here use the
// is_primary fallback.
func (r *Router) MarkZoneAware(interfaceID uint32, za ZoneAware) {
	r.zoneAwares[interfaceID] = za
}

var _ grainref.ConnectionSource = (*Router)(nil)

// ConnectionFor implements grainref.ConnectionSource: route, then acquire or
// open the chosen server's Connection.
func (r *Router) ConnectionFor(ctx gstdctx.Context, grainID grainref.GrainId, interfaceID uint32) (*endpoint.Connection, error) {
	serverID, err := r.strategy.RouteFor(ctx, interfaceID, grainID, r.zoneAwares[interfaceID], r.rc, r.mux.Descriptors())
	if err != nil {
		return nil, err
	}
	return r.mux.Connection(ctx, serverID)
}
