package zone

import (
	"testing"
	"time"

	gstdctx "github.com/gostdlib/base/context"
	"github.com/google/uuid"

	"github.com/granville/rpc/endpoint"
	granerrors "github.com/granville/rpc/errors"
	"github.com/granville/rpc/grainref"
	"github.com/granville/rpc/multiplex"
	"github.com/granville/rpc/transport/loopback"
	"github.com/granville/rpc/wire"
)

type echoHandler struct{}

func (echoHandler) HandleRequest(ctx gstdctx.Context, from *endpoint.Connection, req *wire.Request, oneWay bool) {
	if oneWay {
		return
	}
	from.SendResponse(ctx, req.CorrelationID, wire.StatusOk, req.Arguments, wire.ReliableOrdered)
}

func startEchoServer(t *testing.T, tr *loopback.Transport, addr string, manifest *wire.ManifestTable) {
	t.Helper()
	ctx := t.Context()
	bridge := endpoint.NewBridge(uuid.New(), wire.RoleServer, manifest, echoHandler{}, nil)
	ln, err := tr.Listen(ctx, addr, bridge)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			s, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			bridge.OnSessionOpened(s)
		}
	}()
}

func TestRouteZoneMatch(t *testing.T) {
	ctx := t.Context()
	reg := loopback.NewRegistry()
	tr := loopback.New(reg)
	manifest := wire.NewManifestTable(map[uint32][]string{1: {"Echo"}}, nil)
	startEchoServer(t, tr, "zoneA:1", manifest)
	startEchoServer(t, tr, "zoneB:1", manifest)

	m := multiplex.New(tr, uuid.New(), manifest, nil)
	m.Register(ctx, multiplex.ServerDescriptor{ServerID: "A", Host: "zoneA", Port: 1, Metadata: map[string]string{"zone": "0,0"}})
	m.Register(ctx, multiplex.ServerDescriptor{ServerID: "B", Host: "zoneB", Port: 1, Metadata: map[string]string{"zone": "1,0"}})

	rc := NewRoutingContext()
	rc.SetZone(GridCoord{X: 0, Y: 0})

	router := NewRouter(m, rc)
	router.MarkZoneAware(1, DefaultZoneAware)

	grainID := grainref.GrainId{InterfaceTypeID: 1, Kind: grainref.KeyString, StringKey: "p1"}
	conn, err := router.ConnectionFor(ctx, grainID, 1)
	if err != nil {
		t.Fatalf("ConnectionFor: %v", err)
	}

	res, err := conn.SendRequest(ctx, grainID.Encode(), 1, 0, []byte("hello"), wire.ReliableOrdered, time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if string(res.Payload) != "hello" {
		t.Errorf("Payload = %q, want %q", res.Payload, "hello")
	}

	// Zone handoff: move the context to zone "1,0" and expect the next
	// routing decision to pick server B instead, per spec.md §8 scenario 2.
	rc.SetZone(GridCoord{X: 1, Y: 0})
	conn2, err := router.ConnectionFor(ctx, grainID, 1)
	if err != nil {
		t.Fatalf("ConnectionFor after handoff: %v", err)
	}
	if conn2 == conn {
		t.Error("expected a different Connection after zone handoff")
	}
}

func TestRouteNoServerAvailable(t *testing.T) {
	ctx := t.Context()
	reg := loopback.NewRegistry()
	tr := loopback.New(reg)
	manifest := wire.NewManifestTable(map[uint32][]string{1: {"Echo"}}, nil)

	m := multiplex.New(tr, uuid.New(), manifest, nil)
	rc := NewRoutingContext()
	rc.SetZone(GridCoord{X: 5, Y: 5})

	router := NewRouter(m, rc)
	router.MarkZoneAware(1, DefaultZoneAware)

	grainID := grainref.GrainId{InterfaceTypeID: 1, Kind: grainref.KeyString, StringKey: "p1"}
	_, err := router.ConnectionFor(ctx, grainID, 1)
	if !granerrors.Is(err, granerrors.CatRouting) {
		t.Errorf("err = %v, want CatRouting", err)
	}
}

func TestNonZoneAwareUsesPrimary(t *testing.T) {
	ctx := t.Context()
	reg := loopback.NewRegistry()
	tr := loopback.New(reg)
	manifest := wire.NewManifestTable(map[uint32][]string{2: {"Echo"}}, nil)
	startEchoServer(t, tr, "primary:1", manifest)

	m := multiplex.New(tr, uuid.New(), manifest, nil)
	m.Register(ctx, multiplex.ServerDescriptor{ServerID: "P", Host: "primary", Port: 1, IsPrimary: true})

	router := NewRouter(m, NewRoutingContext())
	// interface 2 is never marked zone-aware: falls back to is_primary.

	grainID := grainref.GrainId{InterfaceTypeID: 2, Kind: grainref.KeyString, StringKey: "p1"}
	conn, err := router.ConnectionFor(ctx, grainID, 2)
	if err != nil {
		t.Fatalf("ConnectionFor: %v", err)
	}
	if conn.State() != endpoint.Connected {
		t.Errorf("state = %s, want Connected", conn.State())
	}
}

func TestSetZoneSameValueIsNoop(t *testing.T) {
	rc := NewRoutingContext()
	rc.SetZone(GridCoord{X: 3, Y: 4})
	before, _ := rc.Zone()
	rc.SetZone(GridCoord{X: 3, Y: 4})
	after, _ := rc.Zone()
	if before != after {
		t.Errorf("zone changed across equal SetZone calls: %v -> %v", before, after)
	}
}
