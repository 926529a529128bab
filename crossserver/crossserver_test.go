package crossserver

import (
	"testing"
	"time"

	gstdctx "github.com/gostdlib/base/context"
	"github.com/google/uuid"

	"github.com/granville/rpc/endpoint"
	"github.com/granville/rpc/grainref"
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

func TestCallRoundTrip(t *testing.T) {
	ctx := t.Context()
	reg := loopback.NewRegistry()
	tr := loopback.New(reg)
	manifest := wire.NewManifestTable(map[uint32][]string{1: {"Echo"}}, nil)
	startEchoServer(t, tr, "peerB:9", manifest)

	c := New(tr, uuid.New(), manifest, nil)
	grainID := grainref.GrainId{InterfaceTypeID: 1, Kind: grainref.KeyString, StringKey: "p1"}

	res, err := c.Call(ctx, "peerB", 9, grainID, 1, 0, []byte("ping"), wire.ReliableOrdered)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Status != wire.StatusOk || string(res.Payload) != "ping" {
		t.Errorf("got (%v, %q), want (StatusOk, %q)", res.Status, res.Payload, "ping")
	}
}

func TestFanoutOneUnreachablePeerDoesNotBlockOthers(t *testing.T) {
	ctx := t.Context()
	reg := loopback.NewRegistry()
	tr := loopback.New(reg)
	manifest := wire.NewManifestTable(map[uint32][]string{1: {"Echo"}}, nil)
	startEchoServer(t, tr, "peerC:1", manifest)
	startEchoServer(t, tr, "peerD:1", manifest)
	// peerE:1 is never listened on, simulating an unreachable peer.

	c := New(tr, uuid.New(), manifest, nil)
	grainID := grainref.GrainId{InterfaceTypeID: 1, Kind: grainref.KeyString, StringKey: "p1"}

	start := time.Now()
	results := c.Fanout(ctx, []Peer{
		{Host: "peerC", Port: 1},
		{Host: "peerD", Port: 1},
		{Host: "peerE", Port: 1},
	}, grainID, 1, 0, []byte("evt"))
	elapsed := time.Since(start)

	if elapsed > DefaultFanoutTimeout+2*time.Second {
		t.Errorf("Fanout took %s, want roughly bounded by %s", elapsed, DefaultFanoutTimeout)
	}

	var okCount, failCount int
	for _, r := range results {
		if r.Err == nil {
			okCount++
		} else {
			failCount++
		}
	}
	if okCount != 2 {
		t.Errorf("okCount = %d, want 2", okCount)
	}
	if failCount != 1 {
		t.Errorf("failCount = %d, want 1", failCount)
	}
}
