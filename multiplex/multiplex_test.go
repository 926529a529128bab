package multiplex

import (
	"testing"
	"time"

	gstdctx "github.com/gostdlib/base/context"
	"github.com/google/uuid"

	"github.com/granville/rpc/endpoint"
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

func TestConnectionDialsAndReuses(t *testing.T) {
	ctx := t.Context()
	reg := loopback.NewRegistry()
	tr := loopback.New(reg)
	manifest := wire.NewManifestTable(map[uint32][]string{1: {"Echo"}}, nil)
	startEchoServer(t, tr, "server-A:1", manifest)

	m := New(tr, uuid.New(), manifest, nil)
	m.Register(ctx, ServerDescriptor{ServerID: "A", Host: "server-A", Port: 1, IsPrimary: true})

	conn1, err := m.Connection(ctx, "A")
	if err != nil {
		t.Fatalf("Connection: %v", err)
	}
	conn2, err := m.Connection(ctx, "A")
	if err != nil {
		t.Fatalf("Connection (2nd): %v", err)
	}
	if conn1 != conn2 {
		t.Error("expected the same Connection to be reused for server A")
	}

	res, err := conn1.SendRequest(ctx, []byte("g1"), 1, 0, []byte("hi"), wire.ReliableOrdered, time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if res.Status != wire.StatusOk || string(res.Payload) != "hi" {
		t.Errorf("got (%v, %q), want (StatusOk, %q)", res.Status, res.Payload, "hi")
	}
}

func TestConnectionUnknownServer(t *testing.T) {
	ctx := t.Context()
	reg := loopback.NewRegistry()
	tr := loopback.New(reg)
	m := New(tr, uuid.New(), wire.NewManifestTable(nil, nil), nil)

	if _, err := m.Connection(ctx, "missing"); err == nil {
		t.Fatal("Connection: want error for unregistered server, got nil")
	}
}

func TestUnregisterClosesConnection(t *testing.T) {
	ctx := t.Context()
	reg := loopback.NewRegistry()
	tr := loopback.New(reg)
	manifest := wire.NewManifestTable(map[uint32][]string{1: {"Echo"}}, nil)
	startEchoServer(t, tr, "server-B:1", manifest)

	m := New(tr, uuid.New(), manifest, nil)
	m.Register(ctx, ServerDescriptor{ServerID: "B", Host: "server-B", Port: 1})

	conn, err := m.Connection(ctx, "B")
	if err != nil {
		t.Fatalf("Connection: %v", err)
	}

	m.Unregister(ctx, "B")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && conn.State() != endpoint.Closed {
		time.Sleep(time.Millisecond)
	}
	if conn.State() != endpoint.Closed {
		t.Errorf("Connection state = %s, want Closed after Unregister", conn.State())
	}

	if _, err := m.Connection(ctx, "B"); err == nil {
		t.Fatal("Connection after Unregister: want error, got nil")
	}
}

func TestDescriptorsSnapshot(t *testing.T) {
	ctx := t.Context()
	reg := loopback.NewRegistry()
	tr := loopback.New(reg)
	m := New(tr, uuid.New(), wire.NewManifestTable(nil, nil), nil)

	m.Register(ctx, ServerDescriptor{ServerID: "X", Host: "h", Port: 1})
	m.Register(ctx, ServerDescriptor{ServerID: "Y", Host: "h", Port: 2})

	descs := m.Descriptors()
	if len(descs) != 2 {
		t.Fatalf("Descriptors() len = %d, want 2", len(descs))
	}
}
