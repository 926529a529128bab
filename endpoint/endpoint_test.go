package endpoint

import (
	"testing"
	"time"

	gstdctx "github.com/gostdlib/base/context"
	"github.com/google/uuid"

	granerrors "github.com/granville/rpc/errors"
	"github.com/granville/rpc/transport/loopback"
	"github.com/granville/rpc/wire"
)

// echoHandler answers every two-way Request with an Ok Response echoing the
// arguments back; OneWay requests are ignored, matching spec.md §4.5's "no
// Response is produced even on error" for OneWay.
type echoHandler struct{}

func (echoHandler) HandleRequest(ctx gstdctx.Context, from *Connection, req *wire.Request, oneWay bool) {
	if oneWay {
		return
	}
	from.SendResponse(ctx, req.CorrelationID, wire.StatusOk, req.Arguments, wire.ReliableOrdered)
}

type testSetup struct {
	clientBridge *Bridge
	serverBridge *Bridge
	clientConn   chan *Connection
	serverConn   chan *Connection
}

func newTestSetup(serverManifest, clientManifest *wire.ManifestTable) *testSetup {
	ts := &testSetup{
		clientConn: make(chan *Connection, 1),
		serverConn: make(chan *Connection, 1),
	}
	ts.clientBridge = NewBridge(uuid.New(), wire.RoleClient, clientManifest, nil, func(c *Connection) {
		ts.clientConn <- c
	})
	ts.serverBridge = NewBridge(uuid.New(), wire.RoleServer, serverManifest, echoHandler{}, func(c *Connection) {
		ts.serverConn <- c
	})
	return ts
}

func waitConnected(t *testing.T, c *Connection) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == Connected {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("connection did not reach Connected, stuck in %s", c.State())
}

func setupConnectedPair(t *testing.T) (client, server *Connection) {
	t.Helper()
	ctx := t.Context()
	reg := loopback.NewRegistry()
	tr := loopback.New(reg)

	manifest := wire.NewManifestTable(map[uint32][]string{1: {"Ping"}}, nil)
	ts := newTestSetup(manifest, manifest)

	ln, err := tr.Listen(ctx, "server-A", ts.serverBridge)
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
			ts.serverBridge.OnSessionOpened(s)
		}
	}()

	if _, err := tr.Connect(ctx, "server-A", ts.clientBridge); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case client = <-ts.clientConn:
	case <-time.After(2 * time.Second):
		t.Fatal("client connection never created")
	}
	select {
	case server = <-ts.serverConn:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection never created")
	}

	waitConnected(t, client)
	waitConnected(t, server)
	return client, server
}

func TestHandshakeReachesConnected(t *testing.T) {
	client, _ := setupConnectedPair(t)

	if client.RemoteManifest() == nil {
		t.Fatal("client connection has no remote manifest")
	}
	if idx, ok := client.RemoteManifest().MethodIndex(1, "Ping"); !ok || idx != 0 {
		t.Errorf("MethodIndex(1, Ping) = (%d, %v), want (0, true)", idx, ok)
	}
}

func TestSendRequestRoundTrip(t *testing.T) {
	client, _ := setupConnectedPair(t)
	ctx := t.Context()

	res, err := client.SendRequest(ctx, []byte("grain-1"), 1, 0, []byte("ping-args"), wire.ReliableOrdered, time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if res.Status != wire.StatusOk {
		t.Errorf("Status = %v, want StatusOk", res.Status)
	}
	if string(res.Payload) != "ping-args" {
		t.Errorf("Payload = %q, want %q", res.Payload, "ping-args")
	}
}

func TestSendRequestTimeout(t *testing.T) {
	ctx := t.Context()
	reg := loopback.NewRegistry()
	tr := loopback.New(reg)

	manifest := wire.NewManifestTable(map[uint32][]string{1: {"Ping"}}, nil)
	serverConnCh := make(chan *Connection, 1)
	clientConnCh := make(chan *Connection, 1)

	serverBridge := NewBridge(uuid.New(), wire.RoleServer, manifest, noopHandler{}, func(c *Connection) { serverConnCh <- c })
	clientBridge := NewBridge(uuid.New(), wire.RoleClient, manifest, nil, func(c *Connection) { clientConnCh <- c })

	ln, err := tr.Listen(ctx, "server-B", serverBridge)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			s, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			serverBridge.OnSessionOpened(s)
		}
	}()

	if _, err := tr.Connect(ctx, "server-B", clientBridge); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client := <-clientConnCh
	<-serverConnCh
	waitConnected(t, client)

	_, err = client.SendRequest(ctx, []byte("grain-1"), 1, 0, []byte("args"), wire.ReliableOrdered, 50*time.Millisecond)
	if err == nil {
		t.Fatal("SendRequest: want timeout error, got nil")
	}
}

func TestSendRequestZeroDeadlineIsImmediateTimeout(t *testing.T) {
	client, _ := setupConnectedPair(t)
	ctx := t.Context()

	_, err := client.SendRequest(ctx, []byte("grain-1"), 1, 0, []byte("ping-args"), wire.ReliableOrdered, 0)
	if err == nil {
		t.Fatal("SendRequest with deadline=0: want immediate timeout error, got nil")
	}
	if !granerrors.Is(err, granerrors.CatTimeout) {
		t.Errorf("SendRequest with deadline=0: err category = %v, want CatTimeout", err)
	}
}

func TestBridgeMalformedFrameFailsConnection(t *testing.T) {
	ctx := t.Context()
	reg := loopback.NewRegistry()
	tr := loopback.New(reg)

	manifest := wire.NewManifestTable(map[uint32][]string{1: {"Ping"}}, nil)
	ts := newTestSetup(manifest, manifest)

	ln, err := tr.Listen(ctx, "server-malformed", ts.serverBridge)
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
			ts.serverBridge.OnSessionOpened(s)
		}
	}()

	clientSess, err := tr.Connect(ctx, "server-malformed", ts.clientBridge)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client := <-ts.clientConn
	<-ts.serverConn
	waitConnected(t, client)

	// Recognized tag (TagRequest) but a truncated body: decodeRequest fails
	// on its first field read. spec.md §4.2 only permits silently ignoring
	// *unrecognized* tags; a recognized-but-malformed frame must fail the
	// connection with CatProtocol.
	malformed := append(append([]byte{}, wire.Marker[:]...), byte(wire.TagRequest))
	ts.clientBridge.OnDataReceived(clientSess, malformed, wire.ReliableOrdered)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && client.State() != Failed {
		time.Sleep(time.Millisecond)
	}
	if client.State() != Failed {
		t.Fatalf("client state = %s, want Failed", client.State())
	}
}

// noopHandler never responds, used to exercise the deadline path.
type noopHandler struct{}

func (noopHandler) HandleRequest(ctx gstdctx.Context, from *Connection, req *wire.Request, oneWay bool) {
}
