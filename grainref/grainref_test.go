package grainref

import (
	"encoding/json"
	"testing"
	"time"

	gstdctx "github.com/gostdlib/base/context"
	"github.com/google/uuid"

	"github.com/granville/rpc/endpoint"
	"github.com/granville/rpc/session"
	"github.com/granville/rpc/transport/loopback"
	"github.com/granville/rpc/wire"
)

type jsonCodec struct{}

func (jsonCodec) Encode(w *session.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (jsonCodec) Decode(r *session.Reader, v any) error {
	return json.Unmarshal(r.Bytes(), v)
}

type echoArgs struct {
	Text string
}

type echoHandler struct{}

func (echoHandler) HandleRequest(ctx gstdctx.Context, from *endpoint.Connection, req *wire.Request, oneWay bool) {
	if oneWay {
		return
	}
	from.SendResponse(ctx, req.CorrelationID, wire.StatusOk, req.Arguments, wire.ReliableOrdered)
}

// fixedSource always hands back the same pre-established Connection,
// standing in for a real multiplex.Multiplexer/zone.Router in these tests —
// grainref never picks a server itself (spec.md §4.6).
type fixedSource struct{ conn *endpoint.Connection }

func (f fixedSource) ConnectionFor(ctx gstdctx.Context, grainID GrainId, interfaceID uint32) (*endpoint.Connection, error) {
	return f.conn, nil
}

func connectedPair(t *testing.T, manifest *wire.ManifestTable) (client *endpoint.Connection) {
	t.Helper()
	ctx := t.Context()
	reg := loopback.NewRegistry()
	tr := loopback.New(reg)

	serverBridge := endpoint.NewBridge(uuid.New(), wire.RoleServer, manifest, echoHandler{}, nil)
	ln, err := tr.Listen(ctx, "grainref-server", serverBridge)
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
			serverBridge.OnSessionOpened(s)
		}
	}()

	connCh := make(chan *endpoint.Connection, 1)
	clientBridge := endpoint.NewBridge(uuid.New(), wire.RoleClient, manifest, nil, func(c *endpoint.Connection) { connCh <- c })
	if _, err := tr.Connect(ctx, "grainref-server", clientBridge); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client = <-connCh

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && client.State() != endpoint.Connected {
		time.Sleep(time.Millisecond)
	}
	if client.State() != endpoint.Connected {
		t.Fatalf("client never reached Connected, stuck at %s", client.State())
	}
	return client
}

func TestGrainIdEncodeDistinguishesKeys(t *testing.T) {
	a := GrainId{InterfaceTypeID: 1, Kind: KeyString, StringKey: "p1"}
	b := GrainId{InterfaceTypeID: 1, Kind: KeyString, StringKey: "p2"}
	if a.Equal(b) {
		t.Error("distinct string keys compared Equal")
	}
	c := GrainId{InterfaceTypeID: 1, Kind: KeyString, StringKey: "p1"}
	if !a.Equal(c) {
		t.Error("identical GrainIds compared not Equal")
	}
}

func TestReferenceCallRoundTrip(t *testing.T) {
	manifest := wire.NewManifestTable(map[uint32][]string{7: {"Echo"}}, nil)
	conn := connectedPair(t, manifest)

	boundary := session.New(jsonCodec{})
	ref := New(GrainId{InterfaceTypeID: 7, Kind: KeyString, StringKey: "p1"}, 7, fixedSource{conn: conn}, boundary)

	var out echoArgs
	err := ref.Call(t.Context(), "Echo", echoArgs{Text: "hi"}, &out, CallOptions{Deadline: time.Second, DeadlineSet: true})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Text != "hi" {
		t.Errorf("Text = %q, want %q", out.Text, "hi")
	}
}

func TestReferenceCallUnknownMethod(t *testing.T) {
	manifest := wire.NewManifestTable(map[uint32][]string{7: {"Echo"}}, nil)
	conn := connectedPair(t, manifest)

	boundary := session.New(jsonCodec{})
	ref := New(GrainId{InterfaceTypeID: 7, Kind: KeyString, StringKey: "p1"}, 7, fixedSource{conn: conn}, boundary)

	err := ref.Call(t.Context(), "NoSuchMethod", echoArgs{Text: "hi"}, nil, CallOptions{Deadline: time.Second, DeadlineSet: true})
	if err == nil {
		t.Fatal("Call with unknown method: want error, got nil")
	}
}

func TestReferenceCallOneWay(t *testing.T) {
	manifest := wire.NewManifestTable(map[uint32][]string{7: {"Echo"}}, nil)
	conn := connectedPair(t, manifest)

	boundary := session.New(jsonCodec{})
	ref := New(GrainId{InterfaceTypeID: 7, Kind: KeyString, StringKey: "p1"}, 7, fixedSource{conn: conn}, boundary)

	if err := ref.CallOneWay(t.Context(), "Echo", echoArgs{Text: "fire-and-forget"}, CallOptions{}); err != nil {
		t.Fatalf("CallOneWay: %v", err)
	}
}
