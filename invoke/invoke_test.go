package invoke

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

type echoActivation struct{}

func (echoActivation) Dispatch(ctx gstdctx.Context, methodName string, args any) (any, <-chan StreamItem, error) {
	a := args.(*echoArgs)
	return echoArgs{Text: "echo:" + a.Text}, nil, nil
}

type staticResolver struct{ act Activation }

func (r staticResolver) ResolveActivation(ctx gstdctx.Context, grainID []byte, interfaceID uint32) (Activation, bool) {
	if string(grainID) == "missing" {
		return nil, false
	}
	return r.act, true
}

func setupEngine(t *testing.T, queueDepth int) (client *endpoint.Connection) {
	t.Helper()
	ctx := t.Context()
	reg := loopback.NewRegistry()
	tr := loopback.New(reg)

	manifest := wire.NewManifestTable(map[uint32][]string{1: {"Echo"}}, nil)
	boundary := session.New(jsonCodec{})
	engine := New(manifest, staticResolver{act: echoActivation{}}, boundary, func(uint32, string) any { return &echoArgs{} }, WithQueueDepth(queueDepth))

	serverConnCh := make(chan *endpoint.Connection, 1)
	clientConnCh := make(chan *endpoint.Connection, 1)

	serverBridge := endpoint.NewBridge(uuid.New(), wire.RoleServer, manifest, engine, func(c *endpoint.Connection) { serverConnCh <- c })
	clientBridge := endpoint.NewBridge(uuid.New(), wire.RoleClient, manifest, nil, func(c *endpoint.Connection) { clientConnCh <- c })

	ln, err := tr.Listen(ctx, "engine-server", serverBridge)
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

	if _, err := tr.Connect(ctx, "engine-server", clientBridge); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	client = <-clientConnCh
	<-serverConnCh

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && client.State() != endpoint.Connected {
		time.Sleep(time.Millisecond)
	}
	if client.State() != endpoint.Connected {
		t.Fatalf("client connection never reached Connected, stuck at %s", client.State())
	}
	return client
}

func TestEngineInvokesAndEncodesResult(t *testing.T) {
	client := setupEngine(t, 256)
	ctx := t.Context()

	boundary := session.New(jsonCodec{})
	argBytes, err := boundary.EncodeMessage(ctx, echoArgs{Text: "hi"})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	res, err := client.SendRequest(ctx, []byte("grain-1"), 1, 0, argBytes, wire.ReliableOrdered, time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if res.Status != wire.StatusOk {
		t.Fatalf("Status = %v, want StatusOk (payload=%q)", res.Status, res.Payload)
	}

	var out echoArgs
	if err := boundary.DecodeMessage(ctx, res.Payload, &out); err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if out.Text != "echo:hi" {
		t.Errorf("Text = %q, want %q", out.Text, "echo:hi")
	}
}

func TestEngineGrainUnknown(t *testing.T) {
	client := setupEngine(t, 256)
	ctx := t.Context()

	res, err := client.SendRequest(ctx, []byte("missing"), 1, 0, []byte("null"), wire.ReliableOrdered, time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if res.Status != wire.StatusGrainUnknown {
		t.Errorf("Status = %v, want StatusGrainUnknown", res.Status)
	}
}

func TestEngineMethodUnknown(t *testing.T) {
	client := setupEngine(t, 256)
	ctx := t.Context()

	res, err := client.SendRequest(ctx, []byte("grain-1"), 1, 99, []byte("null"), wire.ReliableOrdered, time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if res.Status != wire.StatusMethodUnknown {
		t.Errorf("Status = %v, want StatusMethodUnknown", res.Status)
	}
}

func TestEngineOverloaded(t *testing.T) {
	client := setupEngine(t, 0)
	ctx := t.Context()

	res, err := client.SendRequest(ctx, []byte("grain-1"), 1, 0, []byte(`{"Text":"x"}`), wire.ReliableOrdered, time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if res.Status != wire.StatusError {
		t.Errorf("Status = %v, want StatusError (overloaded)", res.Status)
	}
}
