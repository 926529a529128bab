package loopback

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/granville/rpc/transport"
	"github.com/granville/rpc/wire"
)

type recordingHandler struct {
	mu       sync.Mutex
	received [][]byte
	modes    []wire.DeliveryMode
	opened   int
	closed   int
}

func (h *recordingHandler) OnSessionOpened(s transport.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened++
}

func (h *recordingHandler) OnSessionClosed(s transport.Session, reason transport.CloseReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
}

func (h *recordingHandler) OnDataReceived(s transport.Session, payload []byte, mode wire.DeliveryMode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, append([]byte(nil), payload...))
	h.modes = append(h.modes, mode)
}

func (h *recordingHandler) OnError(remote net.Addr, kind transport.ConnectFailedKind, err error) {
}

func (h *recordingHandler) OnLatencySample(s transport.Session, ms float64) {}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestReliableRoundTrip(t *testing.T) {
	ctx := t.Context()
	reg := NewRegistry()
	serverHandler := &recordingHandler{}
	clientHandler := &recordingHandler{}

	tr := New(reg)
	ln, err := tr.Listen(ctx, "srv-1", serverHandler)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan transport.Session, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		accepted <- s
	}()

	clientSess, err := tr.Connect(ctx, "srv-1", clientHandler)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer clientSess.Close()

	serverSess := <-accepted
	defer serverSess.Close()

	if err := clientSess.Send(ctx, []byte("hello"), wire.ReliableOrdered); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, func() bool {
		serverHandler.mu.Lock()
		defer serverHandler.mu.Unlock()
		return len(serverHandler.received) == 1
	})

	serverHandler.mu.Lock()
	got := string(serverHandler.received[0])
	mode := serverHandler.modes[0]
	serverHandler.mu.Unlock()

	if got != "hello" {
		t.Errorf("received payload = %q, want %q", got, "hello")
	}
	if mode != wire.ReliableOrdered {
		t.Errorf("mode = %v, want %v", mode, wire.ReliableOrdered)
	}
}

func TestUnreliableDropsWhenQueueFull(t *testing.T) {
	ctx := t.Context()
	reg := NewRegistry()
	serverHandler := &recordingHandler{}
	clientHandler := &recordingHandler{}

	tr := New(reg, WithUnreliableBuffer(1))
	ln, err := tr.Listen(ctx, "srv-2", serverHandler)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan transport.Session, 1)
	go func() {
		s, _ := ln.Accept(ctx)
		accepted <- s
	}()

	clientSess, err := tr.Connect(ctx, "srv-2", clientHandler)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer clientSess.Close()
	serverSess := <-accepted
	defer serverSess.Close()

	for i := 0; i < 5; i++ {
		if err := clientSess.Send(ctx, []byte{byte(i)}, wire.Unreliable); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	time.Sleep(50 * time.Millisecond)

	serverHandler.mu.Lock()
	n := len(serverHandler.received)
	serverHandler.mu.Unlock()

	if n >= 5 {
		t.Errorf("received %d unreliable datagrams, want fewer than 5 (queue cap 1 should drop some)", n)
	}
}

func TestConnectToUnknownAddrFails(t *testing.T) {
	ctx := t.Context()
	reg := NewRegistry()
	tr := New(reg)
	_, err := tr.Connect(ctx, "nobody-home", &recordingHandler{})
	if err == nil {
		t.Fatal("Connect to unknown address: want error, got nil")
	}
}
