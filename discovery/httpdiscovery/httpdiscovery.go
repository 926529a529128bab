// Package httpdiscovery is one concrete implementation of the "Discovery
// (control plane)" external interface described in spec.md §6: an
// out-of-band HTTP endpoint that supplies the initial ServerDescriptor list
// and streams register_server/unregister_server/server_health_changed
// events. It is adapted from the teacher's rpc/transport/http streaming
// client idiom (h2c DialTLSContext for cleartext HTTP/2, a backoff-driven
// reconnect loop) but narrowed from a general bidirectional RPC transport
// down to a one-directional event feed, since discovery is a consumer this
// runtime calls into, not part of the RPC core.
package httpdiscovery

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"

	gstdctx "github.com/gostdlib/base/context"
	"github.com/gostdlib/base/retry/exponential"
	"golang.org/x/net/http2"

	"github.com/granville/rpc/multiplex"
)

// EventKind distinguishes discovery stream events.
type EventKind string

const (
	EventRegister     EventKind = "register_server"
	EventUnregister   EventKind = "unregister_server"
	EventHealthChange EventKind = "server_health_changed"
)

// Event is one line of the coordinator's NDJSON discovery stream.
type Event struct {
	Kind     EventKind                 `json:"kind"`
	ServerID string                    `json:"server_id"`
	Server   multiplex.ServerDescriptor `json:"server,omitempty"`
	Health   multiplex.Health          `json:"health,omitempty"`
}

// Client streams discovery events from a coordinator endpoint and applies
// them to a Multiplexer, reconnecting with backoff when the stream drops.
type Client struct {
	url        *url.URL
	httpClient *http.Client
	backoff    *exponential.Backoff
	mux        *multiplex.Multiplexer
}

// New creates a discovery client for the given coordinator URL ("http://"
// uses h2c cleartext HTTP/2, matching the teacher's h2c DialTLSContext
// workaround for streaming bodies without TLS; "https://" uses standard
// HTTP/2-over-TLS).
func New(rawURL string, mux *multiplex.Multiplexer) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("httpdiscovery: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpdiscovery: unsupported scheme %q", u.Scheme)
	}

	var rt http.RoundTripper
	if u.Scheme == "https" {
		rt = &http.Transport{TLSClientConfig: &tls.Config{}, ForceAttemptHTTP2: true}
	} else {
		rt = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx gstdctx.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
	}

	backoff, err := exponential.New(exponential.WithPolicy(exponential.ThirtySecondsRetryPolicy()))
	if err != nil {
		return nil, fmt.Errorf("httpdiscovery: backoff: %w", err)
	}

	return &Client{
		url:        u,
		httpClient: &http.Client{Transport: rt},
		backoff:    backoff,
		mux:        mux,
	}, nil
}

// Run streams discovery events until ctx is canceled, reconnecting with
// exponential backoff (2s base, 30s cap — the teacher's ThirtySecondsRetryPolicy)
// whenever the stream ends or errors.
func (c *Client) Run(ctx gstdctx.Context) error {
	return c.backoff.Retry(ctx, func(retryCtx gstdctx.Context, r exponential.Record) error {
		err := c.streamOnce(retryCtx)
		if retryCtx.Err() != nil {
			return nil
		}
		return err
	})
}

func (c *Client) streamOnce(ctx gstdctx.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url.String(), nil)
	if err != nil {
		return fmt.Errorf("httpdiscovery: request: %w", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("httpdiscovery: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httpdiscovery: coordinator returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		c.apply(ctx, ev)
	}
	return scanner.Err()
}

func (c *Client) apply(ctx gstdctx.Context, ev Event) {
	switch ev.Kind {
	case EventRegister:
		c.mux.Register(ctx, ev.Server)
	case EventUnregister:
		c.mux.Unregister(ctx, ev.ServerID)
	case EventHealthChange:
		// The pushed health is written onto the registered descriptor;
		// re-registering an existing id keeps its in-flight connection. The
		// multiplexer's heartbeat-driven monitor (spec.md §4.7) overwrites
		// it at its next check of a live Connection.
		if desc, ok := c.mux.Descriptor(ev.ServerID); ok {
			desc.Health = ev.Health
			c.mux.Register(ctx, desc)
		}
	}
}
