// Package rpcctx provides RPC-specific context utilities, using private key
// types to avoid collisions with other packages. Adapted from the teacher's
// rpc/context package; renamed on import (rather than shadowing the
// gostdlib/base context package most files already import as gstdctx).
package rpcctx

import (
	"net"

	gstdctx "github.com/gostdlib/base/context"
)

type remoteAddrKey struct{}

// RemoteAddr retrieves the peer's network address that WithRemoteAddr
// attached to ctx. Returns nil if unset.
func RemoteAddr(ctx gstdctx.Context) net.Addr {
	addr, _ := ctx.Value(remoteAddrKey{}).(net.Addr)
	return addr
}

// WithRemoteAddr returns a context carrying the peer's network address.
func WithRemoteAddr(ctx gstdctx.Context, addr net.Addr) gstdctx.Context {
	return gstdctx.WithValue(ctx, remoteAddrKey{}, addr)
}
