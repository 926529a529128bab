package interceptor

import (
	gstdctx "github.com/gostdlib/base/context"
)

// ChainUnaryClient chains client interceptors so the first given runs
// outermost.
func ChainUnaryClient(interceptors ...UnaryClientInterceptor) UnaryClientInterceptor {
	switch len(interceptors) {
	case 0:
		return nil
	case 1:
		return interceptors[0]
	}
	return func(ctx gstdctx.Context, method string, req []byte, invoker UnaryInvoker) ([]byte, error) {
		return chainUnaryClientInvoker(interceptors, 0, method, invoker)(ctx, req)
	}
}

func chainUnaryClientInvoker(interceptors []UnaryClientInterceptor, idx int, method string, final UnaryInvoker) UnaryInvoker {
	if idx == len(interceptors) {
		return final
	}
	return func(ctx gstdctx.Context, req []byte) ([]byte, error) {
		return interceptors[idx](ctx, method, req, chainUnaryClientInvoker(interceptors, idx+1, method, final))
	}
}

// ChainUnaryServer chains server interceptors so the first given runs
// outermost.
func ChainUnaryServer(interceptors ...UnaryServerInterceptor) UnaryServerInterceptor {
	switch len(interceptors) {
	case 0:
		return nil
	case 1:
		return interceptors[0]
	}
	return func(ctx gstdctx.Context, req []byte, info *UnaryServerInfo, handler UnaryHandler) ([]byte, error) {
		return chainUnaryServerHandler(interceptors, 0, info, handler)(ctx, req)
	}
}

func chainUnaryServerHandler(interceptors []UnaryServerInterceptor, idx int, info *UnaryServerInfo, final UnaryHandler) UnaryHandler {
	if idx == len(interceptors) {
		return final
	}
	return func(ctx gstdctx.Context, req []byte) ([]byte, error) {
		return interceptors[idx](ctx, req, info, chainUnaryServerHandler(interceptors, idx+1, info, final))
	}
}
