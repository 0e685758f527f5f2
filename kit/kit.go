// CLAUDE:SUMMARY Endpoint and Middleware primitives shared by the HTTP and MCP transports.
package kit

import "context"

// Endpoint is a transport-agnostic operation: it receives a decoded request
// and returns a response or an error. Both admin HTTP handlers and MCP tools
// terminate in an Endpoint so middleware (auditing, policy) applies uniformly.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with additional behavior.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first argument is outermost:
// Chain(a, b, c)(e) runs a(b(c(e))).
func Chain(mw ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mw) - 1; i >= 0; i-- {
			next = mw[i](next)
		}
		return next
	}
}
