package mcp

import "context"

// Transport carries JSON-RPC messages to and from a single server process.
type Transport interface {
	// Send delivers a request and blocks until the matching response
	// arrives, the context is cancelled, or the request times out.
	Send(ctx context.Context, req Request) (*Response, error)

	// Notify delivers a notification. No response is expected.
	Notify(ctx context.Context, req Request) error

	// Close terminates the transport and releases its resources.
	Close() error
}
