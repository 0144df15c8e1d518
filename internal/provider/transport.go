package provider

import (
	"context"
	"encoding/json"
)

// Transport carries JSON-RPC traffic to one tool provider. Three
// implementations exist, selected by the config's transport field; adding a
// fourth is a compile-time change here and in newTransport.
type Transport interface {
	// Start establishes the connection. Idempotent.
	Start(ctx context.Context) error

	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification; no response is expected.
	Notify(ctx context.Context, method string, params any) error

	// Stop tears the connection down, terminating any subprocess. In-flight
	// calls fail rather than hang.
	Stop() error

	// Connected reports whether the transport is usable.
	Connected() bool
}

// newTransport selects the transport implementation for cfg. cfg must have
// passed Validate.
func newTransport(cfg *Config) Transport {
	switch cfg.Transport {
	case TransportStreamingHTTP:
		return newStreamHTTPTransport(cfg)
	case TransportEventStream:
		return newEventStreamTransport(cfg)
	default:
		return newStdioTransport(cfg)
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}
