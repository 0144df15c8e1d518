package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/conduitworks/conduit/internal/fault"
)

// Connection is the runtime pairing of a provider config with a live
// transport and the operations it currently exposes. Connections are not
// persisted; they are rebuilt from config on startup or on the next toolset
// snapshot after a config change.
type Connection struct {
	config    *Config
	transport Transport
	logger    *slog.Logger

	mu   sync.RWMutex
	ops  []*Operation
	info providerInfo
}

// newConnection pairs an expanded, validated config with a fresh transport.
func newConnection(cfg *Config, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		config:    cfg,
		transport: newTransport(cfg),
		logger:    logger.With("provider", cfg.ID),
	}
}

// Start brings up the transport, performs the initialize handshake, and
// discovers the provider's operations. Any failure tears the transport back
// down so no half-initialized connection lingers.
func (c *Connection) Start(ctx context.Context) error {
	if err := c.transport.Start(ctx); err != nil {
		return fault.New(fault.KindTransport, c.config.ID, fmt.Errorf("transport start: %w", err))
	}

	result, err := c.transport.Call(ctx, methodInitialize, map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    "conduit",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Stop()
		return c.classify(fmt.Errorf("initialize: %w", err))
	}

	var init initializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		c.transport.Stop()
		return fault.New(fault.KindProtocol, c.config.ID, fmt.Errorf("parse initialize result: %w", err))
	}
	c.info = init.Provider

	if err := c.transport.Notify(ctx, methodInitialized, nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := c.refreshOperations(ctx); err != nil {
		c.transport.Stop()
		return err
	}

	c.logger.Info("provider connected",
		"name", c.info.Name,
		"version", c.info.Version,
		"operations", len(c.Operations()))
	return nil
}

// Stop tears down the transport. In-flight calls receive a transport
// failure rather than hanging.
func (c *Connection) Stop() error {
	return c.transport.Stop()
}

// Connected reports whether the underlying transport is usable.
func (c *Connection) Connected() bool {
	return c.transport.Connected()
}

// Config returns the (expanded) config this connection was built from.
func (c *Connection) Config() *Config {
	return c.config
}

// Operations returns the operations discovered at startup.
func (c *Connection) Operations() []*Operation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ops
}

// refreshOperations queries the provider's operation list.
func (c *Connection) refreshOperations(ctx context.Context) error {
	result, err := c.transport.Call(ctx, methodListOperations, nil)
	if err != nil {
		return c.classify(fmt.Errorf("list operations: %w", err))
	}

	var listed listOperationsResult
	if err := json.Unmarshal(result, &listed); err != nil {
		return fault.New(fault.KindProtocol, c.config.ID, fmt.Errorf("parse operation list: %w", err))
	}

	c.mu.Lock()
	c.ops = listed.Operations
	c.mu.Unlock()
	return nil
}

// Call invokes one operation on the provider.
func (c *Connection) Call(ctx context.Context, name string, args json.RawMessage) (*CallResult, error) {
	params := callOperationParams{Name: name, Arguments: args}

	result, err := c.transport.Call(ctx, methodCallOperation, params)
	if err != nil {
		return nil, c.classify(err)
	}

	var callResult CallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fault.New(fault.KindProtocol, c.config.ID, fmt.Errorf("parse call result: %w", err))
	}
	return &callResult, nil
}

// classify maps a transport-layer error to a fault kind. A provider that
// answered with a JSON-RPC error understood the request, so that is a
// protocol failure; anything else is transport trouble and retriable.
func (c *Connection) classify(err error) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return fault.New(fault.KindProtocol, c.config.ID, err)
	}
	return fault.New(fault.KindTransport, c.config.ID, err)
}
