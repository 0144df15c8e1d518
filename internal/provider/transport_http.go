package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
)

// streamHTTPTransport speaks JSON-RPC over a persistent HTTP connection.
// Requests are POSTed to the configured endpoint; keep-alives hold the
// underlying connection open between calls. A dropped connection is retried
// once before the failure surfaces to the caller.
type streamHTTPTransport struct {
	config *Config
	logger *slog.Logger
	client *http.Client

	connected atomic.Bool
}

func newStreamHTTPTransport(cfg *Config) *streamHTTPTransport {
	return &streamHTTPTransport{
		config: cfg,
		logger: slog.Default().With("provider", cfg.ID, "transport", "streaming-http"),
		client: &http.Client{Timeout: cfg.callTimeout()},
	}
}

// Start marks the transport ready. The connection itself is established
// lazily by the first call and kept alive after it.
func (t *streamHTTPTransport) Start(ctx context.Context) error {
	if t.connected.Load() {
		return nil
	}
	t.connected.Store(true)
	t.logger.Info("streaming-http transport ready", "url", t.config.URL)
	return nil
}

// Stop closes idle connections.
func (t *streamHTTPTransport) Stop() error {
	t.connected.Store(false)
	t.client.CloseIdleConnections()
	return nil
}

// Call sends a request and decodes the response body.
func (t *streamHTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	req := rpcRequest{JSONRPC: "2.0", ID: uuid.New().String(), Method: method}
	var err error
	if req.Params, err = marshalParams(params); err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	body, _ := json.Marshal(req)
	resp, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(payload))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// Notify sends a notification and discards the response.
func (t *streamHTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}

	notif := rpcNotification{JSONRPC: "2.0", Method: method}
	var err error
	if notif.Params, err = marshalParams(params); err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	body, _ := json.Marshal(notif)
	resp, err := t.post(ctx, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (t *streamHTTPTransport) Connected() bool {
	return t.connected.Load()
}

// post issues the request, retrying once when the connection drops before a
// response arrives.
func (t *streamHTTPTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		for k, v := range t.config.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := t.client.Do(httpReq)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		t.logger.Debug("http request failed, reconnecting once", "error", err)
	}
	return nil, fmt.Errorf("http request: %w", lastErr)
}
