package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// eventStreamTransport posts JSON-RPC requests over HTTP and consumes the
// matching responses from a server-sent-event stream. A dropped stream is
// re-established once per drop; two drops in a row without any data in
// between and the transport gives up and reports itself disconnected.
type eventStreamTransport struct {
	config *Config
	logger *slog.Logger
	client *http.Client

	// lifeCtx bounds the stream itself. The stream belongs to the
	// transport, not to whichever caller happened to trigger Start, and
	// cancelling it is what unblocks a read loop parked on an idle stream.
	lifeCtx context.Context
	cancel  context.CancelFunc

	pending   map[string]chan *rpcResponse
	pendingMu sync.Mutex

	started   atomic.Bool
	stopped   atomic.Bool
	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func newEventStreamTransport(cfg *Config) *eventStreamTransport {
	lifeCtx, cancel := context.WithCancel(context.Background())
	return &eventStreamTransport{
		config: cfg,
		logger: slog.Default().With("provider", cfg.ID, "transport", "event-stream"),
		// No client timeout: the event stream is long-lived. Individual
		// calls are bounded by the pending-channel wait instead.
		client:   &http.Client{},
		lifeCtx:  lifeCtx,
		cancel:   cancel,
		pending:  make(map[string]chan *rpcResponse),
		stopChan: make(chan struct{}),
	}
}

// Start opens the event stream and begins consuming it. The stream's
// lifetime is owned by Stop, not the caller's context: a request-scoped
// cancellation must not take the provider down.
func (t *eventStreamTransport) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}

	body, err := t.openStream(t.lifeCtx)
	if err != nil {
		t.started.Store(false)
		return err
	}

	t.connected.Store(true)
	t.logger.Info("event stream connected", "url", t.streamURL())

	t.wg.Add(1)
	go t.readLoop(body)
	return nil
}

// Stop terminates the stream; in-flight calls fail instead of hanging.
// Cancelling the lifecycle context closes the in-flight response body, so
// the read loop unblocks even when the stream is healthy but silent.
func (t *eventStreamTransport) Stop() error {
	if !t.started.Load() || !t.stopped.CompareAndSwap(false, true) {
		return nil
	}
	t.connected.Store(false)
	close(t.stopChan)
	t.cancel()
	t.wg.Wait()
	return nil
}

// Call posts the request and waits for its response to arrive on the stream.
func (t *eventStreamTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := uuid.New().String()
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	var err error
	if req.Params, err = marshalParams(params); err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	respChan := make(chan *rpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.post(ctx, req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(t.config.callTimeout()):
		return nil, fmt.Errorf("request timeout after %v", t.config.callTimeout())
	case <-t.stopChan:
		return nil, fmt.Errorf("transport closed")
	}
}

// Notify posts a notification; nothing comes back on the stream for it.
func (t *eventStreamTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	notif := rpcNotification{JSONRPC: "2.0", Method: method}
	var err error
	if notif.Params, err = marshalParams(params); err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return t.postRaw(ctx, mustMarshal(notif))
}

func (t *eventStreamTransport) Connected() bool {
	return t.connected.Load()
}

func (t *eventStreamTransport) streamURL() string {
	return strings.TrimSuffix(t.config.URL, "/") + "/events"
}

// openStream issues the GET that establishes the event stream.
func (t *eventStreamTransport) openStream(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.streamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream returned HTTP %d", resp.StatusCode)
	}
	return resp, nil
}

// readLoop consumes the stream. Each drop gets one reconnect; a stream
// that delivered data before dropping restores the budget, so only two
// consecutive silent drops mark the transport disconnected.
func (t *eventStreamTransport) readLoop(resp *http.Response) {
	defer t.wg.Done()
	defer t.connected.Store(false)

	reconnected := false
	for {
		sawData := t.consumeStream(resp.Body)
		resp.Body.Close()

		select {
		case <-t.stopChan:
			return
		default:
		}

		if sawData {
			reconnected = false
		}
		if reconnected {
			t.logger.Warn("event stream dropped twice without data, giving up")
			return
		}
		reconnected = true

		t.logger.Debug("event stream dropped, reconnecting")
		var err error
		resp, err = t.openStream(t.lifeCtx)
		if err != nil {
			t.logger.Warn("event stream reconnect failed", "error", err)
			return
		}
	}
}

// consumeStream parses SSE data lines and dispatches responses. It reports
// whether the stream produced anything before ending.
func (t *eventStreamTransport) consumeStream(body io.Reader) bool {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	sawData := false
	for scanner.Scan() {
		sawData = true

		select {
		case <-t.stopChan:
			return sawData
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var resp rpcResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil || resp.ID == nil {
			continue
		}
		id, ok := resp.ID.(string)
		if !ok {
			continue
		}

		t.pendingMu.Lock()
		if ch, exists := t.pending[id]; exists {
			select {
			case ch <- &resp:
			default:
			}
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
	}
	return sawData
}

// post sends one request body, retrying once on a dropped connection.
func (t *eventStreamTransport) post(ctx context.Context, req rpcRequest) error {
	return t.postRaw(ctx, mustMarshal(req))
}

func (t *eventStreamTransport) postRaw(ctx context.Context, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		for k, v := range t.config.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := t.client.Do(httpReq)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 400 {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("post request: %w", lastErr)
}

func mustMarshal(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
