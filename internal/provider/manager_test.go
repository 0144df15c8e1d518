package provider

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/conduitworks/conduit/internal/fault"
)

func testManager(t *testing.T, configs []*Config) *Manager {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "providers.yaml"), slog.Default())
	if err := store.Save(configs); err != nil {
		t.Fatal(err)
	}
	m := NewManager(store, Options{})
	if err := m.Load(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func fakeProvider(t *testing.T, ops []*Operation, call func(callOperationParams) (*CallResult, *RPCError)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(rpcHandler(t, ops, call))
	t.Cleanup(server.Close)
	return server
}

func httpConfig(id, url string) *Config {
	return &Config{
		ID:        id,
		Name:      id,
		Transport: TransportStreamingHTTP,
		URL:       url,
		Enabled:   true,
		Timeout:   2 * time.Second,
	}
}

func TestManagerActiveToolsetAggregates(t *testing.T) {
	alpha := fakeProvider(t, []*Operation{
		{Name: "read_file", Description: "read a file"},
		{Name: "list_dir"},
	}, echoCall)
	beta := fakeProvider(t, []*Operation{
		{Name: "search_web"},
	}, echoCall)

	m := testManager(t, []*Config{
		httpConfig("alpha", alpha.URL),
		httpConfig("beta", beta.URL),
	})

	toolset := m.ActiveToolset(context.Background())
	if len(toolset) != 3 {
		t.Fatalf("expected 3 operations, got %d: %+v", len(toolset), toolset)
	}

	owners := map[string]string{}
	for _, td := range toolset {
		owners[td.Name] = td.ProviderID
	}
	if owners["read_file"] != "alpha" || owners["search_web"] != "beta" {
		t.Errorf("wrong ownership: %v", owners)
	}
}

func TestManagerBrokenProviderIsolated(t *testing.T) {
	good := fakeProvider(t, []*Operation{{Name: "search_web"}}, echoCall)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	// Broken provider listed first; the valid one must still come up.
	m := testManager(t, []*Config{
		httpConfig("svc-a", dead.URL),
		httpConfig("svc-b", good.URL),
	})

	toolset := m.ActiveToolset(context.Background())
	if len(toolset) != 1 || toolset[0].ProviderID != "svc-b" {
		t.Fatalf("expected svc-b operations only, got %+v", toolset)
	}

	statuses := m.Statuses()
	byID := map[string]Status{}
	for _, s := range statuses {
		byID[s.ID] = s
	}
	if byID["svc-a"].Connected {
		t.Error("svc-a should not report connected")
	}
	if !byID["svc-b"].Connected {
		t.Error("svc-b should report connected")
	}
}

func TestManagerDuplicateOperationFirstWins(t *testing.T) {
	first := fakeProvider(t, []*Operation{{Name: "search_web", Description: "first"}}, echoCall)
	second := fakeProvider(t, []*Operation{{Name: "search_web", Description: "second"}}, echoCall)

	m := testManager(t, []*Config{
		httpConfig("first", first.URL),
		httpConfig("second", second.URL),
	})

	toolset := m.ActiveToolset(context.Background())
	if len(toolset) != 1 {
		t.Fatalf("expected 1 operation after dedup, got %d", len(toolset))
	}
	if toolset[0].ProviderID != "first" || toolset[0].Description != "first" {
		t.Errorf("expected first registration to win, got %+v", toolset[0])
	}
}

func TestManagerInvoke(t *testing.T) {
	server := fakeProvider(t, []*Operation{{Name: "echo"}}, func(params callOperationParams) (*CallResult, *RPCError) {
		var args map[string]any
		_ = json.Unmarshal(params.Arguments, &args)
		text, _ := args["text"].(string)
		return &CallResult{Content: []ContentBlock{{Type: "text", Text: text}}}, nil
	})

	m := testManager(t, []*Config{httpConfig("p", server.URL)})
	m.ActiveToolset(context.Background())

	result, err := m.Invoke(context.Background(), "echo", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if result.Content[0].Text != "hello" {
		t.Errorf("got %q", result.Content[0].Text)
	}
}

func TestManagerInvokeUnknownOperation(t *testing.T) {
	m := testManager(t, nil)
	m.ActiveToolset(context.Background())

	_, err := m.Invoke(context.Background(), "no_such_op", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.KindOf(err) != fault.KindProtocol {
		t.Errorf("kind = %v, want protocol", fault.KindOf(err))
	}
}

func TestManagerInvokeValidatesArguments(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
	server := fakeProvider(t, []*Operation{{Name: "read_file", InputSchema: schema}}, echoCall)

	m := testManager(t, []*Config{httpConfig("fs", server.URL)})
	m.ActiveToolset(context.Background())

	_, err := m.Invoke(context.Background(), "read_file", map[string]any{"wrong": true})
	if err == nil {
		t.Fatal("expected schema violation")
	}
	if fault.KindOf(err) != fault.KindProtocol {
		t.Errorf("kind = %v, want protocol", fault.KindOf(err))
	}

	if _, err := m.Invoke(context.Background(), "read_file", map[string]any{"path": "/tmp/x"}); err != nil {
		t.Errorf("valid arguments rejected: %v", err)
	}
}

func TestManagerInvokeProviderError(t *testing.T) {
	server := fakeProvider(t, []*Operation{{Name: "boom"}}, func(callOperationParams) (*CallResult, *RPCError) {
		return nil, &RPCError{Code: rpcCodeInvalidParams, Message: "invalid request"}
	})

	m := testManager(t, []*Config{httpConfig("p", server.URL)})
	m.ActiveToolset(context.Background())

	_, err := m.Invoke(context.Background(), "boom", nil)
	if err == nil {
		t.Fatal("expected provider error")
	}
	// A provider-level rejection is terminal, not a transport fault.
	if fault.KindOf(err) != fault.KindProtocol {
		t.Errorf("kind = %v, want protocol", fault.KindOf(err))
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Errorf("original RPCError lost from chain: %v", err)
	}
}

func TestManagerAddDuplicateID(t *testing.T) {
	m := testManager(t, []*Config{httpConfig("p", "http://localhost:1")})

	err := m.Add(httpConfig("p", "http://localhost:2"))
	if err == nil {
		t.Fatal("expected duplicate id rejection")
	}
	if fault.KindOf(err) != fault.KindConfiguration {
		t.Errorf("kind = %v, want configuration", fault.KindOf(err))
	}
}

func TestManagerAddPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	store := NewStore(path, slog.Default())
	if err := store.Save(nil); err != nil {
		t.Fatal(err)
	}
	m := NewManager(store, Options{})
	if err := m.Load(); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	if err := m.Add(httpConfig("p", "http://localhost:9")); err != nil {
		t.Fatal(err)
	}

	// A fresh load from disk must see the entry.
	reloaded, err := NewStore(path, slog.Default()).Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(reloaded) != 1 || reloaded[0].ID != "p" {
		t.Errorf("persisted entries = %+v", reloaded)
	}
}

func TestManagerDisableTearsDown(t *testing.T) {
	server := fakeProvider(t, []*Operation{{Name: "search_web"}}, echoCall)
	m := testManager(t, []*Config{httpConfig("p", server.URL)})

	if got := len(m.ActiveToolset(context.Background())); got != 1 {
		t.Fatalf("expected 1 operation, got %d", got)
	}

	if err := m.Disable("p"); err != nil {
		t.Fatal(err)
	}
	if got := len(m.ActiveToolset(context.Background())); got != 0 {
		t.Errorf("disabled provider still in toolset: %d operations", got)
	}
	if _, err := m.Invoke(context.Background(), "search_web", nil); err == nil {
		t.Error("invoke should fail after disable")
	}

	if err := m.Enable("p"); err != nil {
		t.Fatal(err)
	}
	if got := len(m.ActiveToolset(context.Background())); got != 1 {
		t.Errorf("re-enabled provider missing: %d operations", got)
	}
}

func TestManagerRemoveUnknown(t *testing.T) {
	m := testManager(t, nil)
	if err := m.Remove("ghost"); err == nil {
		t.Fatal("expected error removing unknown provider")
	}
}

func TestManagerConfigMutationAppliesAtSnapshot(t *testing.T) {
	server := fakeProvider(t, []*Operation{{Name: "search_web"}}, echoCall)
	m := testManager(t, []*Config{httpConfig("p", server.URL)})

	before := m.ActiveToolset(context.Background())
	if len(before) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(before))
	}

	// Disabling does not retract the already-returned snapshot.
	if err := m.Disable("p"); err != nil {
		t.Fatal(err)
	}
	if len(before) != 1 {
		t.Error("prior snapshot mutated")
	}

	after := m.ActiveToolset(context.Background())
	if len(after) != 0 {
		t.Errorf("next snapshot should reflect the disable, got %d", len(after))
	}
}

// blockingStopTransport blocks in Stop until released, standing in for a
// transport mid-teardown.
type blockingStopTransport struct {
	stopping chan struct{}
	release  chan struct{}
}

func (b *blockingStopTransport) Start(context.Context) error { return nil }

func (b *blockingStopTransport) Call(context.Context, string, any) (json.RawMessage, error) {
	return nil, errors.New("not implemented")
}

func (b *blockingStopTransport) Notify(context.Context, string, any) error { return nil }

func (b *blockingStopTransport) Stop() error {
	close(b.stopping)
	<-b.release
	return nil
}

func (b *blockingStopTransport) Connected() bool { return true }

func TestManagerDisableStopsConnectionOutsideLock(t *testing.T) {
	cfg := httpConfig("p", "http://unused")
	m := testManager(t, []*Config{cfg})

	tr := &blockingStopTransport{stopping: make(chan struct{}), release: make(chan struct{})}
	m.mu.Lock()
	m.conns["p"] = &Connection{config: cfg, transport: tr, logger: slog.Default()}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := m.Disable("p"); err != nil {
			t.Error(err)
		}
	}()
	<-tr.stopping

	// Teardown is blocked in transport I/O; the manager must stay
	// responsive meanwhile.
	reads := make(chan struct{})
	go func() {
		m.Statuses()
		m.Configs()
		close(reads)
	}()
	select {
	case <-reads:
	case <-time.After(time.Second):
		t.Fatal("manager reads blocked while a connection was stopping")
	}

	close(tr.release)
	<-done
	if m.connection("p") != nil {
		t.Error("disabled connection should be unlinked")
	}
}
