package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conduitworks/conduit/internal/fault"
	"github.com/conduitworks/conduit/internal/observability"
	"github.com/conduitworks/conduit/internal/resilience"
)

// Manager owns the configured provider entries and their live connections,
// and aggregates every enabled provider's operations into one capability
// set. Per-provider failures are contained: one broken provider reduces the
// set instead of aborting the rest.
//
// Config mutations take effect on the next ActiveToolset snapshot, not
// mid-call. Operations resolved for a request keep dispatching through the
// snapshot they were resolved from.
type Manager struct {
	store  *Store
	logger *slog.Logger

	exec     *resilience.Executor
	breakers *resilience.BreakerSet
	policy   resilience.RetryPolicy
	lookup   LookupFunc

	mu      sync.RWMutex
	configs []*Config              // persisted (raw) form
	conns   map[string]*Connection // by provider id
	index   map[string]string      // operation name -> owning provider id

	activateMu sync.Mutex
	dirty      atomic.Bool
}

// Options tunes a Manager. Zero values get sensible defaults.
type Options struct {
	Logger    *slog.Logger
	Executor  *resilience.Executor
	Breakers  *resilience.BreakerSet
	Policy    resilience.RetryPolicy
	LookupEnv LookupFunc
}

// NewManager creates a manager over store.
func NewManager(store *Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exec := opts.Executor
	if exec == nil {
		exec = resilience.NewExecutor(logger, nil)
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = resilience.NewBreakerSet(resilience.BreakerConfig{})
	}
	policy := opts.Policy
	if policy.MaxAttempts == 0 {
		policy = resilience.DefaultPolicy()
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	return &Manager{
		store:    store,
		logger:   logger.With("component", "providers"),
		exec:     exec,
		breakers: breakers,
		policy:   policy,
		lookup:   lookup,
		conns:    make(map[string]*Connection),
		index:    make(map[string]string),
	}
}

// Load reads the persisted provider list. A corrupt store is a startup
// error; the caller decides whether to abort.
func (m *Manager) Load() error {
	configs, err := m.store.Load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.configs = configs
	m.mu.Unlock()
	return nil
}

// Watch begins observing external edits to the store file. A detected edit
// marks the manager dirty; the reload happens on the next ActiveToolset
// snapshot, never mid-call.
func (m *Manager) Watch(ctx context.Context) error {
	return m.store.Watch(ctx, func() {
		m.dirty.Store(true)
	})
}

// Configs returns a copy of the configured entries.
func (m *Manager) Configs() []*Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Config, len(m.configs))
	for i, c := range m.configs {
		out[i] = c.clone()
	}
	return out
}

// Add appends a new provider entry and persists the list. Duplicate ids are
// rejected.
func (m *Manager) Add(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fault.New(fault.KindConfiguration, cfg.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.configs {
		if existing.ID == cfg.ID {
			return fault.Newf(fault.KindConfiguration, cfg.ID, "provider %q already exists", cfg.ID)
		}
	}

	next := append(append([]*Config(nil), m.configs...), cfg.clone())
	if err := m.store.Save(next); err != nil {
		return err
	}
	m.configs = next
	m.logger.Info("provider added", "provider", cfg.ID, "transport", cfg.Transport)
	return nil
}

// Remove deletes a provider entry, tearing down its connection if active.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()

	next := make([]*Config, 0, len(m.configs))
	found := false
	for _, c := range m.configs {
		if c.ID == id {
			found = true
			continue
		}
		next = append(next, c)
	}
	if !found {
		m.mu.Unlock()
		return fault.Newf(fault.KindConfiguration, id, "unknown provider %q", id)
	}

	if err := m.store.Save(next); err != nil {
		m.mu.Unlock()
		return err
	}
	m.configs = next
	conn := m.unlinkLocked(id)
	m.mu.Unlock()

	m.stopConnection(id, conn)
	m.logger.Info("provider removed", "provider", id)
	return nil
}

// Enable marks a provider enabled. The connection comes up on the next
// toolset snapshot.
func (m *Manager) Enable(id string) error {
	return m.setEnabled(id, true)
}

// Disable marks a provider disabled and tears down its connection.
func (m *Manager) Disable(id string) error {
	return m.setEnabled(id, false)
}

func (m *Manager) setEnabled(id string, enabled bool) error {
	m.mu.Lock()

	next := make([]*Config, len(m.configs))
	found := false
	for i, c := range m.configs {
		if c.ID == id {
			found = true
			updated := c.clone()
			updated.Enabled = enabled
			next[i] = updated
		} else {
			next[i] = c
		}
	}
	if !found {
		m.mu.Unlock()
		return fault.Newf(fault.KindConfiguration, id, "unknown provider %q", id)
	}

	if err := m.store.Save(next); err != nil {
		m.mu.Unlock()
		return err
	}
	m.configs = next
	var conn *Connection
	if !enabled {
		conn = m.unlinkLocked(id)
	}
	m.mu.Unlock()

	m.stopConnection(id, conn)
	m.logger.Info("provider toggled", "provider", id, "enabled", enabled)
	return nil
}

// unlinkLocked drops a live connection from both maps without stopping it;
// m.mu must be held. Stopping is the caller's job after releasing the
// lock: Stop blocks on transport I/O and must never run under m.mu.
func (m *Manager) unlinkLocked(id string) *Connection {
	conn, ok := m.conns[id]
	if !ok {
		return nil
	}
	delete(m.conns, id)
	for name, owner := range m.index {
		if owner == id {
			delete(m.index, name)
		}
	}
	return conn
}

// stopConnection tears down an unlinked connection. A nil conn is a no-op.
func (m *Manager) stopConnection(id string, conn *Connection) {
	if conn == nil {
		return
	}
	if err := conn.Stop(); err != nil {
		m.logger.Warn("provider teardown failed", "provider", id, "error", err)
	}
}

// ActiveToolset lazily connects every enabled provider and returns the
// union of their operations, each tagged with its owning provider. A
// provider that fails to initialize is logged and excluded; the rest load
// normally. When two providers expose the same operation name, the first
// registered (config list order) wins and later duplicates are skipped.
func (m *Manager) ActiveToolset(ctx context.Context) []ToolDescriptor {
	m.activateMu.Lock()
	defer m.activateMu.Unlock()

	if m.dirty.Swap(false) {
		if err := m.Load(); err != nil {
			// Keep serving the previous list rather than dropping providers
			// over a bad edit.
			m.logger.Error("provider store reload failed", "error", err)
		}
	}

	m.mu.RLock()
	configs := make([]*Config, len(m.configs))
	copy(configs, m.configs)
	m.mu.RUnlock()

	enabled := make(map[string]bool, len(configs))
	var toolset []ToolDescriptor
	index := make(map[string]string)

	for _, raw := range configs {
		if !raw.Enabled {
			continue
		}
		enabled[raw.ID] = true

		conn := m.connection(raw.ID)
		if conn == nil || !conn.Connected() {
			fresh, err := m.activate(ctx, raw)
			if err != nil {
				m.logger.Error("provider failed to initialize, excluding",
					"provider", raw.ID,
					"error", err)
				continue
			}
			conn = fresh
		}

		for _, op := range conn.Operations() {
			if owner, taken := index[op.Name]; taken {
				m.logger.Warn("duplicate operation name, first registration wins",
					"operation", op.Name,
					"provider", raw.ID,
					"owner", owner)
				continue
			}
			index[op.Name] = raw.ID
			toolset = append(toolset, ToolDescriptor{
				Name:        op.Name,
				Description: op.Description,
				InputSchema: op.InputSchema,
				ProviderID:  raw.ID,
			})
		}
	}

	// Connections whose configs were disabled or removed by an external
	// store edit are torn down here, on the snapshot boundary.
	m.mu.Lock()
	var stale []*Connection
	for id := range m.conns {
		if !enabled[id] {
			if conn := m.unlinkLocked(id); conn != nil {
				stale = append(stale, conn)
			}
		}
	}
	m.index = index
	connected := 0
	for _, conn := range m.conns {
		if conn.Connected() {
			connected++
		}
	}
	m.mu.Unlock()

	for _, conn := range stale {
		m.stopConnection(conn.Config().ID, conn)
	}

	observability.ProvidersConnected.Set(float64(connected))
	return toolset
}

// connection returns the live connection for id, if any.
func (m *Manager) connection(id string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[id]
}

// activate expands, validates, and connects one provider entry.
func (m *Manager) activate(ctx context.Context, raw *Config) (*Connection, error) {
	resolved, err := raw.expanded(m.lookup)
	if err != nil {
		return nil, fault.New(fault.KindConfiguration, raw.ID, err)
	}
	if err := resolved.Validate(); err != nil {
		return nil, fault.New(fault.KindConfiguration, raw.ID, err)
	}

	conn := newConnection(resolved, m.logger)
	if err := conn.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Another snapshot may have raced us here; keep the existing one.
	if existing, ok := m.conns[raw.ID]; ok && existing.Connected() {
		m.mu.Unlock()
		conn.Stop()
		return existing, nil
	}
	m.conns[raw.ID] = conn
	m.mu.Unlock()
	return conn, nil
}

// Invoke routes an operation call to its owning provider, wrapped by the
// resilience executor keyed on the provider id.
func (m *Manager) Invoke(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	m.mu.RLock()
	providerID, known := m.index[name]
	conn := m.conns[providerID]
	m.mu.RUnlock()

	if !known {
		return nil, fault.Newf(fault.KindProtocol, "", "unknown operation %q", name)
	}
	if conn == nil {
		return nil, fault.Newf(fault.KindTransport, providerID, "provider %q unavailable", providerID)
	}

	if schema := operationSchema(conn, name); schema != nil {
		if err := validateArguments(schema, args); err != nil {
			return nil, fault.New(fault.KindProtocol, providerID, err)
		}
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fault.New(fault.KindProtocol, providerID, fmt.Errorf("encode arguments: %w", err))
	}

	start := time.Now()
	result, err := resilience.ExecuteValue(ctx, m.exec, providerID, m.policy, m.breakers.Get(providerID),
		func(ctx context.Context) (*CallResult, error) {
			return conn.Call(ctx, name, argsJSON)
		})

	status := "success"
	if err != nil {
		status = "error"
	}
	observability.ToolInvocations.WithLabelValues(providerID, name, status).Inc()
	observability.ToolInvocationDuration.WithLabelValues(providerID).Observe(time.Since(start).Seconds())
	return result, err
}

// Statuses reports the runtime state of every configured provider.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.configs))
	for _, c := range m.configs {
		s := Status{
			ID:        c.ID,
			Name:      c.Name,
			Transport: string(c.Transport),
			Enabled:   c.Enabled,
		}
		if conn, ok := m.conns[c.ID]; ok {
			s.Connected = conn.Connected()
			s.Operations = len(conn.Operations())
		}
		out = append(out, s)
	}
	return out
}

// Breakers exposes breaker snapshots for status surfaces.
func (m *Manager) Breakers() []resilience.BreakerSnapshot {
	return m.breakers.Snapshots()
}

// Shutdown stops the store watcher and every live connection.
func (m *Manager) Shutdown() {
	m.store.Close()

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for id, conn := range m.conns {
		conns = append(conns, conn)
		delete(m.conns, id)
	}
	m.index = make(map[string]string)
	m.mu.Unlock()

	for _, conn := range conns {
		m.stopConnection(conn.Config().ID, conn)
	}
}

// operationSchema finds the input schema for name on conn, if declared.
func operationSchema(conn *Connection, name string) json.RawMessage {
	for _, op := range conn.Operations() {
		if op.Name == name {
			return op.InputSchema
		}
	}
	return nil
}
