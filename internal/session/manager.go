package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduitworks/conduit/internal/observability"
)

// Manager owns every accepted client session: an index by connection id,
// an index by group key, and the heartbeat sweep that reaps dead peers. A
// failed send is taken as proof the peer is gone; the handle is dropped
// immediately rather than left to rot until the next sweep.
type Manager struct {
	logger *slog.Logger

	interval time.Duration
	stale    time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	byID    map[string]*Handle
	byGroup map[string]map[string]*Handle
}

// Options tunes a Manager. Zero values get defaults.
type Options struct {
	Logger            *slog.Logger
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration
	Now               func() time.Time
}

// NewManager creates an empty session manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	stale := opts.StaleTimeout
	if stale <= 0 {
		stale = DefaultStaleTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		logger:   logger.With("component", "sessions"),
		interval: interval,
		stale:    stale,
		now:      now,
		byID:     make(map[string]*Handle),
		byGroup:  make(map[string]map[string]*Handle),
	}
}

// Accept wraps a socket and registers it. An empty connectionID gets a
// generated one; groupKey is optional.
func (m *Manager) Accept(conn Conn, connectionID, groupKey string) *Handle {
	if connectionID == "" {
		connectionID = uuid.NewString()
	}

	h := &Handle{id: connectionID, groupKey: groupKey, conn: conn}
	h.touch(m.now())

	m.mu.Lock()
	if prev, ok := m.byID[connectionID]; ok {
		// A reconnect with the same id replaces the old socket.
		m.removeLocked(prev)
		prev.close()
	}
	m.byID[connectionID] = h
	if groupKey != "" {
		group, ok := m.byGroup[groupKey]
		if !ok {
			group = make(map[string]*Handle)
			m.byGroup[groupKey] = group
		}
		group[connectionID] = h
	}
	count := len(m.byID)
	m.mu.Unlock()

	observability.SessionsActive.Set(float64(count))
	m.logger.Debug("session accepted", "connection", connectionID, "group", groupKey)
	return h
}

// Send delivers one message to a single connection. Returns false when the
// connection is unknown or delivery fails; a failed delivery disconnects
// the handle.
func (m *Manager) Send(connectionID string, message any) bool {
	m.mu.RLock()
	h, ok := m.byID[connectionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return m.deliver(h, message)
}

// SendToGroup delivers to every handle in the group and returns how many
// deliveries succeeded. Failed handles are disconnected along the way.
func (m *Manager) SendToGroup(groupKey string, message any) int {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.byGroup[groupKey]))
	for _, h := range m.byGroup[groupKey] {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	sent := 0
	for _, h := range handles {
		if m.deliver(h, message) {
			sent++
		}
	}
	return sent
}

// Broadcast delivers to every connection except the excluded ids.
func (m *Manager) Broadcast(message any, excluding ...string) int {
	skip := make(map[string]bool, len(excluding))
	for _, id := range excluding {
		skip[id] = true
	}

	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.byID))
	for id, h := range m.byID {
		if !skip[id] {
			handles = append(handles, h)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, h := range handles {
		if m.deliver(h, message) {
			sent++
		}
	}
	return sent
}

// Disconnect closes the socket and removes the handle from every index.
// Unknown ids are a no-op; calling it twice is safe.
func (m *Manager) Disconnect(connectionID string) {
	m.mu.RLock()
	h, ok := m.byID[connectionID]
	m.mu.RUnlock()
	if ok {
		m.evict(h)
	}
}

// DisconnectHandle closes one specific handle. Unlike Disconnect it never
// touches a replacement that has since taken over the same id.
func (m *Manager) DisconnectHandle(h *Handle) {
	m.evict(h)
}

// evict closes h and, if it still owns its connection id, removes it from
// the indices. A handle snapshot can race a same-id reconnect; the
// replacement handle must survive the stale one's eviction.
func (m *Manager) evict(h *Handle) {
	m.mu.Lock()
	current := m.byID[h.id] == h
	if current {
		m.removeLocked(h)
	}
	count := len(m.byID)
	m.mu.Unlock()

	h.close()
	if current {
		observability.SessionsActive.Set(float64(count))
		m.logger.Debug("session disconnected", "connection", h.id)
	}
}

// Touch records inbound activity on a connection, deferring its eviction.
func (m *Manager) Touch(connectionID string) {
	m.mu.RLock()
	h, ok := m.byID[connectionID]
	m.mu.RUnlock()
	if ok {
		h.touch(m.now())
	}
}

// ConnectionCount returns the number of live sessions.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// GroupCount returns the number of non-empty groups.
func (m *Manager) GroupCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byGroup)
}

// Run drives the heartbeat sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("heartbeat sweep started", "interval", m.interval, "stale_timeout", m.stale)
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep examines every session once: stale ones are disconnected, the rest
// are pinged. A ping that fails disconnects immediately; one that succeeds
// counts as activity.
func (m *Manager) Sweep() {
	now := m.now()

	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.byID))
	for _, h := range m.byID {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	ping := pingFrame(now)
	for _, h := range handles {
		if now.Sub(h.LastActivity()) > m.stale {
			m.logger.Info("evicting stale session",
				"connection", h.id,
				"idle", now.Sub(h.LastActivity()).Round(time.Second))
			m.evict(h)
			observability.SessionEvictions.WithLabelValues("stale").Inc()
			continue
		}

		if err := h.write(ping); err != nil {
			m.logger.Info("ping failed, evicting session", "connection", h.id, "error", err)
			m.evict(h)
			observability.SessionEvictions.WithLabelValues("ping_failed").Inc()
			continue
		}
		h.touch(now)
	}
}

// deliver writes one message to a handle; failure disconnects it.
func (m *Manager) deliver(h *Handle, message any) bool {
	if h.Closed() {
		return false
	}

	data, err := encodeFrame(message)
	if err != nil {
		m.logger.Warn("undeliverable message", "connection", h.id, "error", err)
		return false
	}

	if err := h.write(data); err != nil {
		m.logger.Debug("send failed, dropping session", "connection", h.id, "error", err)
		m.evict(h)
		return false
	}
	return true
}

// removeLocked drops a handle from both indices; m.mu must be held.
func (m *Manager) removeLocked(h *Handle) {
	delete(m.byID, h.id)
	if h.groupKey == "" {
		return
	}
	if group, ok := m.byGroup[h.groupKey]; ok {
		delete(group, h.id)
		if len(group) == 0 {
			delete(m.byGroup, h.groupKey)
		}
	}
}

// closeAll tears down every session, used on shutdown.
func (m *Manager) closeAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.byID))
	for _, h := range m.byID {
		handles = append(handles, h)
	}
	m.byID = make(map[string]*Handle)
	m.byGroup = make(map[string]map[string]*Handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.close()
	}
	observability.SessionsActive.Set(0)
}
