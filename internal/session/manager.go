package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager owns all live sessions, enforces the session limit and closes
// sessions that stopped sending audio.
type Manager struct {
	sessions    map[string]*Session
	mu          sync.RWMutex
	logger      *zap.Logger
	timeout     time.Duration
	maxSessions int

	config Config
	deps   Deps

	totalCreated  uint64
	totalRejected uint64
	totalExpired  uint64

	cleanupInterval time.Duration

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// ManagerStats summarizes manager activity
type ManagerStats struct {
	ActiveSessions int    `json:"active_sessions"`
	MaxSessions    int    `json:"max_sessions"`
	TotalCreated   uint64 `json:"total_created"`
	TotalRejected  uint64 `json:"total_rejected"`
	TotalExpired   uint64 `json:"total_expired"`
}

// NewManager creates a session manager. A maxSessions of zero means no limit.
func NewManager(config Config, deps Deps, timeout time.Duration, maxSessions int) *Manager {
	return newManager(config, deps, timeout, maxSessions, 30*time.Second)
}

func newManager(config Config, deps Deps, timeout time.Duration, maxSessions int, interval time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	mgr := &Manager{
		sessions:        make(map[string]*Session),
		logger:          deps.Logger,
		timeout:         timeout,
		maxSessions:     maxSessions,
		config:          config,
		deps:            deps,
		cleanupInterval: interval,
		ctx:             ctx,
		cancel:          cancel,
		cleanup:         make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// Create opens a session for a client declaring sampleRate and performs the
// handshake. A rejected handshake leaves no session behind; the error is
// ErrSampleRateMismatch or ErrSessionLimit.
func (m *Manager) Create(sampleRate int) (*Session, error) {
	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.totalRejected++
		m.mu.Unlock()
		m.deps.Metrics.RecordSessionRejected("limit")
		m.logger.Warn("Session limit reached", zap.Int("max_sessions", m.maxSessions))
		return nil, ErrSessionLimit
	}

	session, err := New(m.ctx, uuid.NewString(), m.config, m.deps)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	m.sessions[session.ID] = session
	m.mu.Unlock()

	if err := session.Handshake(sampleRate); err != nil {
		m.discard(session.ID)
		session.Close()
		m.deps.Metrics.RecordSessionRejected("sample_rate")
		return nil, err
	}

	m.mu.Lock()
	m.totalCreated++
	active := len(m.sessions)
	m.mu.Unlock()

	m.deps.Metrics.RecordSessionCreated()
	m.deps.Metrics.SetActiveSessions(active)

	m.logger.Info("Created new session",
		zap.String("session_id", session.ID),
		zap.Int("sample_rate", sampleRate),
		zap.Int("active_sessions", active),
	)

	return session, nil
}

func (m *Manager) discard(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Get retrieves an existing session
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// ActiveCount returns the number of currently active sessions
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns a snapshot of all sessions ordered by start time.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.GetSessionInfo())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTime.Before(infos[j].StartTime)
	})
	return infos
}

// Remove closes a session and forgets it. It reports whether the session existed.
func (m *Manager) Remove(id string) bool {
	return m.remove(id, false)
}

// remove closes the session before dropping it from the index, so a session
// no longer counted as active is always DISCONNECTED. Expiry is counted in
// the same critical section that drops it.
func (m *Manager) remove(id string, expired bool) bool {
	m.mu.RLock()
	session, exists := m.sessions[id]
	m.mu.RUnlock()

	if !exists {
		return false
	}

	info := session.GetSessionInfo()
	session.Close()

	m.mu.Lock()
	if m.sessions[id] != session {
		// a concurrent remove got there first
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	if expired {
		m.totalExpired++
	}
	active := len(m.sessions)
	m.mu.Unlock()

	m.deps.Metrics.RecordSessionClosed(time.Since(session.StartTime).Seconds())
	m.deps.Metrics.SetActiveSessions(active)

	m.logger.Info("Session removed",
		zap.String("session_id", id),
		zap.Bool("expired", expired),
		zap.Duration("duration", time.Since(session.StartTime)),
		zap.Uint64("utterances", info.Utterances),
		zap.Uint64("transcripts", info.Transcripts),
		zap.Uint64("failures", info.Failures),
	)

	return true
}

// GetStats returns manager counters
func (m *Manager) GetStats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		ActiveSessions: len(m.sessions),
		MaxSessions:    m.maxSessions,
		TotalCreated:   m.totalCreated,
		TotalRejected:  m.totalRejected,
		TotalExpired:   m.totalExpired,
	}
}

// Stop closes every session and stops the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Remove(id)
	}

	m.cancel()
	<-m.cleanup

	stats := m.GetStats()
	m.logger.Info("Session manager stopped",
		zap.Int("remaining_sessions", stats.ActiveSessions),
		zap.Uint64("total_created", stats.TotalCreated),
		zap.Uint64("total_rejected", stats.TotalRejected),
		zap.Uint64("total_expired", stats.TotalExpired),
	)
}

// startCleanupRoutine runs in a separate goroutine to close idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	m.logger.Debug("Session cleanup routine started",
		zap.Duration("timeout", m.timeout),
		zap.Duration("check_interval", m.cleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions() {
	if m.timeout <= 0 {
		return
	}

	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, session := range m.sessions {
		if now.Sub(session.LastActivity()) > m.timeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.logger.Info("Cleaning up expired sessions", zap.Int("expired_count", len(expired)))
	for _, id := range expired {
		m.remove(id, true)
	}
}
