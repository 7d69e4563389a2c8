// Package session manages session lifecycles: one bridge and one runtime
// connection per session key, with explicit creation and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/alia-gateway/internal/bridge"
	"github.com/ashureev/alia-gateway/internal/conversation"
	"github.com/ashureev/alia-gateway/internal/domain"
	"github.com/ashureev/alia-gateway/internal/metrics"
	"github.com/ashureev/alia-gateway/internal/runtime"
	"github.com/ashureev/alia-gateway/internal/store"
	"github.com/google/uuid"
)

// ErrRuntimeUnavailable indicates a session could not be opened because
// the runtime connection could not be constructed.
var ErrRuntimeUnavailable = errors.New("runtime unavailable")

// Session is a handle for one running session.
type Session struct {
	Key    string
	ConnID string

	opts    runtime.SessionOptions
	bridge  *bridge.Bridge
	rt      runtime.Conn
	manager *Manager

	closeOnce   sync.Once
	releaseOnce sync.Once
}

// Manager creates and destroys session bridges, enforcing one runtime
// connection per session key.
type Manager struct {
	factory    runtime.Factory
	machine    *conversation.Machine
	repo       store.Repository
	transcript store.TranscriptLogger
	logger     *slog.Logger
	grace      time.Duration

	mu     sync.RWMutex
	active map[string]*Session
}

// ManagerConfig carries manager construction parameters.
type ManagerConfig struct {
	Factory       runtime.Factory
	Machine       *conversation.Machine
	Repo          store.Repository
	Transcript    store.TranscriptLogger
	Logger        *slog.Logger
	TeardownGrace time.Duration
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transcript := cfg.Transcript
	if transcript == nil {
		transcript = store.NopTranscriptLogger{}
	}
	return &Manager{
		factory:    cfg.Factory,
		machine:    cfg.Machine,
		repo:       cfg.Repo,
		transcript: transcript,
		logger:     logger,
		grace:      cfg.TeardownGrace,
		active:     make(map[string]*Session),
	}
}

// IsReady reports whether new sessions can currently be opened.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.factory.Ready(ctx)
}

// ActiveCount returns the number of running sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Snapshot returns a copy of the conversation state for a running session.
func (m *Manager) Snapshot(sessionKey string) (*conversation.State, bool) {
	m.mu.RLock()
	sess, ok := m.active[sessionKey]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return sess.bridge.Snapshot(), true
}

// Open constructs the runtime connection and the bridge for one session.
// An existing session under the same key is closed and replaced. Fails
// with ErrRuntimeUnavailable when the runtime cannot be reached.
func (m *Manager) Open(ctx context.Context, client bridge.ClientConn, opts runtime.SessionOptions) (*Session, error) {
	rt, err := m.factory.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	sess := &Session{
		Key:     opts.SessionKey,
		ConnID:  uuid.NewString(),
		opts:    opts,
		rt:      rt,
		manager: m,
	}
	sess.bridge = bridge.New(bridge.Config{
		SessionKey:    opts.SessionKey,
		Client:        client,
		Runtime:       rt,
		Machine:       m.machine,
		Transcript:    m.transcript,
		Logger:        m.logger,
		TeardownGrace: m.grace,
	})

	m.mu.Lock()
	if existing, ok := m.active[opts.SessionKey]; ok {
		m.logger.Info("Replacing existing session", "session_key", opts.SessionKey, "conn_id", existing.ConnID)
		go existing.Close()
	}
	m.active[opts.SessionKey] = sess
	m.mu.Unlock()

	metrics.SessionsOpened.Inc()
	metrics.ActiveSessions.Inc()
	m.persist(sess, false)
	m.logger.Info("Session opened", "session_key", opts.SessionKey, "conn_id", sess.ConnID,
		"audio", opts.AudioResponse, "video", opts.EnableVideo)
	return sess, nil
}

// Run drives the session's bridge until it terminates, then releases the
// session. The returned error is the bridge's first pump error.
func (m *Manager) Run(ctx context.Context, sess *Session) error {
	err := sess.bridge.Run(ctx)
	m.release(sess)
	return err
}

// Close ends a session. Idempotent: closing an already-closed session is
// a no-op.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if err := s.rt.Close(); err != nil {
			s.manager.logger.Debug("Failed to close runtime connection",
				"session_key", s.Key, "error", err)
		}
		s.manager.release(s)
	})
}

// Snapshot returns a copy of this session's conversation state.
func (s *Session) Snapshot() *conversation.State {
	return s.bridge.Snapshot()
}

// release unregisters the session and accounts the closure. The accounting
// runs exactly once per session, whether it ends through Run, Close, or
// replacement by a newer connection under the same key.
func (m *Manager) release(sess *Session) {
	m.mu.Lock()
	if current, ok := m.active[sess.Key]; ok && current == sess {
		delete(m.active, sess.Key)
	}
	m.mu.Unlock()

	sess.releaseOnce.Do(func() {
		metrics.ActiveSessions.Dec()
		state := sess.bridge.Snapshot()
		metrics.SessionsClosed.WithLabelValues(string(state.ExitReason)).Inc()
		m.persist(sess, true)
		m.logger.Info("Session closed", "session_key", sess.Key, "conn_id", sess.ConnID,
			"stage", state.Stage, "exit_reason", state.ExitReason,
			"interactions", state.InteractionCount)
	})
}

// persist writes the session record, best-effort.
func (m *Manager) persist(sess *Session, final bool) {
	if m.repo == nil {
		return
	}
	state := sess.bridge.Snapshot()
	record := &domain.SessionRecord{
		SessionKey:       sess.Key,
		Stage:            string(state.Stage),
		ExitReason:       string(state.ExitReason),
		SessionComplete:  state.SessionComplete,
		InteractionCount: state.InteractionCount,
		ErrorCount:       state.ErrorCount,
		AudioResponse:    sess.opts.AudioResponse,
		VideoEnabled:     sess.opts.EnableVideo,
		StartedAt:        state.StartedAt,
		EndedAt:          state.EndedAt,
		UpdatedAt:        time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.repo.UpsertSession(ctx, record); err != nil {
		m.logger.Warn("Failed to persist session record",
			"session_key", sess.Key, "final", final, "error", err)
	}
}

// CloseAll tears down every active session, used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.active))
	for _, sess := range m.active {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()
	for _, sess := range sessions {
		sess.Close()
	}
}
