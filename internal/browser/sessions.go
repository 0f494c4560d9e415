package browser

import (
	"context"
	"fmt"
	"sync"

	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/pilothouse-dev/pilothouse/internal/cdp"
	"github.com/pilothouse-dev/pilothouse/internal/log"
)

// PersistentKey identifies a long-lived session. At most one
// persistent session exists per (target, purpose).
type PersistentKey struct {
	Target  target.ID
	Purpose string
}

// SessionManager owns the two session tables: an ephemeral cache whose
// entries live for the duration of a tool call chain, and the
// persistent table whose entries are created on explicit request only
// (by the interception engine) and outlive individual tool calls.
type SessionManager struct {
	ctx    context.Context
	conn   *cdp.Connection
	logger *log.Logger

	mu         sync.Mutex
	ephemeral  map[target.ID]*cdp.Session
	persistent map[PersistentKey]*cdp.Session
}

// NewSessionManager creates an empty manager bound to the root
// connection.
func NewSessionManager(ctx context.Context, conn *cdp.Connection, logger *log.Logger) *SessionManager {
	return &SessionManager{
		ctx:        ctx,
		conn:       conn,
		logger:     logger,
		ephemeral:  make(map[target.ID]*cdp.Session),
		persistent: make(map[PersistentKey]*cdp.Session),
	}
}

// Ephemeral returns the cached short-lived session for the target,
// attaching a new one if none exists or the cached one has died.
func (m *SessionManager) Ephemeral(tid target.ID) (*cdp.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.ephemeral[tid]; ok && !s.Closed() {
		return s, nil
	}
	s, err := m.conn.AttachToTarget(tid)
	if err != nil {
		return nil, fmt.Errorf("attaching ephemeral session to %s: %w", tid, err)
	}
	m.ephemeral[tid] = s
	m.logger.Debugf("browser:sessions", "ephemeral session %s for target %s", s.ID(), tid)
	return s, nil
}

// ReleaseEphemeral detaches the cached session for the target.
// Releasing an unknown or already-closed session is a no-op.
func (m *SessionManager) ReleaseEphemeral(tid target.ID) {
	m.mu.Lock()
	s, ok := m.ephemeral[tid]
	delete(m.ephemeral, tid)
	m.mu.Unlock()
	if !ok || s.Closed() {
		return
	}
	m.detach(s)
}

// Persistent returns the long-lived session for (target, purpose),
// creating it if absent. Only the interception engine may hold
// persistent sessions.
func (m *SessionManager) Persistent(tid target.ID, purpose string) (*cdp.Session, error) {
	key := PersistentKey{Target: tid, Purpose: purpose}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.persistent[key]; ok && !s.Closed() {
		return s, nil
	}
	s, err := m.conn.AttachToTarget(tid)
	if err != nil {
		return nil, fmt.Errorf("attaching persistent session to %s: %w", tid, err)
	}
	m.persistent[key] = s
	m.logger.Debugf("browser:sessions", "persistent session %s for target %s purpose=%s", s.ID(), tid, purpose)
	return s, nil
}

// ClosePersistent detaches and forgets the session for (target,
// purpose). Idempotent.
func (m *SessionManager) ClosePersistent(tid target.ID, purpose string) {
	key := PersistentKey{Target: tid, Purpose: purpose}
	m.mu.Lock()
	s, ok := m.persistent[key]
	delete(m.persistent, key)
	m.mu.Unlock()
	if !ok || s.Closed() {
		return
	}
	m.detach(s)
}

// Evict forgets every session bound to a destroyed target. No detach
// is attempted; the sessions died with the target.
func (m *SessionManager) Evict(tid target.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ephemeral[tid]; ok {
		delete(m.ephemeral, tid)
		m.logger.Debugf("browser:sessions", "evicted ephemeral session for destroyed target %s", tid)
	}
	for key := range m.persistent {
		if key.Target == tid {
			delete(m.persistent, key)
			m.logger.Debugf("browser:sessions", "evicted persistent session for destroyed target %s purpose=%s", tid, key.Purpose)
		}
	}
}

// CloseAll drops every session; used on instance teardown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	eph := m.ephemeral
	per := m.persistent
	m.ephemeral = make(map[target.ID]*cdp.Session)
	m.persistent = make(map[PersistentKey]*cdp.Session)
	m.mu.Unlock()

	for _, s := range eph {
		if !s.Closed() {
			m.detach(s)
		}
	}
	for _, s := range per {
		if !s.Closed() {
			m.detach(s)
		}
	}
}

func (m *SessionManager) detach(s *cdp.Session) {
	action := target.DetachFromTarget().WithSessionID(s.ID())
	if err := action.Do(cdppkg.WithExecutor(m.ctx, m.conn)); err != nil {
		m.logger.Debugf("browser:sessions", "detaching %s: %v", s.ID(), err)
	}
}
