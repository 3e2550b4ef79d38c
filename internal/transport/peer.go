// Package transport also owns the per-connection handshake (§3's
// Initialize exchange) and the live-session registry the runtime's
// reactor hands accepted connections to.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/radicle-dev/heartwood-sub002/internal/session"
	"github.com/radicle-dev/heartwood-sub002/internal/types"
	"github.com/radicle-dev/heartwood-sub002/internal/wire"
)

// Handshake exchanges Initialize messages over conn: writes local's
// Initialize and reads the peer's, concurrently so neither side's write
// blocks waiting on the other's read (§3: "the first message exchanged
// on a new connection" — symmetric, not request/response). A deadline of
// timeout is applied to the whole exchange.
func Handshake(conn net.Conn, local wire.Initialize, timeout time.Duration) (wire.Initialize, error) {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return wire.Initialize{}, fmt.Errorf("transport: set handshake deadline: %w", err)
		}
		defer conn.SetDeadline(time.Time{})
	}

	type readResult struct {
		msg wire.Message
		err error
	}
	readDone := make(chan readResult, 1)
	go func() {
		msg, err := wire.DecodeFramedMessage(conn)
		readDone <- readResult{msg, err}
	}()

	writeErr := wire.EncodeFramedMessage(conn, local)

	result := <-readDone
	if writeErr != nil {
		return wire.Initialize{}, fmt.Errorf("transport: send handshake: %w", writeErr)
	}
	if result.err != nil {
		return wire.Initialize{}, fmt.Errorf("transport: read handshake: %w", result.err)
	}
	remote, ok := result.msg.(wire.Initialize)
	if !ok {
		return wire.Initialize{}, fmt.Errorf("transport: expected Initialize, got %T", result.msg)
	}
	return remote, nil
}

// Manager tracks every live session, keyed by peer id, and is the
// fetch.PeerStatus the fetch engine consults to prefer already-connected
// seeds (§4.5 step 1).
type Manager struct {
	mu       sync.RWMutex
	sessions map[types.NID]*session.Session
	conns    map[types.NID]net.Conn
	cfg      session.Config
}

// NewManager constructs an empty session registry.
func NewManager(cfg session.Config) *Manager {
	return &Manager{
		sessions: make(map[types.NID]*session.Session),
		conns:    make(map[types.NID]net.Conn),
		cfg:      cfg,
	}
}

// AcceptInbound completes the handshake on a freshly accepted conn and
// registers the resulting Connected session.
func (m *Manager) AcceptInbound(conn net.Conn, local wire.Initialize, timeout time.Duration) (*session.Session, error) {
	remote, err := Handshake(conn, local, timeout)
	if err != nil {
		return nil, err
	}
	sess := session.New(remote.NID, conn.RemoteAddr().String(), session.Inbound, false, m.cfg)
	if err := sess.ToConnected(time.Now()); err != nil {
		return nil, err
	}
	m.register(remote.NID, sess, conn)
	return sess, nil
}

// DialOutbound dials addr, completes the handshake, and registers the
// resulting Connected session.
func (m *Manager) DialOutbound(ctx context.Context, dialer *Dialer, addr string, local wire.Initialize, persistent bool, timeout time.Duration) (*session.Session, error) {
	sess := session.New(types.NID{}, addr, session.Outbound, persistent, m.cfg)
	if err := sess.ToAttempted(); err != nil {
		return nil, err
	}

	conn, err := dialer.Dial(ctx, addr)
	if err != nil {
		retryAt := time.Now().Add(dialer.Timeout)
		_ = sess.ToDisconnected(time.Now(), retryAt)
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	remote, err := Handshake(conn, local, timeout)
	if err != nil {
		conn.Close()
		_ = sess.ToDisconnected(time.Now(), time.Now().Add(dialer.Timeout))
		return nil, err
	}

	sess.PeerID = remote.NID
	if err := sess.ToConnected(time.Now()); err != nil {
		conn.Close()
		return nil, err
	}
	m.register(remote.NID, sess, conn)
	return sess, nil
}

func (m *Manager) register(nid types.NID, sess *session.Session, conn net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[nid] = sess
	m.conns[nid] = conn
}

// Remove closes and forgets nid's session, if any.
func (m *Manager) Remove(nid types.NID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[nid]; ok {
		_ = conn.Close()
	}
	delete(m.sessions, nid)
	delete(m.conns, nid)
}

// Get returns nid's session, if registered.
func (m *Manager) Get(nid types.NID) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[nid]
	return s, ok
}

// All returns a snapshot of every registered session.
func (m *Manager) All() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Connected implements fetch.PeerStatus.
func (m *Manager) Connected(nid types.NID) bool {
	s, ok := m.Get(nid)
	if !ok {
		return false
	}
	return s.Phase() == session.Connected
}
