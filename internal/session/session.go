// Package session implements the per-peer session state machine of §4.1: a
// peer connection's full lifecycle from dial attempt through stable
// connection to disconnect and retry.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/radicle-dev/heartwood-sub002/internal/gossip"
	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

// Link is the direction a session's underlying connection was established.
type Link uint8

const (
	Inbound Link = iota
	Outbound
)

// Phase is one of the four named states of the session state machine.
type Phase uint8

const (
	Initial Phase = iota
	Attempted
	Connected
	Disconnected
)

func (p Phase) String() string {
	switch p {
	case Initial:
		return "initial"
	case Attempted:
		return "attempted"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PingState records an outstanding ping awaiting a pong.
type PingState struct {
	Len   int
	Since time.Time
}

// ConnectedState holds the fields only meaningful while Phase == Connected.
type ConnectedState struct {
	Since     time.Time
	Stable    bool
	Fetching  map[types.RID]struct{}
	Awaiting  *PingState
	Latencies []time.Duration
}

// DisconnectedState holds the fields only meaningful while
// Phase == Disconnected.
type DisconnectedState struct {
	Since   time.Time
	RetryAt time.Time
}

// FetchRequest is one entry in a session's per-peer fetch queue. Two
// requests are considered equal (and thus a Duplicate) if they target the
// same repository.
type FetchRequest struct {
	RID     types.RID
	Timeout time.Duration
}

// Config tunes the thresholds the session state machine and fetch queue
// use. StableAfter is the spec's CONN_STABLE (default 1 minute, flagged in
// §9 as a value that may need network-condition-based tuning).
type Config struct {
	StableAfter       time.Duration
	FetchConcurrency  int
	MaxFetchQueueSize int
}

func DefaultConfig() Config {
	return Config{StableAfter: time.Minute, FetchConcurrency: 4, MaxFetchQueueSize: 128}
}

// Session is one peer connection's full lifecycle state, exclusively owned
// by the service/reactor goroutine that drives it (§3 Ownership).
type Session struct {
	mu sync.Mutex

	PeerID     types.NID
	Address    string
	Link       Link
	Persistent bool

	phase        Phase
	connected    *ConnectedState
	disconnected *DisconnectedState
	attempts     int

	subscribeFilter *gossip.Filter
	lastActive      time.Time
	fetchQueue      []FetchRequest

	cfg Config
}

func New(peerID types.NID, address string, link Link, persistent bool, cfg Config) *Session {
	return &Session{
		PeerID:     peerID,
		Address:    address,
		Link:       link,
		Persistent: persistent,
		phase:      Initial,
		cfg:        cfg,
		lastActive: time.Now(),
	}
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// ToAttempted drives Initial -> Attempted. Only the dialer transitions this
// edge (§4.1).
func (s *Session) ToAttempted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Initial {
		return fmt.Errorf("session: to_attempted: invalid transition from %s", s.phase)
	}
	s.phase = Attempted
	s.attempts++
	return nil
}

// ToConnected drives Attempted -> Connected{stable: false}. Socket events
// drive this edge.
func (s *Session) ToConnected(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Attempted && s.phase != Initial {
		return fmt.Errorf("session: to_connected: invalid transition from %s", s.phase)
	}
	s.phase = Connected
	s.connected = &ConnectedState{Since: now, Fetching: make(map[types.RID]struct{})}
	s.lastActive = now
	return nil
}

// Tick re-evaluates stability: once a Connected session has been idle (i.e.
// continuously connected) for cfg.StableAfter, stable flips to true and the
// dial-attempt counter resets (§4.1: "attempts is reset when stable becomes
// true").
func (s *Session) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Connected || s.connected.Stable {
		return
	}
	if now.Sub(s.connected.Since) >= s.cfg.StableAfter {
		s.connected.Stable = true
		s.attempts = 0
	}
}

// IsStable reports whether a Connected session has crossed CONN_STABLE.
func (s *Session) IsStable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == Connected && s.connected.Stable
}

// ToDisconnected drives Connected -> Disconnected{retry_at}, triggered by
// socket close or error.
func (s *Session) ToDisconnected(now, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Connected && s.phase != Attempted {
		return fmt.Errorf("session: to_disconnected: invalid transition from %s", s.phase)
	}
	s.phase = Disconnected
	s.connected = nil
	s.disconnected = &DisconnectedState{Since: now, RetryAt: retryAt}
	return nil
}

// ToInitial drives Disconnected -> Initial, the only edge back to the
// start; only the dialer transitions it.
func (s *Session) ToInitial() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Disconnected {
		return fmt.Errorf("session: to_initial: invalid transition from %s", s.phase)
	}
	s.phase = Initial
	s.disconnected = nil
	return nil
}

// RetryAt returns the retry time recorded at disconnect, if any.
func (s *Session) RetryAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Disconnected {
		return time.Time{}, false
	}
	return s.disconnected.RetryAt, true
}

// IsAtCapacity reports whether the session's concurrent-fetch set is full.
func (s *Session) IsAtCapacity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Connected {
		return false
	}
	return len(s.connected.Fetching) >= s.cfg.FetchConcurrency
}

// ErrDuplicate is returned by QueueFetch when an equal fetch is already
// queued.
var ErrDuplicate = fmt.Errorf("session: duplicate fetch")

// ErrCapacityReached is returned by QueueFetch when the queue is full.
var ErrCapacityReached = fmt.Errorf("session: fetch queue capacity reached")

// QueueFetch appends f to the session's FIFO fetch queue.
func (s *Session) QueueFetch(f FetchRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.fetchQueue {
		if existing.RID == f.RID {
			return ErrDuplicate
		}
	}
	if len(s.fetchQueue) >= s.cfg.MaxFetchQueueSize {
		return ErrCapacityReached
	}
	s.fetchQueue = append(s.fetchQueue, f)
	return nil
}

// DequeueFetch pops the front of the FIFO fetch queue in O(1) amortized
// time. The caller is responsible for marking Fetching(rid) before issuing
// the fetch.
func (s *Session) DequeueFetch() (FetchRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fetchQueue) == 0 {
		return FetchRequest{}, false
	}
	f := s.fetchQueue[0]
	s.fetchQueue = s.fetchQueue[1:]
	return f, true
}

// Fetching marks rid as in-flight. The session must be Connected; calling
// this on an rid already in flight is a programming error and panics, per
// §4.1.
func (s *Session) Fetching(rid types.RID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Connected {
		panic("session: Fetching called while not connected")
	}
	if _, ok := s.connected.Fetching[rid]; ok {
		panic(fmt.Sprintf("session: Fetching called twice for %s", rid))
	}
	s.connected.Fetching[rid] = struct{}{}
}

// Fetched removes rid from the in-flight set. A missing rid only warns
// (the caller passes a logger so the warning can be attributed to this
// session); it never panics, since a stale fetch result racing a session
// reset is an expected, not a programming, error.
func (s *Session) Fetched(rid types.RID, warn func(string, ...interface{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Connected {
		return
	}
	if _, ok := s.connected.Fetching[rid]; !ok {
		if warn != nil {
			warn("session %s: fetched(%s) called but rid was not in flight", s.PeerID, rid)
		}
		return
	}
	delete(s.connected.Fetching, rid)
}

// FetchingSet returns a snapshot of the repositories currently in flight.
func (s *Session) FetchingSet() []types.RID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Connected {
		return nil
	}
	out := make([]types.RID, 0, len(s.connected.Fetching))
	for rid := range s.connected.Fetching {
		out = append(out, rid)
	}
	return out
}

// Ping records an outstanding ping. Valid only in Connected.
func (s *Session) Ping(now time.Time, payloadLen int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Connected {
		return fmt.Errorf("session: ping: not connected")
	}
	s.connected.Awaiting = &PingState{Len: payloadLen, Since: now}
	return nil
}

// Pong resolves an outstanding ping, recording its round-trip latency.
func (s *Session) Pong(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Connected || s.connected.Awaiting == nil {
		return
	}
	s.connected.Latencies = append(s.connected.Latencies, now.Sub(s.connected.Awaiting.Since))
	s.connected.Awaiting = nil
}

// SetSubscribeFilter installs the peer's subscription filter.
func (s *Session) SetSubscribeFilter(f *gossip.Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeFilter = f
}

func (s *Session) SubscribeFilter() *gossip.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeFilter
}

func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = now
}

func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
