package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dialer manages outbound peer connections, adapted from the teacher's
// core/network.go Dialer (same Timeout/KeepAlive shape, generalized to
// radicle-node's peer and seed addresses).
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

func NewDialer(timeout, keepAlive time.Duration) *Dialer {
	return &Dialer{Timeout: timeout, KeepAlive: keepAlive}
}

// Dial connects to a remote TCP address.
func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialer: failed to connect to %s: %w", address, err)
	}
	return conn, nil
}

// ConnectOptions carries the per-call parameters a fetch or session dial
// takes (§5: "Connect attempts take a per-call ConnectOptions{persistent,
// timeout}").
type ConnectOptions struct {
	// Persistent marks a session for reconnection after disconnect, rather
	// than being forgotten once closed.
	Persistent bool
	Timeout    time.Duration
}
