// Package reactor implements the non-blocking I/O reactor of §4.7: an
// accept loop per net.Listener, handing each accepted connection to a
// bounded channel the service loop selects on. Reading from a connection
// is left to whoever receives it.
// Grounded on the teacher's Node.ListenAndServe/context-cancellation
// shutdown idiom in core/network.go, adapted from a libp2p host's
// lifecycle to a plain net.Listener accept loop.
package reactor

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Accepted is one freshly-accepted connection, handed to the service
// loop over Reactor's Inbound channel.
type Accepted struct {
	Conn net.Conn
	Addr string
}

// Reactor runs an accept loop over one or more listeners, publishing each
// accepted connection on a shared bounded channel.
type Reactor struct {
	log     *logrus.Entry
	inbound chan Accepted

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Reactor whose Inbound channel buffers up to backlog
// accepted connections before Accept blocks the listening goroutine
// (backpressure, not data loss: the listener simply stops Accept()ing
// until the service loop drains the channel).
func New(ctx context.Context, backlog int) *Reactor {
	ctx, cancel := context.WithCancel(ctx)
	return &Reactor{
		log:     logrus.WithField("component", "reactor"),
		inbound: make(chan Accepted, backlog),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Inbound is the channel of accepted connections the runtime's service
// loop selects on.
func (r *Reactor) Inbound() <-chan Accepted { return r.inbound }

// Serve registers l and starts accepting connections from it in a
// dedicated goroutine. Serve returns immediately; call Close to stop
// every registered listener.
func (r *Reactor) Serve(l net.Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.acceptLoop(l)
}

func (r *Reactor) acceptLoop(l net.Listener) {
	defer r.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-r.ctx.Done():
				return
			default:
			}
			r.log.WithError(err).Warn("accept failed")
			continue
		}

		select {
		case r.inbound <- Accepted{Conn: conn, Addr: conn.RemoteAddr().String()}:
		case <-r.ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

// Close stops every registered listener and waits for their accept
// loops to exit.
func (r *Reactor) Close() error {
	r.cancel()
	r.mu.Lock()
	listeners := append([]net.Listener(nil), r.listeners...)
	r.mu.Unlock()

	var firstErr error
	for _, l := range listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.wg.Wait()
	return firstErr
}
