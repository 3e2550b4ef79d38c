// Package control implements the UNIX-domain control socket of §4.7: a
// line-oriented command reader over net.UnixListener, distinct from and
// not reusing cmd/radicle-node's cobra surface (the control socket is a
// node-internal wire protocol, not the CLI boundary §1 declares out of
// scope).
package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler executes one parsed control command against the runtime's
// stores and returns the single-line response body (without the
// "ok"/"noop"/"error: " prefix the caller adds).
type Handler interface {
	Fetch(ctx context.Context, rid string) (string, error)
	TrackRepo(ctx context.Context, rid, scope string) (changed bool, err error)
	UntrackRepo(ctx context.Context, rid string) (changed bool, err error)
	TrackNode(ctx context.Context, nid, alias string) (changed bool, err error)
	UntrackNode(ctx context.Context, nid string) (changed bool, err error)
	AnnounceRefs(ctx context.Context, rid string) (string, error)
	Routing(ctx context.Context) (string, error)
	Inventory(ctx context.Context) (string, error)
}

// Server accepts line-based commands over a UNIX domain socket.
type Server struct {
	handler  Handler
	listener *net.UnixListener
	log      *logrus.Entry

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Listen binds (or reuses, per inherited is non-nil) a UNIX domain socket
// at socketPath. If inherited is non-nil (from socket activation), it is
// used instead of binding a fresh socket.
func Listen(ctx context.Context, socketPath string, handler Handler, inherited *net.UnixListener) (*Server, error) {
	ctx, cancel := context.WithCancel(ctx)
	l := inherited
	if l == nil {
		_ = os.Remove(socketPath)
		var err error
		addr, err := net.ResolveUnixAddr("unix", socketPath)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("control: resolve socket addr: %w", err)
		}
		l, err = net.ListenUnix("unix", addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("control: listen: %w", err)
		}
	}
	s := &Server{
		handler:  handler,
		listener: l,
		log:      logrus.WithField("component", "control"),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.log.WithError(err).Warn("control: accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp := s.dispatch(line)
		if _, err := fmt.Fprintln(conn, resp); err != nil {
			return
		}
	}
}

// dispatch parses and executes one command line, per §4.7's grammar:
// fetch <rid> | track-repo <rid> [scope] | untrack-repo <rid> |
// track-node <nid> [alias] | untrack-node <nid> | announce-refs <rid> |
// routing | inventory.
func (s *Server) dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "error: empty command"
	}
	cmd, args := fields[0], fields[1:]
	ctx := s.ctx

	switch cmd {
	case "fetch":
		if len(args) != 1 {
			return "error: usage: fetch <rid>"
		}
		result, err := s.handler.Fetch(ctx, args[0])
		return respond(result, false, err)

	case "track-repo":
		if len(args) < 1 || len(args) > 2 {
			return "error: usage: track-repo <rid> [scope]"
		}
		scope := ""
		if len(args) == 2 {
			scope = args[1]
		}
		changed, err := s.handler.TrackRepo(ctx, args[0], scope)
		return respond("", changed, err)

	case "untrack-repo":
		if len(args) != 1 {
			return "error: usage: untrack-repo <rid>"
		}
		changed, err := s.handler.UntrackRepo(ctx, args[0])
		return respond("", changed, err)

	case "track-node":
		if len(args) < 1 || len(args) > 2 {
			return "error: usage: track-node <nid> [alias]"
		}
		alias := ""
		if len(args) == 2 {
			alias = args[1]
		}
		changed, err := s.handler.TrackNode(ctx, args[0], alias)
		return respond("", changed, err)

	case "untrack-node":
		if len(args) != 1 {
			return "error: usage: untrack-node <nid>"
		}
		changed, err := s.handler.UntrackNode(ctx, args[0])
		return respond("", changed, err)

	case "announce-refs":
		if len(args) != 1 {
			return "error: usage: announce-refs <rid>"
		}
		result, err := s.handler.AnnounceRefs(ctx, args[0])
		return respond(result, false, err)

	case "routing":
		result, err := s.handler.Routing(ctx)
		return respond(result, false, err)

	case "inventory":
		result, err := s.handler.Inventory(ctx)
		return respond(result, false, err)

	default:
		return fmt.Sprintf("error: unknown command %q", cmd)
	}
}

// respond maps a handler outcome to §4.7's ok/noop/error line shape.
// When result is non-empty it is appended to an "ok" line; otherwise a
// boolean changed flag distinguishes "ok" (changed) from "noop"
// (unchanged), matching the routing/policy change-detection contract
// those handlers are built on.
func respond(result string, changed bool, err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	if result != "" {
		return "ok " + result
	}
	if changed {
		return "ok"
	}
	return "noop"
}

// Close stops accepting new connections and waits for in-flight ones to
// finish.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()
	s.wg.Wait()
	return err
}
