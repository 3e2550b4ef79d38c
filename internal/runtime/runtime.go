// Package runtime binds the reactor, worker pool, control socket, and
// node stores into the running process, and owns the startup/shutdown
// sequence of §4.7: load-or-solve the node's announcement, seed the
// address book from bootstrap peers when empty, accept connections and
// control commands, and shut down cleanly on SIGINT/SIGTERM (SIGHUP is
// logged and ignored). Grounded on the teacher's core/network.go
// Node.ListenAndServe/signal-handling idiom, generalized from one
// listener to the reactor+control-socket pair this node runs.
package runtime

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/radicle-dev/heartwood-sub002/internal/addressbook"
	"github.com/radicle-dev/heartwood-sub002/internal/control"
	"github.com/radicle-dev/heartwood-sub002/internal/events"
	"github.com/radicle-dev/heartwood-sub002/internal/fetch"
	"github.com/radicle-dev/heartwood-sub002/internal/policy"
	"github.com/radicle-dev/heartwood-sub002/internal/reactor"
	"github.com/radicle-dev/heartwood-sub002/internal/routing"
	"github.com/radicle-dev/heartwood-sub002/internal/session"
	"github.com/radicle-dev/heartwood-sub002/internal/sigrefs"
	"github.com/radicle-dev/heartwood-sub002/internal/transport"
	"github.com/radicle-dev/heartwood-sub002/internal/types"
	"github.com/radicle-dev/heartwood-sub002/internal/wire"
	"github.com/radicle-dev/heartwood-sub002/internal/workerpool"
	"github.com/radicle-dev/heartwood-sub002/pkg/config"
)

// MaxPendingTasks bounds the fetch/upload worker pool, per §4.7.
const MaxPendingTasks = 1024

// handshakeTimeout bounds how long the Initialize exchange on a freshly
// accepted connection may take before it is abandoned.
const handshakeTimeout = 10 * time.Second

// outboundDialTimeout bounds a single outbound connect+handshake attempt.
const outboundDialTimeout = 10 * time.Second

// sessionTickInterval is how often Run re-evaluates session stability and
// looks for disconnected-but-due-for-retry peers (§4.1's Tick).
const sessionTickInterval = 5 * time.Second

// targetOutboundPeers bounds how many address-book candidates Run dials
// on startup and whenever the peer count drops, per §4.6's sampling step.
const targetOutboundPeers = 8

// unwiredRemoteFetcher is the default RemoteFetcher: the real git
// wire-protocol clone/pull exchange is out of scope here (see
// internal/fetch's DESIGN.md entry) until a concrete transport/session
// implementation is injected via WithRemoteFetcher.
type unwiredRemoteFetcher struct{}

func (unwiredRemoteFetcher) Fetch(ctx context.Context, rid types.RID, nid types.NID, destDir string) ([]sigrefs.RefEntry, *sigrefs.SignedRefs, error) {
	return nil, nil, fmt.Errorf("fetch: no remote fetcher wired for %s", nid)
}

// unrestrictedThreshold reports no enforced delegate threshold until a
// concrete identity-COB-backed resolver is wired in.
type unrestrictedThreshold struct{}

func (unrestrictedThreshold) Threshold(types.RID) (int, []types.NID, error) { return 0, nil, nil }

// unconfiguredAnnouncer reports that no sigrefs broadcaster has been
// wired in yet.
type unconfiguredAnnouncer struct{}

func (unconfiguredAnnouncer) AnnounceRefs(ctx context.Context, rid types.RID) (string, error) {
	return "", fmt.Errorf("announce-refs: no gossip broadcaster wired for %s", rid)
}

// Runtime owns every long-lived component of a running node.
type Runtime struct {
	cfg *config.Config
	log *logrus.Entry

	NID          types.NID
	Announcement wire.NodeAnnouncement

	Routing *routing.Table
	Policy  *policy.Store
	Book    *addressbook.Book
	Fetch   *fetch.Engine
	Peers   *transport.Manager
	dialer  *transport.Dialer

	announcer RefsAnnouncer
	progress  *events.Bus[fetch.ProgressEvent]

	reactor *reactor.Reactor
	pool    *workerpool.Pool
	control *control.Server

	addressBookPath string

	closeOnce sync.Once
}

// Options lets callers inject the concrete fetch-layer dependencies
// (remote transport, threshold resolver, peer status, refs announcer)
// once the transport/session/cobgit wiring exists; each defaults to an
// explicit "not wired" stub otherwise.
type Options struct {
	RemoteFetcher fetch.RemoteFetcher
	PeerStatus    fetch.PeerStatus
	ThresholdFn   fetch.ThresholdResolver
	RefsAnnouncer RefsAnnouncer
}

// New opens every store under cfg.Node.DataDir and prepares (but does not
// start) the reactor, worker pool, and control socket.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	log := logrus.WithField("component", "runtime")
	dataDir := cfg.Node.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("runtime: create data dir: %w", err)
	}

	priv, nid, err := loadOrCreateIdentity(dataDir)
	if err != nil {
		return nil, err
	}

	routingTable, err := routing.Open(filepath.Join(dataDir, "routing.db"))
	if err != nil {
		return nil, fmt.Errorf("runtime: open routing table: %w", err)
	}
	policyStore, err := policy.Open(filepath.Join(dataDir, "policy.db"))
	if err != nil {
		routingTable.Close()
		return nil, fmt.Errorf("runtime: open policy store: %w", err)
	}

	bookPath := filepath.Join(dataDir, "addressbook.json")
	book, err := addressbook.Load(bookPath)
	if err != nil {
		book = addressbook.New()
	}

	now := time.Now()
	seedBootstrapAddresses(book, cfg.Node.BootstrapPeers, now)

	addrs, err := externalAddrs(cfg.Node.ListenAddr)
	if err != nil {
		log.WithError(err).Warn("runtime: could not parse listen address into announcement addresses")
	}
	announcement, err := loadOrSolveAnnouncement(dataDir, nid, cfg.Node.Alias, 0, addrs, now, func(msg []byte) [64]byte {
		var sig [64]byte
		copy(sig[:], ed25519.Sign(priv, msg))
		return sig
	})
	if err != nil {
		log.WithError(err).Warn("runtime: could not persist node announcement cache")
	}

	progress := events.NewBus[fetch.ProgressEvent]()

	remote := opts.RemoteFetcher
	if remote == nil {
		remote = unwiredRemoteFetcher{}
	}
	sessionCfg := session.Config{
		StableAfter:       cfg.Session.StableAfter,
		FetchConcurrency:  cfg.Session.FetchConcurrency,
		MaxFetchQueueSize: cfg.Session.MaxFetchQueueSize,
	}
	peerManager := transport.NewManager(sessionCfg)

	var peers fetch.PeerStatus = peerManager
	if opts.PeerStatus != nil {
		peers = opts.PeerStatus
	}
	threshold := opts.ThresholdFn
	if threshold == nil {
		threshold = unrestrictedThreshold{}
	}
	announcer := opts.RefsAnnouncer
	if announcer == nil {
		announcer = unconfiguredAnnouncer{}
	}

	storageDir := filepath.Join(dataDir, "storage")
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("runtime: create storage dir: %w", err)
	}
	fetchEngine := fetch.New(routingTable, policyStore, remote, threshold, peers, progress, storageDir, cfg.Session.FetchConcurrency)

	return &Runtime{
		cfg:             cfg,
		log:             log,
		NID:             nid,
		Announcement:    announcement,
		Routing:         routingTable,
		Policy:          policyStore,
		Book:            book,
		Fetch:           fetchEngine,
		Peers:           peerManager,
		dialer:          transport.NewDialer(outboundDialTimeout, 30*time.Second),
		announcer:       announcer,
		progress:        progress,
		addressBookPath: bookPath,
	}, nil
}

// Run starts the reactor and control socket, blocking until ctx is
// canceled or a termination signal (SIGINT/SIGTERM) arrives. SIGHUP is
// logged and ignored, matching the teacher's signal-handling idiom of
// treating a hangup as a no-op rather than a restart trigger.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.pool = workerpool.New(ctx, r.cfg.Session.FetchConcurrency)
	r.reactor = reactor.New(ctx, r.cfg.Runtime.MaxPendingTasks)

	listener, err := net.Listen("tcp", r.cfg.Node.ListenAddr)
	if err != nil {
		return fmt.Errorf("runtime: listen %s: %w", r.cfg.Node.ListenAddr, err)
	}
	r.reactor.Serve(listener)

	handler := &controlHandler{routing: r.Routing, policy: r.Policy, fetch: r.Fetch, announcer: r.announcer}
	controlServer, err := control.Listen(ctx, r.cfg.Node.ControlSocket, handler, nil)
	if err != nil {
		return fmt.Errorf("runtime: control socket: %w", err)
	}
	r.control = controlServer

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	r.log.WithField("nid", r.NID.String()).Info("node running")

	localInit := wire.Initialize{NID: r.NID, Version: 1, Addrs: r.Announcement.Addrs}

	r.dialSeedPeers(ctx, localInit)

	ticker := time.NewTicker(sessionTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				r.log.Debug("SIGHUP received; ignoring")
			default:
				r.log.WithField("signal", sig.String()).Info("termination signal received; shutting down")
				cancel()
				return r.shutdown()
			}
		case accepted := <-r.reactor.Inbound():
			conn := accepted.Conn
			if err := r.pool.Submit(func(context.Context) {
				sess, err := r.Peers.AcceptInbound(conn, localInit, handshakeTimeout)
				if err != nil {
					r.log.WithError(err).WithField("addr", accepted.Addr).Warn("inbound handshake failed")
					conn.Close()
					return
				}
				r.log.WithField("peer", sess.PeerID.String()).Info("peer connected")
			}); err != nil {
				r.log.WithError(err).Warn("could not schedule inbound handshake")
				conn.Close()
			}
		case now := <-ticker.C:
			r.tickSessions(now)
			r.dialSeedPeers(ctx, localInit)
		}
	}
}

// tickSessions re-evaluates every registered session's stability (§4.1's
// Tick) so long-lived connections eventually reset their retry-attempt
// counter once past CONN_STABLE.
func (r *Runtime) tickSessions(now time.Time) {
	for _, sess := range r.Peers.All() {
		sess.Tick(now)
	}
}

// dialSeedPeers samples address-book candidates that are neither already
// connected nor waiting on a retry deadline still in the future, and dials
// each on the
// worker pool up to targetOutboundPeers outstanding attempts (§4.6).
func (r *Runtime) dialSeedPeers(ctx context.Context, local wire.Initialize) {
	want := targetOutboundPeers - len(r.Peers.All())
	if want <= 0 {
		return
	}
	now := time.Now()
	candidates := r.Book.SampleWith(want, func(ka addressbook.KnownAddress) bool {
		if r.Peers.Connected(ka.NID) {
			return false
		}
		if sess, ok := r.Peers.Get(ka.NID); ok {
			if retryAt, pending := sess.RetryAt(); pending && now.Before(retryAt) {
				return false
			}
		}
		return true
	})
	for _, ka := range candidates {
		ka := ka
		if err := r.pool.Submit(func(ctx context.Context) {
			sess, err := r.Peers.DialOutbound(ctx, r.dialer, ka.Addr.String(), local, false, outboundDialTimeout)
			if err != nil {
				r.log.WithError(err).WithField("addr", ka.Addr.String()).Debug("outbound dial failed")
				return
			}
			r.log.WithField("peer", sess.PeerID.String()).Info("peer connected")
		}); err != nil {
			r.log.WithError(err).Debug("could not schedule outbound dial")
		}
	}
}

// shutdown stops every component and persists the address book. Safe to
// call once; later calls are no-ops.
func (r *Runtime) shutdown() error {
	var firstErr error
	r.closeOnce.Do(func() {
		if r.control != nil {
			if err := r.control.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if r.reactor != nil {
			if err := r.reactor.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if r.pool != nil {
			r.pool.Close()
		}
		if err := r.Book.Save(r.addressBookPath); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := r.Routing.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := r.Policy.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// externalAddrs parses a "host:port" listen address into the single
// types.Addr the node announces, when it names a concrete reachable
// host rather than a wildcard bind address.
func externalAddrs(listenAddr string) ([]types.Addr, error) {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return nil, nil
	}
	addr, ok := parseHostPort(listenAddr)
	if !ok {
		return nil, fmt.Errorf("runtime: could not parse listen address %q", listenAddr)
	}
	return []types.Addr{addr}, nil
}
