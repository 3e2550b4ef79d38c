package transport

import (
	"net"
	"testing"
	"time"

	"github.com/radicle-dev/heartwood-sub002/internal/session"
	"github.com/radicle-dev/heartwood-sub002/internal/types"
	"github.com/radicle-dev/heartwood-sub002/internal/wire"
)

func nidFor(b byte) types.NID {
	var n types.NID
	n[0] = b
	return n
}

func TestHandshakeExchangesInitialize(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientInit := wire.Initialize{NID: nidFor(1), Version: 1, GitURL: "git://client"}
	serverInit := wire.Initialize{NID: nidFor(2), Version: 1, GitURL: "git://server"}

	type result struct {
		remote wire.Initialize
		err    error
	}
	clientDone := make(chan result, 1)
	serverDone := make(chan result, 1)

	go func() {
		remote, err := Handshake(client, clientInit, time.Second)
		clientDone <- result{remote, err}
	}()
	go func() {
		remote, err := Handshake(server, serverInit, time.Second)
		serverDone <- result{remote, err}
	}()

	cr := <-clientDone
	sr := <-serverDone

	if cr.err != nil || sr.err != nil {
		t.Fatalf("handshake errors: client=%v server=%v", cr.err, sr.err)
	}
	if cr.remote.NID != serverInit.NID {
		t.Fatalf("client saw wrong remote NID: %v", cr.remote.NID)
	}
	if sr.remote.NID != clientInit.NID {
		t.Fatalf("server saw wrong remote NID: %v", sr.remote.NID)
	}
}

func TestManagerAcceptInboundRegistersConnectedSession(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	mgr := NewManager(session.DefaultConfig())
	clientInit := wire.Initialize{NID: nidFor(3), Version: 1}

	go func() {
		_, _ = Handshake(client, clientInit, time.Second)
	}()

	sess, err := mgr.AcceptInbound(server, wire.Initialize{NID: nidFor(4), Version: 1}, time.Second)
	if err != nil {
		t.Fatalf("AcceptInbound: %v", err)
	}
	if sess.Phase() != session.Connected {
		t.Fatalf("expected Connected phase, got %s", sess.Phase())
	}
	if !mgr.Connected(nidFor(3)) {
		t.Fatalf("expected peer to be reported Connected")
	}

	mgr.Remove(nidFor(3))
	if mgr.Connected(nidFor(3)) {
		t.Fatalf("expected peer to be forgotten after Remove")
	}
}
