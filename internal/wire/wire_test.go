package wire

import (
	"bufio"
	"bytes"
	"reflect"
	"testing"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

func TestUvarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40, ^uint64(0)} {
		var buf bytes.Buffer
		if err := PutUvarint(&buf, v); err != nil {
			t.Fatalf("put %d: %v", v, err)
		}
		got, err := ReadUvarint(bufio.NewReader(&buf))
		if err != nil {
			t.Fatalf("read %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip %d got %d", v, got)
		}
	}
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	cases := []FrameHeader{
		{Stream: 0, Kind: StreamControl, IsInitiator: true},
		{Stream: 42, Kind: StreamGossip, IsInitiator: false},
		{Stream: 1 << 30, Kind: StreamGit, IsInitiator: true},
	}
	for _, h := range cases {
		var buf bytes.Buffer
		if err := WriteHeader(&buf, h); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := ReadHeader(bufio.NewReader(&buf))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got != h {
			t.Fatalf("got %+v want %+v", got, h)
		}
	}
}

func TestControlFrameRoundTrip(t *testing.T) {
	for _, f := range []ControlFrame{
		{Op: ControlOpen, Target: 3},
		{Op: ControlClose, Target: 7},
		{Op: ControlEof, Target: 0},
	} {
		var buf bytes.Buffer
		if err := WriteControlFrame(&buf, f); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := ReadControlFrame(bufio.NewReader(&buf))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got != f {
			t.Fatalf("got %+v want %+v", got, f)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	addr := types.Addr{Type: types.AddrIPv4, Host: []byte{10, 0, 0, 1}, Port: 8776}
	msgs := []Message{
		Initialize{NID: types.NID{1, 2, 3}, Version: 1, Addrs: []types.Addr{addr}, GitURL: "rad://abc"},
		NodeAnnouncement{NID: types.NID{4}, Timestamp: 100, Features: 3, Alias: "alice", Addrs: []types.Addr{addr}, Nonce: 99},
		InventoryAnnouncement{NID: types.NID{5}, Inventory: []types.RID{{1}, {2}}, Timestamp: 7},
		RefsAnnouncement{NID: types.NID{6}, RID: types.RID{9}, Refs: []RefOID{{Name: "refs/heads/main", OID: types.OID{1}}}, Timestamp: 55},
		Subscribe{Filter: []byte{1, 2, 3}, Since: 1, Until: 2},
	}
	for _, m := range msgs {
		var buf bytes.Buffer
		if err := EncodeMessage(&buf, m); err != nil {
			t.Fatalf("encode %T: %v", m, err)
		}
		got, err := DecodeMessage(bufio.NewReader(&buf))
		if err != nil {
			t.Fatalf("decode %T: %v", m, err)
		}
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("round trip mismatch for %T: got %+v want %+v", m, got, m)
		}
	}
}

func TestFramedMessageRoundTrip(t *testing.T) {
	m := InventoryAnnouncement{NID: types.NID{1}, Inventory: []types.RID{{7}}, Timestamp: 42}
	var buf bytes.Buffer
	if err := EncodeFramedMessage(&buf, m); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeFramedMessage(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Fatalf("got %+v want %+v", got, m)
	}
}

func TestDecodeMessageUnknownType(t *testing.T) {
	buf := bytes.NewBuffer([]byte{200})
	if _, err := DecodeMessage(bufio.NewReader(buf)); err == nil {
		t.Fatal("expected error decoding unknown message type")
	}
}
