package wire

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

// MessageType is the gossip message discriminant of §6.
type MessageType uint8

const (
	MsgInitialize            MessageType = 0
	MsgNodeAnnouncement       MessageType = 2
	MsgInventoryAnnouncement  MessageType = 4
	MsgRefsAnnouncement       MessageType = 6
	MsgSubscribe              MessageType = 8
)

// MaxMessageLen bounds a single decoded gossip message to guard against a
// hostile peer advertising an unbounded length prefix.
const MaxMessageLen = 8 << 20

// Message is any of the five gossip wire messages.
type Message interface {
	Type() MessageType
	encodeBody(w io.Writer) error
}

// Initialize is the first message exchanged on a new connection.
type Initialize struct {
	NID     types.NID
	Version uint32
	Addrs   []types.Addr
	GitURL  string
}

func (Initialize) Type() MessageType { return MsgInitialize }

func (m Initialize) encodeBody(w io.Writer) error {
	if _, err := w.Write(m.NID[:]); err != nil {
		return err
	}
	if err := writeU32(w, m.Version); err != nil {
		return err
	}
	if err := PutUvarint(w, uint64(len(m.Addrs))); err != nil {
		return err
	}
	for _, a := range m.Addrs {
		if err := a.Encode(w); err != nil {
			return err
		}
	}
	return writeString(w, m.GitURL)
}

func decodeInitialize(r *bufio.Reader) (Initialize, error) {
	var m Initialize
	if _, err := io.ReadFull(r, m.NID[:]); err != nil {
		return m, err
	}
	v, err := readU32(r)
	if err != nil {
		return m, err
	}
	m.Version = v
	n, err := ReadUvarint(r)
	if err != nil {
		return m, err
	}
	m.Addrs = make([]types.Addr, 0, n)
	for i := uint64(0); i < n; i++ {
		a, err := types.DecodeAddr(r)
		if err != nil {
			return m, err
		}
		m.Addrs = append(m.Addrs, a)
	}
	m.GitURL, err = readString(r)
	return m, err
}

// NodeFeatures is a bitset of features this node advertises (seed-only,
// relay, etc.); kept opaque to the wire layer.
type NodeFeatures uint64

// NodeAnnouncement advertises a node's addresses and proof-of-work.
type NodeAnnouncement struct {
	NID       types.NID
	Signature [ed25519.SignatureSize]byte
	Timestamp int64
	Features  NodeFeatures
	Alias     string
	Addrs     []types.Addr
	Nonce     uint64
}

func (NodeAnnouncement) Type() MessageType { return MsgNodeAnnouncement }

func (m NodeAnnouncement) encodeBody(w io.Writer) error {
	if _, err := w.Write(m.NID[:]); err != nil {
		return err
	}
	if _, err := w.Write(m.Signature[:]); err != nil {
		return err
	}
	if err := m.encodeSigned(w); err != nil {
		return err
	}
	return nil
}

// encodeSigned writes exactly the bytes that are signed: everything in the
// announcement body except the signature itself.
func (m NodeAnnouncement) encodeSigned(w io.Writer) error {
	if err := writeI64(w, m.Timestamp); err != nil {
		return err
	}
	if err := writeU64(w, uint64(m.Features)); err != nil {
		return err
	}
	if err := writeString(w, m.Alias); err != nil {
		return err
	}
	if err := PutUvarint(w, uint64(len(m.Addrs))); err != nil {
		return err
	}
	for _, a := range m.Addrs {
		if err := a.Encode(w); err != nil {
			return err
		}
	}
	return writeU64(w, m.Nonce)
}

// CanonicalBytes returns the canonical encoding an author signs (§3:
// "Author signs the canonical encoding of `message`").
func (m NodeAnnouncement) CanonicalBytes() []byte {
	var buf bytes.Buffer
	_ = m.encodeSigned(&buf)
	return buf.Bytes()
}

func decodeNodeAnnouncement(r *bufio.Reader) (NodeAnnouncement, error) {
	var m NodeAnnouncement
	if _, err := io.ReadFull(r, m.NID[:]); err != nil {
		return m, err
	}
	if _, err := io.ReadFull(r, m.Signature[:]); err != nil {
		return m, err
	}
	ts, err := readI64(r)
	if err != nil {
		return m, err
	}
	m.Timestamp = ts
	f, err := readU64(r)
	if err != nil {
		return m, err
	}
	m.Features = NodeFeatures(f)
	m.Alias, err = readString(r)
	if err != nil {
		return m, err
	}
	n, err := ReadUvarint(r)
	if err != nil {
		return m, err
	}
	m.Addrs = make([]types.Addr, 0, n)
	for i := uint64(0); i < n; i++ {
		a, err := types.DecodeAddr(r)
		if err != nil {
			return m, err
		}
		m.Addrs = append(m.Addrs, a)
	}
	m.Nonce, err = readU64(r)
	return m, err
}

// InventoryAnnouncement lists the repositories a node currently holds.
type InventoryAnnouncement struct {
	NID       types.NID
	Signature [ed25519.SignatureSize]byte
	Inventory []types.RID
	Timestamp int64
}

func (InventoryAnnouncement) Type() MessageType { return MsgInventoryAnnouncement }

func (m InventoryAnnouncement) encodeBody(w io.Writer) error {
	if _, err := w.Write(m.NID[:]); err != nil {
		return err
	}
	if _, err := w.Write(m.Signature[:]); err != nil {
		return err
	}
	return m.encodeSigned(w)
}

func (m InventoryAnnouncement) encodeSigned(w io.Writer) error {
	if err := PutUvarint(w, uint64(len(m.Inventory))); err != nil {
		return err
	}
	for _, rid := range m.Inventory {
		if _, err := w.Write(rid[:]); err != nil {
			return err
		}
	}
	return writeI64(w, m.Timestamp)
}

func (m InventoryAnnouncement) CanonicalBytes() []byte {
	var buf bytes.Buffer
	_ = m.encodeSigned(&buf)
	return buf.Bytes()
}

func decodeInventoryAnnouncement(r *bufio.Reader) (InventoryAnnouncement, error) {
	var m InventoryAnnouncement
	if _, err := io.ReadFull(r, m.NID[:]); err != nil {
		return m, err
	}
	if _, err := io.ReadFull(r, m.Signature[:]); err != nil {
		return m, err
	}
	n, err := ReadUvarint(r)
	if err != nil {
		return m, err
	}
	m.Inventory = make([]types.RID, 0, n)
	for i := uint64(0); i < n; i++ {
		var rid types.RID
		if _, err := io.ReadFull(r, rid[:]); err != nil {
			return m, err
		}
		m.Inventory = append(m.Inventory, rid)
	}
	m.Timestamp, err = readI64(r)
	return m, err
}

// RefOID is one (ref-name -> oid) pair in a RefsAnnouncement.
type RefOID struct {
	Name string
	OID  types.OID
}

// RefsAnnouncement advertises one remote's sigrefs for a repository.
type RefsAnnouncement struct {
	NID       types.NID
	Signature [ed25519.SignatureSize]byte
	RID       types.RID
	Refs      []RefOID
	Timestamp int64
}

func (RefsAnnouncement) Type() MessageType { return MsgRefsAnnouncement }

func (m RefsAnnouncement) encodeBody(w io.Writer) error {
	if _, err := w.Write(m.NID[:]); err != nil {
		return err
	}
	if _, err := w.Write(m.Signature[:]); err != nil {
		return err
	}
	return m.encodeSigned(w)
}

func (m RefsAnnouncement) encodeSigned(w io.Writer) error {
	if _, err := w.Write(m.RID[:]); err != nil {
		return err
	}
	if err := PutUvarint(w, uint64(len(m.Refs))); err != nil {
		return err
	}
	for _, ref := range m.Refs {
		if err := writeString(w, ref.Name); err != nil {
			return err
		}
		if _, err := w.Write(ref.OID[:]); err != nil {
			return err
		}
	}
	return writeI64(w, m.Timestamp)
}

func (m RefsAnnouncement) CanonicalBytes() []byte {
	var buf bytes.Buffer
	_ = m.encodeSigned(&buf)
	return buf.Bytes()
}

func decodeRefsAnnouncement(r *bufio.Reader) (RefsAnnouncement, error) {
	var m RefsAnnouncement
	if _, err := io.ReadFull(r, m.NID[:]); err != nil {
		return m, err
	}
	if _, err := io.ReadFull(r, m.Signature[:]); err != nil {
		return m, err
	}
	if _, err := io.ReadFull(r, m.RID[:]); err != nil {
		return m, err
	}
	n, err := ReadUvarint(r)
	if err != nil {
		return m, err
	}
	m.Refs = make([]RefOID, 0, n)
	for i := uint64(0); i < n; i++ {
		name, err := readString(r)
		if err != nil {
			return m, err
		}
		var oid types.OID
		if _, err := io.ReadFull(r, oid[:]); err != nil {
			return m, err
		}
		m.Refs = append(m.Refs, RefOID{Name: name, OID: oid})
	}
	m.Timestamp, err = readI64(r)
	return m, err
}

// Subscribe asks a peer to replay and relay its gossip matching filter in
// [since, until).
type Subscribe struct {
	Filter []byte // opaque serialized bloom-like filter (see internal/gossip.Filter)
	Since  int64
	Until  int64
}

func (Subscribe) Type() MessageType { return MsgSubscribe }

func (m Subscribe) encodeBody(w io.Writer) error {
	if err := PutUvarint(w, uint64(len(m.Filter))); err != nil {
		return err
	}
	if _, err := w.Write(m.Filter); err != nil {
		return err
	}
	if err := writeI64(w, m.Since); err != nil {
		return err
	}
	return writeI64(w, m.Until)
}

func decodeSubscribe(r *bufio.Reader) (Subscribe, error) {
	var m Subscribe
	n, err := ReadUvarint(r)
	if err != nil {
		return m, err
	}
	m.Filter = make([]byte, n)
	if _, err := io.ReadFull(r, m.Filter); err != nil {
		return m, err
	}
	m.Since, err = readI64(r)
	if err != nil {
		return m, err
	}
	m.Until, err = readI64(r)
	return m, err
}

// EncodeMessage writes the type byte followed by the message body.
func EncodeMessage(w io.Writer, m Message) error {
	if _, err := w.Write([]byte{byte(m.Type())}); err != nil {
		return err
	}
	return m.encodeBody(w)
}

// DecodeMessage reads a type byte and dispatches to the matching decoder.
// Unknown message types are a decode error.
func DecodeMessage(r *bufio.Reader) (Message, error) {
	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch MessageType(typeByte) {
	case MsgInitialize:
		return decodeInitialize(r)
	case MsgNodeAnnouncement:
		return decodeNodeAnnouncement(r)
	case MsgInventoryAnnouncement:
		return decodeInventoryAnnouncement(r)
	case MsgRefsAnnouncement:
		return decodeRefsAnnouncement(r)
	case MsgSubscribe:
		return decodeSubscribe(r)
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", typeByte)
	}
}

// EncodeFramedMessage writes a length-prefixed Message, the shape carried
// on the Gossip stream.
func EncodeFramedMessage(w io.Writer, m Message) error {
	var buf bytes.Buffer
	if err := EncodeMessage(&buf, m); err != nil {
		return err
	}
	return WritePayload(w, buf.Bytes())
}

// DecodeFramedMessage reads a length-prefixed Message written by
// EncodeFramedMessage.
func DecodeFramedMessage(r io.Reader) (Message, error) {
	payload, err := ReadPayload(r, MaxMessageLen)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(bufio.NewReader(bytes.NewReader(payload)))
}
