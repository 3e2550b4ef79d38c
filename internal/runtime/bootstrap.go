package runtime

import (
	"crypto/sha256"
	"math/bits"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/radicle-dev/heartwood-sub002/internal/addressbook"
	"github.com/radicle-dev/heartwood-sub002/internal/types"
	"github.com/radicle-dev/heartwood-sub002/internal/wire"
)

// announcementFile is the on-disk cache of the node's own NodeAnnouncement,
// mirroring the teacher's node/NODE_ANNOUNCEMENT_FILE convention.
const announcementFile = "announcement.bin"

// minDifficultyBits is the minimum number of leading zero bits a solved
// announcement's digest must carry (§4.7: "re-solved otherwise with
// proof-of-work").
const minDifficultyBits = 8

// maxAnnouncementAge bounds how long a cached announcement can be reused
// before it is considered stale and re-solved, so it doesn't fall out of
// gossip caches before new peers see it.
const maxAnnouncementAge = 6 * time.Hour

// loadOrSolveAnnouncement reuses the node's cached NodeAnnouncement from
// disk when its alias/features/addresses still match the running
// configuration and it isn't stale, and otherwise synthesizes and solves a
// fresh one.
func loadOrSolveAnnouncement(dataDir string, nid types.NID, alias string, features wire.NodeFeatures, addrs []types.Addr, now time.Time, sign func([]byte) [64]byte) (wire.NodeAnnouncement, error) {
	path := filepath.Join(dataDir, announcementFile)
	if raw, err := os.ReadFile(path); err == nil {
		if ann, ok := decodeCachedAnnouncement(raw); ok {
			if now.Sub(time.Unix(ann.Timestamp, 0)) <= maxAnnouncementAge &&
				ann.Features == features &&
				ann.Alias == alias &&
				addrsEqual(ann.Addrs, addrs) {
				return ann, nil
			}
		}
	}

	ann := wire.NodeAnnouncement{
		NID:       nid,
		Timestamp: now.Unix(),
		Features:  features,
		Alias:     alias,
		Addrs:     addrs,
	}
	ann.Nonce = solveProofOfWork(ann, minDifficultyBits)
	ann.Signature = sign(ann.CanonicalBytes())

	if err := os.WriteFile(path, encodeCachedAnnouncement(ann), 0o600); err != nil {
		return ann, err
	}
	return ann, nil
}

// solveProofOfWork searches for the smallest nonce whose canonical digest
// carries at least difficultyBits leading zero bits.
func solveProofOfWork(ann wire.NodeAnnouncement, difficultyBits int) uint64 {
	for nonce := uint64(0); ; nonce++ {
		ann.Nonce = nonce
		digest := sha256.Sum256(ann.CanonicalBytes())
		if leadingZeroBits(digest[:]) >= difficultyBits {
			return nonce
		}
	}
}

func leadingZeroBits(digest []byte) int {
	n := 0
	for _, b := range digest {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}

func addrsEqual(a, b []types.Addr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].String() != b[i].String() {
			return false
		}
	}
	return true
}

// encodeCachedAnnouncement/decodeCachedAnnouncement wrap wire's framed
// message codec so the cache file round-trips through the same encoder
// the wire protocol itself uses.
func encodeCachedAnnouncement(ann wire.NodeAnnouncement) []byte {
	var buf []byte
	w := &sliceWriter{buf: &buf}
	_ = wire.EncodeFramedMessage(w, ann)
	return buf
}

func decodeCachedAnnouncement(raw []byte) (wire.NodeAnnouncement, bool) {
	m, err := wire.DecodeFramedMessage(&sliceReader{buf: raw})
	if err != nil {
		return wire.NodeAnnouncement{}, false
	}
	ann, ok := m.(wire.NodeAnnouncement)
	return ann, ok
}

type sliceWriter struct{ buf *[]byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

type sliceReader struct {
	buf []byte
	pos int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	if n == 0 {
		return 0, os.ErrClosed
	}
	return n, nil
}

// seedBootstrapAddresses adds the configured bootstrap peers to the
// address book when it is empty (§4.7), mirroring the teacher's
// "address book is empty, adding bootstrap nodes" startup step.
func seedBootstrapAddresses(book *addressbook.Book, bootstrapPeers []string, now time.Time) {
	if book.Len() > 0 {
		return
	}
	for _, entry := range bootstrapPeers {
		nid, addr, ok := parseBootstrapPeer(entry)
		if !ok {
			continue
		}
		book.Insert(addressbook.KnownAddress{
			NID:      nid,
			Addr:     addr,
			LastSeen: now.Unix(),
			Source:   "bootstrap",
		})
	}
}

// parseBootstrapPeer parses a "<hex-nid>@<host:port>" bootstrap entry as
// found in pkg/config's Node.BootstrapPeers.
func parseBootstrapPeer(entry string) (types.NID, types.Addr, bool) {
	idx := strings.IndexByte(entry, '@')
	if idx <= 0 || idx == len(entry)-1 {
		return types.NID{}, types.Addr{}, false
	}
	nid, err := types.ParseNID(entry[:idx])
	if err != nil {
		return types.NID{}, types.Addr{}, false
	}
	addr, ok := parseHostPort(entry[idx+1:])
	if !ok {
		return types.NID{}, types.Addr{}, false
	}
	return nid, addr, true
}

// parseHostPort turns a "host:port" string into a wire-encodable types.Addr,
// choosing the IPv4/IPv6/hostname tag based on how the host parses.
func parseHostPort(hostport string) (types.Addr, bool) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return types.Addr{}, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return types.Addr{}, false
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return types.Addr{Type: types.AddrIPv4, Host: v4, Port: uint16(port)}, true
		}
		return types.Addr{Type: types.AddrIPv6, Host: ip.To16(), Port: uint16(port)}, true
	}
	return types.Addr{Type: types.AddrHostname, Host: []byte(host), Port: uint16(port)}, true
}
