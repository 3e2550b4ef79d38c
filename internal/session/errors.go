package session

import "github.com/radicle-dev/heartwood-sub002/internal/protoerr"

// Re-exported for callers that only import the session package; the
// canonical definitions live in internal/protoerr since gossip also
// produces these errors (see protoerr's package doc).
type (
	Severity  = protoerr.Severity
	ErrorKind = protoerr.Kind
	ProtocolError = protoerr.Error
)

const (
	SeverityLow  = protoerr.SeverityLow
	SeverityHigh = protoerr.SeverityHigh

	InvalidTimestamp  = protoerr.InvalidTimestamp
	ProtocolMismatch  = protoerr.ProtocolMismatch
	Misbehavior       = protoerr.Misbehavior
	Timeout           = protoerr.Timeout
)
