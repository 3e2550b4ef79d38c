package cobgit

import "github.com/radicle-dev/heartwood-sub002/internal/types"

// Stream exposes a COB's op history as the four views §4.3 requires, all
// derived from the same underlying topological order so the stream
// properties (All == Since(Root), All == Until(tip), etc.) hold by
// construction rather than by incidental agreement between separate code
// paths.
type Stream struct {
	order []types.OID // root-to-tip topological order, as produced by walkOrder
}

// NewStream builds a Stream over every commit reachable from root.
func NewStream(st objectGetter, root types.OID) (*Stream, error) {
	order, err := walkOrder(st, root)
	if err != nil {
		return nil, err
	}
	return &Stream{order: order}, nil
}

// Root returns the stream's root commit (the first in topological order).
func (s *Stream) Root() types.OID {
	if len(s.order) == 0 {
		return types.OID{}
	}
	return s.order[0]
}

// All returns every commit in the stream.
func (s *Stream) All() []types.OID {
	return append([]types.OID(nil), s.order...)
}

func (s *Stream) indexOf(oid types.OID) (int, bool) {
	for i, o := range s.order {
		if o == oid {
			return i, true
		}
	}
	return 0, false
}

// Since returns every commit from (and including) from onward.
func (s *Stream) Since(from types.OID) []types.OID {
	i, ok := s.indexOf(from)
	if !ok {
		return nil
	}
	return append([]types.OID(nil), s.order[i:]...)
}

// Until returns every commit up to and including until.
func (s *Stream) Until(until types.OID) []types.OID {
	i, ok := s.indexOf(until)
	if !ok {
		return nil
	}
	return append([]types.OID(nil), s.order[:i+1]...)
}

// Range returns every commit between from and until inclusive.
func (s *Stream) Range(from, until types.OID) []types.OID {
	i, ok := s.indexOf(from)
	if !ok {
		return nil
	}
	j, ok := s.indexOf(until)
	if !ok || j < i {
		return nil
	}
	return append([]types.OID(nil), s.order[i:j+1]...)
}
