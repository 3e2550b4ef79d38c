package cobgit

import "github.com/radicle-dev/heartwood-sub002/internal/types"

// RefResolver resolves a COB's signed tip per remote and the local
// unpublished draft tip, abstracting over whatever ref storage layer sits
// above the object database (kept out of this package since it is a
// storage-layout concern, not a COB-engine one).
type RefResolver interface {
	SignedTips(typ, objectID string) (map[types.NID]types.OID, error)
	LocalDraftTip(typ, objectID string) (types.OID, bool, error)
}

// Draft wraps a RefResolver to implement the draft namespace of §4.3:
// `draft/cobs/<type>/<id>` holds per-remote unpublished ops. Reads combine
// every remote's signed tip with only the local draft tip; writes through
// this wrapper must never publish signed refs.
type Draft struct {
	inner RefResolver
}

func NewDraft(inner RefResolver) *Draft {
	return &Draft{inner: inner}
}

// Tips returns the set of tips a draft-aware fold should walk: every
// remote's signed tip, plus the local draft tip if one exists (other
// remotes' drafts are never combined in, since they are by definition
// unpublished and not yet trusted).
func (d *Draft) Tips(typ, objectID string) ([]types.OID, error) {
	signed, err := d.inner.SignedTips(typ, objectID)
	if err != nil {
		return nil, err
	}
	tips := make([]types.OID, 0, len(signed)+1)
	for _, oid := range signed {
		tips = append(tips, oid)
	}
	if draftTip, ok, err := d.inner.LocalDraftTip(typ, objectID); err != nil {
		return nil, err
	} else if ok {
		tips = append(tips, draftTip)
	}
	return tips, nil
}

// SignRefs is a no-op for a draft-wrapped repository: draft writes never
// sign refs, so this returns the existing signed refs unchanged.
func (d *Draft) SignRefs(existing []types.OID) []types.OID {
	return existing
}

// FoldDraft performs the draft-aware read of §4.3's draft namespace:
// every remote's signed tip plus the local draft tip (via d.Tips),
// combined into one fold via FoldTips rather than folded per-tip and
// merged after the fact.
func FoldDraft[T any](st objectGetter, d *Draft, typ, objectID string, cob Cob[T]) (T, error) {
	tips, err := d.Tips(typ, objectID)
	if err != nil {
		var zero T
		return zero, err
	}
	return FoldTips(st, tips, cob)
}
