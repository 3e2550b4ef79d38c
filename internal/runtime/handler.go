package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/radicle-dev/heartwood-sub002/internal/fetch"
	"github.com/radicle-dev/heartwood-sub002/internal/policy"
	"github.com/radicle-dev/heartwood-sub002/internal/routing"
	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

// RefsAnnouncer performs the actual gossip broadcast of a repository's
// local sigrefs. Kept behind an interface rather than wired to a concrete
// signer/gossip-store/session combination directly: composing that
// broadcast is the runtime's wiring responsibility once the session/
// gossip goroutines are started, not something the control dispatcher
// itself should assemble.
type RefsAnnouncer interface {
	AnnounceRefs(ctx context.Context, rid types.RID) (string, error)
}

// controlHandler adapts the running node's stores to control.Handler.
type controlHandler struct {
	routing   *routing.Table
	policy    *policy.Store
	fetch     *fetch.Engine
	announcer RefsAnnouncer
}

func (h *controlHandler) Fetch(ctx context.Context, ridStr string) (string, error) {
	rid, err := types.ParseRID(ridStr)
	if err != nil {
		return "", fmt.Errorf("invalid rid %q: %w", ridStr, err)
	}
	replicas := 3
	result, err := h.fetch.Fetch(ctx, rid, fetch.Mode{Replicas: &replicas})
	if err != nil {
		if result != nil {
			return "", fmt.Errorf("%w (synced=%d failed=%d)", err, len(result.Synced), len(result.Failed))
		}
		return "", err
	}
	return fmt.Sprintf("synced=%d failed=%d", len(result.Synced), len(result.Failed)), nil
}

func (h *controlHandler) TrackRepo(ctx context.Context, ridStr, scopeStr string) (bool, error) {
	rid, err := types.ParseRID(ridStr)
	if err != nil {
		return false, fmt.Errorf("invalid rid %q: %w", ridStr, err)
	}
	scope := policy.ScopeAll
	if scopeStr != "" {
		scope = policy.RepoScope(scopeStr)
	}
	return h.policy.TrackRepo(ctx, rid, scope)
}

func (h *controlHandler) UntrackRepo(ctx context.Context, ridStr string) (bool, error) {
	rid, err := types.ParseRID(ridStr)
	if err != nil {
		return false, fmt.Errorf("invalid rid %q: %w", ridStr, err)
	}
	return h.policy.UntrackRepo(ctx, rid)
}

func (h *controlHandler) TrackNode(ctx context.Context, nidStr, alias string) (bool, error) {
	nid, err := types.ParseNID(nidStr)
	if err != nil {
		return false, fmt.Errorf("invalid nid %q: %w", nidStr, err)
	}
	return h.policy.TrackNode(ctx, nid, alias)
}

func (h *controlHandler) UntrackNode(ctx context.Context, nidStr string) (bool, error) {
	nid, err := types.ParseNID(nidStr)
	if err != nil {
		return false, fmt.Errorf("invalid nid %q: %w", nidStr, err)
	}
	return h.policy.UntrackNode(ctx, nid)
}

func (h *controlHandler) AnnounceRefs(ctx context.Context, ridStr string) (string, error) {
	rid, err := types.ParseRID(ridStr)
	if err != nil {
		return "", fmt.Errorf("invalid rid %q: %w", ridStr, err)
	}
	if h.announcer == nil {
		return "", fmt.Errorf("announce-refs: no announcer configured")
	}
	return h.announcer.AnnounceRefs(ctx, rid)
}

func (h *controlHandler) Routing(ctx context.Context) (string, error) {
	entries, err := h.routing.Entries(ctx)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s %s %d", e.RID, e.NID, e.Timestamp))
	}
	return strconv.Itoa(len(entries)) + " entries" + joinNonEmpty(lines), nil
}

func (h *controlHandler) Inventory(ctx context.Context) (string, error) {
	repos, err := h.policy.SeededRepos(ctx)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(repos))
	for _, r := range repos {
		lines = append(lines, fmt.Sprintf("%s %s", r.RID, r.Scope))
	}
	return strconv.Itoa(len(repos)) + " repos" + joinNonEmpty(lines), nil
}

func joinNonEmpty(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return ": " + strings.Join(lines, ", ")
}
