package cobcache

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/radicle-dev/heartwood-sub002/internal/cob/issue"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	migrations := []Migration{
		{Version: 1, Apply: func(tx *sql.Tx) error { return nil }},
	}
	var seen []int
	store, err := Open(path, migrations, func(migration Progress, item Progress) ControlFlow {
		seen = append(seen, migration.Current)
		return Continue
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("expected migration progress callback once, got %d", len(seen))
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpdateChangeDetection(t *testing.T) {
	store := openTestStore(t)
	issues := NewIssues(store)
	ctx := context.Background()

	first := issue.Issue{Title: "bug", State: issue.StateOpen}
	changed, err := issues.Update(ctx, "rid1", "obj1", first)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !changed {
		t.Fatalf("expected first insert to report changed")
	}

	changed, err = issues.Update(ctx, "rid1", "obj1", first)
	if err != nil {
		t.Fatalf("Update (repeat): %v", err)
	}
	if changed {
		t.Fatalf("expected repeated identical update to report unchanged")
	}

	second := issue.Issue{Title: "bug", State: issue.StateClosed}
	changed, err = issues.Update(ctx, "rid1", "obj1", second)
	if err != nil {
		t.Fatalf("Update (change): %v", err)
	}
	if !changed {
		t.Fatalf("expected state change to report changed")
	}
}

func TestGetListCountsIsEmpty(t *testing.T) {
	store := openTestStore(t)
	issues := NewIssues(store)
	ctx := context.Background()

	empty, err := issues.IsEmpty(ctx, "rid1")
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Fatalf("expected empty cache before any writes")
	}

	if _, err := issues.Update(ctx, "rid1", "obj1", issue.Issue{Title: "a", State: issue.StateOpen}); err != nil {
		t.Fatalf("Update obj1: %v", err)
	}
	if _, err := issues.Update(ctx, "rid1", "obj2", issue.Issue{Title: "b", State: issue.StateClosed}); err != nil {
		t.Fatalf("Update obj2: %v", err)
	}

	got, ok, err := issues.Get(ctx, "obj1")
	if err != nil || !ok {
		t.Fatalf("Get obj1: ok=%v err=%v", ok, err)
	}
	if got.Title != "a" {
		t.Fatalf("unexpected title: %q", got.Title)
	}

	list, err := issues.List(ctx, "rid1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(list))
	}

	counts, err := issues.Counts(ctx, "rid1")
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts["open"] != 1 || counts["closed"] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	empty, err = issues.IsEmpty(ctx, "rid1")
	if err != nil {
		t.Fatalf("IsEmpty (after writes): %v", err)
	}
	if empty {
		t.Fatalf("expected non-empty cache after writes")
	}
}

func TestRemoveAndRemoveAll(t *testing.T) {
	store := openTestStore(t)
	issues := NewIssues(store)
	ctx := context.Background()

	if _, err := issues.Update(ctx, "rid1", "obj1", issue.Issue{Title: "a", State: issue.StateOpen}); err != nil {
		t.Fatalf("Update obj1: %v", err)
	}
	if _, err := issues.Update(ctx, "rid1", "obj2", issue.Issue{Title: "b", State: issue.StateOpen}); err != nil {
		t.Fatalf("Update obj2: %v", err)
	}

	if err := issues.Remove(ctx, "obj1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, err := issues.Get(ctx, "obj1"); err != nil || ok {
		t.Fatalf("expected obj1 gone, ok=%v err=%v", ok, err)
	}

	if err := issues.RemoveAll(ctx, "rid1"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	empty, err := issues.IsEmpty(ctx, "rid1")
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Fatalf("expected cache empty after RemoveAll")
	}
}

func TestWriteAllRebuildsFromSource(t *testing.T) {
	store := openTestStore(t)
	issues := NewIssues(store)
	ctx := context.Background()

	source := func(ctx context.Context) (map[string]map[string]issue.Issue, error) {
		return map[string]map[string]issue.Issue{
			"rid1": {
				"obj1": {Title: "a", State: issue.StateOpen},
				"obj2": {Title: "b", State: issue.StateClosed},
			},
		}, nil
	}

	var items int
	err := issues.WriteAll(ctx, source, func(migration Progress, item Progress) ControlFlow {
		items++
		return Continue
	})
	if err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if items != 2 {
		t.Fatalf("expected 2 progress callbacks, got %d", items)
	}

	list, err := issues.List(ctx, "rid1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 issues after rebuild, got %d", len(list))
	}
}
