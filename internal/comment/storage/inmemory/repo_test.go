package inmemory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MyNameIsWhaaat/commentsync/internal/comment/model"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/storage"
)

func doc(id, text, createdAt string) model.Document {
	return model.Document{Comment: model.Comment{
		CommentBase: model.CommentBase{
			ID:         id,
			Text:       text,
			AuthorID:   "user-1",
			AuthorName: "Winnie The Pooh",
			CreatedAt:  createdAt,
		},
		Replies: []model.Reply{},
	}}
}

func TestInsertFindOrder(t *testing.T) {
	ctx := context.Background()
	r := New()

	for _, d := range []model.Document{
		doc("a", "first", "2024-01-01T00:00:00.000Z"),
		doc("b", "second", "2024-01-02T00:00:00.000Z"),
		doc("c", "tie", "2024-01-02T00:00:00.000Z"),
	} {
		if _, err := r.Insert(ctx, d); err != nil {
			t.Fatalf("insert %s: %v", d.ID, err)
		}
	}

	docs, err := r.Find(ctx)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	got := []string{docs[0].ID, docs[1].ID, docs[2].ID}
	want := []string{"c", "b", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: expected %v, got %v", want, got)
		}
	}
}

func TestInsertRejectsSchemaViolation(t *testing.T) {
	r := New()
	d := doc("a", "", "2024-01-01T00:00:00.000Z")
	if _, err := r.Insert(context.Background(), d); !errors.Is(err, model.ErrSchema) {
		t.Fatalf("expected ErrSchema, got %v", err)
	}
}

func TestUpdateRepliesRevisionCheck(t *testing.T) {
	ctx := context.Background()
	r := New()

	inserted, err := r.Insert(ctx, doc("a", "hello", "2024-01-01T00:00:00.000Z"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted.Rev != 1 {
		t.Fatalf("expected rev 1, got %d", inserted.Rev)
	}

	reply := doc("r1", "hi", "2024-01-01T00:00:01.000Z").CommentBase
	updated, err := r.UpdateReplies(ctx, "a", inserted.Rev, []model.Reply{reply})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Rev != 2 || len(updated.Replies) != 1 {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	_, err = r.UpdateReplies(ctx, "a", inserted.Rev, []model.Reply{reply, reply})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale rev, got %v", err)
	}

	_, err = r.UpdateReplies(ctx, "missing", 1, nil)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveKeepsTombstone(t *testing.T) {
	ctx := context.Background()
	r := New()

	if _, err := r.Insert(ctx, doc("a", "hello", "2024-01-01T00:00:00.000Z")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	before, err := r.Remove(ctx, "a")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if before.Deleted || before.Text != "hello" {
		t.Fatalf("expected pre-delete snapshot, got %+v", before)
	}

	if _, err := r.FindOne(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
	if _, err := r.Remove(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}

	live, _ := r.Find(ctx)
	if len(live) != 0 {
		t.Fatalf("expected no live docs, got %d", len(live))
	}
	all, _ := r.AllDocs(ctx)
	if len(all) != 1 || !all[0].Deleted {
		t.Fatalf("expected one tombstone, got %+v", all)
	}
}

func TestSubscribePushesSnapshots(t *testing.T) {
	ctx := context.Background()
	r := New()

	snaps := make(chan []model.Document, 16)
	sub, err := r.Subscribe(func(docs []model.Document) { snaps <- docs }, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	first := waitSnapshot(t, snaps)
	if len(first) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d", len(first))
	}

	if _, err := r.Insert(ctx, doc("a", "hello", "2024-01-01T00:00:00.000Z")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := waitSnapshot(t, snaps); len(got) != 1 {
		t.Fatalf("expected 1 doc after insert, got %d", len(got))
	}

	if _, err := r.Remove(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := waitSnapshot(t, snaps); len(got) != 0 {
		t.Fatalf("expected tombstone filtered out, got %d", len(got))
	}

	sub.Cancel()
	if _, err := r.Insert(ctx, doc("b", "late", "2024-01-01T00:00:00.000Z")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	select {
	case got := <-snaps:
		t.Fatalf("unexpected push after cancel: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestApplyRemote(t *testing.T) {
	ctx := context.Background()
	r := New()

	applied, err := r.ApplyRemote(ctx, doc("a", "from remote", "2024-01-01T00:00:00.000Z"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied.Rev != 1 {
		t.Fatalf("expected rev 1, got %d", applied.Rev)
	}

	tomb := doc("a", "from remote", "2024-01-01T00:00:00.000Z")
	tomb.Deleted = true
	applied, err = r.ApplyRemote(ctx, tomb)
	if err != nil {
		t.Fatalf("apply tombstone: %v", err)
	}
	if applied.Rev != 2 {
		t.Fatalf("expected rev 2, got %d", applied.Rev)
	}
	if _, err := r.FindOne(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected remote delete to hide doc, got %v", err)
	}
}

func waitSnapshot(t *testing.T, ch <-chan []model.Document) []model.Document {
	t.Helper()
	select {
	case docs := <-ch:
		return docs
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
		return nil
	}
}
