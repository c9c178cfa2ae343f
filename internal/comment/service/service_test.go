package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MyNameIsWhaaat/commentsync/internal/comment/model"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/storage"
	inm "github.com/MyNameIsWhaaat/commentsync/internal/comment/storage/inmemory"
	"github.com/MyNameIsWhaaat/commentsync/internal/metrics"
)

var (
	winnie = model.User{ID: "user-1", FirstName: "Winnie", LastName: "The Pooh", Email: "winnie@example.com"}
	donald = model.User{ID: "user-2", FirstName: "Donald", LastName: "Duck", Email: "donald@example.com"}
)

// tickClock returns strictly increasing times, one millisecond apart.
func tickClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newGateway(repo storage.Collection, opts ...Option) *Gateway {
	open := func(context.Context) (storage.Collection, error) { return repo, nil }
	return New(open, append([]Option{WithClock(tickClock())}, opts...)...)
}

// interferingRepo lets another writer append a reply between the gateway's
// read and its write, for the first n writes.
type interferingRepo struct {
	*inm.Repo
	n atomic.Int32
}

func (r *interferingRepo) UpdateReplies(ctx context.Context, id string, rev int64, replies []model.Reply) (model.Document, error) {
	if r.n.Add(-1) >= 0 {
		cur, err := r.Repo.FindOne(ctx, id)
		if err != nil {
			return model.Document{}, err
		}
		other := model.Reply{
			ID:         fmt.Sprintf("other-%d", r.n.Load()),
			Text:       "sneaky",
			AuthorID:   donald.ID,
			AuthorName: donald.DisplayName(),
			CreatedAt:  cur.CreatedAt,
		}
		if _, err := r.Repo.UpdateReplies(ctx, id, cur.Rev, append(cur.Replies, other)); err != nil {
			return model.Document{}, err
		}
	}
	return r.Repo.UpdateReplies(ctx, id, rev, replies)
}

type alwaysConflict struct {
	*inm.Repo
}

func (alwaysConflict) UpdateReplies(context.Context, string, int64, []model.Reply) (model.Document, error) {
	return model.Document{}, storage.ErrConflict
}

func TestCreateFields(t *testing.T) {
	ctx := context.Background()
	svc := newGateway(inm.New())

	c, err := svc.Create(ctx, "  Hello  ", winnie)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Text != "Hello" {
		t.Fatalf("expected trimmed text, got %q", c.Text)
	}
	if c.AuthorName != "Winnie The Pooh" || c.AuthorID != "user-1" {
		t.Fatalf("unexpected author %q/%q", c.AuthorID, c.AuthorName)
	}
	if c.Replies == nil || len(c.Replies) != 0 {
		t.Fatalf("expected empty non-nil replies, got %#v", c.Replies)
	}
	if _, err := time.Parse(model.TimeLayout, c.CreatedAt); err != nil {
		t.Fatalf("createdAt %q: %v", c.CreatedAt, err)
	}

	other, err := svc.Create(ctx, "Hello", winnie)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if other.ID == c.ID {
		t.Fatalf("expected distinct ids")
	}
}

func TestCreateValidation(t *testing.T) {
	svc := newGateway(inm.New())

	cases := []struct {
		name   string
		text   string
		author model.User
	}{
		{"blank", "   \n\t", winnie},
		{"empty", "", winnie},
		{"too long", strings.Repeat("x", model.MaxTextLen+1), winnie},
		{"no author", "hello", model.User{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tc.text, tc.author)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	all, err := svc.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected nothing written, got %d", len(all))
	}
}

func TestReplySequential(t *testing.T) {
	ctx := context.Background()
	svc := newGateway(inm.New())

	parent, err := svc.Create(ctx, "parent", winnie)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 5
	for i := 0; i < n; i++ {
		if _, err := svc.Reply(ctx, parent.ID, fmt.Sprintf("reply %d", i), donald); err != nil {
			t.Fatalf("reply %d: %v", i, err)
		}
	}

	all, err := svc.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("replies must not become top-level comments, got %d", len(all))
	}
	got := all[0].Replies
	if len(got) != n {
		t.Fatalf("expected %d replies, got %d", n, len(got))
	}
	for i, r := range got {
		if r.Text != fmt.Sprintf("reply %d", i) {
			t.Fatalf("reply %d out of order: %q", i, r.Text)
		}
		if r.AuthorName != "Donald Duck" {
			t.Fatalf("unexpected reply author %q", r.AuthorName)
		}
	}
}

func TestReplyMissingParent(t *testing.T) {
	ctx := context.Background()
	repo := inm.New()
	svc := newGateway(repo)

	_, err := svc.Reply(ctx, "nope", "hi", winnie)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if Message(err) != "Parent comment not found" {
		t.Fatalf("unexpected message %q", Message(err))
	}

	docs, _ := repo.AllDocs(ctx)
	if len(docs) != 0 {
		t.Fatalf("expected no writes, got %d docs", len(docs))
	}
}

func TestReplyToRemovedParent(t *testing.T) {
	ctx := context.Background()
	svc := newGateway(inm.New())

	parent, _ := svc.Create(ctx, "parent", winnie)
	if _, err := svc.Remove(ctx, parent.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := svc.Reply(ctx, parent.ID, "late", donald); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReplyToReplyRejected(t *testing.T) {
	ctx := context.Background()
	svc := newGateway(inm.New())

	parent, _ := svc.Create(ctx, "parent", winnie)
	withReply, err := svc.Reply(ctx, parent.ID, "child", donald)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}

	_, err = svc.Reply(ctx, withReply.Replies[0].ID, "grandchild", winnie)
	if !errors.Is(err, ErrNestedReply) {
		t.Fatalf("expected ErrNestedReply, got %v", err)
	}
}

func TestReplyRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	repo := &interferingRepo{Repo: inm.New()}
	repo.n.Store(2)
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	svc := newGateway(repo, WithMetrics(m))

	parent, _ := svc.Create(ctx, "parent", winnie)
	got, err := svc.Reply(ctx, parent.ID, "mine", winnie)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}

	if len(got.Replies) != 3 {
		t.Fatalf("expected both concurrent replies kept, got %d", len(got.Replies))
	}
	if last := got.Replies[len(got.Replies)-1]; last.Text != "mine" {
		t.Fatalf("expected own reply last, got %q", last.Text)
	}
	if v := testutil.ToFloat64(m.ReplyConflictsTotal); v != 2 {
		t.Fatalf("expected 2 conflicts recorded, got %v", v)
	}
}

func TestReplyRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	repo := alwaysConflict{inm.New()}
	svc := newGateway(repo, WithMaxReplyAttempts(3))

	parent, _ := svc.Create(ctx, "parent", winnie)
	_, err := svc.Reply(ctx, parent.ID, "never", winnie)
	if !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected unavailable conflict, got %v", err)
	}
}

func TestConcurrentReplies(t *testing.T) {
	ctx := context.Background()
	svc := newGateway(inm.New(), WithMaxReplyAttempts(1000))

	parent, _ := svc.Create(ctx, "parent", winnie)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Reply(ctx, parent.ID, fmt.Sprintf("r%d", i), donald); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("reply: %v", err)
	}

	all, _ := svc.ListAll(ctx)
	seen := map[string]bool{}
	for _, r := range all[0].Replies {
		seen[r.Text] = true
	}
	for i := 0; i < n; i++ {
		if !seen[fmt.Sprintf("r%d", i)] {
			t.Fatalf("reply r%d lost; have %d replies", i, len(all[0].Replies))
		}
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	svc := newGateway(inm.New())

	keep, _ := svc.Create(ctx, "keep", winnie)
	gone, _ := svc.Create(ctx, "gone", donald)
	if _, err := svc.Reply(ctx, gone.ID, "with reply", winnie); err != nil {
		t.Fatalf("reply: %v", err)
	}

	removed, err := svc.Remove(ctx, gone.ID)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed.ID != gone.ID || len(removed.Replies) != 1 {
		t.Fatalf("expected removed snapshot with its reply, got %+v", removed)
	}

	all, _ := svc.ListAll(ctx)
	if len(all) != 1 || all[0].ID != keep.ID {
		t.Fatalf("expected only %s left, got %+v", keep.ID, all)
	}

	_, err = svc.Remove(ctx, gone.ID)
	if !errors.Is(err, ErrNotFound) || Message(err) != "Comment not found" {
		t.Fatalf("expected not found on second remove, got %v", err)
	}
}

func TestSubmitRoutesOnParent(t *testing.T) {
	ctx := context.Background()
	svc := newGateway(inm.New())

	top, err := svc.Submit(ctx, model.CommentInput{Text: "top"}, winnie)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := svc.Submit(ctx, model.CommentInput{Text: "child", ParentID: top.ID}, donald)
	if err != nil {
		t.Fatalf("submit reply: %v", err)
	}
	if got.ID != top.ID || len(got.Replies) != 1 {
		t.Fatalf("expected reply under %s, got %+v", top.ID, got)
	}
}

func TestListAllNewestFirstAndStable(t *testing.T) {
	ctx := context.Background()
	same := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	svc := newGateway(inm.New(), WithClock(same))

	var ids []string
	for i := 0; i < 4; i++ {
		c, err := svc.Create(ctx, fmt.Sprintf("c%d", i), winnie)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, c.ID)
	}

	first, _ := svc.ListAll(ctx)
	for i := 0; i < 3; i++ {
		again, _ := svc.ListAll(ctx)
		for j := range first {
			if again[j].ID != first[j].ID {
				t.Fatalf("order changed between calls at %d", j)
			}
		}
	}
	for j := range first {
		if first[j].ID != ids[len(ids)-1-j] {
			t.Fatalf("expected newest insert first on equal timestamps")
		}
	}
}

func TestScenarioHelloHiBackRemove(t *testing.T) {
	ctx := context.Background()
	svc := newGateway(inm.New())

	hello, err := svc.Create(ctx, "Hello", winnie)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Reply(ctx, hello.ID, "Hi back", donald); err != nil {
		t.Fatalf("reply: %v", err)
	}

	all, _ := svc.ListAll(ctx)
	if len(all) != 1 || len(all[0].Replies) != 1 || all[0].Replies[0].AuthorName != "Donald Duck" {
		t.Fatalf("unexpected state %+v", all)
	}

	if _, err := svc.Remove(ctx, hello.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	all, _ = svc.ListAll(ctx)
	if len(all) != 0 {
		t.Fatalf("expected empty list, got %d", len(all))
	}
}

func TestOpenFailureNotMemoized(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	repo := inm.New()
	open := func(context.Context) (storage.Collection, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("disk on fire")
		}
		return repo, nil
	}
	svc := New(open)

	_, err := svc.ListAll(ctx)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := svc.ListAll(ctx); err != nil {
		t.Fatalf("expected retry to open the store, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 open attempts, got %d", calls.Load())
	}
}

func TestOpenOnceUnderConcurrency(t *testing.T) {
	var calls atomic.Int32
	repo := inm.New()
	open := func(context.Context) (storage.Collection, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return repo, nil
	}
	svc := New(open)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ListAll(context.Background()); err != nil {
				t.Errorf("list: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected a single open, got %d", calls.Load())
	}
}

func TestSubscribeDeliversComments(t *testing.T) {
	ctx := context.Background()
	svc := newGateway(inm.New())

	snaps := make(chan []model.Comment, 8)
	sub, err := svc.Subscribe(ctx, func(cs []model.Comment) { snaps <- cs }, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	if first := <-snaps; len(first) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d", len(first))
	}

	c, _ := svc.Create(ctx, "Hello", winnie)
	deadline := time.After(time.Second)
	for {
		select {
		case cs := <-snaps:
			if len(cs) == 1 && cs[0].ID == c.ID {
				return
			}
		case <-deadline:
			t.Fatalf("no snapshot with the new comment")
		}
	}
}

func TestPropertyCreateThenList(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	texts := gen.SliceOf(gen.AlphaString().Map(func(s string) string { return "c" + s }))

	properties.Property("every created comment is listed once, newest first", prop.ForAll(
		func(in []string) bool {
			ctx := context.Background()
			svc := newGateway(inm.New())
			for _, text := range in {
				if _, err := svc.Create(ctx, text, winnie); err != nil {
					return false
				}
			}
			all, err := svc.ListAll(ctx)
			if err != nil || len(all) != len(in) {
				return false
			}
			seen := map[string]bool{}
			for i, c := range all {
				if seen[c.ID] || c.Text != in[len(in)-1-i] {
					return false
				}
				seen[c.ID] = true
			}
			return true
		},
		texts,
	))

	properties.Property("whitespace-only text never reaches the store", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			svc := newGateway(inm.New())
			_, err := svc.Create(ctx, strings.Repeat(" \t\n", n), winnie)
			all, _ := svc.ListAll(ctx)
			return errors.Is(err, ErrInvalidInput) && len(all) == 0
		},
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}
