package storage

import (
	"context"
	"sync"

	"github.com/MyNameIsWhaaat/commentsync/internal/comment/model"
)

type QueryFunc func(ctx context.Context) ([]model.Document, error)

// Feed fans change notifications out to subscribers. A notification makes
// every subscriber re-run the query and receive the full result. Wake-ups
// coalesce, so a slow subscriber only ever sees the latest result.
type Feed struct {
	query QueryFunc

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewFeed(query QueryFunc) *Feed {
	return &Feed{
		query: query,
		subs:  make(map[*Subscription]struct{}),
	}
}

// Subscribe registers callbacks and schedules an initial push. onErr may be nil.
func (f *Feed) Subscribe(onNext func([]model.Document), onErr func(error)) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		feed:   f,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	s.wake <- struct{}{}
	f.subs[s] = struct{}{}

	go s.run(onNext, onErr)
	return s, nil
}

func (f *Feed) Notify() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for s := range f.subs {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Fail delivers err to every subscriber's error callback.
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for s := range f.subs {
		select {
		case s.errs <- err:
		default:
		}
	}
}

// Close cancels all subscriptions and rejects new ones.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	subs := make([]*Subscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.subs = map[*Subscription]struct{}{}
	f.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

func (f *Feed) remove(s *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, s)
}

type Subscription struct {
	feed   *Feed
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	wake chan struct{}
	errs chan error
	done chan struct{}
}

// Cancel stops delivery and waits for an in-flight callback to return. No
// callback starts after Cancel returns. It must not be called from inside a
// callback of the same subscription.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.feed.remove(s)
	})
	<-s.done
}

func (s *Subscription) run(onNext func([]model.Document), onErr func(error)) {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case err := <-s.errs:
			if s.ctx.Err() != nil {
				return
			}
			if onErr != nil {
				onErr(err)
			}
		case <-s.wake:
			docs, err := s.feed.query(s.ctx)
			if s.ctx.Err() != nil {
				return
			}
			if err != nil {
				if onErr != nil {
					onErr(err)
				}
				continue
			}
			onNext(Live(docs))
		}
	}
}
