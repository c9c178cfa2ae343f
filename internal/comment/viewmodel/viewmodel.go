// Package viewmodel mirrors the comment collection into a read model for the
// presentation layer and forwards user actions to the gateway.
package viewmodel

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MyNameIsWhaaat/commentsync/internal/comment/model"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/service"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/storage"
	"github.com/MyNameIsWhaaat/commentsync/internal/metrics"
)

// DefaultRetryInterval spaces reconnect attempts after the store could not be
// reached.
const DefaultRetryInterval = 5 * time.Second

// Gateway is the part of the comment service the synchronizer needs.
type Gateway interface {
	ListAll(ctx context.Context) ([]model.Comment, error)
	Create(ctx context.Context, text string, author model.User) (model.Comment, error)
	Reply(ctx context.Context, parentID, text string, author model.User) (model.Comment, error)
	Remove(ctx context.Context, id string) (model.Comment, error)
	Subscribe(ctx context.Context, onNext func([]model.Comment), onErr func(error)) (*storage.Subscription, error)
}

type State int

const (
	Idle State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type ReadModel struct {
	Comments []model.Comment `json:"comments"`
	Loading  bool            `json:"loading"`
	Error    *string         `json:"error"`
}

type Synchronizer struct {
	gw         Gateway
	log        zerolog.Logger
	metrics    *metrics.Metrics
	retryEvery time.Duration

	// connMu serializes connect attempts.
	connMu sync.Mutex
	done   chan struct{}

	mu        sync.Mutex
	ctx       context.Context
	state     State
	comments  []model.Comment
	errMsg    *string
	loadErr   bool // errMsg came from loading, not from a user action
	closed    bool
	retrying  bool
	sub       *storage.Subscription
	observers map[int]func()
	nextObs   int
}

type Option func(*Synchronizer)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

func WithRetryInterval(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.retryEvery = d
		}
	}
}

func New(gw Gateway, log zerolog.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		gw:         gw,
		log:        log,
		retryEvery: DefaultRetryInterval,
		done:       make(chan struct{}),
		comments:   []model.Comment{},
		observers:  make(map[int]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads the current comments and then subscribes to changes. If the
// store cannot be reached it reports Failed and keeps reconnecting in the
// background. Calling Start again while Failed retries immediately.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.sub != nil || s.state == Loading {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	s.state = Loading
	s.mu.Unlock()
	s.changed()

	if !s.connect(ctx) {
		s.retryLater(ctx)
	}
}

// connect applies a fresh listing and opens the change subscription. It
// reports false when the subscription could not be opened.
func (s *Synchronizer) connect(ctx context.Context) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	skip := s.closed || s.sub != nil
	s.mu.Unlock()
	if skip {
		return true
	}

	comments, err := s.gw.ListAll(ctx)
	if err != nil {
		s.onError(err)
	} else {
		s.onSnapshot(comments)
	}

	sub, err := s.gw.Subscribe(ctx, s.onSnapshot, s.onError)
	if err != nil {
		s.onError(err)
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Cancel()
		return true
	}
	s.sub = sub
	s.mu.Unlock()
	return true
}

func (s *Synchronizer) retryLater(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.retrying {
		s.mu.Unlock()
		return
	}
	s.retrying = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.retrying = false
			s.mu.Unlock()
		}()

		t := time.NewTicker(s.retryEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-t.C:
			}
			if s.connect(ctx) {
				return
			}
			s.log.Debug().Dur("retry_in", s.retryEvery).Msg("comment store still unavailable")
		}
	}()
}

// reconnect retries right away after a mutation proved the store reachable.
func (s *Synchronizer) reconnect() {
	s.mu.Lock()
	ctx := s.ctx
	need := ctx != nil && !s.closed && s.sub == nil
	s.mu.Unlock()
	if need && ctx.Err() == nil {
		s.connect(ctx)
	}
}

// Close cancels the subscription and drops every later update. It must not
// be called from an OnChange callback.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	sub := s.sub
	s.sub = nil
	s.observers = map[int]func(){}
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Synchronizer) Snapshot() ReadModel {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := ReadModel{
		Comments: make([]model.Comment, len(s.comments)),
		Loading:  s.state == Loading,
	}
	for i, c := range s.comments {
		c.Replies = model.CloneReplies(c.Replies)
		rm.Comments[i] = c
	}
	if s.errMsg != nil {
		msg := *s.errMsg
		rm.Error = &msg
	}
	return rm
}

// OnChange registers fn to run after every read model change. Callbacks run
// on the goroutine that caused the change and should read Snapshot.
func (s *Synchronizer) OnChange(fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// AddComment posts a top-level comment, or a reply when input.ParentID is set.
func (s *Synchronizer) AddComment(ctx context.Context, input model.CommentInput, user model.User) {
	if input.ParentID != "" {
		s.AddReply(ctx, input, user)
		return
	}
	if strings.TrimSpace(input.Text) == "" {
		return
	}
	_, err := s.gw.Create(ctx, input.Text, user)
	s.settle("create comment", err)
}

func (s *Synchronizer) AddReply(ctx context.Context, input model.CommentInput, user model.User) {
	if input.ParentID == "" || strings.TrimSpace(input.Text) == "" {
		return
	}
	_, err := s.gw.Reply(ctx, input.ParentID, input.Text, user)
	s.settle("reply", err)
}

func (s *Synchronizer) RemoveComment(ctx context.Context, id string) {
	_, err := s.gw.Remove(ctx, id)
	s.settle("remove comment", err)
}

func (s *Synchronizer) onSnapshot(comments []model.Comment) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.comments = comments
	s.state = Ready
	if s.loadErr {
		s.errMsg = nil
		s.loadErr = false
	}
	s.mu.Unlock()

	s.metrics.Snapshot()
	s.changed()
}

// onError keeps the last known list. The next successful load clears the
// error it sets.
func (s *Synchronizer) onError(err error) {
	s.log.Error().Err(err).Msg("load comments")

	msg := service.Message(err)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = Failed
	s.errMsg = &msg
	s.loadErr = true
	s.mu.Unlock()

	s.changed()
}

func (s *Synchronizer) settle(action string, err error) {
	var msg *string
	if err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("comment action failed")
		m := service.Message(err)
		msg = &m
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	notify := msg != nil || s.errMsg != nil
	s.errMsg = msg
	s.loadErr = false
	s.mu.Unlock()

	if notify {
		s.changed()
	}
	if err == nil {
		s.reconnect()
	}
}

func (s *Synchronizer) changed() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
