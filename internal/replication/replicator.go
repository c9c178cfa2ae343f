// Package replication relays comment documents between the local collection
// and a remote CouchDB database. It is best effort: failures are logged and
// counted, and local operation never depends on the remote.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/MyNameIsWhaaat/commentsync/internal/comment/model"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/storage"
	"github.com/MyNameIsWhaaat/commentsync/internal/metrics"
)

type Status int32

const (
	Stopped Status = iota
	Paused
	Active
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	}
	return "stopped"
}

type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	RetryInterval time.Duration
	PollTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 25 * time.Second
	}
	return c
}

var errOffline = errors.New("remote unreachable")

type Replicator struct {
	coll    storage.Replicated
	client  *Client
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	status atomic.Int32

	// mu serializes push and pull so a pulled document is recorded as synced
	// before the push side can see it.
	mu        sync.Mutex
	synced    map[string]int64
	remoteRev map[string]string
	since     string
}

func New(coll storage.Replicated, client *Client, cfg Config, log zerolog.Logger, m *metrics.Metrics) *Replicator {
	return &Replicator{
		coll:      coll,
		client:    client,
		cfg:       cfg.withDefaults(),
		log:       log.With().Str("component", "replication").Logger(),
		metrics:   m,
		synced:    make(map[string]int64),
		remoteRev: make(map[string]string),
	}
}

func (r *Replicator) Status() Status {
	return Status(r.status.Load())
}

// Run replicates until ctx is cancelled. While the remote is unreachable it
// stays paused and probes again every ProbeInterval; a session that fails for
// any other reason is restarted after RetryInterval.
func (r *Replicator) Run(ctx context.Context) error {
	defer r.setStatus(Stopped)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := r.client.Ping(ctx, r.cfg.ProbeTimeout); err != nil {
			if r.Status() != Paused {
				r.log.Info().Err(err).Msg("remote unreachable, replication paused")
			}
			r.setStatus(Paused)
			if !sleep(ctx, r.cfg.ProbeInterval) {
				return nil
			}
			continue
		}

		err := r.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.setStatus(Paused)
		if errors.Is(err, errOffline) {
			r.log.Info().Msg("remote went offline, replication paused")
			continue
		}

		r.metrics.ReplicationError()
		r.log.Error().Err(err).Dur("retry_in", r.cfg.RetryInterval).Msg("replication session failed")
		if !sleep(ctx, r.cfg.RetryInterval) {
			return nil
		}
	}
}

func (r *Replicator) session(ctx context.Context) error {
	r.metrics.ReplicationRestart()

	if err := r.client.EnsureDB(ctx); err != nil {
		return err
	}

	wake := make(chan struct{}, 1)
	sub, err := r.coll.Subscribe(
		func([]model.Document) {
			select {
			case wake <- struct{}{}:
			default:
			}
		},
		func(err error) { r.log.Warn().Err(err).Msg("local change feed") },
	)
	if err != nil {
		return fmt.Errorf("subscribe to local changes: %w", err)
	}
	defer sub.Cancel()

	r.setStatus(Active)
	r.log.Info().Msg("replication active")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pushLoop(gctx, wake) })
	g.Go(func() error { return r.pullLoop(gctx) })
	g.Go(func() error { return r.monitor(gctx) })
	return g.Wait()
}

func (r *Replicator) pushLoop(ctx context.Context, wake <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
			n, err := r.pushPending(ctx)
			if ctx.Err() != nil {
				return nil
			}
			r.metrics.Replicated("push", n)
			if err != nil {
				return fmt.Errorf("push: %w", err)
			}
		}
	}
}

// pushPending sends every local document, tombstones included, whose local
// revision moved since it was last synced.
func (r *Replicator) pushPending(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	docs, err := r.coll.AllDocs(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, d := range docs {
		if rev, ok := r.synced[d.ID]; ok && rev == d.Rev {
			continue
		}
		if err := r.pushOne(ctx, d); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (r *Replicator) pushOne(ctx context.Context, d model.Document) error {
	remote := toRemote(d)
	remote.Rev = r.remoteRev[d.ID]

	if remote.Rev == "" {
		rev, err := r.client.Rev(ctx, d.ID)
		switch {
		case errors.Is(err, ErrRemoteNotFound):
			if d.Deleted {
				r.synced[d.ID] = d.Rev
				return nil
			}
		case err != nil:
			return err
		}
		remote.Rev = rev
	}

	rev, err := r.client.Put(ctx, remote)
	if errors.Is(err, ErrRemoteConflict) {
		if remote.Rev, err = r.client.Rev(ctx, d.ID); err != nil {
			return err
		}
		rev, err = r.client.Put(ctx, remote)
	}
	if err != nil {
		return err
	}

	r.synced[d.ID] = d.Rev
	r.remoteRev[d.ID] = rev
	r.log.Debug().Str("id", d.ID).Str("rev", rev).Bool("deleted", d.Deleted).Msg("pushed document")
	return nil
}

func (r *Replicator) pullLoop(ctx context.Context) error {
	for {
		r.mu.Lock()
		since := r.since
		r.mu.Unlock()

		changes, last, err := r.client.Changes(ctx, since, r.cfg.PollTimeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}

		n, err := r.applyChanges(ctx, changes, last)
		r.metrics.Replicated("pull", n)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pull: %w", err)
		}
	}
}

func (r *Replicator) applyChanges(ctx context.Context, changes []Change, last string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, ch := range changes {
		rev := ""
		if ch.Doc != nil {
			rev = ch.Doc.Rev
		}
		if rev != "" && rev == r.remoteRev[ch.ID] {
			continue
		}

		var doc model.Document
		switch {
		case ch.Deleted || (ch.Doc != nil && ch.Doc.Deleted):
			cur, err := r.coll.FindOne(ctx, ch.ID)
			if errors.Is(err, storage.ErrNotFound) {
				r.remoteRev[ch.ID] = rev
				continue
			}
			if err != nil {
				return n, err
			}
			doc = cur
			doc.Deleted = true
		case ch.Doc != nil:
			doc = ch.Doc.toLocal()
		default:
			continue
		}

		stored, err := r.coll.ApplyRemote(ctx, doc)
		if errors.Is(err, model.ErrSchema) {
			r.log.Warn().Err(err).Str("id", ch.ID).Msg("skipping remote document")
			r.remoteRev[ch.ID] = rev
			continue
		}
		if err != nil {
			return n, err
		}
		r.synced[ch.ID] = stored.Rev
		r.remoteRev[ch.ID] = rev
		n++
	}
	r.since = last
	return n, nil
}

func (r *Replicator) monitor(ctx context.Context) error {
	t := time.NewTicker(r.cfg.ProbeInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := r.client.Ping(ctx, r.cfg.ProbeTimeout); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: %v", errOffline, err)
			}
		}
	}
}

func (r *Replicator) setStatus(s Status) {
	r.status.Store(int32(s))
	r.metrics.SetReplicationActive(s == Active)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
