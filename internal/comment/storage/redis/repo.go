package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/MyNameIsWhaaat/commentsync/internal/comment/model"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/storage"
)

const DefaultPrefix = "comments"

// Repo keeps each document as a JSON string under <prefix>:doc:<id>, indexes
// ids in the <prefix>:all set and announces writes on <prefix>:changed so
// every process sharing the database sees the change feed.
type Repo struct {
	client *goredis.Client
	prefix string
	log    zerolog.Logger

	feed   *storage.Feed
	pubsub *goredis.PubSub
	wg     sync.WaitGroup
}

// Open returns a storage.OpenFunc that pings the server and starts the
// change listener.
func Open(client *goredis.Client, prefix string, log zerolog.Logger) storage.OpenFunc {
	return func(ctx context.Context) (storage.Collection, error) {
		return New(ctx, client, prefix, log)
	}
}

func New(ctx context.Context, client *goredis.Client, prefix string, log zerolog.Logger) (*Repo, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	r := &Repo{
		client: client,
		prefix: prefix,
		log:    log.With().Str("component", "redis_collection").Logger(),
	}
	r.feed = storage.NewFeed(r.Find)

	ps := client.Subscribe(ctx, r.channel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	r.pubsub = ps

	r.wg.Add(1)
	go r.listen()

	return r, nil
}

func (r *Repo) listen() {
	defer r.wg.Done()
	for msg := range r.pubsub.Channel() {
		r.log.Debug().Str("id", msg.Payload).Msg("change notification")
		r.feed.Notify()
	}
}

func (r *Repo) docKey(id string) string { return fmt.Sprintf("%s:doc:%s", r.prefix, id) }
func (r *Repo) allKey() string          { return r.prefix + ":all" }
func (r *Repo) seqKey() string          { return r.prefix + ":seq" }
func (r *Repo) channel() string         { return r.prefix + ":changed" }

func (r *Repo) Insert(ctx context.Context, doc model.Document) (model.Document, error) {
	if err := doc.Validate(); err != nil {
		return model.Document{}, err
	}
	return r.mutate(ctx, doc.ID, func(cur *model.Document, exists bool) error {
		if exists {
			return fmt.Errorf("insert %s: %w", doc.ID, storage.ErrConflict)
		}
		seq, err := r.client.Incr(ctx, r.seqKey()).Result()
		if err != nil {
			return err
		}
		*cur = doc
		cur.Replies = model.CloneReplies(doc.Replies)
		cur.Deleted = false
		cur.Rev = 1
		cur.Seq = seq
		return nil
	})
}

func (r *Repo) FindOne(ctx context.Context, id string) (model.Document, error) {
	d, err := r.get(ctx, r.client, id)
	if err != nil {
		return model.Document{}, err
	}
	if d.Deleted {
		return model.Document{}, storage.ErrNotFound
	}
	return d, nil
}

func (r *Repo) Find(ctx context.Context) ([]model.Document, error) {
	docs, err := r.AllDocs(ctx)
	if err != nil {
		return nil, err
	}
	return storage.Live(docs), nil
}

func (r *Repo) AllDocs(ctx context.Context) ([]model.Document, error) {
	ids, err := r.client.SMembers(ctx, r.allKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []model.Document{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.docKey(id))
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	docs := make([]model.Document, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var d model.Document
		if err := json.Unmarshal([]byte(s), &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ids[i], err)
		}
		if d.Replies == nil {
			d.Replies = []model.Reply{}
		}
		docs = append(docs, d)
	}
	storage.SortNewestFirst(docs)
	return docs, nil
}

func (r *Repo) UpdateReplies(ctx context.Context, id string, rev int64, replies []model.Reply) (model.Document, error) {
	return r.mutate(ctx, id, func(cur *model.Document, exists bool) error {
		if !exists || cur.Deleted {
			return storage.ErrNotFound
		}
		if cur.Rev != rev {
			return storage.ErrConflict
		}
		cur.Replies = model.CloneReplies(replies)
		if err := cur.Validate(); err != nil {
			return err
		}
		cur.Rev++
		return nil
	})
}

func (r *Repo) Remove(ctx context.Context, id string) (model.Document, error) {
	var before model.Document
	_, err := r.mutate(ctx, id, func(cur *model.Document, exists bool) error {
		if !exists || cur.Deleted {
			return storage.ErrNotFound
		}
		before = *cur
		before.Replies = model.CloneReplies(cur.Replies)
		cur.Deleted = true
		cur.Rev++
		return nil
	})
	if err != nil {
		return model.Document{}, err
	}
	return before, nil
}

func (r *Repo) ApplyRemote(ctx context.Context, doc model.Document) (model.Document, error) {
	if !doc.Deleted {
		if err := doc.Validate(); err != nil {
			return model.Document{}, err
		}
	}
	return r.mutate(ctx, doc.ID, func(cur *model.Document, exists bool) error {
		seq, rev := cur.Seq, cur.Rev+1
		if !exists {
			n, err := r.client.Incr(ctx, r.seqKey()).Result()
			if err != nil {
				return err
			}
			seq, rev = n, 1
		}
		*cur = doc
		cur.Replies = model.CloneReplies(doc.Replies)
		cur.Seq = seq
		cur.Rev = rev
		return nil
	})
}

// mutate runs a WATCH/MULTI read-modify-write on one document. The document,
// its index entry and the change announcement commit together. A concurrent
// write between the read and EXEC surfaces as storage.ErrConflict. The feed
// wakes from the announcement, for this process as for every other.
func (r *Repo) mutate(ctx context.Context, id string, fn func(cur *model.Document, exists bool) error) (model.Document, error) {
	key := r.docKey(id)
	var out model.Document

	err := r.client.Watch(ctx, func(tx *goredis.Tx) error {
		cur, err := r.get(ctx, tx, id)
		exists := true
		if errors.Is(err, storage.ErrNotFound) {
			exists = false
			cur = model.Document{}
		} else if err != nil {
			return err
		}

		if err := fn(&cur, exists); err != nil {
			return err
		}

		data, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, r.allKey(), id)
			pipe.Publish(ctx, r.channel(), id)
			return nil
		})
		if err != nil {
			return err
		}
		out = cur
		return nil
	}, key)

	if errors.Is(err, goredis.TxFailedErr) {
		return model.Document{}, storage.ErrConflict
	}
	if err != nil {
		return model.Document{}, err
	}
	return out, nil
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func (r *Repo) get(ctx context.Context, g getter, id string) (model.Document, error) {
	data, err := g.Get(ctx, r.docKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return model.Document{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Document{}, err
	}

	var d model.Document
	if err := json.Unmarshal(data, &d); err != nil {
		return model.Document{}, fmt.Errorf("decode %s: %w", id, err)
	}
	if d.Replies == nil {
		d.Replies = []model.Reply{}
	}
	return d, nil
}

func (r *Repo) Subscribe(onNext func([]model.Document), onErr func(error)) (*storage.Subscription, error) {
	return r.feed.Subscribe(onNext, onErr)
}

// Close stops the change listener. The client is owned by the caller.
func (r *Repo) Close() error {
	r.feed.Close()
	err := r.pubsub.Close()
	r.wg.Wait()
	return err
}
