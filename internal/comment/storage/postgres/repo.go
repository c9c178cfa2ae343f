package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/MyNameIsWhaaat/commentsync/internal/comment/model"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/storage"
)

const notifyChannel = "comment_docs_changed"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS comment_docs (
		seq         BIGSERIAL,
		id          VARCHAR(36) PRIMARY KEY,
		text        VARCHAR(1000) NOT NULL,
		author_id   VARCHAR(36) NOT NULL,
		author_name VARCHAR(200) NOT NULL,
		created_at  VARCHAR(100) NOT NULL,
		replies     JSONB NOT NULL DEFAULT '[]'::jsonb,
		deleted     BOOLEAN NOT NULL DEFAULT FALSE,
		rev         BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_comment_docs_created_at ON comment_docs(created_at)`,
	`CREATE OR REPLACE FUNCTION notify_comment_docs() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('` + notifyChannel + `', NEW.id);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS comment_docs_notify ON comment_docs`,
	`CREATE TRIGGER comment_docs_notify
		AFTER INSERT OR UPDATE ON comment_docs
		FOR EACH ROW EXECUTE FUNCTION notify_comment_docs()`,
}

const columns = `id, text, author_id, author_name, created_at, replies::text, deleted, rev, seq`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const listenRetry = 5 * time.Second

// Repo stores one row per document. Change notifications come from a
// trigger over LISTEN/NOTIFY on a dedicated pgx connection.
type Repo struct {
	db  *sql.DB
	dsn string
	log zerolog.Logger

	feed   *storage.Feed
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open returns a storage.OpenFunc that connects, migrates and starts the
// change listener.
func Open(dsn string, log zerolog.Logger) storage.OpenFunc {
	return func(ctx context.Context) (storage.Collection, error) {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		r, err := New(ctx, db, dsn, log)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return r, nil
	}
}

func New(ctx context.Context, db *sql.DB, dsn string, log zerolog.Logger) (*Repo, error) {
	if err := Migrate(ctx, db); err != nil {
		return nil, err
	}

	conn, err := listen(ctx, dsn)
	if err != nil {
		return nil, err
	}

	lctx, cancel := context.WithCancel(context.Background())
	r := &Repo{
		db:     db,
		dsn:    dsn,
		log:    log.With().Str("component", "postgres_collection").Logger(),
		cancel: cancel,
	}
	r.feed = storage.NewFeed(r.Find)

	r.wg.Add(1)
	go r.watch(lctx, conn)

	return r, nil
}

func Migrate(ctx context.Context, db *sql.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func listen(ctx context.Context, dsn string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("listen connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("listen: %w", err)
	}
	return conn, nil
}

func (r *Repo) watch(ctx context.Context, conn *pgx.Conn) {
	defer r.wg.Done()

	for {
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				_ = conn.Close(context.Background())
				if ctx.Err() != nil {
					return
				}
				r.log.Warn().Err(err).Msg("change listener lost connection")
				r.feed.Fail(fmt.Errorf("change listener: %w", err))
				break
			}
			r.log.Debug().Str("id", n.Payload).Msg("change notification")
			r.feed.Notify()
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenRetry):
			}
			c, err := listen(ctx, r.dsn)
			if err == nil {
				conn = c
				// writes during the outage produced no notification
				r.feed.Notify()
				break
			}
			r.log.Warn().Err(err).Msg("change listener reconnect failed")
		}
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDoc(s scanner) (model.Document, error) {
	var (
		d       model.Document
		replies string
	)
	err := s.Scan(&d.ID, &d.Text, &d.AuthorID, &d.AuthorName, &d.CreatedAt, &replies, &d.Deleted, &d.Rev, &d.Seq)
	if err != nil {
		return model.Document{}, err
	}
	if err := json.Unmarshal([]byte(replies), &d.Replies); err != nil {
		return model.Document{}, fmt.Errorf("decode replies of %s: %w", d.ID, err)
	}
	if d.Replies == nil {
		d.Replies = []model.Reply{}
	}
	return d, nil
}

func encodeReplies(replies []model.Reply) (string, error) {
	if replies == nil {
		replies = []model.Reply{}
	}
	b, err := json.Marshal(replies)
	return string(b), err
}

func (r *Repo) Insert(ctx context.Context, doc model.Document) (model.Document, error) {
	if err := doc.Validate(); err != nil {
		return model.Document{}, err
	}
	replies, err := encodeReplies(doc.Replies)
	if err != nil {
		return model.Document{}, err
	}

	out, err := r.queryRow(ctx, psql.Insert("comment_docs").
		Columns("id", "text", "author_id", "author_name", "created_at", "replies").
		Values(doc.ID, doc.Text, doc.AuthorID, doc.AuthorName, doc.CreatedAt, sq.Expr("?::jsonb", replies)).
		Suffix("ON CONFLICT (id) DO NOTHING RETURNING "+columns))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Document{}, fmt.Errorf("insert %s: %w", doc.ID, storage.ErrConflict)
	}
	if err != nil {
		return model.Document{}, err
	}
	return out, nil
}

func (r *Repo) FindOne(ctx context.Context, id string) (model.Document, error) {
	d, err := r.queryRow(ctx, selectDocs().Where(sq.Eq{"id": id, "deleted": false}))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Document{}, storage.ErrNotFound
	}
	return d, err
}

func (r *Repo) Find(ctx context.Context) ([]model.Document, error) {
	return r.query(ctx, selectDocs().Where(sq.Eq{"deleted": false}))
}

func (r *Repo) AllDocs(ctx context.Context) ([]model.Document, error) {
	return r.query(ctx, selectDocs())
}

func selectDocs() sq.SelectBuilder {
	return psql.Select(columns).From("comment_docs").OrderBy("created_at DESC", "seq DESC")
}

func (r *Repo) queryRow(ctx context.Context, b sq.Sqlizer) (model.Document, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return model.Document{}, err
	}
	return scanDoc(r.db.QueryRowContext(ctx, q, args...))
}

func (r *Repo) query(ctx context.Context, b sq.Sqlizer) ([]model.Document, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]model.Document, 0, 32)
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *Repo) UpdateReplies(ctx context.Context, id string, rev int64, replies []model.Reply) (model.Document, error) {
	if err := model.ValidateReplies(replies); err != nil {
		return model.Document{}, err
	}
	encoded, err := encodeReplies(replies)
	if err != nil {
		return model.Document{}, err
	}

	d, err := r.queryRow(ctx, psql.Update("comment_docs").
		Set("replies", sq.Expr("?::jsonb", encoded)).
		Set("rev", sq.Expr("rev+1")).
		Where(sq.Eq{"id": id, "rev": rev, "deleted": false}).
		Suffix("RETURNING "+columns))
	if errors.Is(err, sql.ErrNoRows) {
		if _, ferr := r.FindOne(ctx, id); ferr != nil {
			return model.Document{}, ferr
		}
		return model.Document{}, storage.ErrConflict
	}
	return d, err
}

// removeCTE locks the live row, tombstones it and hands the untouched row to
// the outer SELECT.
const removeCTE = `WITH old AS (
	SELECT * FROM comment_docs WHERE id = ? AND NOT deleted FOR UPDATE
), tombstone AS (
	UPDATE comment_docs SET deleted = true, rev = comment_docs.rev + 1
	FROM old WHERE comment_docs.id = old.id
)`

// Remove tombstones the document and returns it as it was before removal.
func (r *Repo) Remove(ctx context.Context, id string) (model.Document, error) {
	d, err := r.queryRow(ctx, psql.Select(columns).Prefix(removeCTE, id).From("old"))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Document{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Document{}, err
	}
	return d, nil
}

func (r *Repo) ApplyRemote(ctx context.Context, doc model.Document) (model.Document, error) {
	if !doc.Deleted {
		if err := doc.Validate(); err != nil {
			return model.Document{}, err
		}
	}
	replies, err := encodeReplies(doc.Replies)
	if err != nil {
		return model.Document{}, err
	}

	return r.queryRow(ctx, psql.Insert("comment_docs").
		Columns("id", "text", "author_id", "author_name", "created_at", "replies", "deleted").
		Values(doc.ID, doc.Text, doc.AuthorID, doc.AuthorName, doc.CreatedAt, sq.Expr("?::jsonb", replies), doc.Deleted).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			text=EXCLUDED.text,
			author_id=EXCLUDED.author_id,
			author_name=EXCLUDED.author_name,
			created_at=EXCLUDED.created_at,
			replies=EXCLUDED.replies,
			deleted=EXCLUDED.deleted,
			rev=comment_docs.rev+1
		RETURNING ` + columns))
}

func (r *Repo) Subscribe(onNext func([]model.Document), onErr func(error)) (*storage.Subscription, error) {
	return r.feed.Subscribe(onNext, onErr)
}

func (r *Repo) Close() error {
	r.feed.Close()
	r.cancel()
	r.wg.Wait()
	return r.db.Close()
}
