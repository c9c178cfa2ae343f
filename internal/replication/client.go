package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MyNameIsWhaaat/commentsync/internal/comment/model"
)

var (
	ErrRemoteNotFound = errors.New("remote document not found")
	ErrRemoteConflict = errors.New("remote document update conflict")
)

// TransportError is a failed exchange with the remote database.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("couchdb %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("couchdb %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteDoc is the document shape stored in CouchDB.
type RemoteDoc struct {
	ID         string        `json:"_id"`
	Rev        string        `json:"_rev,omitempty"`
	Deleted    bool          `json:"_deleted,omitempty"`
	Text       string        `json:"text,omitempty"`
	AuthorID   string        `json:"authorId,omitempty"`
	AuthorName string        `json:"authorName,omitempty"`
	CreatedAt  string        `json:"createdAt,omitempty"`
	Replies    []model.Reply `json:"replies,omitempty"`
}

func toRemote(d model.Document) RemoteDoc {
	return RemoteDoc{
		ID:         d.ID,
		Deleted:    d.Deleted,
		Text:       d.Text,
		AuthorID:   d.AuthorID,
		AuthorName: d.AuthorName,
		CreatedAt:  d.CreatedAt,
		Replies:    d.Replies,
	}
}

func (r RemoteDoc) toLocal() model.Document {
	return model.Document{
		Comment: model.Comment{
			CommentBase: model.CommentBase{
				ID:         r.ID,
				Text:       r.Text,
				AuthorID:   r.AuthorID,
				AuthorName: r.AuthorName,
				CreatedAt:  r.CreatedAt,
			},
			Replies: model.CloneReplies(r.Replies),
		},
		Deleted: r.Deleted,
	}
}

type Change struct {
	Seq     string
	ID      string
	Deleted bool
	Doc     *RemoteDoc
}

type changesResponse struct {
	Results []struct {
		Seq     json.RawMessage `json:"seq"`
		ID      string          `json:"id"`
		Deleted bool            `json:"deleted"`
		Doc     *RemoteDoc      `json:"doc"`
	} `json:"results"`
	LastSeq json.RawMessage `json:"last_seq"`
}

// Client talks to one CouchDB database.
type Client struct {
	base     *url.URL
	db       string
	username string
	password string
	http     *http.Client
}

func NewClient(rawURL, db, username, password string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse couchdb url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse couchdb url: %q has no scheme or host", rawURL)
	}
	if db == "" {
		return nil, errors.New("couchdb database name is empty")
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{base: u, db: db, username: username, password: password, http: hc}, nil
}

// Ping checks that the server answers at all.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, c.base.String(), nil)
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return &TransportError{Op: "ping", Status: resp.StatusCode}
	}
	return nil
}

// EnsureDB creates the database unless it already exists.
func (c *Client) EnsureDB(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPut, c.dbURL(), nil)
	if err != nil {
		return &TransportError{Op: "create database", Err: err}
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusAccepted, http.StatusPreconditionFailed:
		return nil
	}
	return &TransportError{Op: "create database", Status: resp.StatusCode}
}

// Rev returns the current revision of a remote document.
func (c *Client) Rev(ctx context.Context, id string) (string, error) {
	resp, err := c.do(ctx, http.MethodHead, c.docURL(id), nil)
	if err != nil {
		return "", &TransportError{Op: "head " + id, Err: err}
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrRemoteNotFound
	case resp.StatusCode >= 300:
		return "", &TransportError{Op: "head " + id, Status: resp.StatusCode}
	}
	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

// Put writes doc and returns the new remote revision.
func (c *Client) Put(ctx context.Context, doc RemoteDoc) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", doc.ID, err)
	}

	resp, err := c.do(ctx, http.MethodPut, c.docURL(doc.ID), body)
	if err != nil {
		return "", &TransportError{Op: "put " + doc.ID, Err: err}
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusConflict:
		return "", ErrRemoteConflict
	case resp.StatusCode >= 300:
		return "", &TransportError{Op: "put " + doc.ID, Status: resp.StatusCode}
	}

	var out struct {
		Rev string `json:"rev"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &TransportError{Op: "put " + doc.ID, Err: err}
	}
	return out.Rev, nil
}

// Changes long-polls the changes feed after since. An empty since reads from
// the beginning.
func (c *Client) Changes(ctx context.Context, since string, timeout time.Duration) ([]Change, string, error) {
	q := url.Values{}
	q.Set("feed", "longpoll")
	q.Set("include_docs", "true")
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	if since == "" {
		since = "0"
	}
	q.Set("since", since)

	resp, err := c.do(ctx, http.MethodGet, c.dbURL()+"/_changes?"+q.Encode(), nil)
	if err != nil {
		return nil, since, &TransportError{Op: "changes", Err: err}
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return nil, since, &TransportError{Op: "changes", Status: resp.StatusCode}
	}

	var cr changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, since, &TransportError{Op: "changes", Err: err}
	}

	changes := make([]Change, 0, len(cr.Results))
	for _, r := range cr.Results {
		changes = append(changes, Change{Seq: seqString(r.Seq), ID: r.ID, Deleted: r.Deleted, Doc: r.Doc})
	}
	last := seqString(cr.LastSeq)
	if last == "" {
		last = since
	}
	return changes, last, nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return c.http.Do(req)
}

func (c *Client) dbURL() string {
	return c.base.String() + "/" + url.PathEscape(c.db)
}

func (c *Client) docURL(id string) string {
	return c.dbURL() + "/" + url.PathEscape(id)
}

// seqString accepts both numeric (CouchDB 1.x) and opaque string sequences.
func seqString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
