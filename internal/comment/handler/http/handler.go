package http

import (
	"context"
	"encoding/json"
	"errors"
	stdhttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MyNameIsWhaaat/commentsync/internal/comment/identity"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/model"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/viewmodel"
)

// Synchronizer is the view model the handler renders and drives.
type Synchronizer interface {
	Snapshot() viewmodel.ReadModel
	OnChange(fn func()) (cancel func())
	AddComment(ctx context.Context, input model.CommentInput, user model.User)
	RemoveComment(ctx context.Context, id string)
}

type Users interface {
	Current() model.User
	List() []model.User
	Lookup(id string) (model.User, bool)
	SetCurrent(u model.User) error
}

type Handler struct {
	view   Synchronizer
	users  Users
	status func() string
	log    zerolog.Logger

	actionTimeout time.Duration
	actions       sync.WaitGroup
}

type Option func(*Handler)

func WithLogger(l zerolog.Logger) Option { return func(h *Handler) { h.log = l } }

// WithReplicationStatus reports replication state on /healthz.
func WithReplicationStatus(fn func() string) Option { return func(h *Handler) { h.status = fn } }

func New(view Synchronizer, users Users, opts ...Option) *Handler {
	h := &Handler{
		view:          view,
		users:         users,
		log:           zerolog.Nop(),
		actionTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Wait blocks until accepted comment actions have finished.
func (h *Handler) Wait() {
	h.actions.Wait()
}

type createCommentRequest struct {
	ParentID string `json:"parent_id"`
	Text     string `json:"text"`
}

func (h *Handler) GetComments(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	writeJSON(w, stdhttp.StatusOK, toReadModelResponse(h.view.Snapshot(), h.users.Current()))
}

// CreateComment accepts a comment or reply and applies it in the background;
// the outcome shows up in GET /comments or the stream.
func (h *Handler) CreateComment(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	var req createCommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, stdhttp.StatusBadRequest, map[string]any{"error": "bad json"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, stdhttp.StatusBadRequest, map[string]any{"error": "Comment text is required"})
		return
	}

	user := h.users.Current()
	input := model.CommentInput{Text: req.Text, ParentID: strings.TrimSpace(req.ParentID)}
	h.background(func(ctx context.Context) { h.view.AddComment(ctx, input, user) })

	writeJSON(w, stdhttp.StatusAccepted, map[string]any{"result": "accepted"})
}

func (h *Handler) DeleteComment(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	id := r.PathValue("id")

	var found *model.Comment
	for _, c := range h.view.Snapshot().Comments {
		if c.ID == id {
			found = &c
			break
		}
	}
	if found == nil {
		writeJSON(w, stdhttp.StatusNotFound, map[string]any{"error": "Comment not found"})
		return
	}
	if found.AuthorID != h.users.Current().ID {
		writeJSON(w, stdhttp.StatusForbidden, map[string]any{"error": "Only the author can delete a comment"})
		return
	}

	h.background(func(ctx context.Context) { h.view.RemoveComment(ctx, id) })
	writeJSON(w, stdhttp.StatusAccepted, map[string]any{"result": "accepted"})
}

func (h *Handler) ListUsers(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	writeJSON(w, stdhttp.StatusOK, h.users.List())
}

func (h *Handler) GetCurrentUser(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	writeJSON(w, stdhttp.StatusOK, h.users.Current())
}

type setCurrentUserRequest struct {
	ID string `json:"id"`
}

func (h *Handler) SetCurrentUser(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	var req setCurrentUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, stdhttp.StatusBadRequest, map[string]any{"error": "bad json"})
		return
	}

	u, ok := h.users.Lookup(req.ID)
	if !ok {
		writeJSON(w, stdhttp.StatusBadRequest, map[string]any{"error": "unknown user"})
		return
	}
	if err := h.users.SetCurrent(u); err != nil {
		if errors.Is(err, identity.ErrUnknownUser) {
			writeJSON(w, stdhttp.StatusBadRequest, map[string]any{"error": "unknown user"})
			return
		}
		writeJSON(w, stdhttp.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}

	h.log.Info().Str("user_id", u.ID).Msg("current user changed")
	writeJSON(w, stdhttp.StatusOK, u)
}

func (h *Handler) Health(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	replication := "disabled"
	if h.status != nil {
		replication = h.status()
	}
	writeJSON(w, stdhttp.StatusOK, map[string]any{"result": "ok", "replication": replication})
}

func (h *Handler) background(fn func(ctx context.Context)) {
	h.actions.Add(1)
	go func() {
		defer h.actions.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.actionTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func writeJSON(w stdhttp.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
