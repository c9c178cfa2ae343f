package http

import (
	"bufio"
	"errors"
	"net"
	stdhttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (h *Handler) Routes() stdhttp.Handler {
	mux := stdhttp.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Health)

	mux.HandleFunc("GET /users", h.ListUsers)
	mux.HandleFunc("GET /users/current", h.GetCurrentUser)
	mux.HandleFunc("PUT /users/current", h.SetCurrentUser)

	mux.HandleFunc("GET /comments", h.GetComments)
	mux.HandleFunc("POST /comments", h.CreateComment)
	mux.HandleFunc("DELETE /comments/{id}", h.DeleteComment)
	mux.HandleFunc("GET /comments/stream", h.Stream)

	mux.Handle("GET /metrics", promhttp.Handler())

	return h.logRequests(mux)
}

type statusRecorder struct {
	stdhttp.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack keeps websocket upgrades working through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(stdhttp.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() stdhttp.ResponseWriter {
	return r.ResponseWriter
}

func (h *Handler) logRequests(next stdhttp.Handler) stdhttp.Handler {
	return stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: stdhttp.StatusOK}
		next.ServeHTTP(rec, r)

		h.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
