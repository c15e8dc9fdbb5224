// Package httpapi exposes club feeds as a small JSON API plus Prometheus
// metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/allgram/clubfeed/internal/feed"
	"github.com/allgram/clubfeed/internal/ops"
)

const maxPageCount = 100

// Club is one feed served under /clubs/{name}
type Club struct {
	Name     string
	Protocol string
	Feed     *feed.Feed
}

// Server routes HTTP requests to the feeds it serves
type Server struct {
	clubs    []Club
	byName   map[string]Club
	combined *feed.Combined
	gatherer prometheus.Gatherer
	validate *validator.Validate
	log      *ops.Logger
	version  string
}

// New creates a server. A nil gatherer serves the default registry.
func New(clubs []Club, combined *feed.Combined, gatherer prometheus.Gatherer, log *ops.Logger, version string) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = ops.Nop()
	}
	return &Server{
		clubs:    clubs,
		byName:   lo.KeyBy(clubs, func(c Club) string { return c.Name }),
		combined: combined,
		gatherer: gatherer,
		validate: validator.New(),
		log:      log.WithComponent("http"),
		version:  version,
	}
}

// Handler returns the router of every endpoint
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/feed", s.combinedFeed).Methods(http.MethodGet)
	r.HandleFunc("/clubs", s.listClubs).Methods(http.MethodGet)
	r.HandleFunc("/clubs/{club}/posts", s.listPosts).Methods(http.MethodGet)
	r.HandleFunc("/clubs/{club}/posts/{post}", s.deletePost).Methods(http.MethodDelete)
	r.HandleFunc("/clubs/{club}/paginate", s.paginate).Methods(http.MethodPost)
	r.HandleFunc("/clubs/{club}/reactions", s.toggleReaction).Methods(http.MethodPost)
	r.HandleFunc("/clubs/{club}/comments", s.postComment).Methods(http.MethodPost)

	return r
}

// Serve listens on addr until ctx is done, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

type clubSummary struct {
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Room     string `json:"room"`
	Posts    int    `json:"posts"`
}

func (s *Server) listClubs(w http.ResponseWriter, r *http.Request) {
	out := lo.Map(s.clubs, func(c Club, _ int) clubSummary {
		return clubSummary{Name: c.Name, Protocol: c.Protocol, Room: c.Feed.Room(), Posts: len(c.Feed.Posts())}
	})
	writeJSON(w, http.StatusOK, map[string]any{"clubs": out})
}

func (s *Server) club(w http.ResponseWriter, r *http.Request) (Club, bool) {
	name := mux.Vars(r)["club"]
	c, ok := s.byName[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown club: "+name)
	}
	return c, ok
}

// listPosts serves a club's posts oldest first; ?limit=n keeps the newest n
func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	c, ok := s.club(w, r)
	if !ok {
		return
	}
	limit, ok := intQuery(w, r, "limit", 0)
	if !ok {
		return
	}
	posts := c.Feed.Posts()
	if limit > 0 && len(posts) > limit {
		posts = posts[len(posts)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"club": c.Name, "posts": nonNil(posts)})
}

func (s *Server) combinedFeed(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQuery(w, r, "limit", 0)
	if !ok {
		return
	}
	var posts []feed.RoomPost
	if s.combined != nil {
		posts = s.combined.Posts()
	}
	if limit > 0 && len(posts) > limit {
		posts = posts[len(posts)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": nonNil(posts)})
}

type pageResponse struct {
	Outcome feed.PageOutcome `json:"outcome"`
	Gained  int              `json:"gained"`
	Error   string           `json:"error,omitempty"`
}

func (s *Server) paginate(w http.ResponseWriter, r *http.Request) {
	c, ok := s.club(w, r)
	if !ok {
		return
	}
	count, ok := intQuery(w, r, "count", 1)
	if !ok {
		return
	}
	if count <= 0 || count > maxPageCount {
		writeError(w, http.StatusBadRequest, "count must be between 1 and "+strconv.Itoa(maxPageCount))
		return
	}

	res := c.Feed.Paginate(r.Context(), count)
	out := pageResponse{Outcome: res.Outcome, Gained: res.Gained}
	status := http.StatusOK
	if res.Err != nil {
		out.Error = res.Err.Error()
		status = http.StatusBadGateway
		if errors.Is(res.Err, feed.ErrNotRunning) {
			status = http.StatusServiceUnavailable
		}
	}
	if res.Outcome == feed.PageRejected {
		status = http.StatusConflict
	}
	writeJSON(w, status, out)
}

type reactionRequest struct {
	Target string `json:"target" validate:"required"`
	Emoji  string `json:"emoji" validate:"required"`
}

type reactionResponse struct {
	Result feed.ReactionResult `json:"result"`
	Error  string              `json:"error,omitempty"`
}

func (s *Server) toggleReaction(w http.ResponseWriter, r *http.Request) {
	c, ok := s.club(w, r)
	if !ok {
		return
	}
	var req reactionRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := c.Feed.HandleReaction(r.Context(), req.Emoji, req.Target)
	out := reactionResponse{Result: res}
	if err != nil {
		out.Error = err.Error()
	}

	status := http.StatusOK
	switch {
	case errors.Is(err, feed.ErrUnknownTarget):
		status = http.StatusNotFound
	case res == feed.ReactionImpossible:
		status = http.StatusUnprocessableEntity
	case res == feed.ReactionFailure:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, out)
}

type commentRequest struct {
	Target string `json:"target" validate:"required"`
	Body   string `json:"body" validate:"required"`
}

func (s *Server) postComment(w http.ResponseWriter, r *http.Request) {
	c, ok := s.club(w, r)
	if !ok {
		return
	}
	var req commentRequest
	if !s.decode(w, r, &req) {
		return
	}

	id, err := c.Feed.PostComment(r.Context(), req.Target, req.Body)
	if errors.Is(err, feed.ErrUnknownTarget) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) deletePost(w http.ResponseWriter, r *http.Request) {
	c, ok := s.club(w, r)
	if !ok {
		return
	}
	err := c.Feed.DeletePost(r.Context(), mux.Vars(r)["post"], r.URL.Query().Get("reason"))
	if errors.Is(err, feed.ErrUnknownTarget) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func intQuery(w http.ResponseWriter, r *http.Request, key string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, key+" must be an integer")
		return 0, false
	}
	return n, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
