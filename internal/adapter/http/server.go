package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cwygoda/downlee/internal/domain"
	"github.com/cwygoda/downlee/internal/fanout"
	"github.com/gorilla/websocket"
)

// Service is the job control surface the API drives.
type Service interface {
	SubmitFromMessage(ctx context.Context, msg domain.InboundMessage) (int64, error)
	SubmitFromURL(ctx context.Context, req domain.URLRequest) (int64, error)
	SubmitPlaylist(ctx context.Context, req domain.URLRequest) ([]int64, error)
	Retry(ctx context.Context, id int64) error
	Stop(ctx context.Context, ref string) error
	Delete(ctx context.Context, ref string) error
	Job(ctx context.Context, id int64) (*domain.Job, error)
	Query(ctx context.Context, q domain.JobQuery) (domain.JobPage, error)
	Probe(ctx context.Context, rawURL string) (domain.ProbeResult, error)
}

// Feed is the live event source behind /api/live and /api/stats.
type Feed interface {
	Join(v fanout.Viewer)
	Leave(v fanout.Viewer)
	Refresh(v fanout.Viewer)
	Stats(ctx context.Context) (domain.Stats, error)
}

// Options configures the server.
type Options struct {
	Addr          string
	APIToken      string // bearer token for /api/*; empty disables the check
	WebhookSecret string // signing secret for chat messages; empty disables the check
	Metrics       http.Handler
}

// Server is the HTTP adapter for the download service.
type Server struct {
	svc      Service
	feed     Feed
	mux      *http.ServeMux
	server   *http.Server
	token    string
	secret   string
	metrics  http.Handler
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewServer creates a new HTTP server.
func NewServer(svc Service, feed Feed, opts Options) *Server {
	s := &Server{
		svc:     svc,
		feed:    feed,
		mux:     http.NewServeMux(),
		token:   opts.APIToken,
		secret:  opts.WebhookSecret,
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		now: time.Now,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.authenticate(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/downloads", s.handleCreate)
	s.mux.HandleFunc("GET /api/downloads", s.handleList)
	s.mux.HandleFunc("GET /api/downloads/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /api/downloads/{id}/retry", s.handleRetry)
	s.mux.HandleFunc("POST /api/refs/{ref}/stop", s.handleStop)
	s.mux.HandleFunc("DELETE /api/refs/{ref}", s.handleDelete)
	s.mux.HandleFunc("GET /api/check", s.handleCheck)
	s.mux.HandleFunc("POST /api/playlists", s.handlePlaylist)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/live", s.handleLive)
	s.mux.HandleFunc("POST /api/telegram/messages", s.handleMessage)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// downloadRequest is the request body for POST /api/downloads and
// POST /api/playlists.
type downloadRequest struct {
	URL        string `json:"url"`
	Format     string `json:"format"`
	Resolution string `json:"resolution"`
	Title      string `json:"title"`
	Size       int64  `json:"size"`
	Ref        string `json:"ref"`
}

// messageRequest is the request body for POST /api/telegram/messages.
type messageRequest struct {
	ExternalRef string `json:"external_ref"`
	Filename    string `json:"filename"`
	MimeHint    string `json:"mime_hint"`
	SizeHint    *int64 `json:"size_hint"`
}

// okResponse acknowledges a control operation.
type okResponse struct {
	OK  bool            `json:"ok"`
	ID  int64           `json:"id,omitempty"`
	IDs []int64         `json:"ids,omitempty"`
	Job *fanout.JobView `json:"job,omitempty"`
}

// listResponse is one page of jobs.
type listResponse struct {
	Jobs     []fanout.JobView `json:"jobs"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// formatResponse is one entry of checkResponse.Formats.
type formatResponse struct {
	FormatID   string `json:"format_id"`
	Ext        string `json:"ext"`
	Resolution string `json:"resolution"`
	Filesize   *int64 `json:"filesize"`
	HasAudio   bool   `json:"has_audio"`
}

// checkResponse is the JSON response for GET /api/check.
type checkResponse struct {
	Supported bool             `json:"supported"`
	Reason    string           `json:"reason,omitempty"`
	Title     string           `json:"title,omitempty"`
	Duration  float64          `json:"duration,omitempty"`
	Ext       string           `json:"ext,omitempty"`
	Filesize  *int64           `json:"filesize,omitempty"`
	Formats   []formatResponse `json:"formats,omitempty"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		s.writeError(w, fmt.Errorf("%w: url is required", domain.ErrValidation))
		return
	}

	id, err := s.svc.SubmitFromURL(r.Context(), domain.URLRequest{
		URL:        req.URL,
		Format:     req.Format,
		Resolution: req.Resolution,
		TitleHint:  req.Title,
		SizeHint:   req.Size,
		Ref:        req.Ref,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := okResponse{OK: true, ID: id}
	if job, err := s.svc.Job(r.Context(), id); err == nil {
		view := fanout.NewJobView(*job)
		resp.Job = &view
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		s.writeError(w, fmt.Errorf("%w: url is required", domain.ErrValidation))
		return
	}

	ids, err := s.svc.SubmitPlaylist(r.Context(), domain.URLRequest{
		URL:        req.URL,
		Format:     req.Format,
		Resolution: req.Resolution,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, okResponse{OK: true, IDs: ids})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	// Read body for verification and parsing
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: failed to read request body", domain.ErrValidation))
		return
	}

	if s.secret != "" {
		if err := s.verifySignature(r, body); err != nil {
			log.Printf("webhook verification failed: %v", err)
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: err.Error()})
			return
		}
	}

	var req messageRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid JSON", domain.ErrValidation))
		return
	}

	msg := domain.InboundMessage{
		ExternalRef: req.ExternalRef,
		Filename:    req.Filename,
		MimeHint:    req.MimeHint,
	}
	if req.SizeHint != nil {
		msg.SizeHint = *req.SizeHint
	}
	id, err := s.svc.SubmitFromMessage(r.Context(), msg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, okResponse{OK: true, ID: id})
}

const maxTimestampSkew = 5 * time.Minute

func (s *Server) verifySignature(r *http.Request, body []byte) error {
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := s.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	// SHA256("${timestamp}\n${body}\n${secret}")
	if subtle.ConstantTimeCompare([]byte(signature), []byte(sign(timestamp, body, s.secret))) != 1 {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

func sign(timestamp string, body []byte, secret string) string {
	hash := sha256.Sum256([]byte(timestamp + "\n" + string(body) + "\n" + secret))
	return hex.EncodeToString(hash[:])
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	job, err := s.svc.Job(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, fanout.NewJobView(*job))
}

var sortFields = map[string]bool{
	"":             true,
	"created_at":   true,
	"updated_at":   true,
	"display_name": true,
	"total_bytes":  true,
	"status":       true,
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	page, err := s.svc.Query(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := listResponse{
		Jobs:     make([]fanout.JobView, 0, len(page.Jobs)),
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	}
	for _, j := range page.Jobs {
		resp.Jobs = append(resp.Jobs, fanout.NewJobView(j))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func parseQuery(r *http.Request) (domain.JobQuery, error) {
	v := r.URL.Query()
	q := domain.JobQuery{
		Search:   strings.TrimSpace(v.Get("search")),
		Status:   domain.JobStatus(v.Get("status")),
		SourceID: v.Get("source"),
		Sort:     v.Get("sort"),
		Desc:     v.Get("order") == "desc",
	}
	if q.Status != "" && !q.Status.Valid() {
		return q, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, q.Status)
	}
	if !sortFields[q.Sort] {
		return q, fmt.Errorf("%w: cannot sort by %q", domain.ErrValidation, q.Sort)
	}
	for name, dst := range map[string]*int{"page": &q.Page, "page_size": &q.PageSize} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return q, fmt.Errorf("%w: invalid %s %q", domain.ErrValidation, name, raw)
		}
		*dst = n
	}
	return q.Normalize(), nil
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Retry(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true, ID: id})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Stop(r.Context(), r.PathValue("ref")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), r.PathValue("ref")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		s.writeError(w, fmt.Errorf("%w: url is required", domain.ErrValidation))
		return
	}
	res, err := s.svc.Probe(r.Context(), raw)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := checkResponse{
		Supported: res.Supported,
		Reason:    res.Reason,
		Title:     res.Title,
		Duration:  res.Duration,
		Ext:       res.Ext,
		Filesize:  sizePtr(res.Filesize),
	}
	for _, f := range res.Formats {
		resp.Formats = append(resp.Formats, formatResponse{
			FormatID:   f.FormatID,
			Ext:        f.Ext,
			Resolution: f.Resolution,
			Filesize:   sizePtr(f.Filesize),
			HasAudio:   f.HasAudio,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func sizePtr(n int64) *int64 {
	if n <= 0 {
		return nil
	}
	return &n
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.feed.Stats(r.Context())
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", domain.ErrPersistence, err))
		return
	}
	s.writeJSON(w, http.StatusOK, fanout.NewStatsView(stats))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid job ID", domain.ErrValidation))
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid JSON", domain.ErrValidation))
		return false
	}
	return true
}

// authenticate requires the bearer token on /api/ routes. Chat messages
// carry their own signature instead; the live feed may pass the token as a
// query parameter since browsers cannot set headers on websockets.
func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/api/telegram/messages" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if r.URL.Path == "/api/live" && got == "" {
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "missing or invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind string) int {
	switch kind {
	case "validation":
		return http.StatusBadRequest
	case "unsupported_source":
		return http.StatusUnprocessableEntity
	case "conflict", "not_active", "not_retryable", "illegal_transition":
		return http.StatusConflict
	case "not_found":
		return http.StatusNotFound
	case "persistence":
		return http.StatusServiceUnavailable
	case "transfer":
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	kind := domain.Kind(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("request error: %v", err)
		msg = "internal error"
	}
	s.writeJSON(w, status, errorResponse{Error: kind, Message: msg})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
