// Package api exposes the upload service over HTTP. Authentication happens
// upstream; the caller's identity arrives in the X-User-ID header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/upload"
)

// UserHeader carries the authenticated user id.
const UserHeader = "X-User-ID"

// Config configures a Server.
type Config struct {
	Address     string
	MaxFileSize int64
	// Gatherer backs /metrics; the default registry when nil.
	Gatherer prometheus.Gatherer
	// Ready is checked by /healthz when set.
	Ready func(ctx context.Context) error
}

// Server exposes HTTP endpoints for chunked and single-shot uploads.
type Server struct {
	cfg    Config
	svc    *upload.Service
	log    zerolog.Logger
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg Config, svc *upload.Service, log zerolog.Logger) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg, svc: svc, log: log}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /uploads", s.withUser(s.handleCreateTask))
	mux.HandleFunc("PUT /uploads/{id}/chunks/{index}", s.withUser(s.handleChunk))
	mux.HandleFunc("GET /uploads/{id}", s.withUser(s.handleStatus))
	mux.HandleFunc("POST /uploads/{id}/complete", s.withUser(s.handleComplete))
	mux.HandleFunc("POST /files", s.withUser(s.handleSingle))
	mux.HandleFunc("DELETE /files/{id}", s.withUser(s.handleDelete))
	mux.HandleFunc("POST /files/delete", s.withUser(s.handleDeleteBatch))
	return corsMiddleware(s.loggingMiddleware(mux))
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.cfg.Address,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("addr", s.cfg.Address).Msg("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			respondError(w, http.StatusUnauthorized, "missing "+UserHeader)
			return
		}
		next(w, r, user)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTaskRequest struct {
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	FileType     string `json:"fileType"`
	DeclaredHash string `json:"declaredHash"`
	TotalChunks  int    `json:"totalChunks"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, user string) {
	var req createTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	task, err := s.svc.CreateTask(r.Context(), model.TaskMeta{
		UserID:       user,
		FileName:     req.FileName,
		FileSize:     req.FileSize,
		FileType:     req.FileType,
		DeclaredHash: req.DeclaredHash,
		TotalChunks:  req.TotalChunks,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"taskId":    task.ID,
		"expiresAt": task.ExpiresAt,
	})
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request, user string) {
	id := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "chunk index must be an integer")
		return
	}
	n, err := s.svc.UploadChunk(r.Context(), id, user, index, r.Body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"index": index, "size": n})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, user string) {
	st, err := s.svc.TaskStatus(r.Context(), r.PathValue("id"), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, user string) {
	res, err := s.svc.CompleteUpload(r.Context(), r.PathValue("id"), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleSingle(w http.ResponseWriter, r *http.Request, user string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, "expecting multipart form")
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing file part")
		return
	}
	defer part.Close()
	name := part.FileName()
	if name == "" {
		name = "upload.bin"
	}
	res, err := s.svc.UploadSingle(r.Context(), part, name, r.URL.Query().Get("type"), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, user string) {
	if err := s.svc.DeleteFile(r.Context(), r.PathValue("id"), user); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deleteBatchRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request, user string) {
	var req deleteBatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.svc.DeleteFiles(r.Context(), req.IDs, user); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, upload.ErrInvalidTask), errors.Is(err, upload.ErrInvalidChunk):
		return http.StatusBadRequest
	case errors.Is(err, upload.ErrTaskNotFound), errors.Is(err, upload.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrIncompleteUpload), errors.Is(err, upload.ErrMergeInProgress):
		return http.StatusConflict
	case errors.Is(err, upload.ErrChunkWrite), errors.Is(err, upload.ErrMetadataCommit):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	ev := s.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = s.log.Error()
	}
	ev.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	respondError(w, status, err.Error())
}

func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,"+UserHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(s.log.WithContext(r.Context())))
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
