package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"filevault/internal/ratelimit"
	"filevault/internal/util"
	"filevault/pkg/domain"
	"filevault/pkg/metrics"
	"filevault/services/upload/internal/app"
)

// UserRoleHeader carries the caller's role, set by the gateway next to util.UserIDHeader.
const UserRoleHeader = "X-User-Role"

// UploadLimiter throttles upload traffic per owner.
type UploadLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// CallerVerifier turns a bearer token into a caller.
type CallerVerifier interface {
	VerifyCaller(ctx context.Context, token string) (domain.Caller, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App     *app.App
	Limiter UploadLimiter
	// Tokens, when set, authenticates bearer tokens instead of trusting gateway headers.
	Tokens         CallerVerifier
	MaxUploadBytes int64
	MaxChunkBytes  int64
	// Blobs serves signed filesystem URLs below /blobs/ when set.
	Blobs http.Handler
}

// Server exposes HTTP endpoints for the upload service.
type Server struct {
	app            *app.App
	limiter        UploadLimiter
	tokens         CallerVerifier
	mux            *http.ServeMux
	maxUploadBytes int64
	maxChunkBytes  int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 100 << 20
	}
	maxChunkBytes := cfg.MaxChunkBytes
	if maxChunkBytes <= 0 {
		maxChunkBytes = 8 << 20
	}
	s := &Server{
		app:            cfg.App,
		limiter:        cfg.Limiter,
		tokens:         cfg.Tokens,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
		maxChunkBytes:  maxChunkBytes,
	}
	s.routes(cfg.Blobs)
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("upload", metrics.WithHTTPMetrics(s.mux)))
}

func (s *Server) routes(blobs http.Handler) {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	if blobs != nil {
		s.mux.Handle("/blobs/", blobs)
	}

	s.mux.Handle("/files", s.withCaller(s.handleFiles))
	s.mux.Handle("/files/batch", s.withCaller(s.handleBatch))
	s.mux.Handle("/files/chunked", s.withCaller(s.handleStartChunked))
	s.mux.Handle("/files/", s.withCaller(s.handleFileByID))
	s.mux.Handle("/quota", s.withCaller(s.handleQuota))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type callerHandler func(http.ResponseWriter, *http.Request, domain.Caller)

// withCaller resolves the caller from a bearer token when a verifier is
// configured, otherwise from the identity headers set by the gateway.
func (s *Server) withCaller(next callerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokens != nil {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			caller, err := s.tokens.VerifyCaller(r.Context(), token)
			if err != nil {
				util.LoggerFromContext(r.Context()).Info("rejected access token", "err", err)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next(w, r, caller)
			return
		}
		id := strings.TrimSpace(r.Header.Get(util.UserIDHeader))
		if id == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		role := domain.RoleUser
		if domain.UserRole(strings.TrimSpace(r.Header.Get(UserRoleHeader))) == domain.RoleAdmin {
			role = domain.RoleAdmin
		}
		next(w, r, domain.Caller{ID: id, Role: role})
	})
}

// allowUpload applies the per-owner upload limit. Limiter errors refuse the request.
func (s *Server) allowUpload(w http.ResponseWriter, r *http.Request, caller domain.Caller) bool {
	if s.limiter == nil {
		return true
	}
	decision, err := s.limiter.Allow(r.Context(), "upload:"+caller.ID)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("upload rate limiter unavailable", "err", err)
		writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return false
	}
	if decision.Allowed {
		return true
	}
	retry := int(decision.RetryAfter(time.Now()).Seconds()) + 1
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeErrorCode(w, http.StatusTooManyRequests, "rate_limited", "too many uploads, retry later")
	return false
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, caller)
	case http.MethodGet:
		s.handleListFiles(w, r, caller)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if !s.allowUpload(w, r, caller) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	rec, err := s.app.UploadSingle(r.Context(), uploadInput(r, caller, file, header))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowUpload(w, r, caller) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4*s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "files are required (field: files)")
		return
	}
	inputs := make([]app.UploadInput, 0, len(headers))
	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable file "+header.Filename)
			return
		}
		defer file.Close()
		inputs = append(inputs, uploadInput(r, caller, file, header))
	}
	res, err := s.app.UploadMultiple(r.Context(), inputs)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	status := http.StatusCreated
	if len(res.Succeeded) == 0 {
		status = http.StatusUnprocessableEntity
	} else if len(res.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, res)
}

func uploadInput(r *http.Request, caller domain.Caller, file multipart.File, header *multipart.FileHeader) app.UploadInput {
	return app.UploadInput{
		Reader:       file,
		Name:         header.Filename,
		DeclaredType: header.Header.Get("Content-Type"),
		Size:         header.Size,
		Category:     domain.ParseCategory(r.FormValue("category")),
		OwnerID:      caller.ID,
		ParentRef:    r.FormValue("parentRef"),
		Encrypt:      r.FormValue("encrypt") == "true",
	}
}

type startChunkedRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Category    string `json:"category"`
	ParentRef   string `json:"parentRef"`
	TotalChunks int    `json:"totalChunks"`
	Encrypt     bool   `json:"encrypt"`
}

func (s *Server) handleStartChunked(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowUpload(w, r, caller) {
		return
	}
	var req startChunkedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.app.StartChunkedUpload(r.Context(), app.ChunkedInput{
		Name:         req.Name,
		DeclaredType: req.ContentType,
		Size:         req.Size,
		Category:     domain.ParseCategory(req.Category),
		OwnerID:      caller.ID,
		ParentRef:    req.ParentRef,
		TotalChunks:  req.TotalChunks,
		Encrypt:      req.Encrypt,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// /files/{id}, /files/{id}/download, /files/{id}/content, /files/{id}/chunks[/{i}],
// /files/{id}/complete, /files/{id}/versions/{kind}, /files/{id}/rotate-key, /files/{id}/reencrypt
func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/files/"), "/")
	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" || len(parts) > 3 {
		notFound(w, "not found")
		return
	}
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			rec, err := s.app.GetFile(r.Context(), id, caller)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, rec)
		case http.MethodDelete:
			if err := s.app.DeleteFile(r.Context(), id, caller); err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch action := parts[1]; {
	case action == "chunks" && len(parts) == 3:
		s.handleChunk(w, r, caller, id, parts[2])
	case action == "chunks" && len(parts) == 2:
		s.handleChunkStatus(w, r, caller, id)
	case action == "versions" && len(parts) == 3:
		s.handleVersion(w, r, caller, id, domain.DerivativeKind(parts[2]))
	case len(parts) != 2:
		notFound(w, "not found")
	case action == "complete":
		s.handleComplete(w, r, caller, id)
	case action == "download":
		s.handleDownload(w, r, caller, id)
	case action == "content":
		s.handleContent(w, r, caller, id)
	case action == "rotate-key":
		s.handleKeyChange(w, r, caller, id, s.app.RotateFileKey)
	case action == "reencrypt":
		s.handleKeyChange(w, r, caller, id, s.app.ReencryptFile)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request, caller domain.Caller, id, rawIndex string) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunk index must be an integer")
		return
	}
	total := 0
	if raw := firstNonEmpty(r.URL.Query().Get("total"), r.Header.Get("X-Total-Chunks")); raw != "" {
		if total, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, "total chunks must be an integer")
			return
		}
	}
	if !s.allowUpload(w, r, caller) {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxChunkBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorCode(w, http.StatusRequestEntityTooLarge, "chunk_too_large", fmt.Sprintf("chunk exceeds %d bytes", s.maxChunkBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable chunk body")
		return
	}
	progress, err := s.app.UploadChunk(r.Context(), id, caller.ID, index, data, total)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleChunkStatus(w http.ResponseWriter, r *http.Request, caller domain.Caller, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	progress, missing, err := s.app.ChunkStatus(r.Context(), id, caller.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if missing == nil {
		missing = []int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fileId":         progress.FileID,
		"chunksReceived": progress.Received,
		"totalChunks":    progress.Total,
		"missing":        missing,
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, caller domain.Caller, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	rec, err := s.app.CompleteChunkedUpload(r.Context(), id, caller.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, caller domain.Caller, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	link, err := s.app.GetDownloadURL(r.Context(), id, caller)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request, caller domain.Caller, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rec, data, err := s.app.OpenFile(r.Context(), id, caller)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.OriginalName))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request, caller domain.Caller, id string, kind domain.DerivativeKind) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	v, data, err := s.app.OpenVersion(r.Context(), id, kind, caller)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", v.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type keyChange func(context.Context, string, domain.Caller) (domain.FileRecord, error)

func (s *Server) handleKeyChange(w http.ResponseWriter, r *http.Request, caller domain.Caller, id string, change keyChange) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	rec, err := change(r.Context(), id, caller)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	files, err := s.app.ListFiles(r.Context(), caller, app.ListFilter{
		OwnerID:   q.Get("owner"),
		ParentRef: q.Get("parentRef"),
		Status:    domain.FileStatus(q.Get("status")),
		Limit:     limit,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if files == nil {
		files = []domain.FileRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files, "count": len(files)})
}

type setQuotaRequest struct {
	OwnerID    string `json:"ownerId"`
	TotalBytes int64  `json:"totalBytes"`
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	switch r.Method {
	case http.MethodGet:
		owner := caller.ID
		if requested := r.URL.Query().Get("owner"); requested != "" && requested != caller.ID {
			if !caller.IsAdmin() {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			owner = requested
		}
		usage, err := s.app.Usage(r.Context(), owner)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, quotaView(usage))
	case http.MethodPut:
		var req setQuotaRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		usage, err := s.app.SetQuota(r.Context(), caller, req.OwnerID, req.TotalBytes)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, quotaView(usage))
	default:
		methodNotAllowed(w)
	}
}

func quotaView(q domain.QuotaLedger) map[string]any {
	return map[string]any{
		"ownerId":        q.OwnerID,
		"totalBytes":     q.TotalBytes,
		"usedBytes":      q.UsedBytes,
		"reservedBytes":  q.ReservedBytes,
		"availableBytes": q.Available(),
		"categories":     q.Categories,
	}
}

// writeAppError maps domain errors to status codes and stable error codes.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	var incomplete *domain.IncompleteChunksError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  verr.Error(),
			"code":   "validation_failed",
			"reason": verr.Reason,
		})
	case errors.As(err, &incomplete):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":          incomplete.Error(),
			"code":           "incomplete_chunks",
			"chunksReceived": incomplete.Received,
			"totalChunks":    incomplete.Total,
			"missing":        incomplete.Missing,
		})
	case errors.Is(err, domain.ErrQuotaExceeded):
		writeErrorCode(w, http.StatusRequestEntityTooLarge, "quota_exceeded", "storage quota exceeded")
	case errors.Is(err, domain.ErrConcurrencyLimit):
		w.Header().Set("Retry-After", "5")
		writeErrorCode(w, http.StatusTooManyRequests, "concurrency_limit", "too many uploads in progress")
	case errors.Is(err, domain.ErrNotFound):
		writeErrorCode(w, http.StatusNotFound, "not_found", "file not found")
	case errors.Is(err, domain.ErrForbidden):
		writeErrorCode(w, http.StatusForbidden, "forbidden", "forbidden")
	case errors.Is(err, domain.ErrInvalidInput):
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConflict):
		writeErrorCode(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrStorageFailure):
		util.LoggerFromContext(r.Context()).Error("storage failure", "err", err)
		writeErrorCode(w, http.StatusServiceUnavailable, "storage_failure", "storage unavailable, retry the upload")
	case errors.Is(err, domain.ErrDecryptionFailed):
		util.LoggerFromContext(r.Context()).Error("decryption failure", "err", err)
		writeErrorCode(w, http.StatusInternalServerError, "decryption_failed", "file could not be decrypted")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeErrorCode(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
