package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cyphire/api/internal/auth"
	"cyphire/api/internal/blob"
	"cyphire/api/internal/errs"
	"cyphire/api/internal/realtime"
	"cyphire/api/internal/search"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// multipartMemory is how much of a multipart body is kept in memory before
// parts spill to temporary files.
const multipartMemory = 8 << 20

type HTTPServer struct {
	service    *Service
	hub        *realtime.Hub
	secret     []byte
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, hub *realtime.Hub, secret []byte, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, hub: hub, secret: secret, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)
	r.Get("/metrics", s.service.metrics.Handler().ServeHTTP)
	r.Get("/api/realtime", s.handleRealtime)

	r.Post("/api/engagements", s.authed(s.handleOpenEngagement))
	r.Route("/api/workrooms/{engagementID}", func(r chi.Router) {
		r.Get("/meta", s.authed(s.handleMeta))
		r.Post("/finalise", s.authed(s.handleFinalise))
		r.Post("/messages", s.authed(s.handlePostMessage))
		r.Get("/messages", s.authed(s.handleMessages))
	})
	r.Get("/api/admin/workrooms/{engagementID}", s.authed(s.handleAdminEngagement))
	r.Get("/api/admin/messages/search", s.authed(s.handleSearch))
	return r
}

type callerHandler func(w http.ResponseWriter, r *http.Request, caller auth.Caller)

// authed resolves the caller before the handler runs. An unauthenticated
// request never reaches the service.
func (s *HTTPServer) authed(next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := s.requireCaller(w, r)
		if !ok {
			return
		}
		next(w, r, caller)
	}
}

func (s *HTTPServer) requireCaller(w http.ResponseWriter, r *http.Request) (auth.Caller, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Caller{}, false
	}
	caller, err := auth.ResolveCaller(s.secret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Caller{}, false
	}
	return caller, true
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleOpenEngagement(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	var body struct {
		TaskID   string `json:"taskId"`
		WorkerID string `json:"workerId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	state, err := s.service.OpenEngagement(r.Context(), caller, body.TaskID, body.WorkerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func (s *HTTPServer) handleMeta(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	meta, err := s.service.GetMeta(r.Context(), caller, chi.URLParam(r, "engagementID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *HTTPServer) handleFinalise(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	state, err := s.service.Finalise(r.Context(), caller, chi.URLParam(r, "engagementID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handlePostMessage(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	text, files, cleanup, err := s.readMessageBody(w, r)
	defer cleanup()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msg, err := s.service.PostMessage(r.Context(), caller, chi.URLParam(r, "engagementID"), text, files)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// readMessageBody accepts multipart/form-data with a text field and any
// number of files parts, or a JSON body with just text.
func (s *HTTPServer) readMessageBody(w http.ResponseWriter, r *http.Request) (string, []blob.File, func(), error) {
	noop := func() {}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			return "", nil, noop, domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		}
		return body.Text, nil, noop, nil
	}

	if limit := s.service.cfg.MaxUploadBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, noop, errValidation("attachments too large", map[string]any{"limitBytes": s.service.cfg.MaxUploadBytes})
		}
		return "", nil, noop, domainError(http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
	}
	form := r.MultipartForm
	opened := make([]multipart.File, 0, len(form.File["files"]))
	cleanup := func() {
		for _, f := range opened {
			_ = f.Close()
		}
		_ = form.RemoveAll()
	}

	files := make([]blob.File, 0, len(form.File["files"]))
	for _, header := range form.File["files"] {
		// browsers send an empty part when no file was picked
		if header.Size == 0 && header.Filename == "" {
			continue
		}
		f, err := header.Open()
		if err != nil {
			return "", nil, cleanup, domainError(http.StatusBadRequest, "INVALID_BODY", "unreadable file part", nil)
		}
		opened = append(opened, f)
		files = append(files, blob.File{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Reader:      f,
		})
	}
	return r.FormValue("text"), files, cleanup, nil
}

func (s *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	after, err := queryInt(r, "after")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	messages, err := s.service.GetMessages(r.Context(), caller, chi.URLParam(r, "engagementID"), int64(after), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *HTTPServer) handleAdminEngagement(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	summary, err := s.service.AdminGetEngagement(r.Context(), caller, chi.URLParam(r, "engagementID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.service.SearchMessages(r.Context(), caller, search.Query{
		Text:         r.URL.Query().Get("q"),
		EngagementID: r.URL.Query().Get("engagementId"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// fail maps err to a response. Unmapped errors are logged; their text never
// reaches the client.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.service.metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(writer.status)).Inc()
		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrade. A hijacked request
// is logged with status 101.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errValidation(fmt.Sprintf("%s must be a non-negative integer", key), nil)
	}
	return value, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, pgx.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, errs.ErrChatClosed):
		return http.StatusConflict, "CHAT_CLOSED", "Chat is closed", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
