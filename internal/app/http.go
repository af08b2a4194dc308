package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"opentd/internal/auth"
	"opentd/internal/authpw"
	"opentd/internal/storage"
	"opentd/internal/store"
)

const maxBodyBytes = 1 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	path := routePath(r.URL.Path)

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && path == "/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && path == "/auth/register" {
		s.handleRegister(w, r)
		return
	}

	if r.Method == http.MethodPost && path == "/auth/login" {
		s.handleLogin(w, r)
		return
	}

	if !strings.HasPrefix(path, "/auth/") && !strings.HasPrefix(path, "/storage/") && !strings.HasPrefix(path, "/telemetry/") {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch {
	case r.Method == http.MethodPost && path == "/auth/progress":
		s.handleProgress(w, r, session)
	case r.Method == http.MethodGet && path == "/auth/profile":
		s.handleProfile(w, r, session)
	case r.Method == http.MethodPost && path == "/storage/save":
		s.handleSave(w, r, session)
	case r.Method == http.MethodGet && path == "/storage/load":
		s.handleLoad(w, r, session)
	case r.Method == http.MethodGet && path == "/storage/keys":
		s.handleKeys(w, r, session)
	case r.Method == http.MethodDelete && path == "/storage/delete":
		s.handleDelete(w, r, session)
	case r.Method == http.MethodPost && path == "/storage/clear":
		s.handleClear(w, r, session)
	case r.Method == http.MethodPost && path == "/telemetry/report":
		s.handleReport(w, r, session)
	case r.Method == http.MethodGet && path == "/telemetry/errors":
		s.handleListErrors(w, r, session)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Readiness(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":          status == "ready",
		"status":      status,
		"storageMode": s.service.StorageMode(),
		"checks":      checks,
	})
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body RegisterInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, user, err := s.service.Register(r.Context(), body)
	if err != nil {
		s.fail(w, r, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"user":    publicUser(user),
		"token":   session.Token,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body LoginInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, user, err := s.service.Login(r.Context(), body)
	if err != nil {
		s.fail(w, r, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    publicUser(user),
		"token":   session.Token,
	})
}

func (s *HTTPServer) handleProgress(w http.ResponseWriter, r *http.Request, session Session) {
	var body ProgressInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.UpdateProgress(r.Context(), session, body)
	if err != nil {
		s.fail(w, r, "update progress", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "xp": user.XP, "level": user.Level})
}

func (s *HTTPServer) handleProfile(w http.ResponseWriter, r *http.Request, session Session) {
	user, err := s.service.Profile(r.Context(), session)
	if err != nil {
		s.fail(w, r, "profile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": publicUser(user)})
}

func (s *HTTPServer) handleSave(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.SaveValue(r.Context(), session, body.Key, body.Value); err != nil {
		s.fail(w, r, "storage save", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *HTTPServer) handleLoad(w http.ResponseWriter, r *http.Request, session Session) {
	record, err := s.service.LoadValue(r.Context(), session, r.URL.Query().Get("key"))
	if err != nil {
		s.fail(w, r, "storage load", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"value":     record.Value,
		"updatedAt": record.UpdatedAt,
	})
}

func (s *HTTPServer) handleKeys(w http.ResponseWriter, r *http.Request, session Session) {
	keys, err := s.service.Keys(r.Context(), session)
	if err != nil {
		s.fail(w, r, "storage keys", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "keys": keys})
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteValue(r.Context(), session, r.URL.Query().Get("key")); err != nil {
		s.fail(w, r, "storage delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *HTTPServer) handleClear(w http.ResponseWriter, r *http.Request, session Session) {
	deleted, err := s.service.ClearValues(r.Context(), session)
	if err != nil {
		s.fail(w, r, "storage clear", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": deleted})
}

func (s *HTTPServer) handleReport(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Report *ReportInput `json:"report"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.ReportError(r.Context(), session, body.Report); err != nil {
		s.fail(w, r, "telemetry report", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true})
}

func (s *HTTPServer) handleListErrors(w http.ResponseWriter, r *http.Request, session Session) {
	reports, err := s.service.ListErrors(r.Context(), session)
	if err != nil {
		s.fail(w, r, "telemetry list", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "reports": reports})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Invalid or expired token", nil)
		return Session{}, false
	}
	return session, true
}

// fail writes the mapped error response. Server errors are logged and
// reported without their cause.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.service.logBackendError(r.Context(), op, err)
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

		next.ServeHTTP(writer, r)

		s.service.log.WithFields(map[string]any{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"success": false,
		"code":    code,
		"message": message,
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
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
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

// routePath drops an optional /api mount prefix so the server answers both
// behind a reverse proxy and when addressed directly.
func routePath(path string) string {
	if path == "/api" {
		return "/"
	}
	if strings.HasPrefix(path, "/api/") {
		return strings.TrimPrefix(path, "/api")
	}
	return path
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, authpw.ErrMissingCredentials):
		return http.StatusBadRequest, "VALIDATION_ERROR", "Username and password are required", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil
	case errors.Is(err, store.ErrUsernameTaken):
		return http.StatusConflict, "USERNAME_TAKEN", "Username already taken", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, storage.ErrReservedKey):
		return http.StatusBadRequest, "VALIDATION_ERROR", "Key is reserved", nil
	case errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken):
		return http.StatusForbidden, "FORBIDDEN", "Invalid or expired token", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Internal server error", nil
}

type userView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	XP        int       `json:"xp"`
	Level     int       `json:"level"`
	CreatedAt time.Time `json:"createdAt"`
}

func publicUser(user store.User) userView {
	return userView{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		XP:        user.XP,
		Level:     user.Level,
		CreatedAt: user.CreatedAt,
	}
}
