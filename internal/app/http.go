package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"brain/api/internal/auth"
	"brain/api/internal/store"
)

const sessionCookie = "token"

// maxUploadSize bounds multipart request bodies (PDF uploads).
const maxUploadSize = 32 << 20

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

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
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
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/api/v1/") {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/v1"))

	// Routes that need no session
	if r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "signup" {
		s.handleSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "signin" {
		s.handleSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "signout" {
		s.handleSignOut(w, r)
		return
	}

	// Public share links
	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "brain" && parts[1] == "shared" && parts[2] != "" {
		s.handleSharedBrain(w, r, parts[2])
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "check" {
		writeJSON(w, http.StatusOK, map[string]any{
			"user": map[string]any{
				"id":       session.UserID,
				"username": session.Username,
				"email":    session.Email,
			},
		})
		return
	}

	if r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "addContent" {
		s.handleAddContent(w, r, session)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "content" {
		items, err := s.service.ListContent(r.Context(), session.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list content", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"content": contentPayloads(items)})
		return
	}

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "tags" {
		tags, err := s.service.ListTags(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list tags", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
		return
	}

	if r.Method == http.MethodDelete && len(parts) == 2 && parts[0] == "delete" && parts[1] != "" {
		if err := s.service.DeleteContent(r.Context(), session, parts[1]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Content deleted"})
		return
	}

	if r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "share" {
		s.handleShare(w, r, session)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "search" {
		s.handleSearch(w, r, session)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if _, err := s.service.SignUp(r.Context(), body.Username, body.Email, body.Password); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": "Signed up"})
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session.Token,
		Path:     "/",
		MaxAge:   int(s.service.TokenTTL().Seconds()),
		HttpOnly: true,
		Secure:   s.service.CookieSecure(),
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Signed in",
		"token":    session.Token,
		"username": session.Username,
	})
}

func (s *HTTPServer) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if token := sessionToken(r); token != "" {
		s.service.SignOut(r.Context(), token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.service.CookieSecure(),
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"message": "Signed out"})
}

func (s *HTTPServer) handleAddContent(w http.ResponseWriter, r *http.Request, session Session) {
	input, err := readContentInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	item, err := s.service.CreateContent(r.Context(), session, input)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Content added",
		"content": contentPayload(item),
	})
}

// readContentInput accepts either a JSON body or a multipart form with a
// "pdf" file field.
func readContentInput(r *http.Request) (CreateContentInput, error) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		var body struct {
			Title       string `json:"title"`
			ContentType string `json:"type"`
			Link        string `json:"link"`
			Tags        any    `json:"tags"`
		}
		if err := decodeBody(r, &body); err != nil {
			return CreateContentInput{}, err
		}
		return CreateContentInput{
			Title:       body.Title,
			ContentType: body.ContentType,
			Link:        body.Link,
			Tags:        body.Tags,
		}, nil
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return CreateContentInput{}, fmt.Errorf("invalid multipart body")
	}
	input := CreateContentInput{
		Title:       r.FormValue("title"),
		ContentType: r.FormValue("type"),
		Link:        r.FormValue("link"),
	}
	if tags := r.FormValue("tags"); tags != "" {
		input.Tags = tags
	}
	file, header, err := r.FormFile("pdf")
	if err == nil {
		input.File = &UploadedFile{
			Name:        header.Filename,
			Size:        header.Size,
			ContentType: header.Header.Get("Content-Type"),
			Reader:      file,
		}
	} else if !errors.Is(err, http.ErrMissingFile) {
		return CreateContentInput{}, fmt.Errorf("invalid pdf upload")
	}
	return input, nil
}

func (s *HTTPServer) handleShare(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Share bool `json:"share"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if !body.Share {
		if err := s.service.DisableShare(r.Context(), session.UserID); err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not remove share link", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Share link removed"})
		return
	}

	link, err := s.service.EnableShare(r.Context(), session.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not create share link", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Share link created",
		"link":    link,
	})
}

func (s *HTTPServer) handleSharedBrain(w http.ResponseWriter, r *http.Request, hash string) {
	username, items, err := s.service.SharedBrain(r.Context(), hash)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username": username,
		"content":  contentPayloads(items),
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		offset = parsed
	}
	writeJSON(w, http.StatusOK, s.service.SearchContent(session, q, limit, offset))
}

// requireSession resolves the caller from the session cookie, falling
// back to a bearer header. A missing credential reads as unauthorized, a
// bad or revoked one as forbidden, and a token for a deleted user as not
// found.
func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := sessionToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized - no token provided", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Token expired or invalid", nil)
			return Session{}, false
		}
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return bearerToken(r)
}

func contentPayloads(items []store.Content) []map[string]any {
	payloads := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, contentPayload(item))
	}
	return payloads
}

func contentPayload(item store.Content) map[string]any {
	payload := map[string]any{
		"id":        item.ID,
		"userId":    item.UserID,
		"title":     item.Title,
		"type":      item.ContentType,
		"link":      item.Link,
		"tags":      item.Tags,
		"createdAt": item.CreatedAt,
	}
	if item.ContentType == store.ContentTypePDF {
		payload["fileName"] = item.FileName
		payload["fileSize"] = item.FileSize
	}
	return payload
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

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Allow-Credentials", "true")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusForbidden, "FORBIDDEN", "Token expired or invalid", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
