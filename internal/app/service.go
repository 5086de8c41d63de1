// Package app wires authentication, content, tags, sharing and search
// into the HTTP surface of the service.
package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"brain/api/internal/auth"
	"brain/api/internal/authpw"
	"brain/api/internal/config"
	"brain/api/internal/search"
	"brain/api/internal/session"
	"brain/api/internal/store"
	"brain/api/internal/util"
)

// dataStore is the persistence surface the service depends on.
type dataStore interface {
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	EnsureTag(ctx context.Context, candidateID, title string) (store.Tag, error)
	ListTags(ctx context.Context) ([]store.Tag, error)
	InsertContent(ctx context.Context, item store.Content) error
	GetContent(ctx context.Context, contentID string) (store.Content, error)
	ListContentByUser(ctx context.Context, userID string) ([]store.Content, error)
	DeleteContent(ctx context.Context, contentID string) error
	UpsertShareLink(ctx context.Context, userID, hash string) error
	DeleteShareLink(ctx context.Context, userID string) error
	GetShareLinkByHash(ctx context.Context, hash string) (store.ShareLink, error)
}

// sessionStore is the optional server-side token registry. When absent,
// tokens are stateless and signout only clears the cookie.
type sessionStore interface {
	SaveSession(ctx context.Context, tokenHash, userID, username string, expiresAt time.Time) error
	LookupSession(ctx context.Context, tokenHash string) (session.TokenData, error)
	RevokeSession(ctx context.Context, tokenHash string) error
}

// blobStore is the optional object storage for uploaded PDFs.
type blobStore interface {
	Upload(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) (string, error)
	Remove(ctx context.Context, link string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	authpw   *authpw.Service
	sessions sessionStore
	blobs    blobStore
	search   *search.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		authpw: authpw.NewService(dataStore),
		search: searchService,
	}
}

// UseSessionStore enables server-side token revocation.
func (s *Service) UseSessionStore(sessions sessionStore) {
	s.sessions = sessions
}

// UseBlobStore enables PDF uploads.
func (s *Service) UseBlobStore(blobs blobStore) {
	s.blobs = blobs
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// TokenTTL is the lifetime of issued session credentials.
func (s *Service) TokenTTL() time.Duration {
	return s.cfg.TokenTTL
}

// CookieSecure reports whether the session cookie should carry Secure.
func (s *Service) CookieSecure() bool {
	return s.cfg.Env == "production"
}

// Sessions

// Session is an authenticated caller resolved from a token.
type Session struct {
	Token    string
	UserID   string
	Username string
	Email    string
}

func (s *Service) SignUp(ctx context.Context, username, email, password string) (store.User, error) {
	user, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{
		Username: username,
		Email:    email,
		Password: password,
	})
	if err != nil {
		return store.User{}, mapAuthError(err)
	}
	return user, nil
}

// SignIn authenticates and issues a signed token. With a session store
// configured, the token hash is registered so signout can revoke it.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, mapAuthError(err)
	}

	expiresAt := time.Now().Add(s.cfg.TokenTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		JTI:      util.NewID("jti"),
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	if s.sessions != nil {
		if err := s.sessions.SaveSession(ctx, auth.HashToken(token), user.ID, user.Username, expiresAt); err != nil {
			return Session{}, fmt.Errorf("register session: %w", err)
		}
	}

	return Session{
		Token:    token,
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
	}, nil
}

// SignOut revokes the token server-side when a session store is
// configured. Without one the token stays valid until it expires.
func (s *Service) SignOut(ctx context.Context, token string) {
	if s.sessions == nil || token == "" {
		return
	}
	if err := s.sessions.RevokeSession(ctx, auth.HashToken(token)); err != nil {
		log.Printf("signout: revoke session: %v", err)
	}
}

// SessionFromToken verifies the token signature and expiry, checks the
// revocation registry when configured, and loads the user record. The
// caller maps auth errors to 403 and a missing user to 404.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}

	if s.sessions != nil {
		if _, err := s.sessions.LookupSession(ctx, auth.HashToken(token)); err != nil {
			return Session{}, auth.ErrInvalidToken
		}
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:    token,
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
	}, nil
}

// Content

// CreateContentInput carries a new bookmark. Tags holds the raw value
// from the request; coerceTags normalizes it.
type CreateContentInput struct {
	Title       string
	ContentType string
	Link        string
	Tags        any
	File        *UploadedFile
}

// UploadedFile is a PDF payload from a multipart request.
type UploadedFile struct {
	Name        string
	Size        int64
	ContentType string
	Reader      io.Reader
}

func (s *Service) CreateContent(ctx context.Context, session Session, input CreateContentInput) (store.Content, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Content{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Title is required", nil)
	}
	if input.ContentType != store.ContentTypeLink && input.ContentType != store.ContentTypePDF {
		return store.Content{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Type must be link or pdf", nil)
	}

	tagTitles, err := coerceTags(input.Tags)
	if err != nil {
		return store.Content{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	}

	item := store.Content{
		ID:          util.NewID("content"),
		UserID:      session.UserID,
		Title:       title,
		ContentType: input.ContentType,
	}

	switch input.ContentType {
	case store.ContentTypeLink:
		if strings.TrimSpace(input.Link) == "" {
			return store.Content{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Link is required for link content", nil)
		}
		item.Link = strings.TrimSpace(input.Link)
	case store.ContentTypePDF:
		if input.File == nil {
			return store.Content{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "PDF file is required for pdf content", nil)
		}
		if s.blobs == nil {
			return store.Content{}, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "File storage is not configured", nil)
		}
		objectKey := "pdfs/" + util.NewID("") + ".pdf"
		link, err := s.blobs.Upload(ctx, objectKey, input.File.Reader, input.File.Size, "application/pdf")
		if err != nil {
			return store.Content{}, fmt.Errorf("upload pdf: %w", err)
		}
		item.Link = link
		item.FileName = input.File.Name
		item.FileSize = input.File.Size
	}

	tags, err := s.resolveTags(ctx, tagTitles)
	if err != nil {
		return store.Content{}, err
	}
	item.Tags = tags

	if err := s.store.InsertContent(ctx, item); err != nil {
		return store.Content{}, err
	}

	if s.search != nil {
		s.search.IndexContent(search.ContentRecord{
			ID:          item.ID,
			UserID:      item.UserID,
			Title:       item.Title,
			ContentType: item.ContentType,
			Link:        item.Link,
			Tags:        tagTitles,
		})
	}

	return s.store.GetContent(ctx, item.ID)
}

// resolveTags maps normalized titles to canonical tags, deduplicating
// within the request before hitting the unique title column.
func (s *Service) resolveTags(ctx context.Context, titles []string) ([]store.Tag, error) {
	tags := make([]store.Tag, 0, len(titles))
	seen := map[string]bool{}
	for _, title := range titles {
		if seen[title] {
			continue
		}
		seen[title] = true

		tag, err := s.store.EnsureTag(ctx, util.NewID("tag"), title)
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// coerceTags accepts an array of strings, a JSON-encoded array, or a
// comma-separated string. Titles are trimmed and lowercased; empties are
// dropped.
func coerceTags(raw any) ([]string, error) {
	var titles []string
	switch value := raw.(type) {
	case nil:
	case []string:
		titles = value
	case []any:
		for _, entry := range value {
			text, ok := entry.(string)
			if !ok {
				return nil, errors.New("tags must be strings")
			}
			titles = append(titles, text)
		}
	case string:
		var decoded []string
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			titles = decoded
		} else {
			titles = strings.Split(value, ",")
		}
	default:
		return nil, errors.New("tags must be a string or an array")
	}

	normalized := make([]string, 0, len(titles))
	for _, title := range titles {
		title = strings.ToLower(strings.TrimSpace(title))
		if title == "" {
			continue
		}
		normalized = append(normalized, title)
	}
	return normalized, nil
}

func (s *Service) ListContent(ctx context.Context, userID string) ([]store.Content, error) {
	items, err := s.store.ListContentByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.Content{}
	}
	return items, nil
}

func (s *Service) ListTags(ctx context.Context) ([]store.Tag, error) {
	tags, err := s.store.ListTags(ctx)
	if err != nil {
		return nil, err
	}
	if tags == nil {
		tags = []store.Tag{}
	}
	return tags, nil
}

// DeleteContent removes a bookmark the caller owns. Deleting someone
// else's content is forbidden, not merely a no-op. The PDF blob removal
// is best effort; the row is deleted regardless.
func (s *Service) DeleteContent(ctx context.Context, session Session, contentID string) error {
	item, err := s.store.GetContent(ctx, contentID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "No content found", nil)
	}
	if err != nil {
		return err
	}
	if item.UserID != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "You do not own this content", nil)
	}

	if item.ContentType == store.ContentTypePDF && s.blobs != nil && item.Link != "" {
		if err := s.blobs.Remove(ctx, item.Link); err != nil {
			log.Printf("delete content %s: remove blob: %v", contentID, err)
		}
	}

	if err := s.store.DeleteContent(ctx, contentID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteContent(contentID)
	}
	return nil
}

// Sharing

// EnableShare installs a fresh share hash for the user and returns the
// public URL. Repeat calls rotate the hash, invalidating the old link.
func (s *Service) EnableShare(ctx context.Context, userID string) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		hash, err := newShareHash()
		if err != nil {
			return "", err
		}
		err = s.store.UpsertShareLink(ctx, userID, hash)
		if errors.Is(err, store.ErrConflict) {
			// hash collision with another user, roll again
			continue
		}
		if err != nil {
			return "", err
		}
		return s.cfg.BaseURL + "/api/v1/brain/shared/" + hash, nil
	}
	return "", errors.New("could not allocate share hash")
}

// DisableShare removes the user's share link. Idempotent.
func (s *Service) DisableShare(ctx context.Context, userID string) error {
	return s.store.DeleteShareLink(ctx, userID)
}

// SharedBrain resolves a public share hash to the owner's content. An
// unknown hash and an owner with no content both read as not found.
func (s *Service) SharedBrain(ctx context.Context, hash string) (string, []store.Content, error) {
	link, err := s.store.GetShareLinkByHash(ctx, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, domainError(http.StatusNotFound, "NOT_FOUND", "Incorrect share link", nil)
	}
	if err != nil {
		return "", nil, err
	}

	items, err := s.store.ListContentByUser(ctx, link.UserID)
	if err != nil {
		return "", nil, err
	}
	if len(items) == 0 {
		return "", nil, domainError(http.StatusNotFound, "NOT_FOUND", "No content found", nil)
	}

	username := "unknown"
	if owner, err := s.store.GetUserByID(ctx, link.UserID); err == nil {
		username = owner.Username
	}
	return username, items, nil
}

// newShareHash returns 16 random bytes, URL-safe encoded.
func newShareHash() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("share hash: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// Search

func (s *Service) SearchContent(session Session, text string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(search.Query{
		Text:   text,
		UserID: session.UserID,
		Limit:  limit,
		Offset: offset,
	})
}

// mapAuthError converts authpw sentinels into transport-level errors.
func mapAuthError(err error) error {
	switch {
	case errors.Is(err, authpw.ErrInvalidUsername),
		errors.Is(err, authpw.ErrInvalidEmail),
		errors.Is(err, authpw.ErrWeakPassword):
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, authpw.ErrEmailTaken):
		return domainError(http.StatusConflict, "EMAIL_TAKEN", err.Error(), nil)
	case errors.Is(err, authpw.ErrUserNotFound):
		return domainError(http.StatusNotFound, "USER_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, authpw.ErrBadPassword):
		return domainError(http.StatusUnauthorized, "BAD_CREDENTIALS", err.Error(), nil)
	default:
		return err
	}
}
