package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"brain/api/internal/auth"
	"brain/api/internal/session"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func postJSON(t *testing.T, server *HTTPServer, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func signUpAndSignIn(t *testing.T, server *HTTPServer, username, email string) string {
	t.Helper()
	rr := postJSON(t, server, "/api/v1/signup", `{"username":"`+username+`","email":"`+email+`","password":"secret123"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = postJSON(t, server, "/api/v1/signin", `{"email":"`+email+`","password":"secret123"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("signin: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse signin response: %v", err)
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatalf("expected token in signin response")
	}
	return token
}

func cookieRequest(method, path, body, token string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	return req
}

func TestSignUpValidationAndDuplicate(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), "*")

	cases := []struct {
		name string
		body string
	}{
		{name: "short username", body: `{"username":"ab","email":"a@b.co","password":"secret123"}`},
		{name: "long username", body: `{"username":"averylongname","email":"a@b.co","password":"secret123"}`},
		{name: "digits in username", body: `{"username":"avery1","email":"a@b.co","password":"secret123"}`},
		{name: "bad email", body: `{"username":"avery","email":"not-an-email","password":"secret123"}`},
		{name: "weak password", body: `{"username":"avery","email":"a@b.co","password":"12345"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := postJSON(t, server, "/api/v1/signup", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
			}
		})
	}

	rr := postJSON(t, server, "/api/v1/signup", `{"username":"avery","email":"avery@example.com","password":"secret123"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = postJSON(t, server, "/api/v1/signup", `{"username":"blake","email":"avery@example.com","password":"secret123"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSignInDistinguishesUnknownEmailFromBadPassword(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), "*")
	rr := postJSON(t, server, "/api/v1/signup", `{"username":"avery","email":"avery@example.com","password":"secret123"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup: got %d", rr.Code)
	}

	rr = postJSON(t, server, "/api/v1/signin", `{"email":"nobody@example.com","password":"secret123"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown email, got %d", rr.Code)
	}
	rr = postJSON(t, server, "/api/v1/signin", `{"email":"avery@example.com","password":"wrongpass"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rr.Code)
	}
}

func TestSignInSetsSessionCookie(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), "*")
	rr := postJSON(t, server, "/api/v1/signup", `{"username":"avery","email":"avery@example.com","password":"secret123"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup: got %d", rr.Code)
	}
	rr = postJSON(t, server, "/api/v1/signin", `{"email":"avery@example.com","password":"secret123"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("signin: got %d", rr.Code)
	}

	var cookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == sessionCookie {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" {
		t.Fatalf("expected session cookie, got %v", rr.Result().Cookies())
	}
	if !cookie.HttpOnly {
		t.Fatalf("expected HttpOnly session cookie")
	}
	if cookie.Secure {
		t.Fatalf("expected no Secure flag outside production")
	}
}

func TestCheckIdentityGate(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")
	token := signUpAndSignIn(t, server, "avery", "avery@example.com")

	// No credential
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/check", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	// Garbage credential
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, cookieRequest(http.MethodGet, "/api/v1/check", "", "definitely-not-a-token"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for invalid token, got %d", rr.Code)
	}

	// Expired credential
	expired, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:      "user_gone",
		Username: "avery",
		JTI:      "jti_expired",
		Exp:      time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue expired token: %v", err)
	}
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, cookieRequest(http.MethodGet, "/api/v1/check", "", expired))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for expired token, got %d", rr.Code)
	}

	// Valid credential for a deleted user
	orphan, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:      "user_deleted",
		Username: "ghost",
		JTI:      "jti_orphan",
		Exp:      time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue orphan token: %v", err)
	}
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, cookieRequest(http.MethodGet, "/api/v1/check", "", orphan))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for deleted user, got %d", rr.Code)
	}

	// Live credential
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, cookieRequest(http.MethodGet, "/api/v1/check", "", token))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with live token, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		User struct {
			Username string `json:"username"`
			Email    string `json:"email"`
		} `json:"user"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse check response: %v", err)
	}
	if payload.User.Username != "avery" || payload.User.Email != "avery@example.com" {
		t.Fatalf("unexpected identity: %+v", payload.User)
	}
}

func TestSignOutRevokesSession(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc := newTestService(newFakeStore())
	svc.UseSessionStore(session.NewRedisStoreWithClient(client))
	server := NewHTTPServer(svc, "*")

	token := signUpAndSignIn(t, server, "avery", "avery@example.com")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, cookieRequest(http.MethodGet, "/api/v1/check", "", token))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected live session, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, cookieRequest(http.MethodPost, "/api/v1/signout", "", token))
	if rr.Code != http.StatusOK {
		t.Fatalf("signout: expected 200, got %d", rr.Code)
	}

	// Revoked server-side, even though the token itself has not expired
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, cookieRequest(http.MethodGet, "/api/v1/check", "", token))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 after signout, got %d", rr.Code)
	}
}
