package authpw

import (
	"context"
	"errors"
	"testing"

	"brain/api/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users      map[string]store.User
	emailIndex map[string]string // email -> userID
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:      make(map[string]store.User),
		emailIndex: make(map[string]string),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	if _, ok := m.emailIndex[user.Email]; ok {
		return store.ErrConflict
	}
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	return nil
}

func TestSignUpAndSignIn(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{Username: "avery", Email: "avery@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if user.PasswordHash == "hunter22" || user.PasswordHash == "" {
		t.Fatal("password must be stored as a hash")
	}

	signed, err := svc.SignIn(ctx, SignInRequest{Email: "avery@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if signed.ID != user.ID {
		t.Fatalf("expected user %s, got %s", user.ID, signed.ID)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	cases := []struct {
		name string
		req  SignUpRequest
		want error
	}{
		{"short username", SignUpRequest{Username: "av", Email: "a@b.co", Password: "secret1"}, ErrInvalidUsername},
		{"long username", SignUpRequest{Username: "averylongname", Email: "a@b.co", Password: "secret1"}, ErrInvalidUsername},
		{"digits in username", SignUpRequest{Username: "avery1", Email: "a@b.co", Password: "secret1"}, ErrInvalidUsername},
		{"bad email", SignUpRequest{Username: "avery", Email: "not-an-email", Password: "secret1"}, ErrInvalidEmail},
		{"weak password", SignUpRequest{Username: "avery", Email: "a@b.co", Password: "four"}, ErrWeakPassword},
	}
	for _, tc := range cases {
		if _, err := svc.SignUp(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Username: "avery", Email: "avery@example.com", Password: "hunter22"}); err != nil {
		t.Fatalf("first SignUp failed: %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Username: "brooke", Email: "avery@example.com", Password: "hunter22"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

// Email dedup is a case-sensitive exact match: a different casing of the
// same address registers a second account.
func TestSignUpEmailDedupIsCaseSensitive(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Username: "avery", Email: "avery@example.com", Password: "hunter22"}); err != nil {
		t.Fatalf("first SignUp failed: %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Username: "brooke", Email: "Avery@example.com", Password: "hunter22"}); err != nil {
		t.Fatalf("expected differently-cased email to pass dedup, got %v", err)
	}
}

func TestSignInErrors(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Username: "avery", Email: "avery@example.com", Password: "hunter22"}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	if _, err := svc.SignIn(ctx, SignInRequest{Email: "nobody@example.com", Password: "hunter22"}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "avery@example.com", Password: "wrong"}); !errors.Is(err, ErrBadPassword) {
		t.Fatalf("expected ErrBadPassword, got %v", err)
	}
}
