package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"telechat/internal/backend"
	"telechat/internal/storage"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

func TestAuthService(t *testing.T) {
	const t0Unix = 1700000000

	createStore := func(t *testing.T) *storage.BboltStorage {
		store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "auth.db"))
		if err != nil {
			t.Fatalf("Failed to create storage: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	}

	// Helper to create service with fixed time
	createService := func(t *testing.T, store CredentialStore) (*AuthService, *time.Time) {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		svc, err := NewAuthService(ctx, Config{TokenExpiry: time.Hour, BcryptCost: bcrypt.MinCost}, store, zerolog.Nop())
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}
		return svc, &currentTime
	}

	ctx := context.Background()

	t.Run("SignUp", func(t *testing.T) {
		svc, _ := createService(t, createStore(t))

		s, err := svc.SignUp(ctx, " Alice@Example.com ", "secret1", "alice")
		if err != nil {
			t.Fatalf("Failed to sign up: %v", err)
		}
		if s.UserID == "" || s.Token == "" {
			t.Errorf("Expected user id and token, got %+v", s)
		}
		if s.Email != "alice@example.com" {
			t.Errorf("Expected normalized email, got %s", s.Email)
		}
		if !s.ExpiresAt.Equal(time.Unix(t0Unix, 0).Add(time.Hour)) {
			t.Errorf("Unexpected expiry %v", s.ExpiresAt)
		}

		_, err = svc.SignUp(ctx, "alice@example.com", "secret2", "alice2")
		if !errors.Is(err, ErrUserExists) || !errors.Is(err, backend.ErrConflict) {
			t.Errorf("Expected ErrUserExists, got %v", err)
		}
	})

	t.Run("SignUp_Validation", func(t *testing.T) {
		svc, _ := createService(t, createStore(t))

		if _, err := svc.SignUp(ctx, "not-an-email", "secret1", "x"); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("Expected ErrInvalidEmail, got %v", err)
		}
		if _, err := svc.SignUp(ctx, "bob@example.com", "123", "x"); !errors.Is(err, ErrWeakPassword) {
			t.Errorf("Expected ErrWeakPassword, got %v", err)
		}
	})

	t.Run("SignIn", func(t *testing.T) {
		svc, _ := createService(t, createStore(t))
		up, err := svc.SignUp(ctx, "bob@example.com", "secret1", "bob")
		if err != nil {
			t.Fatalf("failed to setup user: %v", err)
		}

		s, err := svc.SignIn(ctx, "BOB@example.com", "secret1")
		if err != nil {
			t.Fatalf("SignIn failed: %v", err)
		}
		if s.UserID != up.UserID {
			t.Errorf("Expected user id %s, got %s", up.UserID, s.UserID)
		}
		if s.Token == up.Token {
			t.Error("Expected a fresh token")
		}

		got, err := svc.Session(ctx, s.Token)
		if err != nil || got.UserID != up.UserID {
			t.Errorf("Token not resolvable: %v", err)
		}
	})

	t.Run("SignIn_Failures", func(t *testing.T) {
		svc, _ := createService(t, createStore(t))
		if _, err := svc.SignUp(ctx, "bob@example.com", "secret1", "bob"); err != nil {
			t.Fatal(err)
		}

		tests := []struct {
			name     string
			email    string
			password string
		}{
			{"Wrong Password", "bob@example.com", "wrongpass"},
			{"User Not Found", "unknown@example.com", "secret1"},
			{"Malformed Email", "bob", "secret1"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.SignIn(ctx, tt.email, tt.password)
				if !errors.Is(err, ErrLoginFailed) || !errors.Is(err, backend.ErrNotAuthenticated) {
					t.Errorf("Expected ErrLoginFailed, got %v", err)
				}
			})
		}
	})

	t.Run("Security_Throttling", func(t *testing.T) {
		svc, now := createService(t, createStore(t))
		if _, err := svc.SignUp(ctx, "bob@example.com", "secret1", "bob"); err != nil {
			t.Fatal(err)
		}

		// Fail 4 times (threshold is > 3)
		for range 4 {
			_, _ = svc.SignIn(ctx, "bob@example.com", "wrongpass")
		}

		_, err := svc.SignIn(ctx, "bob@example.com", "secret1")
		if !errors.Is(err, ErrTooManyLogins) {
			t.Errorf("Expected throttling, got %v", err)
		}

		// Backoff = 30 * (failedAttempts^2) = 480 seconds
		*now = now.Add(500 * time.Second)

		if _, err := svc.SignIn(ctx, "bob@example.com", "secret1"); err != nil {
			t.Errorf("Expected success after backoff, got %v", err)
		}
	})

	t.Run("SignOut", func(t *testing.T) {
		svc, _ := createService(t, createStore(t))
		s, err := svc.SignUp(ctx, "bob@example.com", "secret1", "bob")
		if err != nil {
			t.Fatal(err)
		}

		if err := svc.SignOut(ctx, s.Token); err != nil {
			t.Errorf("SignOut failed: %v", err)
		}
		if _, err := svc.Session(ctx, s.Token); !errors.Is(err, backend.ErrNotAuthenticated) {
			t.Errorf("Token should be invalid after sign out, got %v", err)
		}
		if _, err := svc.Session(ctx, ""); !errors.Is(err, backend.ErrNotAuthenticated) {
			t.Errorf("Empty token should be rejected, got %v", err)
		}
	})

	t.Run("Persistence", func(t *testing.T) {
		store := createStore(t)
		svc, _ := createService(t, store)
		up, err := svc.SignUp(ctx, "carol@example.com", "secret1", "carol")
		if err != nil {
			t.Fatal(err)
		}

		restarted, _ := createService(t, store)
		s, err := restarted.SignIn(ctx, "carol@example.com", "secret1")
		if err != nil {
			t.Fatalf("SignIn after restart failed: %v", err)
		}
		if s.UserID != up.UserID {
			t.Errorf("Expected user id %s, got %s", up.UserID, s.UserID)
		}
		if _, err := restarted.Session(ctx, up.Token); err == nil {
			t.Error("Tokens must not survive a restart")
		}

		if err := restarted.DeleteUser("carol@example.com"); err != nil {
			t.Fatal(err)
		}
		if _, err := restarted.SignIn(ctx, "carol@example.com", "secret1"); !errors.Is(err, ErrLoginFailed) {
			t.Errorf("Expected deleted user to fail, got %v", err)
		}
		if _, err := store.GetCredentials("carol@example.com"); !errors.Is(err, backend.ErrNotFound) {
			t.Errorf("Expected credentials to be removed, got %v", err)
		}
	})
}
