package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"telechat/internal/backend"
	"telechat/internal/storage"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	MinPasswordLength  = 6
	loginFailedMessage = "invalid login credentials"
)

var (
	ErrUserExists    = fmt.Errorf("user already exists: %w", backend.ErrConflict)
	ErrInvalidEmail  = errors.New("invalid email")
	ErrWeakPassword  = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrLoginFailed   = fmt.Errorf("%s: %w", loginFailedMessage, backend.ErrNotAuthenticated)
	ErrTooManyLogins = errors.New("too many failed login attempts")
)

// CredentialStore persists accounts between restarts.
type CredentialStore interface {
	GetCredentials(email string) (storage.Credentials, error)
	UpsertCredentials(c storage.Credentials) error
	DeleteCredentials(email string) error
	ListCredentials() ([]storage.Credentials, error)
}

type userState struct {
	storage.Credentials
	// Consecutive failed sign-in attempts, used to throttle brute force.
	FailedLoginAttempts int64
	LastAttemptTime     int64
}

func (u *userState) resetFailedLoginAttempts(now time.Time) {
	u.FailedLoginAttempts = 0
	u.LastAttemptTime = now.Unix()
}

func (u *userState) incrementFailedLoginAttempts(now time.Time) {
	u.FailedLoginAttempts++
	u.LastAttemptTime = now.Unix()
}

type Config struct {
	TokenExpiry time.Duration `json:"tokenExpiry"`
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int `json:"bcryptCost"`
}

func (c *Config) Validate() error {
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must not be negative")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost %d out of range", c.BcryptCost)
	}
	return nil
}

// AuthService issues opaque bearer tokens for email/password accounts.
// Tokens live in memory only; a restart signs everybody out.
type AuthService struct {
	Config
	store      CredentialStore
	users      *geche.Locker[string, *userState]
	liveTokens geche.Geche[string, backend.Session]
	log        zerolog.Logger
	now        func() time.Time
}

var _ backend.Auth = (*AuthService)(nil)

func NewAuthService(ctx context.Context, config Config, store CredentialStore, log zerolog.Logger) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	as := &AuthService{
		Config:     config,
		store:      store,
		users:      geche.NewLocker[string, *userState](geche.NewMapCache[string, *userState]()),
		liveTokens: geche.NewMapTTLCache[string, backend.Session](ctx, config.TokenExpiry, time.Minute),
		log:        log,
		now:        time.Now,
	}

	creds, err := store.ListCredentials()
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	tx := as.users.Lock()
	for _, c := range creds {
		tx.Set(c.Email, &userState{Credentials: c})
	}
	tx.Unlock()
	log.Debug().Int("users", len(creds)).Msg("auth users loaded")

	return as, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return email, nil
}

// SignUp creates an account and signs it in.
func (as *AuthService) SignUp(ctx context.Context, email, password, _ string) (backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return backend.Session{}, err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return backend.Session{}, err
	}
	if len(password) < MinPasswordLength {
		return backend.Session{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), as.BcryptCost)
	if err != nil {
		return backend.Session{}, fmt.Errorf("failed to hash password: %w", err)
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(email); err == nil {
		return backend.Session{}, ErrUserExists
	}

	user := &userState{Credentials: storage.Credentials{
		UserID:       uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    as.now().Unix(),
	}}
	if err := as.store.UpsertCredentials(user.Credentials); err != nil {
		return backend.Session{}, fmt.Errorf("failed to store user: %w", err)
	}
	tx.Set(email, user)

	as.log.Info().Str("user_id", user.UserID).Msg("user signed up")
	return as.issue(user)
}

// DeleteUser removes an account and is used to undo a sign-up whose profile
// could not be created.
func (as *AuthService) DeleteUser(email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	tx := as.users.Lock()
	defer tx.Unlock()
	if err := as.store.DeleteCredentials(email); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	_ = tx.Del(email)
	return nil
}

func (as *AuthService) SignIn(ctx context.Context, email, password string) (backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return backend.Session{}, err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return backend.Session{}, ErrLoginFailed
	}

	now := as.now()
	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(email)
	if err != nil {
		return backend.Session{}, ErrLoginFailed
	}

	if user.FailedLoginAttempts > 3 {
		failed := user.FailedLoginAttempts
		nextAttempt := user.LastAttemptTime + 30*(failed*failed)
		if now.Unix() < nextAttempt {
			return backend.Session{}, fmt.Errorf("%w: next attempt in %d seconds", ErrTooManyLogins, nextAttempt-now.Unix())
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		user.incrementFailedLoginAttempts(now)
		return backend.Session{}, ErrLoginFailed
	}
	user.resetFailedLoginAttempts(now)

	return as.issue(user)
}

func (as *AuthService) issue(user *userState) (backend.Session, error) {
	token, err := generateToken()
	if err != nil {
		as.log.Error().Err(err).Str("user_id", user.UserID).Msg("login failed")
		return backend.Session{}, err
	}
	session := backend.Session{
		UserID:    user.UserID,
		Email:     user.Email,
		Token:     token,
		ExpiresAt: as.now().Add(as.TokenExpiry).UTC(),
	}
	as.liveTokens.Set(token, session)
	return session, nil
}

// Session resolves a bearer token.
func (as *AuthService) Session(_ context.Context, token string) (backend.Session, error) {
	if token == "" {
		return backend.Session{}, backend.ErrNotAuthenticated
	}
	s, err := as.liveTokens.Get(token)
	if err != nil {
		return backend.Session{}, backend.ErrNotAuthenticated
	}
	return s, nil
}

func (as *AuthService) SignOut(_ context.Context, token string) error {
	if err := as.liveTokens.Del(token); err != nil {
		return backend.ErrNotAuthenticated
	}
	return nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
