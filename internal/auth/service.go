// Package auth is the identity provider: accounts with email confirmation,
// password sign-in issuing session tokens, and sign-out.
package auth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/zombor/spendsight/internal/failure"
)

// SignUpRequest is the sign-up form
type SignUpRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
	DisplayName string `json:"displayName" validate:"max=100"`
}

// SignInRequest is the sign-in form
type SignInRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Session is the result of a successful sign-in
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      *User     `json:"user"`
}

// Service implements the identity operations
type Service struct {
	users      UserStore
	sessions   *Sessions
	mailer     Mailer
	validate   *validator.Validate
	confirmURL string
	bcryptCost int
	now        func() time.Time
}

// NewService creates the identity service. confirmURL is the address the
// confirmation link points at; the token is appended as ?token=.
func NewService(users UserStore, sessions *Sessions, mailer Mailer, confirmURL string) *Service {
	if mailer == nil {
		mailer = LogMailer{}
	}
	return &Service{
		users:      users,
		sessions:   sessions,
		mailer:     mailer,
		validate:   validator.New(),
		confirmURL: confirmURL,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
}

// invalidRequest turns validator errors into a readable message
func invalidRequest(op string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return failure.New(failure.InvalidRequest, op, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return failure.Newf(failure.InvalidRequest, op, "%s", strings.Join(fields, ", "))
}

// SignUp creates an account pending email confirmation and sends the link
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*User, error) {
	const op = "signing up"

	req.Email = normalizeEmail(req.Email)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := s.validate.Struct(req); err != nil {
		return nil, invalidRequest(op, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		ConfirmToken: uuid.NewString(),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.sendConfirmation(ctx, user); err != nil {
		// the account exists; a failed email should not block sign-up
		slog.Error("Failed to send confirmation email", "user_id", user.ID, "error", err)
	}

	slog.Info("User signed up", "user_id", user.ID)
	return user, nil
}

func (s *Service) sendConfirmation(ctx context.Context, user *User) error {
	link := s.confirmURL + "?token=" + url.QueryEscape(user.ConfirmToken)
	body := fmt.Sprintf(
		`<p>Hi %s,</p><p>Confirm your email address to start tracking receipts:</p><p><a href="%s">Confirm email</a></p>`,
		html.EscapeString(user.Name()), html.EscapeString(link),
	)
	return s.mailer.Send(ctx, user.Email, "Confirm your Spendsight account", body)
}

// Confirm marks the account behind a confirmation token as confirmed
func (s *Service) Confirm(ctx context.Context, token string) (*User, error) {
	const op = "confirming email"

	if strings.TrimSpace(token) == "" {
		return nil, failure.Newf(failure.InvalidRequest, op, "token is required")
	}
	user, err := s.users.GetUserByConfirmToken(ctx, token)
	if err != nil {
		if failure.Is(err, failure.NotFound) {
			return nil, failure.Newf(failure.AuthError, op, "confirmation link is invalid or already used")
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now().UTC()
	user.ConfirmedAt = &now
	user.ConfirmToken = ""
	if err := s.users.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	slog.Info("Email confirmed", "user_id", user.ID)
	return user, nil
}

// ConfirmationStatus reports whether an email address has been confirmed.
// Unknown addresses report false.
func (s *Service) ConfirmationStatus(ctx context.Context, email string) (bool, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if failure.Is(err, failure.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking confirmation: %w", err)
	}
	return user.Confirmed(), nil
}

// SignIn checks the password of a confirmed account and issues a session
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*Session, error) {
	const op = "signing in"

	req.Email = normalizeEmail(req.Email)
	if err := s.validate.Struct(req); err != nil {
		return nil, invalidRequest(op, err)
	}

	user, err := s.users.GetUserByEmail(ctx, req.Email)
	if err != nil && !failure.Is(err, failure.NotFound) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return nil, failure.Newf(failure.AuthError, op, "invalid email or password")
	}
	if !user.Confirmed() {
		return nil, failure.Newf(failure.AuthError, op, "email address has not been confirmed")
	}

	token, expiresAt, err := s.sessions.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	slog.Info("User signed in", "user_id", user.ID)
	return &Session{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

// SignOut revokes a session token
func (s *Service) SignOut(ctx context.Context, token string) error {
	if err := s.sessions.Revoke(ctx, token); err != nil {
		return failure.New(failure.AuthError, "signing out", err)
	}
	return nil
}

// Authenticate resolves a session token to its user
func (s *Service) Authenticate(ctx context.Context, token string) (*User, error) {
	const op = "authenticating"

	claims, err := s.sessions.Verify(ctx, token)
	if err != nil {
		return nil, failure.New(failure.AuthError, op, err)
	}
	user, err := s.users.GetUser(ctx, claims.UserID)
	if err != nil {
		if failure.Is(err, failure.NotFound) {
			return nil, failure.Newf(failure.AuthError, op, "account no longer exists")
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}
