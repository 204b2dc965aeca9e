package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/account-service/internal/auth"
	"github.com/spec-kit/account-service/internal/config"
	"github.com/spec-kit/account-service/internal/domain"
	"github.com/spec-kit/account-service/internal/events"
	"github.com/spec-kit/account-service/internal/mailer"
	"github.com/spec-kit/account-service/internal/repository"
	apperrors "github.com/spec-kit/account-service/pkg/util"
)

// AccountService coordinates registration, login and password flows.
type AccountService struct {
	users      repository.UserRepository
	sessions   auth.SessionStore
	tokens     *auth.TokenManager
	mail       mailer.Mailer
	dispatcher events.Dispatcher
	logger     *zap.Logger
	bcryptCost int
	resetTTL   time.Duration
	baseURL    string
}

// AccountDependencies encapsulates collaborator requirements for the service.
type AccountDependencies struct {
	UserRepo     repository.UserRepository
	SessionStore auth.SessionStore
	TokenManager *auth.TokenManager
	Mailer       mailer.Mailer
	Dispatcher   events.Dispatcher
}

// NewAccountService builds the service.
func NewAccountService(cfg config.Config, deps AccountDependencies, logger *zap.Logger) *AccountService {
	return &AccountService{
		users:      deps.UserRepo,
		sessions:   deps.SessionStore,
		tokens:     deps.TokenManager,
		mail:       deps.Mailer,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		bcryptCost: cfg.Auth.BcryptCost,
		resetTTL:   cfg.Auth.ResetTokenTTL(),
		baseURL:    strings.TrimRight(cfg.App.PublicBaseURL, "/"),
	}
}

// Register creates a new account and issues its first session credential.
func (s *AccountService) Register(ctx context.Context, name, email, password string) (*domain.User, *domain.Session, error) {
	email = NormalizeEmail(email)

	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, nil, err
	}

	user := &domain.User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, nil, apperrors.NewConflict("email already registered", nil)
		}
		return nil, nil, err
	}

	session, err := s.issueSession(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}

	s.publish(ctx, events.EventAccountRegistered, user.ID, events.AccountRegisteredPayload{
		Name:  user.Name,
		Email: user.Email,
	})
	return user, session, nil
}

// Login authenticates by email and password. An unknown email and a wrong
// password produce the identical error so callers cannot enumerate accounts.
func (s *AccountService) Login(ctx context.Context, email, password string) (*domain.User, *domain.Session, error) {
	email = NormalizeEmail(email)

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, invalidCredentials()
		}
		return nil, nil, err
	}
	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, nil, invalidCredentials()
	}

	session, err := s.issueSession(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

// Logout revokes the presented session credential. Unparseable or already
// revoked credentials are ignored; logging out twice is not an error.
func (s *AccountService) Logout(ctx context.Context, rawToken string) error {
	if rawToken == "" {
		return nil
	}
	claims, err := s.tokens.ParseToken(rawToken)
	if err != nil {
		return nil
	}
	if err := s.sessions.Revoke(ctx, claims.UserID, claims.ID); err != nil {
		return apperrors.NewDependencyError("session store unavailable", err)
	}
	return nil
}

// RequestPasswordReset issues a fresh reset token for the account and emails
// the reset link. Re-issuing while a token is outstanding supersedes it: only
// the latest token is ever valid. If the email cannot be delivered the stored
// digest and expiry are rolled back so the account is not left holding an
// unreachable token.
func (s *AccountService) RequestPasswordReset(ctx context.Context, email string) error {
	email = NormalizeEmail(email)

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NewNotFound("user", nil)
		}
		return err
	}

	raw, digest, err := auth.NewResetToken()
	if err != nil {
		return err
	}

	expiresAt := time.Now().Add(s.resetTTL)
	if err := s.users.SetResetToken(ctx, user.ID, digest, expiresAt); err != nil {
		return err
	}

	link := fmt.Sprintf("%s/api/v1/password/reset/%s", s.baseURL, raw)
	msg := mailer.Message{
		To:      user.Email,
		Subject: "Password recovery",
		Body: fmt.Sprintf(
			"Your password reset link is:\n\n%s\n\nThe link expires in %s. If you did not request a password reset, please ignore this email.",
			link, s.resetTTL,
		),
	}
	if sendErr := s.mail.Send(ctx, msg); sendErr != nil {
		if clearErr := s.users.ClearResetToken(ctx, user.ID); clearErr != nil {
			s.logger.Error("failed to roll back reset token after dispatch failure",
				zap.String("user_id", user.ID), zap.Error(clearErr))
			sendErr = errors.Join(sendErr, clearErr)
		}
		return apperrors.NewDependencyError("failed to send password reset email", sendErr)
	}

	s.publish(ctx, events.EventPasswordResetRequested, user.ID, events.PasswordResetRequestedPayload{
		Email:     user.Email,
		ExpiresAt: expiresAt,
	})
	return nil
}

// ResetPassword consumes a raw reset token and installs the new password.
// The confirmation check runs before any mutation; the digest match, expiry
// check, password swap and token clear happen in one atomic store update, so
// a raw token can be consumed at most once. Wrong and expired tokens are
// indistinguishable to the caller. All prior sessions are revoked and a
// fresh credential is issued.
func (s *AccountService) ResetPassword(ctx context.Context, rawToken, newPassword, confirmPassword string) (*domain.User, *domain.Session, error) {
	if newPassword != confirmPassword {
		return nil, nil, apperrors.NewValidationError("passwords do not match", nil)
	}

	hash, err := auth.HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		return nil, nil, err
	}

	user, err := s.users.ConsumeResetToken(ctx, auth.DigestResetToken(rawToken), time.Now(), hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, apperrors.NewUnauthorized("reset token is invalid or has expired")
		}
		return nil, nil, err
	}

	session, err := s.rotateSessions(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}

	s.publish(ctx, events.EventPasswordResetCompleted, user.ID, events.PasswordChangedPayload{
		Email: user.Email,
		Via:   "reset",
	})
	return user, session, nil
}

// ChangePassword verifies the current password before installing the new one.
// All prior sessions are revoked and a fresh credential is issued.
func (s *AccountService) ChangePassword(ctx context.Context, userID, oldPassword, newPassword, confirmPassword string) (*domain.Session, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := auth.ComparePassword(user.PasswordHash, oldPassword); err != nil {
		return nil, apperrors.NewUnauthorized("old password is incorrect")
	}
	if newPassword != confirmPassword {
		return nil, apperrors.NewValidationError("passwords do not match", nil)
	}

	hash, err := auth.HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return nil, err
	}

	session, err := s.rotateSessions(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventPasswordChanged, user.ID, events.PasswordChangedPayload{
		Email: user.Email,
		Via:   "change",
	})
	return session, nil
}

// GetProfile loads the caller's account record.
func (s *AccountService) GetProfile(ctx context.Context, userID string) (*domain.User, error) {
	return s.users.GetByID(ctx, userID)
}

// UpdateProfile mutates name and email only; password and reset-token state
// are untouched. The email is format-validated and checked for duplicates
// before persisting.
func (s *AccountService) UpdateProfile(ctx context.Context, userID, name, email string) (*domain.User, error) {
	email = NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperrors.NewValidationError("invalid email address", nil)
	}

	if existing, err := s.users.GetByEmail(ctx, email); err == nil {
		if existing.ID != userID {
			return nil, apperrors.NewConflict("email already registered", nil)
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	user, err := s.users.UpdateProfile(ctx, userID, name, email)
	if err != nil {
		// The store's unique constraint closes the race left by the
		// duplicate pre-check.
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, apperrors.NewConflict("email already registered", nil)
		}
		return nil, err
	}

	s.publish(ctx, events.EventProfileUpdated, user.ID, events.ProfileUpdatedPayload{
		Name:  user.Name,
		Email: user.Email,
	})
	return user, nil
}

// NormalizeEmail lower-cases and trims an email used as a login key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func invalidCredentials() error {
	return apperrors.NewUnauthorized("invalid email or password")
}

func (s *AccountService) issueSession(ctx context.Context, userID string) (*domain.Session, error) {
	token, sessionID, expiresAt, err := s.tokens.GenerateToken(userID)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Register(ctx, userID, sessionID, time.Until(expiresAt)); err != nil {
		return nil, apperrors.NewDependencyError("session store unavailable", err)
	}
	return &domain.Session{
		ID:        sessionID,
		UserID:    userID,
		Token:     token,
		ExpiresAt: expiresAt,
		IssuedAt:  time.Now(),
	}, nil
}

// rotateSessions revokes every outstanding session for the user and issues a
// fresh credential for the caller. Used after any credential change so stolen
// stale sessions stop working.
func (s *AccountService) rotateSessions(ctx context.Context, userID string) (*domain.Session, error) {
	if err := s.sessions.RevokeAll(ctx, userID); err != nil {
		s.logger.Warn("failed to revoke prior sessions", zap.String("user_id", userID), zap.Error(err))
	}
	return s.issueSession(ctx, userID)
}

func (s *AccountService) publish(ctx context.Context, eventType events.EventType, userID string, payload interface{}) {
	if s.dispatcher == nil {
		return
	}
	_ = s.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
