package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/account-service/internal/auth"
	"github.com/spec-kit/account-service/internal/config"
	"github.com/spec-kit/account-service/internal/events"
	"github.com/spec-kit/account-service/internal/testsupport"
	apperrors "github.com/spec-kit/account-service/pkg/util"
)

type fixture struct {
	svc      *AccountService
	users    *testsupport.MemoryUserRepo
	sessions *testsupport.MemorySessionStore
	mail     *testsupport.CapturingMailer
	tokens   *auth.TokenManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	users := testsupport.NewMemoryUserRepo()
	sessions := testsupport.NewMemorySessionStore()
	mail := testsupport.NewCapturingMailer()
	tokens := auth.NewTokenManager("test-secret", time.Hour)

	cfg := config.Config{
		App: config.AppConfig{PublicBaseURL: "http://test.local"},
		Auth: config.AuthConfig{
			BcryptCost:           bcrypt.MinCost,
			ResetTokenTTLMinutes: 15,
		},
	}

	svc := NewAccountService(cfg, AccountDependencies{
		UserRepo:     users,
		SessionStore: sessions,
		TokenManager: tokens,
		Mailer:       mail,
		Dispatcher:   events.NewInMemoryDispatcher(),
	}, zap.NewNop())

	return &fixture{svc: svc, users: users, sessions: sessions, mail: mail, tokens: tokens}
}

func requireDomainCode(t *testing.T, err error, code string) *apperrors.DomainError {
	t.Helper()
	require.Error(t, err)
	var domainErr *apperrors.DomainError
	require.True(t, errors.As(err, &domainErr), "expected DomainError, got %T: %v", err, err)
	require.Equal(t, code, domainErr.Code)
	return domainErr
}

// rawTokenFromEmail pulls the raw reset token out of the emailed link.
func rawTokenFromEmail(t *testing.T, body string) string {
	t.Helper()
	const marker = "/password/reset/"
	idx := strings.Index(body, marker)
	require.GreaterOrEqual(t, idx, 0, "reset link not found in email body")
	rest := body[idx+len(marker):]
	if end := strings.IndexAny(rest, " \n"); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

func TestRegisterThenLogin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user, session, err := f.svc.Register(ctx, "Ada", "Ada@X.com", "pw1")
	require.NoError(t, err)
	require.Equal(t, "ada@x.com", user.Email)
	require.NotEmpty(t, user.ID)
	require.NotEmpty(t, session.Token)
	require.NotEqual(t, "pw1", user.PasswordHash)

	active, err := f.sessions.IsActive(ctx, user.ID, session.ID)
	require.NoError(t, err)
	require.True(t, active)

	loggedIn, loginSession, err := f.svc.Login(ctx, "ada@x.com", "pw1")
	require.NoError(t, err)
	require.Equal(t, user.ID, loggedIn.ID)
	require.NotEmpty(t, loginSession.Token)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)

	_, _, err = f.svc.Register(ctx, "Eve", "ada@x.com", "pw2")
	requireDomainCode(t, err, "CONFLICT")

	// No partial record: the original account is untouched.
	user, err := f.users.GetByEmail(ctx, "ada@x.com")
	require.NoError(t, err)
	require.Equal(t, "Ada", user.Name)
}

func TestLogin_EnumerationSafe(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)

	_, _, wrongPassword := f.svc.Login(ctx, "ada@x.com", "nope")
	_, _, unknownEmail := f.svc.Login(ctx, "ghost@x.com", "nope")

	badPw := requireDomainCode(t, wrongPassword, "UNAUTHORIZED")
	noUser := requireDomainCode(t, unknownEmail, "UNAUTHORIZED")
	require.Equal(t, badPw.Message, noUser.Message)
	require.Equal(t, badPw.HTTPStatus, noUser.HTTPStatus)
	require.Equal(t, wrongPassword.Error(), unknownEmail.Error())
}

func TestLogout_Idempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user, session, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, session.Token))
	active, err := f.sessions.IsActive(ctx, user.ID, session.ID)
	require.NoError(t, err)
	require.False(t, active)

	// Second logout with the same credential is not an error.
	require.NoError(t, f.svc.Logout(ctx, session.Token))
	// Nor is logging out with garbage.
	require.NoError(t, f.svc.Logout(ctx, "not-a-token"))
	require.NoError(t, f.svc.Logout(ctx, ""))
}

func TestPasswordResetFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Register(ctx, "Ada", "a@x.com", "pw1")
	require.NoError(t, err)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "a@x.com"))
	msg, ok := f.mail.Last()
	require.True(t, ok)
	require.Equal(t, "a@x.com", msg.To)
	raw := rawTokenFromEmail(t, msg.Body)
	require.Len(t, raw, 64)

	// The raw token never hits the store.
	user, err := f.users.GetByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	require.NotNil(t, user.ResetTokenHash)
	require.NotNil(t, user.ResetTokenExpiresAt)
	require.NotEqual(t, raw, *user.ResetTokenHash)
	require.Equal(t, auth.DigestResetToken(raw), *user.ResetTokenHash)

	resetUser, session, err := f.svc.ResetPassword(ctx, raw, "pw2", "pw2")
	require.NoError(t, err)
	require.Equal(t, user.ID, resetUser.ID)
	require.NotEmpty(t, session.Token)
	require.Nil(t, resetUser.ResetTokenHash)
	require.Nil(t, resetUser.ResetTokenExpiresAt)

	_, _, err = f.svc.Login(ctx, "a@x.com", "pw2")
	require.NoError(t, err)
	_, _, err = f.svc.Login(ctx, "a@x.com", "pw1")
	requireDomainCode(t, err, "UNAUTHORIZED")
}

func TestRequestPasswordReset_UnknownEmail(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.svc.RequestPasswordReset(context.Background(), "ghost@x.com")
	requireDomainCode(t, err, "NOT_FOUND")
	require.Empty(t, f.mail.Sent)
}

func TestResetToken_SingleUse(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ada@x.com"))
	msg, _ := f.mail.Last()
	raw := rawTokenFromEmail(t, msg.Body)

	_, _, err = f.svc.ResetPassword(ctx, raw, "pw2", "pw2")
	require.NoError(t, err)

	// Replay with the same raw token.
	_, _, err = f.svc.ResetPassword(ctx, raw, "pw3", "pw3")
	requireDomainCode(t, err, "UNAUTHORIZED")

	_, _, err = f.svc.Login(ctx, "ada@x.com", "pw2")
	require.NoError(t, err)
}

func TestResetToken_WrongAndExpiredAreIndistinguishable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user, _, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ada@x.com"))
	msg, _ := f.mail.Last()
	raw := rawTokenFromEmail(t, msg.Body)

	_, _, wrongErr := f.svc.ResetPassword(ctx, "deadbeef", "pw2", "pw2")

	f.users.ExpireResetToken(user.ID, time.Now().Add(-time.Second))
	_, _, expiredErr := f.svc.ResetPassword(ctx, raw, "pw2", "pw2")

	wrong := requireDomainCode(t, wrongErr, "UNAUTHORIZED")
	expired := requireDomainCode(t, expiredErr, "UNAUTHORIZED")
	require.Equal(t, wrong.Message, expired.Message)
	require.Equal(t, wrong.HTTPStatus, expired.HTTPStatus)
}

func TestResetTokenExpiryBoundary(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user, _, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)

	expiry := time.Now().Add(time.Minute)
	digest := auth.DigestResetToken("boundary-token")
	require.NoError(t, f.users.SetResetToken(ctx, user.ID, digest, expiry))

	// At exactly T the token is dead.
	_, err = f.users.ConsumeResetToken(ctx, digest, expiry, "newhash")
	require.Error(t, err)

	// Strictly before T it is alive.
	_, err = f.users.ConsumeResetToken(ctx, digest, expiry.Add(-time.Nanosecond), "newhash")
	require.NoError(t, err)
}

func TestResetToken_Superseded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ada@x.com"))
	first := rawTokenFromEmail(t, f.mail.Sent[len(f.mail.Sent)-1].Body)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ada@x.com"))
	second := rawTokenFromEmail(t, f.mail.Sent[len(f.mail.Sent)-1].Body)
	require.NotEqual(t, first, second)

	// The first token is invalid even though its own window has not passed.
	_, _, err = f.svc.ResetPassword(ctx, first, "pw2", "pw2")
	requireDomainCode(t, err, "UNAUTHORIZED")

	_, _, err = f.svc.ResetPassword(ctx, second, "pw2", "pw2")
	require.NoError(t, err)
}

func TestRequestPasswordReset_DispatchFailureRollsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user, _, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)

	f.mail.FailWith = errors.New("mail API down")
	err = f.svc.RequestPasswordReset(ctx, "ada@x.com")
	requireDomainCode(t, err, "DEPENDENCY_FAILED")

	// No lingering token digest or expiry.
	stored, err := f.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.Nil(t, stored.ResetTokenHash)
	require.Nil(t, stored.ResetTokenExpiresAt)

	// A later request issues a fresh token without conflict.
	f.mail.FailWith = nil
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ada@x.com"))
	msg, ok := f.mail.Last()
	require.True(t, ok)
	raw := rawTokenFromEmail(t, msg.Body)

	_, _, err = f.svc.ResetPassword(ctx, raw, "pw2", "pw2")
	require.NoError(t, err)
}

func TestResetPassword_ConfirmMismatchLeavesTokenUsable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ada@x.com"))
	msg, _ := f.mail.Last()
	raw := rawTokenFromEmail(t, msg.Body)

	_, _, err = f.svc.ResetPassword(ctx, raw, "pw2", "different")
	requireDomainCode(t, err, "VALIDATION_FAILED")

	// The rejection happened before any mutation: old password still works
	// and the token can still be consumed.
	_, _, err = f.svc.Login(ctx, "ada@x.com", "pw1")
	require.NoError(t, err)
	_, _, err = f.svc.ResetPassword(ctx, raw, "pw2", "pw2")
	require.NoError(t, err)
}

func TestResetPassword_RevokesPriorSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user, registerSession, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)
	_, loginSession, err := f.svc.Login(ctx, "ada@x.com", "pw1")
	require.NoError(t, err)
	require.Equal(t, 2, f.sessions.Count(user.ID))

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ada@x.com"))
	msg, _ := f.mail.Last()
	raw := rawTokenFromEmail(t, msg.Body)

	_, freshSession, err := f.svc.ResetPassword(ctx, raw, "pw2", "pw2")
	require.NoError(t, err)

	for _, stale := range []string{registerSession.ID, loginSession.ID} {
		active, err := f.sessions.IsActive(ctx, user.ID, stale)
		require.NoError(t, err)
		require.False(t, active)
	}
	active, err := f.sessions.IsActive(ctx, user.ID, freshSession.ID)
	require.NoError(t, err)
	require.True(t, active)
}

func TestChangePassword(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user, oldSession, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)

	newSession, err := f.svc.ChangePassword(ctx, user.ID, "pw1", "pw2", "pw2")
	require.NoError(t, err)
	require.NotEmpty(t, newSession.Token)

	// Prior sessions are revoked, the fresh one works.
	active, err := f.sessions.IsActive(ctx, user.ID, oldSession.ID)
	require.NoError(t, err)
	require.False(t, active)
	active, err = f.sessions.IsActive(ctx, user.ID, newSession.ID)
	require.NoError(t, err)
	require.True(t, active)

	_, _, err = f.svc.Login(ctx, "ada@x.com", "pw2")
	require.NoError(t, err)
	_, _, err = f.svc.Login(ctx, "ada@x.com", "pw1")
	requireDomainCode(t, err, "UNAUTHORIZED")
}

func TestChangePassword_WrongOldPassword(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user, _, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)

	_, err = f.svc.ChangePassword(ctx, user.ID, "wrong", "pw2", "pw2")
	requireDomainCode(t, err, "UNAUTHORIZED")

	_, _, err = f.svc.Login(ctx, "ada@x.com", "pw1")
	require.NoError(t, err)
}

func TestChangePassword_ConfirmMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user, _, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)
	before, err := f.users.GetByID(ctx, user.ID)
	require.NoError(t, err)

	_, err = f.svc.ChangePassword(ctx, user.ID, "pw1", "pw2", "different")
	requireDomainCode(t, err, "VALIDATION_FAILED")

	after, err := f.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, before.PasswordHash, after.PasswordHash)
}

func TestUpdateProfile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user, _, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)

	updated, err := f.svc.UpdateProfile(ctx, user.ID, "Ada L.", "Ada.Lovelace@X.com")
	require.NoError(t, err)
	require.Equal(t, "Ada L.", updated.Name)
	require.Equal(t, "ada.lovelace@x.com", updated.Email)

	// Password state untouched.
	_, _, err = f.svc.Login(ctx, "ada.lovelace@x.com", "pw1")
	require.NoError(t, err)
}

func TestUpdateProfile_InvalidEmail(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user, _, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)

	_, err = f.svc.UpdateProfile(ctx, user.ID, "Ada", "not-an-email")
	requireDomainCode(t, err, "VALIDATION_FAILED")
}

func TestUpdateProfile_DuplicateEmail(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user, _, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)
	_, _, err = f.svc.Register(ctx, "Eve", "eve@x.com", "pw1")
	require.NoError(t, err)

	_, err = f.svc.UpdateProfile(ctx, user.ID, "Ada", "eve@x.com")
	requireDomainCode(t, err, "CONFLICT")

	// Keeping your own email is not a conflict.
	_, err = f.svc.UpdateProfile(ctx, user.ID, "Ada L.", "ada@x.com")
	require.NoError(t, err)
}

func TestGetProfile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user, _, err := f.svc.Register(ctx, "Ada", "ada@x.com", "pw1")
	require.NoError(t, err)

	got, err := f.svc.GetProfile(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)

	profile := got.Profile()
	require.Equal(t, "ada@x.com", profile.Email)
}
