// Package testsupport provides in-memory collaborator implementations used by
// tests in place of Postgres, Redis and the mail API.
package testsupport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/account-service/internal/domain"
	"github.com/spec-kit/account-service/internal/mailer"
	"github.com/spec-kit/account-service/internal/repository"
)

// MemoryUserRepo is an in-memory repository.UserRepository with the same
// atomicity guarantees as the Postgres implementation: reset-token fields
// move as a pair and ConsumeResetToken is a single guarded mutation.
type MemoryUserRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

// NewMemoryUserRepo builds an empty store.
func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{users: make(map[string]*domain.User)}
}

func (r *MemoryUserRepo) Create(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			return repository.ErrEmailTaken
		}
	}
	now := time.Now()
	user.ID = uuid.NewString()
	user.CreatedAt = now
	user.UpdatedAt = now
	r.users[user.ID] = cloneUser(user)
	return nil
}

func (r *MemoryUserRepo) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return cloneUser(u), nil
}

func (r *MemoryUserRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r *MemoryUserRepo) UpdateProfile(_ context.Context, id, name, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	for _, other := range r.users {
		if other.ID != id && other.Email == email {
			return nil, repository.ErrEmailTaken
		}
	}
	u.Name = name
	u.Email = email
	u.UpdatedAt = time.Now()
	return cloneUser(u), nil
}

func (r *MemoryUserRepo) UpdatePassword(_ context.Context, id, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return pgx.ErrNoRows
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryUserRepo) SetResetToken(_ context.Context, id, tokenHash string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return pgx.ErrNoRows
	}
	hash := tokenHash
	exp := expiresAt
	u.ResetTokenHash = &hash
	u.ResetTokenExpiresAt = &exp
	u.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryUserRepo) ClearResetToken(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return pgx.ErrNoRows
	}
	u.ResetTokenHash = nil
	u.ResetTokenExpiresAt = nil
	u.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryUserRepo) ConsumeResetToken(_ context.Context, tokenHash string, now time.Time, newPasswordHash string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.ResetTokenHash == nil || *u.ResetTokenHash != tokenHash {
			continue
		}
		if !u.ResetTokenExpiresAt.After(now) {
			continue
		}
		u.PasswordHash = newPasswordHash
		u.ResetTokenHash = nil
		u.ResetTokenExpiresAt = nil
		u.UpdatedAt = time.Now()
		return cloneUser(u), nil
	}
	return nil, pgx.ErrNoRows
}

// ExpireResetToken rewinds the stored expiry so the outstanding token reads
// as expired. Test hook; no production analogue.
func (r *MemoryUserRepo) ExpireResetToken(id string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok && u.ResetTokenExpiresAt != nil {
		exp := expiresAt
		u.ResetTokenExpiresAt = &exp
	}
}

func cloneUser(u *domain.User) *domain.User {
	clone := *u
	if u.ResetTokenHash != nil {
		hash := *u.ResetTokenHash
		clone.ResetTokenHash = &hash
	}
	if u.ResetTokenExpiresAt != nil {
		exp := *u.ResetTokenExpiresAt
		clone.ResetTokenExpiresAt = &exp
	}
	return &clone
}

// MemorySessionStore is an in-memory auth.SessionStore.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]time.Time
}

// NewMemorySessionStore builds an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]time.Time)}
}

func (s *MemorySessionStore) key(userID, sessionID string) string {
	return userID + ":" + sessionID
}

func (s *MemorySessionStore) Register(_ context.Context, userID, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[s.key(userID, sessionID)] = time.Now().Add(ttl)
	return nil
}

func (s *MemorySessionStore) Revoke(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, s.key(userID, sessionID))
	return nil
}

func (s *MemorySessionStore) RevokeAll(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.sessions {
		if strings.HasPrefix(key, userID+":") {
			delete(s.sessions, key)
		}
	}
	return nil
}

func (s *MemorySessionStore) IsActive(_ context.Context, userID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.sessions[s.key(userID, sessionID)]
	return ok && expiry.After(time.Now()), nil
}

// Count returns the number of live sessions for the user.
func (s *MemorySessionStore) Count(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.sessions {
		if strings.HasPrefix(key, userID+":") {
			n++
		}
	}
	return n
}

// CapturingMailer records sent messages and can be forced to fail.
type CapturingMailer struct {
	mu       sync.Mutex
	Sent     []mailer.Message
	FailWith error
}

// NewCapturingMailer builds the fake.
func NewCapturingMailer() *CapturingMailer {
	return &CapturingMailer{}
}

func (m *CapturingMailer) Send(_ context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.Sent = append(m.Sent, msg)
	return nil
}

// Last returns the most recently sent message.
func (m *CapturingMailer) Last() (mailer.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return mailer.Message{}, false
	}
	return m.Sent[len(m.Sent)-1], true
}
