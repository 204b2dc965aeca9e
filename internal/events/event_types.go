package events

import "time"

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventAccountRegistered      EventType = "account_registered"
	EventPasswordChanged        EventType = "password_changed"
	EventPasswordResetRequested EventType = "password_reset_requested"
	EventPasswordResetCompleted EventType = "password_reset_completed"
	EventProfileUpdated         EventType = "profile_updated"
)

// Event represents a domain event emitted by services. Payloads never carry
// password material or raw reset tokens.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	UserID    string      `json:"user_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// AccountRegisteredPayload payload.
type AccountRegisteredPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PasswordChangedPayload payload.
type PasswordChangedPayload struct {
	Email string `json:"email"`
	// Via distinguishes an authenticated change from a reset-token change.
	Via string `json:"via"`
}

// PasswordResetRequestedPayload payload.
type PasswordResetRequestedPayload struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ProfileUpdatedPayload payload.
type ProfileUpdatedPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}
