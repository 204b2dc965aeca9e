package domain

import "time"

// Session represents an issued session credential.
//
// Token is the opaque bearer value handed to the client; ID is the server-side
// handle used to revoke the session before its natural expiry.
type Session struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	IssuedAt  time.Time
}
