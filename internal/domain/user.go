package domain

import "time"

// User is the domain model for registered accounts.
//
// ResetTokenHash and ResetTokenExpiresAt are either both set or both nil;
// the repository mutates them as a pair. PasswordHash and the reset token
// fields never leave the service layer.
type User struct {
	ID                  string
	Name                string
	Email               string
	PasswordHash        string
	ResetTokenHash      *string
	ResetTokenExpiresAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Profile is the client-safe projection of a user record.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile returns the projection of the user safe to serialize to clients.
func (u *User) Profile() Profile {
	return Profile{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
	}
}
