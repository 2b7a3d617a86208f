// Package model defines the data structures used throughout the application.
package model

import "time"

// User represents a registered account.
//
// Password holds the bcrypt hash, never the plaintext. RefreshToken holds
// the one refresh token currently accepted for this user, or "" when the
// user is logged out. Both carry `json:"-"` so no response can leak them,
// whichever handler encodes the struct.
//
// Username is stored lower-cased. Username and Email are unique across users.
type User struct {
	ID           string    `json:"_id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FullName     string    `json:"fullName"`
	AvatarURL    string    `json:"avatar"`
	CoverURL     string    `json:"coverImage"`
	Password     string    `json:"-"`
	RefreshToken string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Sanitized returns a copy of u with the password hash and refresh token
// cleared. Services return sanitized copies so callers holding the value
// cannot read secrets either.
func (u *User) Sanitized() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Password = ""
	c.RefreshToken = ""
	return &c
}
