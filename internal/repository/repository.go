// Package repository declares the storage contracts the service layer
// depends on. Implementations live in sub-packages (see repository/sqlite).
package repository

import (
	"context"

	"github.com/sakif/user-accounts/internal/model"
)

// UserRepository persists user accounts.
//
// Every mutable attribute has its own setter so a change to one field never
// re-validates or rewrites the rest of the record. Implementations must:
//   - return an apperror.ErrNotFound error for unknown ids or no match
//   - return an apperror.ErrConflict error when username or email would
//     collide with another user
type UserRepository interface {
	// Create inserts u, filling in ID, CreatedAt and UpdatedAt.
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	// FindByUsernameOrEmail returns the first user whose username equals
	// username or whose email equals email. Empty arguments never match.
	FindByUsernameOrEmail(ctx context.Context, username, email string) (*model.User, error)

	UpdateAccount(ctx context.Context, id, fullName, email string) (*model.User, error)
	SetAvatarURL(ctx context.Context, id, url string) (*model.User, error)
	SetCoverURL(ctx context.Context, id, url string) (*model.User, error)
	SetPassword(ctx context.Context, id, hash string) error
	// SetRefreshToken stores token as the user's only live refresh token.
	// An empty token clears it.
	SetRefreshToken(ctx context.Context, id, token string) error
}
