package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/user-accounts/internal/apperror"
	"github.com/sakif/user-accounts/internal/model"
	"github.com/sakif/user-accounts/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, username, email, full_name, avatar_url, cover_url,
	password_hash, refresh_token, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u       model.User
		refresh sql.NullString
	)
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.FullName,
		&u.AvatarURL,
		&u.CoverURL,
		&u.Password,
		&refresh,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.RefreshToken = refresh.String
	return &u, nil
}

// Create inserts a new user. The caller supplies the hashed password.
// A duplicate username or email yields apperror.ErrConflict.
func (db *DB) Create(ctx context.Context, u *model.User) error {
	now := time.Now().UTC()
	u.ID = xid.New().String()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, username, email, full_name, avatar_url, cover_url,
			password_hash, refresh_token, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID,
		u.Username,
		u.Email,
		u.FullName,
		u.AvatarURL,
		u.CoverURL,
		u.Password,
		nullable(u.RefreshToken),
		u.CreatedAt,
		u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("User with email or username already exists")
		}
		return fmt.Errorf("sqlite: inserting user %q: %w", u.Username, err)
	}
	return nil
}

// GetByID retrieves a user by id.
func (db *DB) GetByID(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, fmt.Errorf("sqlite: getting user %s: %w", id, err)
	}
	return u, nil
}

// FindByUsernameOrEmail matches on either identifier. Email comparison is
// case-insensitive through the column collation.
func (db *DB) FindByUsernameOrEmail(ctx context.Context, username, email string) (*model.User, error) {
	if username == "" && email == "" {
		return nil, apperror.NotFoundMessage("User does not exist")
	}

	u, err := scanUser(db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE (? <> '' AND username = ?) OR (? <> '' AND email = ?)
		 ORDER BY created_at LIMIT 1`,
		username, username, email, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFoundMessage("User does not exist")
		}
		return nil, fmt.Errorf("sqlite: finding user by username/email: %w", err)
	}
	return u, nil
}

// UpdateAccount overwrites full name and email.
func (db *DB) UpdateAccount(ctx context.Context, id, fullName, email string) (*model.User, error) {
	if err := db.update(ctx, id,
		`UPDATE users SET full_name = ?, email = ?, updated_at = ? WHERE id = ?`,
		fullName, email); err != nil {
		return nil, err
	}
	return db.GetByID(ctx, id)
}

// SetAvatarURL overwrites the avatar URL. The previous asset is left on the media host.
func (db *DB) SetAvatarURL(ctx context.Context, id, url string) (*model.User, error) {
	if err := db.update(ctx, id,
		`UPDATE users SET avatar_url = ?, updated_at = ? WHERE id = ?`, url); err != nil {
		return nil, err
	}
	return db.GetByID(ctx, id)
}

// SetCoverURL overwrites the cover image URL.
func (db *DB) SetCoverURL(ctx context.Context, id, url string) (*model.User, error) {
	if err := db.update(ctx, id,
		`UPDATE users SET cover_url = ?, updated_at = ? WHERE id = ?`, url); err != nil {
		return nil, err
	}
	return db.GetByID(ctx, id)
}

// SetPassword stores a new password hash.
func (db *DB) SetPassword(ctx context.Context, id, hash string) error {
	return db.update(ctx, id,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`, hash)
}

// SetRefreshToken replaces the stored refresh token; "" stores NULL.
// This is a single-row update, so concurrent callers resolve last-write-wins.
func (db *DB) SetRefreshToken(ctx context.Context, id, token string) error {
	return db.update(ctx, id,
		`UPDATE users SET refresh_token = ?, updated_at = ? WHERE id = ?`, nullable(token))
}

// update runs a single-row UPDATE whose last two placeholders are
// updated_at and id, and maps the outcome onto the apperror taxonomy.
func (db *DB) update(ctx context.Context, id, query string, args ...any) error {
	args = append(args, time.Now().UTC(), id)

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("User with email or username already exists")
		}
		return fmt.Errorf("sqlite: updating user %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: reading rows affected for user %s: %w", id, err)
	}
	if n == 0 {
		return apperror.NotFound("user", id)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
