// Package service holds the account business logic.
//
// AccountService sits between the HTTP handlers and the stores:
//
//	AccountHandler (HTTP) → AccountService (business rules) → UserRepository (DB)
//	                      ↘ TokenService (JWT)  ↘ media.Uploader (avatar/cover host)
//
// Every authenticated operation takes the caller's model.Identity as an
// explicit argument. Nothing here reads HTTP requests or sets cookies.
//
// Errors returned to the handler are *apperror.AppError values whose
// Message is safe to show to clients. Internal causes are logged here and
// replaced by a generic message.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/user-accounts/internal/apperror"
	"github.com/sakif/user-accounts/internal/auth"
	"github.com/sakif/user-accounts/internal/media"
	"github.com/sakif/user-accounts/internal/metrics"
	"github.com/sakif/user-accounts/internal/model"
	"github.com/sakif/user-accounts/internal/repository"
)

// Auth event names reported to metrics.
const (
	eventRegister       = "register"
	eventLogin          = "login"
	eventLogout         = "logout"
	eventRefresh        = "refresh"
	eventChangePassword = "change_password"
)

const msgTokenIssue = "Something went wrong while generating refresh and access token"

// AccountService handles registration, authentication and profile updates.
//
// DEPENDENCIES (injected via NewAccountService):
//   - users      repository.UserRepository → read/write user records
//   - tokens     *auth.TokenService        → sign/verify access and refresh JWTs
//   - passwords  *auth.PasswordService     → bcrypt hashing
//   - media      media.Uploader            → turns staged files into hosted URLs
//   - metrics    *metrics.Metrics          → auth event counters (nil is fine)
//   - logger     *slog.Logger
type AccountService struct {
	users     repository.UserRepository
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	media     media.Uploader
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewAccountService creates an AccountService with all required dependencies.
func NewAccountService(
	users repository.UserRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	uploader media.Uploader,
	m *metrics.Metrics,
	logger *slog.Logger,
) *AccountService {
	return &AccountService{
		users:     users,
		tokens:    tokens,
		passwords: passwords,
		media:     uploader,
		metrics:   m,
		logger:    logger,
	}
}

// RegisterInput carries the registration form. AvatarPath and CoverPath are
// staged local files; the uploader consumes them.
type RegisterInput struct {
	FullName   string
	Email      string
	Username   string
	Password   string
	AvatarPath string
	CoverPath  string
}

// LoginInput identifies the user by username or email.
type LoginInput struct {
	Username string
	Email    string
	Password string
}

// LoginResult bundles the (sanitized) user with a fresh token pair so the
// handler can set cookies and respond in one step.
type LoginResult struct {
	User   *model.User
	Tokens model.TokenPair
}

// Register creates a new user.
//
// Order matters: field validation and the uniqueness check run before any
// media is uploaded, and a failed cover upload aborts the registration, so
// no user is ever created without both requested images.
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (_ *model.User, err error) {
	defer func() { s.metrics.AuthEvent(eventRegister, err) }()

	fullName := strings.TrimSpace(in.FullName)
	email := strings.TrimSpace(in.Email)
	username := strings.ToLower(strings.TrimSpace(in.Username))
	if fullName == "" || email == "" || username == "" || strings.TrimSpace(in.Password) == "" {
		return nil, apperror.BadRequest("All fields are required")
	}

	existing, err := s.users.FindByUsernameOrEmail(ctx, username, email)
	switch {
	case err == nil && existing != nil:
		return nil, apperror.Conflict("User with email or username already exists")
	case err != nil && !errors.Is(err, apperror.ErrNotFound):
		return nil, s.internal("checking existing user", err)
	}

	if in.AvatarPath == "" {
		return nil, apperror.BadRequest("Avatar file is required")
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return nil, apperror.ValidationFailed("password", "Password must be 72 bytes or fewer")
		}
		return nil, s.internal("hashing password", err)
	}

	avatarURL, err := s.upload(ctx, in.AvatarPath)
	if err != nil {
		s.logger.Warn("avatar upload failed", slog.String("username", username), slog.String("error", err.Error()))
		return nil, apperror.BadRequest("Avatar file is required")
	}

	var coverURL string
	if in.CoverPath != "" {
		coverURL, err = s.upload(ctx, in.CoverPath)
		if err != nil {
			s.logger.Warn("cover upload failed", slog.String("username", username), slog.String("error", err.Error()))
			return nil, apperror.BadRequest("Error while uploading cover image")
		}
	}

	user := &model.User{
		Username:  username,
		Email:     email,
		FullName:  fullName,
		AvatarURL: avatarURL,
		CoverURL:  coverURL,
		Password:  hash,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, err
		}
		return nil, s.internal("creating user", err)
	}

	s.logger.Info("user registered",
		slog.String("userID", user.ID),
		slog.String("username", user.Username),
	)
	return user.Sanitized(), nil
}

// Login verifies credentials and issues a new token pair. Issuing replaces
// the stored refresh token, which signs out any earlier session.
func (s *AccountService) Login(ctx context.Context, in LoginInput) (_ *LoginResult, err error) {
	defer func() { s.metrics.AuthEvent(eventLogin, err) }()

	username := strings.ToLower(strings.TrimSpace(in.Username))
	email := strings.TrimSpace(in.Email)
	if username == "" && email == "" {
		return nil, apperror.BadRequest("username or email is required")
	}

	user, err := s.users.FindByUsernameOrEmail(ctx, username, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NotFoundMessage("User does not exist")
		}
		return nil, s.internal("looking up user for login", err)
	}

	if !s.passwords.Matches(user.Password, in.Password) {
		s.logger.Info("login rejected", slog.String("userID", user.ID))
		return nil, apperror.Unauthorized("Invalid user credentials")
	}

	tokens, fresh, err := s.issueTokens(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user logged in", slog.String("userID", user.ID))
	return &LoginResult{User: fresh.Sanitized(), Tokens: tokens}, nil
}

// Logout clears the stored refresh token. Logging out twice, or after the
// account vanished, is not an error.
func (s *AccountService) Logout(ctx context.Context, id model.Identity) (err error) {
	defer func() { s.metrics.AuthEvent(eventLogout, err) }()

	if err := s.users.SetRefreshToken(ctx, id.UserID, ""); err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return s.internal("clearing refresh token", err)
	}
	s.logger.Info("user logged out", slog.String("userID", id.UserID))
	return nil
}

// RefreshTokens rotates the token pair. The presented refresh token must
// verify and must equal the one currently stored for its user; a
// superseded token is rejected even though its signature is still valid.
func (s *AccountService) RefreshTokens(ctx context.Context, presented string) (_ model.TokenPair, err error) {
	defer func() { s.metrics.AuthEvent(eventRefresh, err) }()

	if presented == "" {
		return model.TokenPair{}, apperror.Unauthorized("Unauthorized request")
	}

	userID, err := s.tokens.ParseRefresh(presented)
	if err != nil {
		return model.TokenPair{}, apperror.Unauthorized(err.Error())
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return model.TokenPair{}, apperror.Unauthorized("Invalid refresh token")
		}
		return model.TokenPair{}, s.internal("looking up user for refresh", err)
	}

	if user.RefreshToken == "" || presented != user.RefreshToken {
		s.logger.Warn("stale refresh token presented", slog.String("userID", user.ID))
		return model.TokenPair{}, apperror.Unauthorized("Refresh token is expired or used")
	}

	tokens, _, err := s.issueTokens(ctx, user.ID)
	if err != nil {
		return model.TokenPair{}, err
	}
	return tokens, nil
}

// ChangePassword replaces the password after checking the old one.
func (s *AccountService) ChangePassword(ctx context.Context, id model.Identity, oldPassword, newPassword string) (err error) {
	defer func() { s.metrics.AuthEvent(eventChangePassword, err) }()

	if oldPassword == "" || strings.TrimSpace(newPassword) == "" {
		return apperror.BadRequest("Old and new password are required")
	}

	user, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if !s.passwords.Matches(user.Password, oldPassword) {
		return apperror.BadRequest("Invalid old password")
	}

	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return apperror.ValidationFailed("newPassword", "Password must be 72 bytes or fewer")
		}
		return s.internal("hashing password", err)
	}
	if err := s.users.SetPassword(ctx, user.ID, hash); err != nil {
		return s.internal("storing password", err)
	}

	s.logger.Info("password changed", slog.String("userID", user.ID))
	return nil
}

// CurrentUser returns the caller's own record.
func (s *AccountService) CurrentUser(ctx context.Context, id model.Identity) (*model.User, error) {
	user, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return user.Sanitized(), nil
}

// UpdateAccount overwrites full name and email.
func (s *AccountService) UpdateAccount(ctx context.Context, id model.Identity, fullName, email string) (*model.User, error) {
	fullName = strings.TrimSpace(fullName)
	email = strings.TrimSpace(email)
	if fullName == "" || email == "" {
		return nil, apperror.BadRequest("All fields are required")
	}

	user, err := s.users.UpdateAccount(ctx, id.UserID, fullName, email)
	if err != nil {
		return nil, s.passThrough("updating account", err)
	}
	return user.Sanitized(), nil
}

// UpdateAvatar uploads a new avatar and points the user at it.
// The previous image stays on the media host.
func (s *AccountService) UpdateAvatar(ctx context.Context, id model.Identity, localPath string) (*model.User, error) {
	return s.updateImage(ctx, id, localPath, "avatar", s.users.SetAvatarURL)
}

// UpdateCover works like UpdateAvatar for the cover image.
func (s *AccountService) UpdateCover(ctx context.Context, id model.Identity, localPath string) (*model.User, error) {
	return s.updateImage(ctx, id, localPath, "cover image", s.users.SetCoverURL)
}

type urlSetter func(ctx context.Context, id, url string) (*model.User, error)

func (s *AccountService) updateImage(ctx context.Context, id model.Identity, localPath, label string, set urlSetter) (*model.User, error) {
	if localPath == "" {
		return nil, apperror.BadRequest(capitalize(label) + " file is missing")
	}

	url, err := s.upload(ctx, localPath)
	if err != nil {
		s.logger.Warn(label+" upload failed",
			slog.String("userID", id.UserID),
			slog.String("error", err.Error()),
		)
		return nil, apperror.BadRequest("Error while uploading " + label)
	}

	user, err := set(ctx, id.UserID, url)
	if err != nil {
		return nil, s.passThrough("storing "+label+" url", err)
	}
	return user.Sanitized(), nil
}

// issueTokens signs a new access/refresh pair for userID and persists the
// refresh token, replacing any earlier one. Lookup or persistence failures
// all surface as the same internal error; the cause is only logged.
func (s *AccountService) issueTokens(ctx context.Context, userID string) (model.TokenPair, *model.User, error) {
	fail := func(step string, err error) (model.TokenPair, *model.User, error) {
		s.logger.Error("token issue failed",
			slog.String("userID", userID),
			slog.String("step", step),
			slog.String("error", err.Error()),
		)
		return model.TokenPair{}, nil, apperror.Internal(msgTokenIssue)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fail("lookup", err)
	}

	access, err := s.tokens.IssueAccess(user)
	if err != nil {
		return fail("sign access", err)
	}
	refresh, err := s.tokens.IssueRefresh(user.ID)
	if err != nil {
		return fail("sign refresh", err)
	}

	if err := s.users.SetRefreshToken(ctx, user.ID, refresh); err != nil {
		return fail("persist refresh", err)
	}
	user.RefreshToken = refresh

	return model.TokenPair{AccessToken: access, RefreshToken: refresh}, user, nil
}

// upload hands a staged file to the media host. An empty URL counts as failure.
func (s *AccountService) upload(ctx context.Context, localPath string) (string, error) {
	url, err := s.media.Upload(ctx, localPath)
	if err != nil {
		return "", err
	}
	if url == "" {
		return "", errors.New("media host returned an empty url")
	}
	return url, nil
}

// lookup loads the caller's record; a vanished account is NotFound.
func (s *AccountService) lookup(ctx context.Context, id model.Identity) (*model.User, error) {
	user, err := s.users.GetByID(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NotFoundMessage("User does not exist")
		}
		return nil, s.internal("looking up user", err)
	}
	return user, nil
}

// passThrough keeps client-facing repository errors (conflict, not found)
// and hides everything else.
func (s *AccountService) passThrough(op string, err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) && !errors.Is(err, apperror.ErrInternal) {
		if errors.Is(err, apperror.ErrNotFound) {
			return apperror.NotFoundMessage("User does not exist")
		}
		return appErr
	}
	return s.internal(op, err)
}

func (s *AccountService) internal(op string, err error) error {
	s.logger.Error("service/account: "+op, slog.String("error", err.Error()))
	return apperror.Internal(fmt.Sprintf("Something went wrong while %s", op))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
