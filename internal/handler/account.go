package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/user-accounts/internal/apperror"
	"github.com/sakif/user-accounts/internal/auth"
	"github.com/sakif/user-accounts/internal/model"
	"github.com/sakif/user-accounts/internal/service"
	"github.com/sakif/user-accounts/internal/staging"
)

// Accounts is the subset of *service.AccountService the handlers call.
// Tests substitute a fake.
type Accounts interface {
	Register(ctx context.Context, in service.RegisterInput) (*model.User, error)
	Login(ctx context.Context, in service.LoginInput) (*service.LoginResult, error)
	Logout(ctx context.Context, id model.Identity) error
	RefreshTokens(ctx context.Context, presented string) (model.TokenPair, error)
	ChangePassword(ctx context.Context, id model.Identity, oldPassword, newPassword string) error
	CurrentUser(ctx context.Context, id model.Identity) (*model.User, error)
	UpdateAccount(ctx context.Context, id model.Identity, fullName, email string) (*model.User, error)
	UpdateAvatar(ctx context.Context, id model.Identity, localPath string) (*model.User, error)
	UpdateCover(ctx context.Context, id model.Identity, localPath string) (*model.User, error)
}

// CookieConfig controls the token cookies. MaxAge follows each token's TTL.
type CookieConfig struct {
	Secure     bool
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// DefaultJSONLimit caps JSON request bodies when no limit is configured.
const DefaultJSONLimit = 16 << 10

// Form field names.
const (
	fieldAvatar = "avatar"
	fieldCover  = "coverImage"
)

// AccountHandler serves /api/v1/users.
//
// HANDLER RESPONSIBILITIES:
//   - decode JSON bodies and stage multipart files
//   - set and clear the accessToken / refreshToken cookies
//   - wrap every result in the response envelope
//
// Business rules live in the service; handlers only translate HTTP.
type AccountHandler struct {
	accounts  Accounts
	stager    *staging.Stager
	cookies   CookieConfig
	jsonLimit int64
	logger    *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(accounts Accounts, stager *staging.Stager, cookies CookieConfig, jsonLimit int64, logger *slog.Logger) *AccountHandler {
	if jsonLimit <= 0 {
		jsonLimit = DefaultJSONLimit
	}
	return &AccountHandler{
		accounts:  accounts,
		stager:    stager,
		cookies:   cookies,
		jsonLimit: jsonLimit,
		logger:    logger,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	User         *model.User `json:"user"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type updateAccountRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

// HandleRegister creates an account.
//
// HTTP: POST /api/v1/users/register (multipart/form-data)
// FIELDS: fullName, email, username, password; files avatar (required), coverImage (optional)
func (h *AccountHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if err := h.stager.ParseForm(w, r); err != nil {
		WriteError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	avatarPath, err := h.stager.Stage(r.MultipartForm, fieldAvatar)
	if err != nil {
		WriteError(w, err)
		return
	}
	coverPath, err := h.stager.Stage(r.MultipartForm, fieldCover)
	// Whatever the uploader did not consume is removed when the request ends.
	defer staging.Remove(h.logger, avatarPath, coverPath)
	if err != nil {
		WriteError(w, err)
		return
	}

	user, err := h.accounts.Register(r.Context(), service.RegisterInput{
		FullName:   r.FormValue("fullName"),
		Email:      r.FormValue("email"),
		Username:   r.FormValue("username"),
		Password:   r.FormValue("password"),
		AvatarPath: avatarPath,
		CoverPath:  coverPath,
	})
	if err != nil {
		WriteError(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, user, "User registered Successfully")
}

// HandleLogin verifies credentials and sets both token cookies.
//
// HTTP: POST /api/v1/users/login
// REQUEST BODY: {"username": "alice", "password": "..."} or {"email": "...", "password": "..."}
func (h *AccountHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, h.jsonLimit, &req); err != nil {
		WriteError(w, err)
		return
	}

	res, err := h.accounts.Login(r.Context(), service.LoginInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		WriteError(w, err)
		return
	}

	h.setTokenCookies(w, res.Tokens)
	writeSuccess(w, http.StatusOK, loginResponse{
		User:         res.User,
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
	}, "User logged In Successfully")
}

// HandleLogout revokes the stored refresh token and clears both cookies.
//
// HTTP: POST /api/v1/users/logout (authenticated)
func (h *AccountHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.accounts.Logout(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}

	h.clearTokenCookies(w)
	writeSuccess(w, http.StatusOK, struct{}{}, "User logged Out")
}

// HandleRefreshToken rotates the token pair.
//
// HTTP: POST /api/v1/users/refresh-token
// The refresh token comes from the refreshToken cookie, or else from the
// JSON body {"refreshToken": "..."}.
func (h *AccountHandler) HandleRefreshToken(w http.ResponseWriter, r *http.Request) {
	presented := ""
	if c, err := r.Cookie(auth.RefreshTokenCookie); err == nil {
		presented = c.Value
	}
	if presented == "" {
		var req refreshRequest
		if err := decodeJSON(w, r, h.jsonLimit, &req); err != nil && !errors.Is(err, errEmptyBody) {
			WriteError(w, err)
			return
		}
		presented = req.RefreshToken
	}

	tokens, err := h.accounts.RefreshTokens(r.Context(), presented)
	if err != nil {
		WriteError(w, err)
		return
	}

	h.setTokenCookies(w, tokens)
	writeSuccess(w, http.StatusOK, tokens, "Access token refreshed")
}

// HandleChangePassword updates the caller's password.
//
// HTTP: POST /api/v1/users/change-password (authenticated)
// REQUEST BODY: {"oldPassword": "...", "newPassword": "..."}
func (h *AccountHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, h.jsonLimit, &req); err != nil {
		WriteError(w, err)
		return
	}

	if err := h.accounts.ChangePassword(r.Context(), id, req.OldPassword, req.NewPassword); err != nil {
		WriteError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, struct{}{}, "Password changed successfully")
}

// HandleCurrentUser returns the caller's profile.
//
// HTTP: GET /api/v1/users/current-user (authenticated)
func (h *AccountHandler) HandleCurrentUser(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	user, err := h.accounts.CurrentUser(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, user, "User fetched successfully")
}

// HandleUpdateAccount changes full name and email.
//
// HTTP: POST|PATCH /api/v1/users/update-account (authenticated)
// REQUEST BODY: {"fullName": "...", "email": "..."}
func (h *AccountHandler) HandleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req updateAccountRequest
	if err := decodeJSON(w, r, h.jsonLimit, &req); err != nil {
		WriteError(w, err)
		return
	}

	user, err := h.accounts.UpdateAccount(r.Context(), id, req.FullName, req.Email)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, user, "Account details updated successfully")
}

// HandleUpdateAvatar replaces the avatar.
//
// HTTP: POST|PATCH /api/v1/users/avatar (authenticated, multipart file "avatar")
func (h *AccountHandler) HandleUpdateAvatar(w http.ResponseWriter, r *http.Request) {
	h.handleImage(w, r, fieldAvatar, h.accounts.UpdateAvatar, "Avatar image updated successfully")
}

// HandleUpdateCover replaces the cover image.
//
// HTTP: POST|PATCH /api/v1/users/cover-image (authenticated, multipart file "coverImage")
func (h *AccountHandler) HandleUpdateCover(w http.ResponseWriter, r *http.Request) {
	h.handleImage(w, r, fieldCover, h.accounts.UpdateCover, "Cover image updated successfully")
}

type imageUpdate func(ctx context.Context, id model.Identity, localPath string) (*model.User, error)

func (h *AccountHandler) handleImage(w http.ResponseWriter, r *http.Request, field string, update imageUpdate, message string) {
	id, err := identity(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.stager.ParseForm(w, r); err != nil {
		WriteError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	path, err := h.stager.Stage(r.MultipartForm, field)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer staging.Remove(h.logger, path)

	user, err := update(r.Context(), id, path)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, user, message)
}

// identity returns the caller attached by auth.RequireAuth.
func identity(r *http.Request) (model.Identity, error) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return model.Identity{}, apperror.Unauthorized("Unauthorized request")
	}
	return id, nil
}

func (h *AccountHandler) setTokenCookies(w http.ResponseWriter, tokens model.TokenPair) {
	http.SetCookie(w, h.cookie(auth.AccessTokenCookie, tokens.AccessToken, int(h.cookies.AccessTTL.Seconds())))
	http.SetCookie(w, h.cookie(auth.RefreshTokenCookie, tokens.RefreshToken, int(h.cookies.RefreshTTL.Seconds())))
}

func (h *AccountHandler) clearTokenCookies(w http.ResponseWriter) {
	http.SetCookie(w, h.cookie(auth.AccessTokenCookie, "", -1))
	http.SetCookie(w, h.cookie(auth.RefreshTokenCookie, "", -1))
}

// cookie builds a token cookie. HttpOnly keeps it away from page scripts;
// Secure is only off for plain-HTTP local development.
func (h *AccountHandler) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
