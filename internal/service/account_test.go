package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/user-accounts/internal/apperror"
	"github.com/sakif/user-accounts/internal/auth"
	"github.com/sakif/user-accounts/internal/model"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeUserRepo is an in-memory implementation of repository.UserRepository.
type fakeUserRepo struct {
	users  map[string]*model.User // keyed by ID
	nextID int
	// set to a non-nil error to simulate a database failure
	createErr     error
	getByIDErr    error
	setRefreshErr error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*model.User), nextID: 1}
}

func (f *fakeUserRepo) taken(username, email, exceptID string) bool {
	for _, u := range f.users {
		if u.ID == exceptID {
			continue
		}
		if (username != "" && u.Username == username) || (email != "" && strings.EqualFold(u.Email, email)) {
			return true
		}
	}
	return false
}

func (f *fakeUserRepo) Create(_ context.Context, u *model.User) error {
	if f.createErr != nil {
		return f.createErr
	}
	if f.taken(u.Username, u.Email, "") {
		return apperror.Conflict("User with email or username already exists")
	}
	u.ID = fmt.Sprintf("user-%d", f.nextID)
	f.nextID++
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	copied := *u
	f.users[u.ID] = &copied
	return nil
}

func (f *fakeUserRepo) GetByID(_ context.Context, id string) (*model.User, error) {
	if f.getByIDErr != nil {
		return nil, f.getByIDErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUserRepo) FindByUsernameOrEmail(_ context.Context, username, email string) (*model.User, error) {
	for _, u := range f.users {
		if (username != "" && u.Username == username) || (email != "" && strings.EqualFold(u.Email, email)) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, apperror.NotFoundMessage("User does not exist")
}

func (f *fakeUserRepo) mutate(id string, fn func(u *model.User)) (*model.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	fn(u)
	u.UpdatedAt = time.Now()
	copied := *u
	return &copied, nil
}

func (f *fakeUserRepo) UpdateAccount(_ context.Context, id, fullName, email string) (*model.User, error) {
	if f.taken("", email, id) {
		return nil, apperror.Conflict("User with email or username already exists")
	}
	return f.mutate(id, func(u *model.User) { u.FullName, u.Email = fullName, email })
}

func (f *fakeUserRepo) SetAvatarURL(_ context.Context, id, url string) (*model.User, error) {
	return f.mutate(id, func(u *model.User) { u.AvatarURL = url })
}

func (f *fakeUserRepo) SetCoverURL(_ context.Context, id, url string) (*model.User, error) {
	return f.mutate(id, func(u *model.User) { u.CoverURL = url })
}

func (f *fakeUserRepo) SetPassword(_ context.Context, id, hash string) error {
	_, err := f.mutate(id, func(u *model.User) { u.Password = hash })
	return err
}

func (f *fakeUserRepo) SetRefreshToken(_ context.Context, id, token string) error {
	if f.setRefreshErr != nil {
		return f.setRefreshErr
	}
	_, err := f.mutate(id, func(u *model.User) { u.RefreshToken = token })
	return err
}

// fakeUploader returns https://media.test/<basename> for every path, unless
// failFor names the path.
type fakeUploader struct {
	calls   []string
	failFor map[string]error
	empty   bool
}

func (f *fakeUploader) Upload(_ context.Context, localPath string) (string, error) {
	f.calls = append(f.calls, localPath)
	if err := f.failFor[localPath]; err != nil {
		return "", err
	}
	if f.empty {
		return "", nil
	}
	return "https://media.test/" + filepath.Base(localPath), nil
}

type testEnv struct {
	svc    *AccountService
	repo   *fakeUserRepo
	media  *fakeUploader
	tokens *auth.TokenService
}

func newTokenService(t *testing.T, refreshTTL time.Duration) *auth.TokenService {
	t.Helper()
	ts, err := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  "access-secret-at-least-16",
		AccessTTL:     15 * time.Minute,
		RefreshSecret: "refresh-secret-at-least-16",
		RefreshTTL:    refreshTTL,
	})
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

// newTestEnv returns an AccountService wired with fake dependencies.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:   newFakeUserRepo(),
		media:  &fakeUploader{failFor: map[string]error{}},
		tokens: newTokenService(t, time.Hour),
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	// Cost 4 is the bcrypt minimum, which keeps tests fast.
	env.svc = NewAccountService(env.repo, env.tokens, auth.NewPasswordService(bcrypt.MinCost), env.media, nil, logger)
	return env
}

func validRegistration() RegisterInput {
	return RegisterInput{
		FullName:   "Alice Liddell",
		Email:      "alice@example.com",
		Username:   "Alice",
		Password:   "wonderland",
		AvatarPath: "/tmp/staged/avatar.png",
	}
}

// registerAlice registers the standard test user and returns it.
func (e *testEnv) registerAlice(t *testing.T) *model.User {
	t.Helper()
	u, err := e.svc.Register(context.Background(), validRegistration())
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return u
}

func (e *testEnv) login(t *testing.T) *LoginResult {
	t.Helper()
	res, err := e.svc.Login(context.Background(), LoginInput{Username: "alice", Password: "wonderland"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	return res
}

func identityOf(u *model.User) model.Identity {
	return model.Identity{UserID: u.ID, Username: u.Username, Email: u.Email}
}

func wantAppError(t *testing.T, err error, sentinel error, message string) {
	t.Helper()
	if !errors.Is(err, sentinel) {
		t.Fatalf("error = %v, want %v", err, sentinel)
	}
	if message != "" && err.Error() != message {
		t.Errorf("message = %q, want %q", err.Error(), message)
	}
}

// =========================================================================
// Register TESTS
// =========================================================================

func TestRegister_Success(t *testing.T) {
	env := newTestEnv(t)
	in := validRegistration()
	in.Email = "  alice@example.com "
	in.CoverPath = "/tmp/staged/cover.jpg"

	u, err := env.svc.Register(context.Background(), in)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if u.Username != "alice" {
		t.Errorf("Username = %q, want lower-cased %q", u.Username, "alice")
	}
	if u.Email != "alice@example.com" {
		t.Errorf("Email = %q, want trimmed", u.Email)
	}
	if u.AvatarURL != "https://media.test/avatar.png" || u.CoverURL != "https://media.test/cover.jpg" {
		t.Errorf("media urls = %q, %q", u.AvatarURL, u.CoverURL)
	}
	if u.Password != "" || u.RefreshToken != "" {
		t.Error("Register() must return a sanitized user")
	}

	stored := env.repo.users[u.ID]
	if stored.Password == "wonderland" || bcrypt.CompareHashAndPassword([]byte(stored.Password), []byte("wonderland")) != nil {
		t.Error("stored password must be a bcrypt hash of the plaintext")
	}
}

func TestRegister_WithoutCover(t *testing.T) {
	env := newTestEnv(t)
	u := env.registerAlice(t)

	if u.CoverURL != "" {
		t.Errorf("CoverURL = %q, want empty", u.CoverURL)
	}
	if len(env.media.calls) != 1 {
		t.Errorf("uploads = %v, want only the avatar", env.media.calls)
	}
}

func TestRegister_BlankFields(t *testing.T) {
	tests := []struct {
		name string
		edit func(in *RegisterInput)
	}{
		{"full name", func(in *RegisterInput) { in.FullName = "" }},
		{"email", func(in *RegisterInput) { in.Email = "   " }},
		{"username", func(in *RegisterInput) { in.Username = "\t" }},
		{"password", func(in *RegisterInput) { in.Password = " " }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			in := validRegistration()
			tt.edit(&in)

			_, err := env.svc.Register(context.Background(), in)
			wantAppError(t, err, apperror.ErrBadRequest, "All fields are required")
			if len(env.media.calls) != 0 {
				t.Error("nothing should be uploaded for invalid input")
			}
		})
	}
}

func TestRegister_Conflict(t *testing.T) {
	tests := []struct {
		name string
		edit func(in *RegisterInput)
	}{
		{"same username different case", func(in *RegisterInput) { in.Username = "ALICE"; in.Email = "other@example.com" }},
		{"same email", func(in *RegisterInput) { in.Username = "bob" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.registerAlice(t)
			env.media.calls = nil

			in := validRegistration()
			tt.edit(&in)
			_, err := env.svc.Register(context.Background(), in)
			wantAppError(t, err, apperror.ErrConflict, "User with email or username already exists")
			if len(env.media.calls) != 0 {
				t.Error("conflict must be detected before uploading")
			}
		})
	}
}

func TestRegister_MissingAvatar(t *testing.T) {
	env := newTestEnv(t)
	in := validRegistration()
	in.AvatarPath = ""

	_, err := env.svc.Register(context.Background(), in)
	wantAppError(t, err, apperror.ErrBadRequest, "Avatar file is required")
}

func TestRegister_UploadFailureCreatesNoUser(t *testing.T) {
	tests := []struct {
		name    string
		failFor string
		empty   bool
		message string
	}{
		{"avatar upload error", "/tmp/staged/avatar.png", false, "Avatar file is required"},
		{"avatar empty url", "", true, "Avatar file is required"},
		{"cover upload error", "/tmp/staged/cover.jpg", false, "Error while uploading cover image"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.media.empty = tt.empty
			if tt.failFor != "" {
				env.media.failFor[tt.failFor] = errors.New("media host down")
			}
			in := validRegistration()
			in.CoverPath = "/tmp/staged/cover.jpg"

			_, err := env.svc.Register(context.Background(), in)
			wantAppError(t, err, apperror.ErrBadRequest, tt.message)
			if len(env.repo.users) != 0 {
				t.Errorf("no user should be created, found %d", len(env.repo.users))
			}
		})
	}
}

func TestRegister_PasswordTooLong(t *testing.T) {
	env := newTestEnv(t)
	in := validRegistration()
	in.Password = strings.Repeat("x", 73)

	_, err := env.svc.Register(context.Background(), in)
	wantAppError(t, err, apperror.ErrBadRequest, "")
}

// =========================================================================
// Login TESTS
// =========================================================================

func TestLogin_Success(t *testing.T) {
	tests := []struct {
		name string
		in   LoginInput
	}{
		{"by username", LoginInput{Username: "alice", Password: "wonderland"}},
		{"by username any case", LoginInput{Username: "ALICE ", Password: "wonderland"}},
		{"by email", LoginInput{Email: "alice@example.com", Password: "wonderland"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			u := env.registerAlice(t)

			res, err := env.svc.Login(context.Background(), tt.in)
			if err != nil {
				t.Fatalf("Login() error = %v", err)
			}
			if res.User.ID != u.ID {
				t.Errorf("User.ID = %q, want %q", res.User.ID, u.ID)
			}
			if res.User.Password != "" || res.User.RefreshToken != "" {
				t.Error("Login() must return a sanitized user")
			}

			id, err := env.tokens.ParseAccess(res.Tokens.AccessToken)
			if err != nil {
				t.Fatalf("ParseAccess() error = %v", err)
			}
			if id.UserID != u.ID || id.Username != "alice" {
				t.Errorf("access identity = %+v", id)
			}
			if got := env.repo.users[u.ID].RefreshToken; got != res.Tokens.RefreshToken {
				t.Errorf("stored refresh token = %q, want the issued one", got)
			}
		})
	}
}

func TestLogin_Failures(t *testing.T) {
	tests := []struct {
		name     string
		in       LoginInput
		sentinel error
		message  string
	}{
		{"no identifier", LoginInput{Password: "wonderland"}, apperror.ErrBadRequest, "username or email is required"},
		{"unknown user", LoginInput{Username: "bob", Password: "x"}, apperror.ErrNotFound, "User does not exist"},
		{"wrong password", LoginInput{Username: "alice", Password: "looking-glass"}, apperror.ErrUnauthorized, "Invalid user credentials"},
		{"empty password", LoginInput{Email: "alice@example.com"}, apperror.ErrUnauthorized, "Invalid user credentials"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.registerAlice(t)

			_, err := env.svc.Login(context.Background(), tt.in)
			wantAppError(t, err, tt.sentinel, tt.message)
		})
	}
}

func TestLogin_TokenPersistFailureIsInternal(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	env.repo.setRefreshErr = errors.New("disk full")

	_, err := env.svc.Login(context.Background(), LoginInput{Username: "alice", Password: "wonderland"})
	wantAppError(t, err, apperror.ErrInternal, msgTokenIssue)
	if strings.Contains(err.Error(), "disk full") {
		t.Error("internal cause must not be surfaced")
	}
}

func TestLogin_SecondLoginInvalidatesFirstRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)

	first := env.login(t)
	second := env.login(t)
	if first.Tokens.RefreshToken == second.Tokens.RefreshToken {
		t.Fatal("two logins must issue different refresh tokens")
	}

	_, err := env.svc.RefreshTokens(context.Background(), first.Tokens.RefreshToken)
	wantAppError(t, err, apperror.ErrUnauthorized, "Refresh token is expired or used")
}

// =========================================================================
// RefreshTokens TESTS
// =========================================================================

func TestRefreshTokens_Rotates(t *testing.T) {
	env := newTestEnv(t)
	u := env.registerAlice(t)
	old := env.login(t).Tokens

	fresh, err := env.svc.RefreshTokens(context.Background(), old.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshTokens() error = %v", err)
	}
	if fresh.RefreshToken == old.RefreshToken || fresh.AccessToken == old.AccessToken {
		t.Error("refresh must issue a new pair")
	}
	if got := env.repo.users[u.ID].RefreshToken; got != fresh.RefreshToken {
		t.Errorf("stored refresh token = %q, want the rotated one", got)
	}

	// The superseded token is now rejected.
	_, err = env.svc.RefreshTokens(context.Background(), old.RefreshToken)
	wantAppError(t, err, apperror.ErrUnauthorized, "Refresh token is expired or used")

	// The rotated one still works.
	if _, err := env.svc.RefreshTokens(context.Background(), fresh.RefreshToken); err != nil {
		t.Errorf("RefreshTokens(rotated) error = %v", err)
	}
}

func TestRefreshTokens_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	res := env.login(t)

	orphan, err := env.tokens.IssueRefresh("no-such-user")
	if err != nil {
		t.Fatalf("IssueRefresh() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		message string
	}{
		{"empty", "", "Unauthorized request"},
		{"garbage", "not-a-jwt", ""},
		{"access token presented", res.Tokens.AccessToken, ""},
		{"unknown user", orphan, "Invalid refresh token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.RefreshTokens(context.Background(), tt.token)
			wantAppError(t, err, apperror.ErrUnauthorized, tt.message)
		})
	}
}

func TestRefreshTokens_Expired(t *testing.T) {
	env := newTestEnv(t)
	u := env.registerAlice(t)

	expiring := newTokenService(t, time.Nanosecond)
	token, err := expiring.IssueRefresh(u.ID)
	if err != nil {
		t.Fatalf("IssueRefresh() error = %v", err)
	}
	env.repo.users[u.ID].RefreshToken = token

	_, err = env.svc.RefreshTokens(context.Background(), token)
	wantAppError(t, err, apperror.ErrUnauthorized, auth.ErrTokenExpired.Error())
}

func TestRefreshTokens_AfterLogout(t *testing.T) {
	env := newTestEnv(t)
	u := env.registerAlice(t)
	res := env.login(t)

	if err := env.svc.Logout(context.Background(), identityOf(u)); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	_, err := env.svc.RefreshTokens(context.Background(), res.Tokens.RefreshToken)
	wantAppError(t, err, apperror.ErrUnauthorized, "Refresh token is expired or used")
}

// =========================================================================
// Logout TESTS
// =========================================================================

func TestLogout_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	u := env.registerAlice(t)
	env.login(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := env.svc.Logout(ctx, identityOf(u)); err != nil {
			t.Fatalf("Logout() #%d error = %v", i+1, err)
		}
	}
	if got := env.repo.users[u.ID].RefreshToken; got != "" {
		t.Errorf("RefreshToken = %q, want cleared", got)
	}

	if err := env.svc.Logout(ctx, model.Identity{UserID: "gone"}); err != nil {
		t.Errorf("Logout() for a vanished user error = %v", err)
	}
}

// =========================================================================
// ChangePassword TESTS
// =========================================================================

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	u := env.registerAlice(t)
	ctx := context.Background()

	if err := env.svc.ChangePassword(ctx, identityOf(u), "wonderland", "looking-glass"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}

	if _, err := env.svc.Login(ctx, LoginInput{Username: "alice", Password: "wonderland"}); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("old password still accepted: %v", err)
	}
	if _, err := env.svc.Login(ctx, LoginInput{Username: "alice", Password: "looking-glass"}); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
}

func TestChangePassword_Failures(t *testing.T) {
	env := newTestEnv(t)
	u := env.registerAlice(t)
	ctx := context.Background()

	err := env.svc.ChangePassword(ctx, identityOf(u), "wrong", "looking-glass")
	wantAppError(t, err, apperror.ErrBadRequest, "Invalid old password")

	err = env.svc.ChangePassword(ctx, identityOf(u), "", "looking-glass")
	wantAppError(t, err, apperror.ErrBadRequest, "")

	err = env.svc.ChangePassword(ctx, identityOf(u), "wonderland", "   ")
	wantAppError(t, err, apperror.ErrBadRequest, "Old and new password are required")

	err = env.svc.ChangePassword(ctx, model.Identity{UserID: "gone"}, "a", "b")
	wantAppError(t, err, apperror.ErrNotFound, "User does not exist")
}

// =========================================================================
// PROFILE TESTS
// =========================================================================

func TestCurrentUser(t *testing.T) {
	env := newTestEnv(t)
	u := env.registerAlice(t)
	env.login(t)

	got, err := env.svc.CurrentUser(context.Background(), identityOf(u))
	if err != nil {
		t.Fatalf("CurrentUser() error = %v", err)
	}
	if got.ID != u.ID || got.RefreshToken != "" || got.Password != "" {
		t.Errorf("CurrentUser() = %+v, want sanitized record of %s", got, u.ID)
	}
}

func TestUpdateAccount(t *testing.T) {
	env := newTestEnv(t)
	u := env.registerAlice(t)
	ctx := context.Background()

	got, err := env.svc.UpdateAccount(ctx, identityOf(u), " Alice L. ", "liddell@example.com")
	if err != nil {
		t.Fatalf("UpdateAccount() error = %v", err)
	}
	if got.FullName != "Alice L." || got.Email != "liddell@example.com" {
		t.Errorf("UpdateAccount() = %+v", got)
	}

	_, err = env.svc.UpdateAccount(ctx, identityOf(u), "", "liddell@example.com")
	wantAppError(t, err, apperror.ErrBadRequest, "All fields are required")
}

func TestUpdateAccount_EmailTaken(t *testing.T) {
	env := newTestEnv(t)
	u := env.registerAlice(t)
	in := validRegistration()
	in.Username, in.Email = "bob", "bob@example.com"
	if _, err := env.svc.Register(context.Background(), in); err != nil {
		t.Fatalf("Register(bob) error = %v", err)
	}

	_, err := env.svc.UpdateAccount(context.Background(), identityOf(u), "Alice", "BOB@example.com")
	wantAppError(t, err, apperror.ErrConflict, "")
}

func TestUpdateImages(t *testing.T) {
	type updateFunc func(ctx context.Context, id model.Identity, path string) (*model.User, error)

	env := newTestEnv(t)
	u := env.registerAlice(t)

	tests := []struct {
		name       string
		update     updateFunc
		missingMsg string
		failMsg    string
		field      func(u *model.User) string
	}{
		{"avatar", env.svc.UpdateAvatar, "Avatar file is missing", "Error while uploading avatar",
			func(u *model.User) string { return u.AvatarURL }},
		{"cover", env.svc.UpdateCover, "Cover image file is missing", "Error while uploading cover image",
			func(u *model.User) string { return u.CoverURL }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()

			_, err := tt.update(ctx, identityOf(u), "")
			wantAppError(t, err, apperror.ErrBadRequest, tt.missingMsg)

			env.media.failFor["/tmp/staged/broken.png"] = errors.New("timeout")
			_, err = tt.update(ctx, identityOf(u), "/tmp/staged/broken.png")
			wantAppError(t, err, apperror.ErrBadRequest, tt.failMsg)

			got, err := tt.update(ctx, identityOf(u), "/tmp/staged/"+tt.name+"-2.png")
			if err != nil {
				t.Fatalf("update error = %v", err)
			}
			want := "https://media.test/" + tt.name + "-2.png"
			if tt.field(got) != want {
				t.Errorf("url = %q, want %q", tt.field(got), want)
			}
			if tt.field(env.repo.users[u.ID]) != want {
				t.Error("url not persisted")
			}
		})
	}
}
