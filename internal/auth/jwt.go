// Package auth provides password hashing, JWT issuance/validation and the
// HTTP auth guard.
//
// TOKENS:
// Two HS256 tokens are issued per session, each signed with its own secret:
//
//	access:  short lived, carries sub (user id), username, email, fullName.
//	          Verified by signature + expiry only.
//	refresh: long lived, carries sub only. Also persisted on the user
//	          record; the service layer accepts it only while it equals the
//	          stored value, which is what makes server-side revocation work.
//
// Every token carries a random jti, so two tokens minted for the same user
// within the same second are still different strings.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"

	"github.com/sakif/user-accounts/internal/model"
)

const (
	defaultIssuer   = "user-accounts"
	audienceAccess  = "access"
	audienceRefresh = "refresh"
	minSecretLength = 16
)

var (
	// ErrTokenExpired is returned when a token's exp claim is in the past.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid covers every other verification failure.
	ErrTokenInvalid = errors.New("invalid token")
)

// TokenConfig configures a TokenService.
type TokenConfig struct {
	AccessSecret  string
	AccessTTL     time.Duration
	RefreshSecret string
	RefreshTTL    time.Duration
	Issuer        string // defaults to "user-accounts"
}

// TokenService mints and verifies access and refresh tokens.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

// NewTokenService validates cfg and returns a TokenService.
// Both secrets must be at least 16 characters and the TTLs positive.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if len(cfg.AccessSecret) < minSecretLength {
		return nil, errors.New("auth: access token secret must be at least 16 characters")
	}
	if len(cfg.RefreshSecret) < minSecretLength {
		return nil, errors.New("auth: refresh token secret must be at least 16 characters")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("auth: token lifetimes must be positive")
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultIssuer
	}
	return &TokenService{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        issuer,
		now:           time.Now,
	}, nil
}

// AccessTTL is the lifetime of issued access tokens.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL is the lifetime of issued refresh tokens.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// accessClaims is the access token payload.
type accessClaims struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	jwt.RegisteredClaims
}

// refreshClaims is the refresh token payload: registered claims only.
type refreshClaims struct {
	jwt.RegisteredClaims
}

func (s *TokenService) registered(subject, audience string, ttl time.Duration) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		ID:        xid.New().String(),
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

// IssueAccess signs an access token for user.
func (s *TokenService) IssueAccess(user *model.User) (string, error) {
	if user == nil || user.ID == "" {
		return "", errors.New("auth: access token requires a user id")
	}
	c := accessClaims{
		Username:         user.Username,
		Email:            user.Email,
		FullName:         user.FullName,
		RegisteredClaims: s.registered(user.ID, audienceAccess, s.accessTTL),
	}
	return sign(c, s.accessSecret)
}

// IssueRefresh signs a refresh token for userID.
func (s *TokenService) IssueRefresh(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("auth: refresh token requires a user id")
	}
	c := refreshClaims{RegisteredClaims: s.registered(userID, audienceRefresh, s.refreshTTL)}
	return sign(c, s.refreshSecret)
}

func sign(c jwt.Claims, secret []byte) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// ParseAccess verifies an access token and returns the identity it asserts.
func (s *TokenService) ParseAccess(tokenStr string) (model.Identity, error) {
	c := &accessClaims{}
	if err := s.parse(tokenStr, c, s.accessSecret, audienceAccess); err != nil {
		return model.Identity{}, err
	}
	return model.Identity{UserID: c.Subject, Username: c.Username, Email: c.Email}, nil
}

// ParseRefresh verifies a refresh token's signature and expiry and returns
// the user id it was issued for. It does not check the persisted value.
func (s *TokenService) ParseRefresh(tokenStr string) (string, error) {
	c := &refreshClaims{}
	if err := s.parse(tokenStr, c, s.refreshSecret, audienceRefresh); err != nil {
		return "", err
	}
	return c.Subject, nil
}

// parse runs the shared verification: HS256 only, matching issuer and
// audience, exp required, non-empty subject. Errors are unprefixed because
// their text is shown to clients as the rejection reason.
func (s *TokenService) parse(tokenStr string, c jwt.Claims, secret []byte, audience string) error {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		c,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return ErrTokenInvalid
	}

	sub, err := c.GetSubject()
	if err != nil || sub == "" {
		return fmt.Errorf("%w: token has no subject", ErrTokenInvalid)
	}
	return nil
}
