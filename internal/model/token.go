package model

// TokenPair is what a successful login or refresh hands back to the client.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Identity is the authenticated caller as asserted by a verified access
// token. Authenticated service operations take it as an explicit argument.
type Identity struct {
	UserID   string
	Username string
	Email    string
}
