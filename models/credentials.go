package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials are the two tokens the comment API requires. An empty string
// means the token could not be found.
type Credentials struct {
	CSRFToken   string
	AccessToken string
}

// Complete reports whether both tokens are present.
func (c Credentials) Complete() bool {
	return c.CSRFToken != "" && c.AccessToken != ""
}

// AccessTokenExpiry returns the exp claim of the access token when it is a
// JWT. The signature is not verified; the value is informational only.
func (c Credentials) AccessTokenExpiry() (time.Time, bool) {
	if c.AccessToken == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.AccessToken, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// CredentialsStatus is the redacted form of Credentials exposed by the
// status API.
type CredentialsStatus struct {
	HasCSRFToken   bool       `json:"has_csrf_token"`
	HasAccessToken bool       `json:"has_access_token"`
	AccessExpires  *time.Time `json:"access_expires,omitempty"`
}

// Status redacts c.
func (c Credentials) Status() CredentialsStatus {
	st := CredentialsStatus{
		HasCSRFToken:   c.CSRFToken != "",
		HasAccessToken: c.AccessToken != "",
	}
	if exp, ok := c.AccessTokenExpiry(); ok {
		st.AccessExpires = &exp
	}
	return st
}
