package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/lanemc/real-time-collaboration-sdk/common"
)

// ErrAuthFailed is returned by verifiers for bad or missing tokens.
var ErrAuthFailed = errors.New("authentication failed")

// TokenVerifier checks a token for a client and returns its identity.
type TokenVerifier func(token, clientID string) (*common.ClientInfo, error)

// PermissionFunc gates a client against a document.
type PermissionFunc func(info *common.ClientInfo, documentID string) bool

// AuthService is the boolean auth gate plus the token-verification hook.
// Permission hooks default to allow-all.
type AuthService struct {
	Required  bool
	Verifier  TokenVerifier
	CanAccess PermissionFunc
	CanEdit   PermissionFunc
}

// NewAuthService builds a service. With a nil verifier every token is
// accepted and identity is just the client id.
func NewAuthService(required bool, verifier TokenVerifier) *AuthService {
	allow := func(*common.ClientInfo, string) bool { return true }
	if verifier == nil {
		verifier = func(_, clientID string) (*common.ClientInfo, error) {
			return &common.ClientInfo{ClientID: clientID}, nil
		}
	}
	return &AuthService{
		Required:  required,
		Verifier:  verifier,
		CanAccess: allow,
		CanEdit:   allow,
	}
}

// Authenticate runs the verifier. When auth is not required an empty
// token still yields an identity.
func (a *AuthService) Authenticate(token, clientID string) (*common.ClientInfo, error) {
	if !a.Required && token == "" {
		return &common.ClientInfo{ClientID: clientID}, nil
	}
	if a.Required && token == "" {
		return nil, ErrAuthFailed
	}
	return a.Verifier(token, clientID)
}

// HMACVerifier accepts tokens of the form hex(HMAC-SHA256(clientID,
// secret)).
func HMACVerifier(secret string) TokenVerifier {
	return func(token, clientID string) (*common.ClientInfo, error) {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(clientID))
		want := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(token), []byte(want)) {
			return nil, ErrAuthFailed
		}
		return &common.ClientInfo{ClientID: clientID}, nil
	}
}

// Token mints the HMAC token for a client id; the inverse of
// HMACVerifier, exported for tooling and tests.
func Token(secret, clientID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(clientID))
	return hex.EncodeToString(mac.Sum(nil))
}
