// Package session owns the per-user credential store, the login challenge
// round trip, and the supervisor that runs one channel monitor per
// connected user.
package session

import (
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials is returned when the submitted credential shape
	// is unusable (empty or malformed account id, missing app pair).
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrChallengeNotFound is returned when no outstanding challenge matches
	// the given id.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeExpired is returned when the challenge TTL has passed.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrChallengeMismatch is returned when the submitted code is wrong.
	ErrChallengeMismatch = errors.New("challenge code mismatch")
	// ErrNotConnected is returned by Disconnect when no live session exists.
	ErrNotConnected = errors.New("session not connected")
	// ErrSessionNotFound is returned when the user has never connected.
	ErrSessionNotFound = errors.New("session not found")
)

// Credentials is the user-supplied upstream identity: the account to log
// in as plus the app credential pair authorizing the login.
type Credentials struct {
	AccountID string `json:"accountId"`
	AppID     string `json:"appId"`
	AppSecret string `json:"appSecret"`
}

// Session is the per-user connection state. AppCredentialRef is a
// fingerprint of the stored app pair; the secret itself never leaves the
// store.
type Session struct {
	UserID           string    `json:"userId"`
	AccountID        string    `json:"accountId"`
	AppCredentialRef string    `json:"appCredentialRef"`
	Connected        bool      `json:"connected"`
	LastConnectedAt  time.Time `json:"lastConnectedAt,omitempty"`
}
