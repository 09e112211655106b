package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telesyncapp/telesync/internal/upstream"
)

// DefaultChallengeTTL is how long a login code stays confirmable.
const DefaultChallengeTTL = 5 * time.Minute

const credentialRefLen = 12

// Service manages per-user credentials and the two-step login: store
// credentials, deliver a one-time code out of band, confirm it, then run
// that user's monitor until disconnect. Entries are keyed by user id with
// their own lock.
type Service struct {
	log        *slog.Logger
	connector  upstream.Connector
	supervisor *Supervisor
	ttl        time.Duration

	mu    sync.RWMutex
	users map[string]*userEntry
}

type userEntry struct {
	mu        sync.Mutex
	creds     Credentials
	session   Session
	challenge *challenge
}

type challenge struct {
	id        string
	code      string
	issuedAt  time.Time
	expiresAt time.Time
}

// NewService creates the session service. ttl bounds challenge validity;
// zero means DefaultChallengeTTL.
func NewService(log *slog.Logger, connector upstream.Connector, supervisor *Supervisor, ttl time.Duration) *Service {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &Service{
		log:        log.With(slog.String("service", "session")),
		connector:  connector,
		supervisor: supervisor,
		ttl:        ttl,
		users:      map[string]*userEntry{},
	}
}

// Connect validates and stores the user's credentials and returns a
// disconnected session. No upstream call happens here; the user still has
// to run the challenge round trip. Connecting over a live session tears
// the old monitor down first, like Rotate.
func (s *Service) Connect(ctx context.Context, userID string, creds Credentials) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, fmt.Errorf("user id is required")
	}
	normalized, err := normalizeCredentials(creds)
	if err != nil {
		return Session{}, err
	}
	entry := s.user(userID, true)
	session := s.replaceCredentials(entry, userID, normalized)
	s.log.Info("credentials stored",
		slog.String("user_id", userID),
		slog.String("account_id", session.AccountID),
		slog.String("credential_ref", session.AppCredentialRef))
	return session, nil
}

// Rotate replaces an existing user's credentials, tearing down any live
// monitor exactly like Disconnect. Unknown users get ErrSessionNotFound;
// use Connect to create an entry.
func (s *Service) Rotate(ctx context.Context, userID string, creds Credentials) (Session, error) {
	entry := s.user(strings.TrimSpace(userID), false)
	if entry == nil {
		return Session{}, ErrSessionNotFound
	}
	normalized, err := normalizeCredentials(creds)
	if err != nil {
		return Session{}, err
	}
	session := s.replaceCredentials(entry, strings.TrimSpace(userID), normalized)
	s.log.Info("credentials rotated", slog.String("user_id", session.UserID))
	return session, nil
}

// IssueChallenge generates a one-time login code, stores it with the
// configured TTL and asks the upstream connector to deliver it out of
// band. Reissuing replaces any outstanding challenge. The returned id is
// what ConfirmChallenge expects back.
func (s *Service) IssueChallenge(ctx context.Context, userID string) (string, error) {
	entry := s.user(strings.TrimSpace(userID), false)
	if entry == nil {
		return "", ErrSessionNotFound
	}

	now := time.Now().UTC()
	ch := &challenge{
		id:        uuid.NewString(),
		code:      strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		issuedAt:  now,
		expiresAt: now.Add(s.ttl),
	}

	entry.mu.Lock()
	account := accountFor(entry.session.UserID, entry.creds)
	entry.challenge = ch
	entry.mu.Unlock()

	if err := s.connector.DeliverCode(ctx, account, ch.code); err != nil {
		entry.mu.Lock()
		if entry.challenge != nil && entry.challenge.id == ch.id {
			entry.challenge = nil
		}
		entry.mu.Unlock()
		return "", fmt.Errorf("deliver code: %w", err)
	}

	s.log.Info("challenge issued",
		slog.String("user_id", account.UserID),
		slog.String("challenge_id", ch.id),
		slog.Time("expires_at", ch.expiresAt))
	return ch.id, nil
}

// ConfirmChallenge verifies the code, dials the upstream platform and, on
// success, marks the session connected and starts the user's monitor. A
// challenge is consumed by a correct code even if the upstream dial then
// fails; a wrong code leaves it outstanding for another attempt.
func (s *Service) ConfirmChallenge(ctx context.Context, userID, challengeID, code string) (Session, error) {
	entry := s.user(strings.TrimSpace(userID), false)
	if entry == nil {
		return Session{}, ErrSessionNotFound
	}

	entry.mu.Lock()
	ch := entry.challenge
	if ch == nil || ch.id != strings.TrimSpace(challengeID) {
		entry.mu.Unlock()
		return Session{}, ErrChallengeNotFound
	}
	if time.Now().UTC().After(ch.expiresAt) {
		entry.challenge = nil
		entry.mu.Unlock()
		return Session{}, ErrChallengeExpired
	}
	if ch.code != strings.TrimSpace(code) {
		entry.mu.Unlock()
		return Session{}, ErrChallengeMismatch
	}
	entry.challenge = nil
	account := accountFor(entry.session.UserID, entry.creds)
	entry.mu.Unlock()

	client, err := s.connector.Connect(ctx, account)
	if err != nil {
		return Session{}, fmt.Errorf("connect upstream: %w", err)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.session.Connected = true
	entry.session.LastConnectedAt = time.Now().UTC()
	if s.supervisor != nil {
		s.supervisor.StartMonitor(account.UserID, client)
	}
	s.log.Info("session connected",
		slog.String("user_id", account.UserID),
		slog.String("account_id", account.AccountID))
	return entry.session, nil
}

// Disconnect stops the user's monitor, closes the upstream polling side
// and marks the session disconnected. Credentials stay stored; downloads
// already queued or running are not touched.
func (s *Service) Disconnect(ctx context.Context, userID string) error {
	entry := s.user(strings.TrimSpace(userID), false)
	if entry == nil {
		return ErrSessionNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.session.Connected {
		return ErrNotConnected
	}
	if s.supervisor != nil {
		s.supervisor.StopMonitor(entry.session.UserID)
	}
	entry.session.Connected = false
	s.log.Info("session disconnected", slog.String("user_id", entry.session.UserID))
	return nil
}

// Status returns the user's session state.
func (s *Service) Status(userID string) (Session, error) {
	entry := s.user(strings.TrimSpace(userID), false)
	if entry == nil {
		return Session{}, ErrSessionNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session, nil
}

// ExpireChallenges drops challenges whose TTL passed before now and
// returns how many were removed. The maintenance sweep calls this.
func (s *Service) ExpireChallenges(now time.Time) int {
	s.mu.RLock()
	entries := make([]*userEntry, 0, len(s.users))
	for _, entry := range s.users {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	expired := 0
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.challenge != nil && now.After(entry.challenge.expiresAt) {
			entry.challenge = nil
			expired++
		}
		entry.mu.Unlock()
	}
	if expired > 0 {
		s.log.Info("expired challenges swept", slog.Int("count", expired))
	}
	return expired
}

// replaceCredentials installs new credentials for the user, stopping any
// live monitor first so nothing keeps polling on the old identity.
// Outstanding challenges are invalidated with the old credentials.
func (s *Service) replaceCredentials(entry *userEntry, userID string, creds Credentials) Session {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.session.Connected && s.supervisor != nil {
		s.supervisor.StopMonitor(userID)
	}
	entry.creds = creds
	entry.challenge = nil
	entry.session = Session{
		UserID:           userID,
		AccountID:        creds.AccountID,
		AppCredentialRef: credentialRef(creds),
		Connected:        false,
		LastConnectedAt:  entry.session.LastConnectedAt,
	}
	return entry.session
}

func (s *Service) user(userID string, create bool) *userEntry {
	s.mu.RLock()
	entry := s.users[userID]
	s.mu.RUnlock()
	if entry != nil || !create {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry = s.users[userID]; entry == nil {
		entry = &userEntry{}
		s.users[userID] = entry
	}
	return entry
}

func accountFor(userID string, creds Credentials) upstream.Account {
	return upstream.Account{
		UserID:    userID,
		AccountID: creds.AccountID,
		AppID:     creds.AppID,
		AppSecret: creds.AppSecret,
	}
}

func normalizeCredentials(creds Credentials) (Credentials, error) {
	creds.AccountID = strings.TrimSpace(creds.AccountID)
	creds.AppID = strings.TrimSpace(creds.AppID)
	creds.AppSecret = strings.TrimSpace(creds.AppSecret)
	if creds.AppID == "" || creds.AppSecret == "" {
		return Credentials{}, fmt.Errorf("%w: app credential pair is required", ErrInvalidCredentials)
	}
	if !validAccountID(creds.AccountID) {
		return Credentials{}, fmt.Errorf("%w: malformed account id %q", ErrInvalidCredentials, creds.AccountID)
	}
	return creds, nil
}

// validAccountID accepts the account shapes the upstream platforms use:
// international phone numbers (+digits), numeric chat ids (optionally
// negative) and @-style handles.
func validAccountID(accountID string) bool {
	if accountID == "" {
		return false
	}
	if strings.HasPrefix(accountID, "+") {
		digits := accountID[1:]
		if len(digits) < 5 || len(digits) > 15 {
			return false
		}
		for _, r := range digits {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	}
	if _, err := strconv.ParseInt(accountID, 10, 64); err == nil {
		return true
	}
	handle := strings.TrimPrefix(accountID, "@")
	if len(handle) < 3 || len(handle) > 32 {
		return false
	}
	for _, r := range handle {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

func credentialRef(creds Credentials) string {
	sum := sha256.Sum256([]byte(creds.AppID + ":" + creds.AppSecret))
	return hex.EncodeToString(sum[:])[:credentialRefLen]
}
