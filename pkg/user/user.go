// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

// Package user computes pseudonymous identity, aggregates credit balances,
// and issues the short-lived signed tokens that gate block downloads.
package user

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strconv"
	"time"

	"github.com/LeeDigitalWorks/blocknet/pkg/block"
	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"
	"github.com/LeeDigitalWorks/blocknet/pkg/logger"
	"github.com/LeeDigitalWorks/blocknet/pkg/registry"
	"github.com/LeeDigitalWorks/blocknet/pkg/topology"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultAnonCredit is the free allotment for a first-touch anon id.
	DefaultAnonCredit = 10 << 30 // 10 GiB

	// TokenTTL is the validity window of a download token. Clients are
	// expected to refresh every 60s; only the 90s expiry is enforced.
	TokenTTL = 90 * time.Second

	// PublishCreditMultiplier scales block bytes into the credit required
	// to publish that block.
	PublishCreditMultiplier = 5

	// AnonIDLength is the hex length of a derived anon id. Short enough to
	// be a pseudonym, not a security boundary: collisions are negligible
	// at expected scale but the id is deliberately not
	// cryptographic-strength.
	AnonIDLength = 8
)

var hex32Regexp = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Token is a short-lived signed download capability. Never persisted;
// regenerated per request.
type Token struct {
	Type    string `json:"type"` // "anon" or "user"
	Value   string `json:"value"`
	Time    int64  `json:"time"`
	Expires int64  `json:"expires"`
}

// User is the identity and credit view returned to clients.
type User struct {
	AnonID        string `json:"anonId"`
	UserID        string `json:"userId,omitempty"`
	DisplayUserID string `json:"displayUserId,omitempty"`
	Secret        string `json:"secret,omitempty"`
	Credit        int64  `json:"credit"`
	DisplayCredit string `json:"displayCredit"`
	Token         *Token `json:"token,omitempty"`
}

// LoggedIn reports whether the user presented a valid id and secret.
func (u *User) LoggedIn() bool {
	return u.UserID != ""
}

// Service implements identity, credit, and token issuance against one
// fleet and registry. signerID names the server whose secret backs anon
// ids and download tokens; every endpoint that accepts a token must be
// configured with the same signer or validation breaks.
type Service struct {
	fleet    *topology.Fleet
	registry *registry.Registry
	signerID string

	now func() time.Time
}

// New creates the user service.
func New(fleet *topology.Fleet, reg *registry.Registry, signerID string) (*Service, error) {
	if _, err := fleet.ServerByID(signerID); err != nil {
		return nil, err
	}
	return &Service{fleet: fleet, registry: reg, signerID: signerID, now: time.Now}, nil
}

// AnonID derives the pseudonymous id for a client IP.
func (s *Service) AnonID(ip string) (string, error) {
	sig, err := s.fleet.Sign(ip, s.signerID)
	if err != nil {
		return "", err
	}
	return sig[:AnonIDLength], nil
}

// IsValidUserID reports whether s is a well-formed user id.
func IsValidUserID(id string) bool {
	return hex32Regexp.MatchString(id)
}

// IsValidSecret reports whether s is a well-formed user secret.
func IsValidSecret(secret string) bool {
	return hex32Regexp.MatchString(secret)
}

// RequiredPublishCredit returns the credit needed to publish one block of
// the given size class.
func RequiredPublishCredit(class int) int64 {
	return block.SizeBytes(class) * PublishCreditMultiplier
}

// Credit returns the combined balance for an anon id and optional user id.
// An unset anon balance is initialized to the default allotment on first
// touch; concurrent first touches write the same value, which is fine.
func (s *Service) Credit(ctx context.Context, anonID, userID string) (int64, error) {
	anonCredit, found, err := s.registry.AnonCredit(ctx, anonID)
	if err != nil {
		return 0, err
	}
	if !found {
		anonCredit = DefaultAnonCredit
		if err := s.registry.InitAnonCredit(ctx, anonID, anonCredit); err != nil {
			logger.Warn().Err(err).Str("anon_id", anonID).Msg("failed to initialize anon credit")
		}
	}

	credit := anonCredit
	if userID != "" {
		userCredit, err := s.registry.UserCredit(ctx, userID)
		if err != nil {
			return 0, err
		}
		credit += userCredit
	}
	return credit, nil
}

// GetUser resolves the caller's identity, credit, and download token. An
// invalid or unknown id/secret pair silently degrades to anonymous: login
// is opportunistic, not an error path.
func (s *Service) GetUser(ctx context.Context, ip, userID, secret string) (*User, error) {
	anonID, err := s.AnonID(ip)
	if err != nil {
		return nil, err
	}

	u := &User{AnonID: anonID}

	if IsValidUserID(userID) && IsValidSecret(secret) {
		stored, err := s.registry.UserSecret(ctx, userID)
		if err != nil && !blockerr.Is(err, blockerr.KindNotFound) {
			return nil, err
		}
		if err == nil && stored == secret {
			u.UserID = userID
			u.DisplayUserID = userID[:8]
			u.Secret = secret
		}
	}

	u.Credit, err = s.Credit(ctx, anonID, u.UserID)
	if err != nil {
		return nil, err
	}
	u.DisplayCredit = humanize.IBytes(uint64(max(u.Credit, 0)))

	if u.Credit > 0 {
		u.Token, err = s.issueToken(u)
		if err != nil {
			return nil, err
		}
	}

	return u, nil
}

// issueToken signs a download token for the user's strongest identity.
func (s *Service) issueToken(u *User) (*Token, error) {
	now := s.now().Unix()
	expires := now + int64(TokenTTL.Seconds())

	identity, typ := u.AnonID, "anon"
	if u.LoggedIn() {
		identity, typ = u.UserID, "user"
	}

	value, err := s.fleet.Sign(tokenPayload(identity, expires), s.signerID)
	if err != nil {
		return nil, err
	}
	return &Token{Type: typ, Value: value, Time: now, Expires: expires}, nil
}

// ValidateToken checks a download token presented at block-serving time.
// The payload construction must stay byte-identical to issueToken's.
func (s *Service) ValidateToken(identity string, expires int64, value string) error {
	if s.now().Unix() >= expires {
		return blockerr.New(blockerr.KindExpired, "download token expired")
	}
	ok, err := s.fleet.Verify(tokenPayload(identity, expires), value, s.signerID)
	if err != nil {
		return err
	}
	if !ok {
		return blockerr.New(blockerr.KindUnauthorized, "invalid download token")
	}
	return nil
}

func tokenPayload(identity string, expires int64) string {
	return identity + strconv.FormatInt(expires, 10)
}

// TokenValidator checks download tokens with no registry dependency. Data
// and proxy servers construct one directly; it must be configured with the
// same signer as the web server that issues tokens.
type TokenValidator struct {
	fleet    *topology.Fleet
	signerID string

	now func() time.Time
}

func NewTokenValidator(fleet *topology.Fleet, signerID string) (*TokenValidator, error) {
	if _, err := fleet.ServerByID(signerID); err != nil {
		return nil, err
	}
	return &TokenValidator{fleet: fleet, signerID: signerID, now: time.Now}, nil
}

func (v *TokenValidator) Validate(identity string, expires int64, value string) error {
	if v.now().Unix() >= expires {
		return blockerr.New(blockerr.KindExpired, "download token expired")
	}
	ok, err := v.fleet.Verify(tokenPayload(identity, expires), value, v.signerID)
	if err != nil {
		return err
	}
	if !ok {
		return blockerr.New(blockerr.KindUnauthorized, "invalid download token")
	}
	return nil
}

// CreateUser registers a user. Missing id or secret are generated as
// random 16-byte hex values.
func (s *Service) CreateUser(ctx context.Context, userID, secret string) (*User, error) {
	if userID != "" && !IsValidUserID(userID) {
		return nil, blockerr.New(blockerr.KindInvalidInput, "invalid user id")
	}
	if secret != "" && !IsValidSecret(secret) {
		return nil, blockerr.New(blockerr.KindInvalidInput, "invalid secret")
	}

	var err error
	if userID == "" {
		if userID, err = randomHex32(); err != nil {
			return nil, err
		}
	}
	if secret == "" {
		if secret, err = randomHex32(); err != nil {
			return nil, err
		}
	}

	if err := s.registry.CreateUser(ctx, userID, secret); err != nil {
		return nil, err
	}
	return &User{UserID: userID, DisplayUserID: userID[:8], Secret: secret}, nil
}

// DebitForPublish consumes publish credit: from the registered balance
// when logged in, else from the anon balance.
func (s *Service) DebitForPublish(ctx context.Context, u *User, class int) error {
	amount := RequiredPublishCredit(class)
	if u.LoggedIn() {
		return s.registry.DebitUserCredit(ctx, u.UserID, amount)
	}
	return s.registry.DebitAnonCredit(ctx, u.AnonID, amount)
}

func randomHex32() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", blockerr.Wrap(blockerr.KindUnavailable, err, "generate random id")
	}
	return hex.EncodeToString(raw), nil
}
