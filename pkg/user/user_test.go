// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package user

import (
	"context"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/blocknet/pkg/block"
	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"
	"github.com/LeeDigitalWorks/blocknet/pkg/registry"
	"github.com/LeeDigitalWorks/blocknet/pkg/topology"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupService(t *testing.T) (*Service, *registry.Registry) {
	t.Helper()

	fleet, err := topology.NewFleet([]*topology.Server{
		{
			ID: "0", Type: topology.ServerTypeWeb,
			URL: "https://web.example.com", Secret: "00112233445566778899aabbccddeeff",
		},
	})
	require.NoError(t, err)

	s := miniredis.RunT(t)
	newClient := func(db int) *redis.Client {
		return redis.NewClient(&redis.Options{Addr: s.Addr(), DB: db})
	}
	var blocks []*redis.Client
	for class := range block.SizeClasses {
		blocks = append(blocks, newClient(1+class))
	}
	reg := registry.NewWithClients(blocks, newClient(8), newClient(9), newClient(10), newClient(11))
	t.Cleanup(func() { reg.Close() })

	svc, err := New(fleet, reg, "0")
	require.NoError(t, err)
	return svc, reg
}

func TestAnonID(t *testing.T) {
	svc, _ := setupService(t)

	id, err := svc.AnonID("203.0.113.7")
	require.NoError(t, err)
	assert.Len(t, id, AnonIDLength)

	// Deterministic per IP, distinct across IPs.
	again, err := svc.AnonID("203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	other, err := svc.AnonID("203.0.113.8")
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestCreditFirstTouch(t *testing.T) {
	svc, reg := setupService(t)
	ctx := context.Background()

	anonID, err := svc.AnonID("203.0.113.7")
	require.NoError(t, err)

	credit, err := svc.Credit(ctx, anonID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultAnonCredit), credit)

	// Default was persisted; a debit survives a second read.
	require.NoError(t, reg.DebitAnonCredit(ctx, anonID, 4096))
	credit, err = svc.Credit(ctx, anonID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultAnonCredit)-4096, credit)
}

func TestCreditCombinesUserBalance(t *testing.T) {
	svc, reg := setupService(t)
	ctx := context.Background()

	userID := "0123456789abcdef0123456789abcdef"
	require.NoError(t, reg.AddUserCredit(ctx, userID, 5000))

	credit, err := svc.Credit(ctx, "aabbccdd", userID)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultAnonCredit)+5000, credit)
}

func TestGetUserAnonymous(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	u, err := svc.GetUser(ctx, "203.0.113.7", "", "")
	require.NoError(t, err)

	assert.False(t, u.LoggedIn())
	assert.Len(t, u.AnonID, AnonIDLength)
	assert.Equal(t, int64(DefaultAnonCredit), u.Credit)
	assert.NotEmpty(t, u.DisplayCredit)

	require.NotNil(t, u.Token)
	assert.Equal(t, "anon", u.Token.Type)
	assert.Equal(t, u.Token.Time+int64(TokenTTL.Seconds()), u.Token.Expires)

	require.NoError(t, svc.ValidateToken(u.AnonID, u.Token.Expires, u.Token.Value))
}

func TestGetUserLoggedIn(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, "", "")
	require.NoError(t, err)
	require.True(t, IsValidUserID(created.UserID))
	require.True(t, IsValidSecret(created.Secret))

	u, err := svc.GetUser(ctx, "203.0.113.7", created.UserID, created.Secret)
	require.NoError(t, err)

	assert.True(t, u.LoggedIn())
	assert.Equal(t, created.UserID, u.UserID)
	assert.Equal(t, created.UserID[:8], u.DisplayUserID)

	require.NotNil(t, u.Token)
	assert.Equal(t, "user", u.Token.Type)
	require.NoError(t, svc.ValidateToken(u.UserID, u.Token.Expires, u.Token.Value))
}

func TestGetUserWrongSecretDegradesToAnon(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, "", "")
	require.NoError(t, err)

	u, err := svc.GetUser(ctx, "203.0.113.7", created.UserID, "00000000000000000000000000000000")
	require.NoError(t, err)
	assert.False(t, u.LoggedIn())
	assert.NotNil(t, u.Token)
	assert.Equal(t, "anon", u.Token.Type)
}

func TestGetUserNoTokenWithoutCredit(t *testing.T) {
	svc, reg := setupService(t)
	ctx := context.Background()

	anonID, err := svc.AnonID("203.0.113.7")
	require.NoError(t, err)
	require.NoError(t, reg.InitAnonCredit(ctx, anonID, 0))

	u, err := svc.GetUser(ctx, "203.0.113.7", "", "")
	require.NoError(t, err)
	assert.Zero(t, u.Credit)
	assert.Nil(t, u.Token)
}

func TestValidateToken(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	u, err := svc.GetUser(ctx, "203.0.113.7", "", "")
	require.NoError(t, err)
	require.NotNil(t, u.Token)

	// Wrong identity fails.
	err = svc.ValidateToken("deadbeef", u.Token.Expires, u.Token.Value)
	assert.Equal(t, blockerr.KindUnauthorized, blockerr.KindOf(err))

	// Tampered expiry fails: the expiry is part of the signed payload.
	err = svc.ValidateToken(u.AnonID, u.Token.Expires+3600, u.Token.Value)
	assert.Equal(t, blockerr.KindUnauthorized, blockerr.KindOf(err))

	// Expired token fails before any signature work.
	svc.now = func() time.Time { return time.Unix(u.Token.Expires, 0) }
	err = svc.ValidateToken(u.AnonID, u.Token.Expires, u.Token.Value)
	assert.Equal(t, blockerr.KindExpired, blockerr.KindOf(err))
}

func TestTokenValidator(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	u, err := svc.GetUser(ctx, "203.0.113.7", "", "")
	require.NoError(t, err)
	require.NotNil(t, u.Token)

	// A standalone validator with the same signer accepts the token.
	v, err := NewTokenValidator(svc.fleet, "0")
	require.NoError(t, err)
	require.NoError(t, v.Validate(u.AnonID, u.Token.Expires, u.Token.Value))

	err = v.Validate("deadbeef", u.Token.Expires, u.Token.Value)
	assert.Equal(t, blockerr.KindUnauthorized, blockerr.KindOf(err))

	v.now = func() time.Time { return time.Unix(u.Token.Expires, 0) }
	err = v.Validate(u.AnonID, u.Token.Expires, u.Token.Value)
	assert.Equal(t, blockerr.KindExpired, blockerr.KindOf(err))

	_, err = NewTokenValidator(svc.fleet, "9")
	assert.Equal(t, blockerr.KindNotFound, blockerr.KindOf(err))
}

func TestCreateUserConflictAndValidation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, "", "")
	require.NoError(t, err)

	_, err = svc.CreateUser(ctx, created.UserID, "")
	assert.Equal(t, blockerr.KindConflict, blockerr.KindOf(err))

	_, err = svc.CreateUser(ctx, "short", "")
	assert.Equal(t, blockerr.KindInvalidInput, blockerr.KindOf(err))

	_, err = svc.CreateUser(ctx, "", "UPPER6789abcdef0123456789abcdef0")
	assert.Equal(t, blockerr.KindInvalidInput, blockerr.KindOf(err))
}

func TestDebitForPublish(t *testing.T) {
	svc, reg := setupService(t)
	ctx := context.Background()

	assert.Equal(t, int64(4096*5), RequiredPublishCredit(0))

	u, err := svc.GetUser(ctx, "203.0.113.7", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.DebitForPublish(ctx, u, 0))

	credit, err := svc.Credit(ctx, u.AnonID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultAnonCredit)-4096*5, credit)

	// Logged-in users spend from their registered balance.
	created, err := svc.CreateUser(ctx, "", "")
	require.NoError(t, err)
	require.NoError(t, reg.AddUserCredit(ctx, created.UserID, 1<<30))

	lu, err := svc.GetUser(ctx, "203.0.113.8", created.UserID, created.Secret)
	require.NoError(t, err)
	require.NoError(t, svc.DebitForPublish(ctx, lu, 1))

	balance, err := reg.UserCredit(ctx, created.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30)-RequiredPublishCredit(1), balance)
}
