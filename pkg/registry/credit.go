// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"

	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"

	"github.com/redis/go-redis/v9"
)

const (
	anonCreditPrefix = "anon:"
	userCreditPrefix = "user:"
)

// AnonCredit returns the anonymous credit balance for an anon id. The
// second return is false when no balance has been initialized yet.
func (r *Registry) AnonCredit(ctx context.Context, anonID string) (int64, bool, error) {
	credit, err := r.credit.Get(ctx, anonCreditPrefix+anonID).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, blockerr.Wrap(blockerr.KindUnavailable, err, "anon credit %s", anonID)
	}
	return credit, true, nil
}

// InitAnonCredit sets the default balance for a first-touch anon id.
// SETNX makes concurrent first touches race-tolerant: both writers store
// the same default.
func (r *Registry) InitAnonCredit(ctx context.Context, anonID string, amount int64) error {
	if err := r.credit.SetNX(ctx, anonCreditPrefix+anonID, amount, 0).Err(); err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "init anon credit %s", anonID)
	}
	creditOps.WithLabelValues("init_anon").Inc()
	return nil
}

// UserCredit returns the registered user's balance, zero when unset.
func (r *Registry) UserCredit(ctx context.Context, userID string) (int64, error) {
	credit, err := r.credit.Get(ctx, userCreditPrefix+userID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, blockerr.Wrap(blockerr.KindUnavailable, err, "user credit %s", userID)
	}
	return credit, nil
}

// DebitAnonCredit consumes anonymous credit. The balance may go negative
// under concurrent debits; issuance stops once it does.
func (r *Registry) DebitAnonCredit(ctx context.Context, anonID string, amount int64) error {
	if err := r.credit.DecrBy(ctx, anonCreditPrefix+anonID, amount).Err(); err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "debit anon %s", anonID)
	}
	creditOps.WithLabelValues("debit").Inc()
	return nil
}

// DebitUserCredit consumes registered-user credit.
func (r *Registry) DebitUserCredit(ctx context.Context, userID string, amount int64) error {
	if err := r.credit.DecrBy(ctx, userCreditPrefix+userID, amount).Err(); err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "debit user %s", userID)
	}
	creditOps.WithLabelValues("debit").Inc()
	return nil
}

// AddUserCredit replenishes a registered user's balance.
func (r *Registry) AddUserCredit(ctx context.Context, userID string, amount int64) error {
	if err := r.credit.IncrBy(ctx, userCreditPrefix+userID, amount).Err(); err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "add user credit %s", userID)
	}
	creditOps.WithLabelValues("add").Inc()
	return nil
}

// CreateUser registers a user id with its secret. Conflict when the id is
// already taken.
func (r *Registry) CreateUser(ctx context.Context, userID, secret string) error {
	ok, err := r.users.SetNX(ctx, userID, secret, 0).Result()
	if err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "create user %s", userID)
	}
	if !ok {
		return blockerr.New(blockerr.KindConflict, "user %s exists", userID)
	}
	return nil
}

// UserSecret returns the stored secret for a user id, or NotFound.
func (r *Registry) UserSecret(ctx context.Context, userID string) (string, error) {
	secret, err := r.users.Get(ctx, userID).Result()
	if err == redis.Nil {
		return "", blockerr.New(blockerr.KindNotFound, "user %s", userID)
	}
	if err != nil {
		return "", blockerr.Wrap(blockerr.KindUnavailable, err, "user secret %s", userID)
	}
	return secret, nil
}
