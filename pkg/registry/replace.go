// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"encoding/json"

	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"

	"github.com/redis/go-redis/v9"
)

// ReplaceEntry records a soft replacement of a published container: the
// link that supersedes originalID, plus the parent it chains from.
type ReplaceEntry struct {
	ParentID string `json:"parent_id"`
	Link     string `json:"link"`
}

// CreateReplaceToken stores the replace capability token for a private id.
// Conflict when the id already has a token: tokens are create-once.
func (r *Registry) CreateReplaceToken(ctx context.Context, privateID, token string) error {
	ok, err := r.replaceToken.SetNX(ctx, privateID, token, 0).Result()
	if err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "create replace token %s", privateID)
	}
	if !ok {
		return blockerr.New(blockerr.KindConflict, "replace token for %s exists", privateID)
	}
	return nil
}

// ReplaceToken returns the token stored for a private id, or NotFound.
func (r *Registry) ReplaceToken(ctx context.Context, privateID string) (string, error) {
	token, err := r.replaceToken.Get(ctx, privateID).Result()
	if err == redis.Nil {
		return "", blockerr.New(blockerr.KindNotFound, "replace token %s", privateID)
	}
	if err != nil {
		return "", blockerr.Wrap(blockerr.KindUnavailable, err, "replace token %s", privateID)
	}
	return token, nil
}

// CreateReplace stores the replacement entry for an original id,
// overwriting any previous replacement.
func (r *Registry) CreateReplace(ctx context.Context, originalID string, entry ReplaceEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return blockerr.Wrap(blockerr.KindInvalidInput, err, "encode replace %s", originalID)
	}
	if err := r.replace.Set(ctx, originalID, data, 0).Err(); err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "create replace %s", originalID)
	}
	return nil
}

// Replace returns the replacement entry for a private id, or nil when the
// container has not been replaced. Stored garbage reads as absent.
func (r *Registry) Replace(ctx context.Context, privateID string) (*ReplaceEntry, error) {
	data, err := r.replace.Get(ctx, privateID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, blockerr.Wrap(blockerr.KindUnavailable, err, "replace %s", privateID)
	}

	var entry ReplaceEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, nil
	}
	return &entry, nil
}
