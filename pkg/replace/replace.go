// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

// Package replace implements soft replacement of published containers.
// A publisher holds a create-once capability token for a container's
// private id; presenting the token lets them point the container at a
// replacement link, or at the all-zeros link to mark it deleted.
package replace

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"
	"github.com/LeeDigitalWorks/blocknet/pkg/registry"
	"github.com/LeeDigitalWorks/blocknet/pkg/user"
)

// Secure links carry the size class, a link version, and three 32 char
// hex ids: the two block ids and the key salt.
var linkRegexp = regexp.MustCompile(`^\d-\d(-[0-9a-f]{32}){3}$`)

const zeroID = "00000000000000000000000000000000"

// Link is a parsed secure link.
type Link struct {
	Class   int
	Version int
	B0      string
	B1      string
	Salt    string
	// Deleted is set when both block ids are all zeros, which marks a
	// soft delete rather than a replacement.
	Deleted bool
}

// ParseLink parses a secure link string.
func ParseLink(s string) (*Link, error) {
	if !linkRegexp.MatchString(s) {
		return nil, blockerr.New(blockerr.KindInvalidInput, "invalid link")
	}
	parts := strings.Split(s, "-")
	class, _ := strconv.Atoi(parts[0])
	version, _ := strconv.Atoi(parts[1])
	return &Link{
		Class:   class,
		Version: version,
		B0:      parts[2],
		B1:      parts[3],
		Salt:    parts[4],
		Deleted: parts[2] == zeroID && parts[3] == zeroID,
	}, nil
}

// Token pairs a private id with its replace capability token.
type Token struct {
	PrivateID string `json:"privateId"`
	Token     string `json:"token"`
}

// Service mediates replace tokens and replacement entries.
type Service struct {
	registry *registry.Registry
}

func New(reg *registry.Registry) *Service {
	return &Service{registry: reg}
}

// CreateToken registers a replace token for a private id. A random token
// is generated when none is provided. Conflict when the private id
// already has a token.
func (s *Service) CreateToken(ctx context.Context, privateID, token string) (*Token, error) {
	if !user.IsValidUserID(privateID) {
		return nil, blockerr.New(blockerr.KindInvalidInput, "invalid private id")
	}
	if token == "" {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return nil, blockerr.Wrap(blockerr.KindUnavailable, err, "generate replace token")
		}
		token = hex.EncodeToString(buf)
	} else if !user.IsValidSecret(token) {
		return nil, blockerr.New(blockerr.KindInvalidInput, "invalid token")
	}
	if err := s.registry.CreateReplaceToken(ctx, privateID, token); err != nil {
		return nil, err
	}
	return &Token{PrivateID: privateID, Token: token}, nil
}

// Get returns the replacement entry for a private id, or NotFound when
// the container has not been replaced.
func (s *Service) Get(ctx context.Context, privateID string) (*registry.ReplaceEntry, *Link, error) {
	if !user.IsValidUserID(privateID) {
		return nil, nil, blockerr.New(blockerr.KindInvalidInput, "invalid private id")
	}
	entry, err := s.registry.Replace(ctx, privateID)
	if err != nil {
		return nil, nil, err
	}
	if entry == nil {
		return nil, nil, blockerr.New(blockerr.KindNotFound, "no replace for %s", privateID)
	}
	link, err := ParseLink(entry.Link)
	if err != nil {
		return nil, nil, blockerr.New(blockerr.KindNotFound, "no replace for %s", privateID)
	}
	return entry, link, nil
}

// Replace points originalID at a new link. The caller must present the
// token registered for originalID. A new replacement overwrites any
// previous one.
func (s *Service) Replace(ctx context.Context, originalID, parentID, link, token string) error {
	if !user.IsValidUserID(originalID) {
		return blockerr.New(blockerr.KindInvalidInput, "invalid original id")
	}
	if !user.IsValidUserID(parentID) {
		return blockerr.New(blockerr.KindInvalidInput, "invalid parent id")
	}
	if !user.IsValidSecret(token) {
		return blockerr.New(blockerr.KindInvalidInput, "invalid token")
	}
	if _, err := ParseLink(link); err != nil {
		return err
	}

	stored, err := s.registry.ReplaceToken(ctx, originalID)
	if err != nil {
		if blockerr.KindOf(err) == blockerr.KindNotFound {
			return blockerr.New(blockerr.KindUnauthorized, "invalid replace token")
		}
		return err
	}
	if !hmac.Equal([]byte(stored), []byte(token)) {
		return blockerr.New(blockerr.KindUnauthorized, "invalid replace token")
	}

	return s.registry.CreateReplace(ctx, originalID, registry.ReplaceEntry{
		ParentID: parentID,
		Link:     link,
	})
}
