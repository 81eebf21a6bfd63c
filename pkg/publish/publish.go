// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

// Package publish orchestrates the two-phase block publish protocol.
//
// State machine per block id: Unreserved -> Reserved -> Committed. Start
// reserves the id and returns a signed upload authorization for one data
// server; Finish validates that server's completion signature and commits
// the block-to-server mapping. The two phases share no state beyond the
// registry entry and the signatures themselves.
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/blocknet/pkg/block"
	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"
	"github.com/LeeDigitalWorks/blocknet/pkg/registry"
	"github.com/LeeDigitalWorks/blocknet/pkg/topology"
)

// Protocol coordinates publishes against one fleet and registry.
type Protocol struct {
	fleet    *topology.Fleet
	registry *registry.Registry

	now func() time.Time
}

// New creates the publish protocol service.
func New(fleet *topology.Fleet, reg *registry.Registry) *Protocol {
	return &Protocol{
		fleet:    fleet,
		registry: reg,
		now:      time.Now,
	}
}

// StartResult is the upload authorization returned by Start.
type StartResult struct {
	UploadURL string `json:"url"`
	Signature string `json:"signature"`
	Time      int64  `json:"time"`
	ServerID  string `json:"serverId"`
}

// UploadAuthPayload is the exact byte sequence signed to authorize an
// upload: decimal size class, lowercase hex block id, decimal unix issue
// time. The data server rebuilds this string verbatim; any drift between
// the two ends breaks verification.
func UploadAuthPayload(class int, blockID string, issueTime int64) string {
	return fmt.Sprintf("%d%s%d", class, blockID, issueTime)
}

// CompletionPayload is the byte sequence a data server signs to attest it
// accepted the block.
func CompletionPayload(class int, blockID, serverID string) string {
	return fmt.Sprintf("%d%s%s", class, blockID, serverID)
}

// Start reserves a block id and returns a signed upload authorization for
// a data server owning the block's shard.
//
// A Conflict from the reserve is surfaced unchanged and never retried:
// the id is content addressed, so a second publish of the same content can
// never succeed and a duplicate is not an error worth retrying.
func (p *Protocol) Start(ctx context.Context, class int, blockID string) (*StartResult, error) {
	if !block.IsValidSizeClass(class) {
		return nil, blockerr.New(blockerr.KindInvalidInput, "invalid size class %d", class)
	}
	if !block.IsValidID(blockID) {
		return nil, blockerr.New(blockerr.KindInvalidInput, "invalid block id %q", blockID)
	}

	now := p.now()
	if err := p.registry.Reserve(ctx, class, blockID, now); err != nil {
		return nil, err
	}

	srv, err := p.fleet.PickDataServer(blockID)
	if err != nil {
		return nil, err
	}

	issueTime := now.Unix()
	sig, err := p.fleet.Sign(UploadAuthPayload(class, blockID, issueTime), srv.ID)
	if err != nil {
		return nil, err
	}

	publishStarts.Inc()
	return &StartResult{
		UploadURL: srv.URL + "/upload",
		Signature: sig,
		Time:      issueTime,
		ServerID:  srv.ID,
	}, nil
}

// Finish validates a data server's completion signature and commits the
// block to that server.
//
// The signature proves "this data server attests it accepted exactly this
// block"; content was already verified by the server itself. The entry
// must still hold the reservation sentinel: finishing an unreserved or
// already-committed id is rejected, which both enforces the state machine
// ordering and blocks replayed completions.
func (p *Protocol) Finish(ctx context.Context, class int, blockID, serverID, sig string) error {
	if !block.IsValidSizeClass(class) {
		return blockerr.New(blockerr.KindInvalidInput, "invalid size class %d", class)
	}
	if !block.IsValidID(blockID) {
		return blockerr.New(blockerr.KindInvalidInput, "invalid block id %q", blockID)
	}

	ok, err := p.fleet.Verify(CompletionPayload(class, blockID, serverID), sig, serverID)
	if err != nil {
		return err
	}
	if !ok {
		signatureFailures.Inc()
		return blockerr.New(blockerr.KindUnauthorized, "invalid completion signature for %d/%s", class, blockID)
	}

	rec, err := p.registry.Lookup(ctx, class, blockID)
	if err != nil {
		return err
	}
	if rec == nil {
		return blockerr.New(blockerr.KindConflict, "block %d/%s was never reserved", class, blockID)
	}
	if !rec.Reserved {
		return blockerr.New(blockerr.KindConflict, "block %d/%s already committed", class, blockID)
	}

	if err := p.registry.Commit(ctx, class, blockID, []string{serverID}); err != nil {
		return err
	}
	publishFinishes.Inc()
	return nil
}
