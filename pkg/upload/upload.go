// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

// Package upload validates inbound block uploads on a data server. The
// verifier is an independent trust domain: it re-checks the upload
// authorization signature, the size class, and the content hash itself
// before any byte reaches permanent storage, and attests acceptance with
// its own completion signature.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/blocknet/pkg/block"
	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"
	"github.com/LeeDigitalWorks/blocknet/pkg/logger"
	"github.com/LeeDigitalWorks/blocknet/pkg/publish"
	"github.com/LeeDigitalWorks/blocknet/pkg/topology"
)

// SignatureMaxAge is the validity window of an upload authorization.
// Clients that miss the window restart the publish flow.
const SignatureMaxAge = 60 * time.Second

// TimeFileName is the per-data-dir reference file whose mtime every stored
// block inherits. Cache-eviction tooling ranks blocks by mtime; pinning all
// blocks to the reference time keeps that ranking independent of actual
// upload time.
const TimeFileName = "time.file"

// Claim is the caller-supplied description of an upload.
type Claim struct {
	Class     int
	BlockID   string
	Signature string
	Time      int64
}

// Result is returned for an accepted upload.
type Result struct {
	ServerID  string `json:"serverId"`
	Signature string `json:"signature"`
}

// Verifier validates and stores uploads for one data server.
type Verifier struct {
	fleet *topology.Fleet
	self  *topology.Server

	now func() time.Time
}

// New creates a verifier for the named data server and ensures each data
// directory carries a reference time file.
func New(fleet *topology.Fleet, serverID string) (*Verifier, error) {
	self, err := fleet.ServerByID(serverID)
	if err != nil {
		return nil, err
	}
	if self.Type != topology.ServerTypeData {
		return nil, blockerr.New(blockerr.KindConfigError,
			"server %s is %s, not a data server", serverID, self.Type)
	}

	for _, dir := range self.DataDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, blockerr.Wrap(blockerr.KindConfigError, err, "create data dir %s", dir)
		}
		timeFile := filepath.Join(dir, TimeFileName)
		if _, err := os.Stat(timeFile); os.IsNotExist(err) {
			f, err := os.Create(timeFile)
			if err != nil {
				return nil, blockerr.Wrap(blockerr.KindConfigError, err, "create time file %s", timeFile)
			}
			f.Close()
		}
	}

	return &Verifier{fleet: fleet, self: self, now: time.Now}, nil
}

// BlockPath returns the permanent path for a block on this server, with
// the data directory chosen by the shard-prefix bucketing formula.
func (v *Verifier) BlockPath(class int, blockID string) (string, error) {
	if !block.IsValidID(blockID) {
		return "", blockerr.New(blockerr.KindInvalidInput, "invalid block id %q", blockID)
	}
	if !block.IsValidSizeClass(class) {
		return "", blockerr.New(blockerr.KindInvalidInput, "invalid size class %d", class)
	}
	if !topology.OwnsBlock(v.self, blockID) {
		return "", blockerr.New(blockerr.KindInvalidInput,
			"block %s is not in server %s shard", blockID, v.self.ID)
	}

	prefix := blockID[:topology.PrefixLen(v.self)]
	prefixInt, err := strconv.ParseInt(prefix, 16, 64)
	if err != nil {
		return "", blockerr.Wrap(blockerr.KindInvalidInput, err, "block id prefix %q", prefix)
	}

	dataDir := v.self.DataDirs[topology.DataDirIndex(int(prefixInt), v.self)]
	return filepath.Join(dataDir, prefix, strconv.Itoa(class), blockID+topology.BlockFileExt), nil
}

// ProcessUpload runs the full validation chain over a streamed payload and
// moves it into permanent storage. Order matters: the signature and time
// window are checked before a single payload byte is read, so unauthorized
// senders cannot make the server do hashing work.
func (v *Verifier) ProcessUpload(ctx context.Context, claim Claim, payload io.Reader) (*Result, error) {
	if !block.IsValidSizeClass(claim.Class) {
		return nil, blockerr.New(blockerr.KindInvalidInput, "invalid size class %d", claim.Class)
	}
	if !block.IsValidID(claim.BlockID) {
		return nil, blockerr.New(blockerr.KindInvalidInput, "invalid block id %q", claim.BlockID)
	}

	authPayload := publish.UploadAuthPayload(claim.Class, claim.BlockID, claim.Time)
	ok, err := v.fleet.Verify(authPayload, claim.Signature, v.self.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		uploadRejects.WithLabelValues("signature").Inc()
		return nil, blockerr.New(blockerr.KindUnauthorized, "invalid upload signature")
	}

	if v.now().Sub(time.Unix(claim.Time, 0)) >= SignatureMaxAge {
		uploadRejects.WithLabelValues("expired").Inc()
		return nil, blockerr.New(blockerr.KindExpired, "upload signature expired")
	}

	finalPath, err := v.BlockPath(claim.Class, claim.BlockID)
	if err != nil {
		return nil, err
	}

	if err := v.store(claim, payload, finalPath); err != nil {
		return nil, err
	}

	sig, err := v.fleet.Sign(publish.CompletionPayload(claim.Class, claim.BlockID, v.self.ID), v.self.ID)
	if err != nil {
		return nil, err
	}

	uploadAccepts.Inc()
	return &Result{ServerID: v.self.ID, Signature: sig}, nil
}

// store streams the payload into a temp file next to its final location,
// verifying length and content hash, then renames it into place and pins
// its mtime to the reference time file.
func (v *Verifier) store(claim Claim, payload io.Reader, finalPath string) (err error) {
	if mkErr := os.MkdirAll(filepath.Dir(finalPath), 0755); mkErr != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, mkErr, "create block dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), claim.BlockID+".upload-*")
	if err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "create temp file")
	}
	tmpPath := tmp.Name()
	renamed := false
	defer func() {
		tmp.Close()
		if renamed {
			return
		}
		// Cleanup is best effort: the primary error already explains the
		// failure to the caller.
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Warn().Err(rmErr).Str("path", tmpPath).Msg("failed to remove temp upload")
		}
	}()

	wantSize := block.SizeBytes(claim.Class)
	hasher := block.NewIDHasher()
	defer hasher.Close()

	// Read one byte past the expected size so an oversized payload is
	// detected without buffering it all.
	n, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(payload, wantSize+1))
	if err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "write payload")
	}
	if n != wantSize {
		uploadRejects.WithLabelValues("size").Inc()
		return blockerr.New(blockerr.KindInvalidInput,
			"payload length mismatch for size class %d", claim.Class)
	}

	if got := hasher.Sum(); got != claim.BlockID {
		uploadRejects.WithLabelValues("integrity").Inc()
		return blockerr.New(blockerr.KindIntegrityViolation,
			"payload hash %s does not match claimed block id", got)
	}

	if err := tmp.Sync(); err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "sync payload")
	}
	if err := tmp.Close(); err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "close payload")
	}

	refTime, err := v.referenceTime(finalPath)
	if err != nil {
		return err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "rename into place")
	}
	renamed = true

	if err := os.Chtimes(finalPath, refTime, refTime); err != nil {
		// The block is stored and valid; a missed mtime only skews cache
		// eviction ranking.
		logger.Warn().Err(err).Str("path", finalPath).Msg("failed to pin block mtime")
	}
	return nil
}

// referenceTime returns the mtime of the time file in the data dir that
// holds finalPath.
func (v *Verifier) referenceTime(finalPath string) (time.Time, error) {
	for _, dir := range v.self.DataDirs {
		rel, err := filepath.Rel(dir, finalPath)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		info, err := os.Stat(filepath.Join(dir, TimeFileName))
		if err != nil {
			return time.Time{}, blockerr.Wrap(blockerr.KindUnavailable, err, "stat time file in %s", dir)
		}
		return info.ModTime(), nil
	}
	return time.Time{}, blockerr.New(blockerr.KindUnavailable,
		"no data dir contains %s", finalPath)
}

// String implements fmt.Stringer for logging.
func (v *Verifier) String() string {
	return fmt.Sprintf("upload.Verifier(server=%s)", v.self.ID)
}
