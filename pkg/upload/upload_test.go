// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/blocknet/pkg/block"
	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"
	"github.com/LeeDigitalWorks/blocknet/pkg/publish"
	"github.com/LeeDigitalWorks/blocknet/pkg/topology"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupVerifier(t *testing.T, dataDirs ...string) (*Verifier, *topology.Fleet) {
	t.Helper()

	if len(dataDirs) == 0 {
		dataDirs = []string{t.TempDir()}
	}

	fleet, err := topology.NewFleet([]*topology.Server{
		{
			ID: "1", Type: topology.ServerTypeData,
			URL: "https://d1.example.com", Secret: "0102030405060708090a0b0c0d0e0f10",
			Shard: 0, Shards: 1, ShardPrefix: 2, DataDirs: dataDirs,
		},
	})
	require.NoError(t, err)

	v, err := New(fleet, "1")
	require.NoError(t, err)
	return v, fleet
}

// payloadForClass builds a payload of the exact class size and returns it
// with its block id.
func payloadForClass(t *testing.T, class int, fill byte) ([]byte, string) {
	t.Helper()
	payload := bytes.Repeat([]byte{fill}, int(block.SizeBytes(class)))
	return payload, block.ComputeID(payload)
}

func signedClaim(t *testing.T, fleet *topology.Fleet, class int, blockID string, issued time.Time) Claim {
	t.Helper()
	sig, err := fleet.Sign(publish.UploadAuthPayload(class, blockID, issued.Unix()), "1")
	require.NoError(t, err)
	return Claim{Class: class, BlockID: blockID, Signature: sig, Time: issued.Unix()}
}

func TestProcessUpload(t *testing.T) {
	dir := t.TempDir()
	v, fleet := setupVerifier(t, dir)
	ctx := context.Background()

	payload, blockID := payloadForClass(t, 0, 0x5a)
	claim := signedClaim(t, fleet, 0, blockID, time.Now())

	res, err := v.ProcessUpload(ctx, claim, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "1", res.ServerID)

	// Completion signature verifies under the server's secret.
	ok, err := fleet.Verify(publish.CompletionPayload(0, blockID, "1"), res.Signature, "1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Block landed at the sharded path with the exact content.
	path, err := v.BlockPath(0, blockID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, blockID[:2], "0", blockID+".blk"), path)

	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	// Block mtime matches the reference time file, not upload wall clock.
	blockInfo, err := os.Stat(path)
	require.NoError(t, err)
	timeInfo, err := os.Stat(filepath.Join(dir, TimeFileName))
	require.NoError(t, err)
	assert.WithinDuration(t, timeInfo.ModTime(), blockInfo.ModTime(), time.Millisecond)
}

func TestProcessUploadBadSignature(t *testing.T) {
	v, _ := setupVerifier(t)
	ctx := context.Background()

	payload, blockID := payloadForClass(t, 0, 0x11)
	claim := Claim{Class: 0, BlockID: blockID, Signature: strings.Repeat("ab", 32), Time: time.Now().Unix()}

	_, err := v.ProcessUpload(ctx, claim, bytes.NewReader(payload))
	assert.Equal(t, blockerr.KindUnauthorized, blockerr.KindOf(err))

	path, err := v.BlockPath(0, blockID)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestProcessUploadExpired(t *testing.T) {
	v, fleet := setupVerifier(t)
	ctx := context.Background()

	payload, blockID := payloadForClass(t, 0, 0x22)
	issued := time.Now().Add(-SignatureMaxAge - time.Second)
	claim := signedClaim(t, fleet, 0, blockID, issued)

	_, err := v.ProcessUpload(ctx, claim, bytes.NewReader(payload))
	assert.Equal(t, blockerr.KindExpired, blockerr.KindOf(err))
}

func TestProcessUploadSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	v, fleet := setupVerifier(t, dir)
	ctx := context.Background()

	payload, blockID := payloadForClass(t, 0, 0x33)

	// One byte short.
	claim := signedClaim(t, fleet, 0, blockID, time.Now())
	_, err := v.ProcessUpload(ctx, claim, bytes.NewReader(payload[:len(payload)-1]))
	assert.Equal(t, blockerr.KindInvalidInput, blockerr.KindOf(err))

	// One byte long.
	long := append(append([]byte{}, payload...), 0x00)
	_, err = v.ProcessUpload(ctx, claim, bytes.NewReader(long))
	assert.Equal(t, blockerr.KindInvalidInput, blockerr.KindOf(err))

	assertNoResidue(t, dir)
}

func TestProcessUploadIntegrityViolation(t *testing.T) {
	dir := t.TempDir()
	v, fleet := setupVerifier(t, dir)
	ctx := context.Background()

	payload, blockID := payloadForClass(t, 0, 0x44)
	claim := signedClaim(t, fleet, 0, blockID, time.Now())

	// Right length, wrong content.
	tampered := append([]byte{}, payload...)
	tampered[100] ^= 0xff

	_, err := v.ProcessUpload(ctx, claim, bytes.NewReader(tampered))
	assert.Equal(t, blockerr.KindIntegrityViolation, blockerr.KindOf(err))

	path, err := v.BlockPath(0, blockID)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
	assertNoResidue(t, dir)
}

func TestProcessUploadInvalidClaims(t *testing.T) {
	v, _ := setupVerifier(t)
	ctx := context.Background()

	_, err := v.ProcessUpload(ctx, Claim{Class: 99, BlockID: strings.Repeat("a", 32)}, bytes.NewReader(nil))
	assert.Equal(t, blockerr.KindInvalidInput, blockerr.KindOf(err))

	_, err = v.ProcessUpload(ctx, Claim{Class: 0, BlockID: "nope"}, bytes.NewReader(nil))
	assert.Equal(t, blockerr.KindInvalidInput, blockerr.KindOf(err))
}

func TestBlockPathShardCheck(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()

	fleet, err := topology.NewFleet([]*topology.Server{
		{
			ID: "1", Type: topology.ServerTypeData,
			URL: "https://d1.example.com", Secret: "aabb",
			Shard: 0, Shards: 2, ShardPrefix: 2, DataDirs: []string{dirA, dirB},
		},
	})
	require.NoError(t, err)
	v, err := New(fleet, "1")
	require.NoError(t, err)

	// "ab" = 171 is shard 1; this server owns shard 0.
	_, err = v.BlockPath(0, "ab249a9a0a285514f363e27aa5353378")
	assert.Equal(t, blockerr.KindInvalidInput, blockerr.KindOf(err))

	// "aa" = 170 is owned; 256 buckets over 2 dirs puts 170 in the second.
	path, err := v.BlockPath(0, "aa249a9a0a285514f363e27aa5353378")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, dirB), "path %s should be under %s", path, dirB)
}

func TestNewRejectsNonDataServer(t *testing.T) {
	fleet, err := topology.NewFleet([]*topology.Server{
		{ID: "0", Type: topology.ServerTypeWeb, URL: "u", Secret: "aabb"},
	})
	require.NoError(t, err)

	_, err = New(fleet, "0")
	assert.Equal(t, blockerr.KindConfigError, blockerr.KindOf(err))

	_, err = New(fleet, "9")
	assert.Equal(t, blockerr.KindNotFound, blockerr.KindOf(err))
}

// assertNoResidue checks that failed uploads leave no temp files behind.
func assertNoResidue(t *testing.T, dir string) {
	t.Helper()
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if filepath.Base(path) != TimeFileName {
			t.Errorf("unexpected file left behind: %s", path)
		}
		return nil
	})
	require.NoError(t, err)
}
