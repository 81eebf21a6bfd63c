// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardOf(t *testing.T) {
	t.Parallel()

	// "aa" = 170
	assert.Equal(t, 0, ShardOf("aa249a9a0a285514f363e27aa5353378", 2, 2))
	// "ab" = 171
	assert.Equal(t, 1, ShardOf("ab249a9a0a285514f363e27aa5353378", 2, 2))
	// "aa1" = 2721, 2721 % 3 = 0
	assert.Equal(t, 0, ShardOf("aa149a9a0a285514f363e27aa5353378", 3, 3))
	// "aa2" = 2722, 2722 % 3 = 1
	assert.Equal(t, 1, ShardOf("aa249a9a0a285514f363e27aa5353378", 3, 3))
	// "aa3" = 2723, 2723 % 3 = 2
	assert.Equal(t, 2, ShardOf("aa349a9a0a285514f363e27aa5353378", 3, 3))

	// Degenerate parameters fall back to shard 0.
	assert.Equal(t, 0, ShardOf("aa249a9a0a285514f363e27aa5353378", 0, 2))
	assert.Equal(t, 0, ShardOf("aa", 3, 2))
}

func TestOwnsBlockUnsharded(t *testing.T) {
	t.Parallel()

	srv := &Server{ID: "5", Type: ServerTypeProxy}
	assert.True(t, OwnsBlock(srv, "aa249a9a0a285514f363e27aa5353378"))
	assert.True(t, OwnsBlock(srv, "ff249a9a0a285514f363e27aa5353378"))
}

// Any complete shard partition assigns every block id to exactly one server.
func TestShardCoverage(t *testing.T) {
	t.Parallel()

	const shards = 4
	servers := make([]*Server, shards)
	for i := range servers {
		servers[i] = &Server{
			ID:          string(rune('a' + i)),
			Type:        ServerTypeData,
			Shard:       i,
			Shards:      shards,
			ShardPrefix: 2,
		}
	}

	for trial := 0; trial < 200; trial++ {
		raw := make([]byte, 16)
		_, err := rand.Read(raw)
		require.NoError(t, err)
		blockID := hex.EncodeToString(raw)

		owners := 0
		for _, srv := range servers {
			if OwnsBlock(srv, blockID) {
				owners++
			}
		}
		assert.Equal(t, 1, owners, "block %s", blockID)
	}
}

func TestDataDirIndex(t *testing.T) {
	t.Parallel()

	srv := &Server{
		Type:        ServerTypeData,
		ShardPrefix: 2,
		Shards:      1,
		DataDirs:    []string{"/a", "/b", "/c", "/d"},
	}

	// 256 buckets over 4 dirs: 64 prefixes per dir.
	assert.Equal(t, 0, DataDirIndex(0, srv))
	assert.Equal(t, 0, DataDirIndex(63, srv))
	assert.Equal(t, 1, DataDirIndex(64, srv))
	assert.Equal(t, 2, DataDirIndex(170, srv))
	assert.Equal(t, 3, DataDirIndex(255, srv))

	single := &Server{Type: ServerTypeData, ShardPrefix: 2, DataDirs: []string{"/a"}}
	assert.Equal(t, 0, DataDirIndex(200, single))
}

// A dir count that does not divide the bucket count has fractional bucket
// boundaries. Integer division would shift them, placing blocks in a
// different directory than the rest of the fleet expects.
func TestDataDirIndexNonDividingDirs(t *testing.T) {
	t.Parallel()

	srv := &Server{
		Type:        ServerTypeData,
		ShardPrefix: 2,
		Shards:      1,
		DataDirs:    []string{"/a", "/b", "/c"},
	}

	// 256 buckets over 3 dirs: boundaries at 85.33 and 170.67.
	assert.Equal(t, 0, DataDirIndex(0, srv))
	assert.Equal(t, 0, DataDirIndex(85, srv))
	assert.Equal(t, 1, DataDirIndex(86, srv))
	assert.Equal(t, 1, DataDirIndex(170, srv))
	assert.Equal(t, 2, DataDirIndex(171, srv))
	assert.Equal(t, 2, DataDirIndex(255, srv))
}

func TestPrefixLen(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3, PrefixLen(&Server{ShardPrefix: 3}))
	assert.Equal(t, DefaultShardPrefix, PrefixLen(&Server{}))
}
