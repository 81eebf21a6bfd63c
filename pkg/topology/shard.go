// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"math"
	"strconv"
)

// DefaultShardPrefix is the hex-digit prefix length used for path layout on
// unsharded data servers.
const DefaultShardPrefix = 2

// MaxShardPrefix bounds shard_prefix: 16 hex digits can overflow an int64,
// which would silently collapse routing onto shard 0.
const MaxShardPrefix = 15

// ShardOf maps a block id to a shard number: the first prefixLen hex
// characters parsed as an integer, modulo shards.
//
// Block ids are uniform hash outputs, so a hex-prefix slice is already
// uniformly distributed. That makes a second hash per routing decision
// unnecessary and keeps shard membership auditable by hand from an id.
func ShardOf(blockID string, prefixLen, shards int) int {
	if prefixLen <= 0 || prefixLen > len(blockID) || shards <= 0 {
		return 0
	}
	prefixInt, err := strconv.ParseInt(blockID[:prefixLen], 16, 64)
	if err != nil {
		return 0
	}
	return int(prefixInt) % shards
}

// OwnsBlock reports whether the server's shard assignment covers the block.
// Unsharded servers own every block of their type.
func OwnsBlock(srv *Server, blockID string) bool {
	if srv.Shards == 0 {
		return true
	}
	return ShardOf(blockID, srv.ShardPrefix, srv.Shards) == srv.Shard
}

// DataDirIndex buckets a shard-prefix integer into one of the server's
// physical data directories: floor(prefixInt / (shardBuckets / numDataDirs)).
// Prefix values map to dirs sequentially so that an operator can locate a
// block's directory from its id alone.
//
// The divisor is a real number, not an integer. When the dir count does not
// divide the bucket count evenly, truncating it would shift every bucket
// boundary and place blocks in different directories than the rest of the
// fleet computes.
func DataDirIndex(prefixInt int, srv *Server) int {
	n := len(srv.DataDirs)
	if n <= 1 {
		return 0
	}
	per := float64(srv.ShardBuckets()) / float64(n)
	return int(math.Floor(float64(prefixInt) / per))
}

// PrefixLen returns the hex-digit prefix length used for the server's path
// layout, falling back to DefaultShardPrefix for unsharded servers.
func PrefixLen(srv *Server) int {
	if srv.ShardPrefix > 0 {
		return srv.ShardPrefix
	}
	return DefaultShardPrefix
}
