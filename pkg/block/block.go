// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

// Package block implements block identity: content-addressed ids and the
// fixed size-class table. A block id is the first 16 bytes of the SHA-256
// of the block's content, hex encoded. Every component that accepts a
// caller-supplied id or size class validates it here first.
package block

import (
	"encoding/hex"
	"hash"
	"regexp"
	"sync"

	"github.com/minio/sha256-simd"
)

const (
	kb = 1024
	mb = 1024 * kb

	// IDLength is the canonical hex length of a block id (128 bits).
	IDLength = 32
)

// SizeClasses is the ordered table of allowed block byte lengths. A block's
// size class determines its exact length; uploads with any other length are
// rejected.
var SizeClasses = []int64{4 * kb, 16 * kb, 64 * kb, 256 * kb, 1 * mb, 4 * mb, 16 * mb}

var idRegexp = regexp.MustCompile(`^[0-9a-f]{32}$`)

// hasher pool follows utils.Sha256PoolGetHasher: id computation sits on the
// upload hot path and the hasher allocation is measurable at 16MB blocks.
var sha256Pool = sync.Pool{
	New: func() any {
		return sha256.New()
	},
}

// ComputeID returns the block id for the given content.
func ComputeID(data []byte) string {
	h := sha256Pool.Get().(hash.Hash)
	defer func() {
		h.Reset()
		sha256Pool.Put(h)
	}()

	h.Write(data)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:IDLength/2])
}

// IDHasher computes a block id incrementally, for payloads streamed in
// chunks rather than held in memory.
type IDHasher struct {
	h hash.Hash
}

// NewIDHasher returns a streaming id hasher. Callers must call Close when
// done to return the underlying hasher to the pool.
func NewIDHasher() *IDHasher {
	return &IDHasher{h: sha256Pool.Get().(hash.Hash)}
}

func (ih *IDHasher) Write(p []byte) (int, error) {
	return ih.h.Write(p)
}

// Sum returns the block id for everything written so far.
func (ih *IDHasher) Sum() string {
	sum := ih.h.Sum(nil)
	return hex.EncodeToString(sum[:IDLength/2])
}

func (ih *IDHasher) Close() {
	ih.h.Reset()
	sha256Pool.Put(ih.h)
	ih.h = nil
}

// IsValidID reports whether s is a canonical block id: exactly 32 lowercase
// hex characters.
func IsValidID(s string) bool {
	return idRegexp.MatchString(s)
}

// IsValidSizeClass reports whether class indexes the size-class table.
func IsValidSizeClass(class int) bool {
	return class >= 0 && class < len(SizeClasses)
}

// SizeBytes returns the exact byte length for a size class. Callers must
// validate the class first; out-of-range classes return 0.
func SizeBytes(class int) int64 {
	if !IsValidSizeClass(class) {
		return 0
	}
	return SizeClasses[class]
}
