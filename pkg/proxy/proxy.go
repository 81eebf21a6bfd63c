// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the block cache run by proxy servers. A proxy
// serves download traffic out of local cache directories and fills misses
// from the origin web server, persisting only payloads whose content hash
// matches the requested block id.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/blocknet/pkg/block"
	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"
	"github.com/LeeDigitalWorks/blocknet/pkg/logger"
	"github.com/LeeDigitalWorks/blocknet/pkg/topology"
)

// Cache files are bucketed by a three character id prefix, independent of
// the shard prefix used by data servers. Cached blocks inherit the mtime
// of the per-directory time file so eviction tooling can rank them.
const (
	cachePrefixLen = 3
	timeFileName   = "time.file"
)

// Cache is the block cache of one proxy server.
type Cache struct {
	self   *topology.Server
	origin string
	client *http.Client
}

// New creates the cache for the named proxy server. origin is the base URL
// of the web server that authoritatively resolves blocks. Cache directories
// are created on startup along with their reference time files.
func New(fleet *topology.Fleet, serverID, origin string) (*Cache, error) {
	self, err := fleet.ServerByID(serverID)
	if err != nil {
		return nil, err
	}
	if self.Type != topology.ServerTypeProxy {
		return nil, blockerr.New(blockerr.KindConfigError,
			"server %s is %s, not a proxy server", serverID, self.Type)
	}
	if len(self.DataDirs) == 0 {
		return nil, blockerr.New(blockerr.KindConfigError,
			"proxy server %s has no cache dirs", serverID)
	}
	if _, err := url.ParseRequestURI(origin); err != nil {
		return nil, blockerr.Wrap(blockerr.KindConfigError, err, "origin url %q", origin)
	}

	for _, dir := range self.DataDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, blockerr.Wrap(blockerr.KindConfigError, err, "create cache dir %s", dir)
		}
		timeFile := filepath.Join(dir, timeFileName)
		if _, err := os.Stat(timeFile); os.IsNotExist(err) {
			f, err := os.Create(timeFile)
			if err != nil {
				return nil, blockerr.Wrap(blockerr.KindConfigError, err, "create time file %s", timeFile)
			}
			f.Close()
		}
	}

	return &Cache{
		self:   self,
		origin: origin,
		client: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// CachePath returns the cache location for a block on this proxy.
func (c *Cache) CachePath(class int, blockID string) (string, error) {
	if !block.IsValidID(blockID) {
		return "", blockerr.New(blockerr.KindInvalidInput, "invalid block id %q", blockID)
	}
	if !block.IsValidSizeClass(class) {
		return "", blockerr.New(blockerr.KindInvalidInput, "invalid size class %d", class)
	}

	prefix := blockID[:cachePrefixLen]
	prefixInt, err := strconv.ParseInt(prefix, 16, 64)
	if err != nil {
		return "", blockerr.Wrap(blockerr.KindInvalidInput, err, "block id prefix %q", prefix)
	}

	dir := c.self.DataDirs[int(prefixInt)%len(c.self.DataDirs)]
	return filepath.Join(dir, prefix, strconv.Itoa(class), blockID+topology.BlockFileExt), nil
}

// Open returns the cached file for a block, or NotFound on a cache miss.
// The caller owns the returned file.
func (c *Cache) Open(class int, blockID string) (*os.File, error) {
	path, err := c.CachePath(class, blockID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		cacheMisses.Inc()
		return nil, blockerr.New(blockerr.KindNotFound, "block %s not cached", blockID)
	}
	if err != nil {
		return nil, blockerr.Wrap(blockerr.KindUnavailable, err, "open cached block %s", blockID)
	}
	cacheHits.Inc()
	return f, nil
}

// FetchAndCache fills a cache miss from the origin and returns the payload.
// The payload is returned even when persisting it fails; a broken cache
// write must not break the download.
func (c *Cache) FetchAndCache(ctx context.Context, class int, blockID string) ([]byte, error) {
	if !block.IsValidID(blockID) {
		return nil, blockerr.New(blockerr.KindInvalidInput, "invalid block id %q", blockID)
	}
	if !block.IsValidSizeClass(class) {
		return nil, blockerr.New(blockerr.KindInvalidInput, "invalid size class %d", class)
	}

	originURL := fmt.Sprintf("%s/download?size=%d&blockId=%s", c.origin, class, blockID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originURL, nil)
	if err != nil {
		return nil, blockerr.Wrap(blockerr.KindUnavailable, err, "origin request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, blockerr.Wrap(blockerr.KindUnavailable, err, "fetch %s from origin", blockID)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, blockerr.New(blockerr.KindNotFound, "block %s not found at origin", blockID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, blockerr.New(blockerr.KindUnavailable,
			"origin returned %d for block %s", resp.StatusCode, blockID)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, block.SizeBytes(class)+1))
	if err != nil {
		return nil, blockerr.Wrap(blockerr.KindUnavailable, err, "read origin payload")
	}

	if err := c.Store(class, blockID, data); err != nil {
		logger.Warn().Err(err).Str("block", blockID).Msg("failed to cache block")
	}
	return data, nil
}

// Store persists a payload in the cache after validating its length and
// content hash against the block id.
func (c *Cache) Store(class int, blockID string, data []byte) error {
	path, err := c.CachePath(class, blockID)
	if err != nil {
		return err
	}
	if int64(len(data)) != block.SizeBytes(class) {
		return blockerr.New(blockerr.KindInvalidInput,
			"payload length mismatch for size class %d", class)
	}
	if got := block.ComputeID(data); got != blockID {
		return blockerr.New(blockerr.KindIntegrityViolation,
			"payload hash %s does not match block id %s", got, blockID)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "create cache dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), blockID+".cache-*")
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
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Warn().Err(rmErr).Str("path", tmpPath).Msg("failed to remove temp cache file")
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "write cache file")
	}
	if err := tmp.Close(); err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "close cache file")
	}

	refTime, err := c.referenceTime(path)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return blockerr.Wrap(blockerr.KindUnavailable, err, "rename into cache")
	}
	renamed = true

	if err := os.Chtimes(path, refTime, refTime); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("failed to pin cache mtime")
	}
	cacheFills.Inc()
	return nil
}

func (c *Cache) referenceTime(path string) (time.Time, error) {
	for _, dir := range c.self.DataDirs {
		rel, err := filepath.Rel(dir, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		info, err := os.Stat(filepath.Join(dir, timeFileName))
		if err != nil {
			return time.Time{}, blockerr.Wrap(blockerr.KindUnavailable, err, "stat time file in %s", dir)
		}
		return info.ModTime(), nil
	}
	return time.Time{}, blockerr.New(blockerr.KindUnavailable, "no cache dir contains %s", path)
}
