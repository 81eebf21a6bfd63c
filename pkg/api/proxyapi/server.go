// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxyapi exposes a proxy server's HTTP surface: token-gated
// block downloads served from the local cache, with misses filled from
// the origin web server.
package proxyapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/LeeDigitalWorks/blocknet/pkg/block"
	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"
	"github.com/LeeDigitalWorks/blocknet/pkg/logger"
	"github.com/LeeDigitalWorks/blocknet/pkg/proxy"
	"github.com/LeeDigitalWorks/blocknet/pkg/topology"
	"github.com/LeeDigitalWorks/blocknet/pkg/user"
)

// Server handles proxy server requests.
type Server struct {
	cache  *proxy.Cache
	tokens *user.TokenValidator
}

func NewServer(mux *http.ServeMux, cache *proxy.Cache, tokens *user.TokenValidator) *Server {
	s := &Server{cache: cache, tokens: tokens}
	mux.HandleFunc("/download", s.DownloadHandler)
	return s
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := blockerr.KindOf(err)
	msg := err.Error()
	if kind == blockerr.KindUnavailable || kind == blockerr.KindConfigError {
		logger.Error().Err(err).Msg("internal error")
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	if err := json.NewEncoder(w).Encode(errorResponse{Error: msg}); err != nil {
		logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()

	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		writeError(w, blockerr.New(blockerr.KindUnauthorized, "download token required"))
		return
	}
	if err := s.tokens.Validate(q.Get("identity"), expires, q.Get("token")); err != nil {
		writeError(w, err)
		return
	}

	class, err := strconv.Atoi(q.Get("size"))
	if err != nil || !block.IsValidSizeClass(class) {
		writeError(w, blockerr.New(blockerr.KindInvalidInput, "invalid size class %q", q.Get("size")))
		return
	}
	blockID := q.Get("blockId")
	if !block.IsValidID(blockID) {
		writeError(w, blockerr.New(blockerr.KindInvalidInput, "invalid block id %q", blockID))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")

	f, err := s.cache.Open(class, blockID)
	if err == nil {
		defer f.Close()
		info, statErr := f.Stat()
		if statErr != nil {
			writeError(w, blockerr.Wrap(blockerr.KindUnavailable, statErr, "stat cached block"))
			return
		}
		http.ServeContent(w, r, blockID+topology.BlockFileExt, info.ModTime(), f)
		return
	}
	if !blockerr.Is(err, blockerr.KindNotFound) {
		writeError(w, err)
		return
	}

	data, err := s.cache.FetchAndCache(r.Context(), class, blockID)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := w.Write(data); err != nil {
		logger.Warn().Err(err).Str("block", blockID).Msg("failed to write download")
	}
}
