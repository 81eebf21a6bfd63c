// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

// Package dataapi exposes a data server's HTTP surface: signed block
// uploads and token-gated block downloads served from local storage.
package dataapi

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"

	"github.com/LeeDigitalWorks/blocknet/pkg/block"
	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"
	"github.com/LeeDigitalWorks/blocknet/pkg/logger"
	"github.com/LeeDigitalWorks/blocknet/pkg/topology"
	"github.com/LeeDigitalWorks/blocknet/pkg/upload"
	"github.com/LeeDigitalWorks/blocknet/pkg/user"
)

// multipart parsing keeps at most this much of an upload in memory; the
// rest spills to a temp file before verification.
const maxUploadMemory = 4 << 20

// Server handles data server requests.
type Server struct {
	verifier *upload.Verifier
	tokens   *user.TokenValidator
}

func NewServer(mux *http.ServeMux, verifier *upload.Verifier, tokens *user.TokenValidator) *Server {
	s := &Server{verifier: verifier, tokens: tokens}
	mux.HandleFunc("/upload", s.UploadHandler)
	mux.HandleFunc("/download/", s.DownloadHandler)
	return s
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := blockerr.KindOf(err)
	if kind == blockerr.KindUnavailable || kind == blockerr.KindConfigError {
		logger.Error().Err(err).Msg("internal error")
		writeJSON(w, kind.HTTPStatus(), errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, kind.HTTPStatus(), errorResponse{Error: err.Error()})
}

// validateTokenQuery checks the download token carried in query params.
func validateTokenQuery(tokens *user.TokenValidator, r *http.Request) error {
	q := r.URL.Query()
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return blockerr.New(blockerr.KindUnauthorized, "download token required")
	}
	return tokens.Validate(q.Get("identity"), expires, q.Get("token"))
}

func (s *Server) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// One block plus multipart framing bounds the request body.
	r.Body = http.MaxBytesReader(w, r.Body, block.SizeBytes(len(block.SizeClasses)-1)+maxUploadMemory)
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, blockerr.Wrap(blockerr.KindInvalidInput, err, "parse multipart form"))
		return
	}

	class, err := strconv.Atoi(r.FormValue("size"))
	if err != nil {
		writeError(w, blockerr.New(blockerr.KindInvalidInput, "invalid size class %q", r.FormValue("size")))
		return
	}
	issueTime, err := strconv.ParseInt(r.FormValue("time"), 10, 64)
	if err != nil {
		writeError(w, blockerr.New(blockerr.KindInvalidInput, "invalid signature time %q", r.FormValue("time")))
		return
	}

	payload, _, err := r.FormFile("block")
	if err != nil {
		writeError(w, blockerr.Wrap(blockerr.KindInvalidInput, err, "block file required"))
		return
	}
	defer payload.Close()

	claim := upload.Claim{
		Class:     class,
		BlockID:   r.FormValue("blockId"),
		Signature: r.FormValue("signature"),
		Time:      issueTime,
	}
	res, err := s.verifier.ProcessUpload(r.Context(), claim, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := validateTokenQuery(s.tokens, r); err != nil {
		writeError(w, err)
		return
	}

	class, blockID, err := topology.ParseDownloadPath(r.URL.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	path, err := s.verifier.BlockPath(class, blockID)
	if err != nil {
		writeError(w, err)
		return
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		writeError(w, blockerr.New(blockerr.KindNotFound, "block %s not found", blockID))
		return
	}
	if err != nil {
		writeError(w, blockerr.Wrap(blockerr.KindUnavailable, err, "open block %s", blockID))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, blockerr.Wrap(blockerr.KindUnavailable, err, "stat block %s", blockID))
		return
	}

	// Block content is immutable, so clients may cache indefinitely.
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, blockID+topology.BlockFileExt, info.ModTime(), f)
}
