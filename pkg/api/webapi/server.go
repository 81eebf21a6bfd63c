// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

// Package webapi exposes the web server's HTTP surface: publish
// orchestration, block lookup, user and credit accounting, and replace
// management. Handlers are a thin decode/respond boundary; all semantics
// live in the service packages.
package webapi

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"
	"github.com/LeeDigitalWorks/blocknet/pkg/logger"
	"github.com/LeeDigitalWorks/blocknet/pkg/publish"
	"github.com/LeeDigitalWorks/blocknet/pkg/registry"
	"github.com/LeeDigitalWorks/blocknet/pkg/replace"
	"github.com/LeeDigitalWorks/blocknet/pkg/topology"
	"github.com/LeeDigitalWorks/blocknet/pkg/user"
	"golang.org/x/time/rate"
)

// Server handles web API requests for one web server.
type Server struct {
	fleet    *topology.Fleet
	registry *registry.Registry
	protocol *publish.Protocol
	users    *user.Service
	replaces *replace.Service

	publishLimiter *rate.Limiter
}

func NewServer(mux *http.ServeMux, fleet *topology.Fleet, reg *registry.Registry, users *user.Service) *Server {
	s := &Server{
		fleet:    fleet,
		registry: reg,
		protocol: publish.New(fleet, reg),
		users:    users,
		replaces: replace.New(reg),
	}

	mux.HandleFunc("/publish/start", s.PublishStartHandler)
	mux.HandleFunc("/publish/finish", s.PublishFinishHandler)
	mux.HandleFunc("/block", s.BlockHandler)
	mux.HandleFunc("/blocks", s.BlocksHandler)
	mux.HandleFunc("/random", s.RandomHandler)
	mux.HandleFunc("/download", s.DownloadHandler)
	mux.HandleFunc("/user", s.UserHandler)
	mux.HandleFunc("/replace-token", s.ReplaceTokenHandler)
	mux.HandleFunc("/replace", s.ReplaceHandler)
	return s
}

// SetPublishRateLimit installs a server-wide limit on publish starts.
// perSecond is both the sustained rate and the burst size; zero or
// negative disables limiting.
func (s *Server) SetPublishRateLimit(perSecond int) {
	if perSecond <= 0 {
		s.publishLimiter = nil
		return
	}
	s.publishLimiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// clientIP prefers the reverse proxy's X-Real-IP header and falls back to
// the connection's remote address.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("failed to encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := blockerr.KindOf(err)
	if kind == blockerr.KindUnavailable || kind == blockerr.KindConfigError {
		// Do not leak store or config details to clients.
		logger.Error().Err(err).Msg("internal error")
		writeJSON(w, kind.HTTPStatus(), errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, kind.HTTPStatus(), errorResponse{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return blockerr.Wrap(blockerr.KindInvalidInput, err, "decode request body")
	}
	return nil
}
