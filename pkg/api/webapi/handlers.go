// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package webapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/LeeDigitalWorks/blocknet/pkg/block"
	"github.com/LeeDigitalWorks/blocknet/pkg/blockerr"
	"github.com/LeeDigitalWorks/blocknet/pkg/logger"
	"github.com/LeeDigitalWorks/blocknet/pkg/registry"
	"github.com/LeeDigitalWorks/blocknet/pkg/user"
)

// maxBlocksPerLookup caps multi-block lookups so one request cannot pin
// the registry with an unbounded pipeline.
const maxBlocksPerLookup = 64

// randomSampleSize matches the discovery sample served per request.
const randomSampleSize = 5

type publishStartRequest struct {
	Size    int    `json:"size"`
	BlockID string `json:"blockId"`
	UserID  string `json:"userId"`
	Secret  string `json:"secret"`
}

type publishFinishRequest struct {
	Size      int    `json:"size"`
	BlockID   string `json:"blockId"`
	ServerID  string `json:"serverId"`
	Signature string `json:"signature"`
	UserID    string `json:"userId"`
	Secret    string `json:"secret"`
}

type publishedResponse struct {
	Published bool `json:"published"`
}

type blockInfo struct {
	URLs []string `json:"urls"`
}

type randomBlock struct {
	ID   string   `json:"id"`
	URLs []string `json:"urls"`
}

// gatePublishCredit resolves the caller's identity and rejects the request
// when the combined balance cannot cover the publish charge.
func (s *Server) gatePublishCredit(w http.ResponseWriter, r *http.Request, class int, userID, secret string) (*user.User, bool) {
	if !block.IsValidSizeClass(class) {
		writeError(w, blockerr.New(blockerr.KindInvalidInput, "invalid size class %d", class))
		return nil, false
	}
	u, err := s.users.GetUser(r.Context(), clientIP(r), userID, secret)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if u.Credit < user.RequiredPublishCredit(class) {
		writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: "insufficient credit"})
		return nil, false
	}
	return u, true
}

func (s *Server) PublishStartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.publishLimiter != nil && !s.publishLimiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}
	var req publishStartRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, ok := s.gatePublishCredit(w, r, req.Size, req.UserID, req.Secret); !ok {
		return
	}

	res, err := s.protocol.Start(r.Context(), req.Size, req.BlockID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) PublishFinishHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req publishFinishRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, ok := s.gatePublishCredit(w, r, req.Size, req.UserID, req.Secret)
	if !ok {
		return
	}

	if err := s.protocol.Finish(r.Context(), req.Size, req.BlockID, req.ServerID, req.Signature); err != nil {
		writeError(w, err)
		return
	}

	// The block is committed at this point; a failed debit only means a
	// free publish, which beats charging for a failed one.
	if err := s.users.DebitForPublish(r.Context(), u, req.Size); err != nil {
		logger.Error().Err(err).Str("block", req.BlockID).Msg("failed to debit publish credit")
	}
	writeJSON(w, http.StatusOK, publishedResponse{Published: true})
}

// urlsForRecord fans a committed record out to one download URL per owning
// server. Servers that fail URL construction are skipped rather than
// failing the whole lookup.
func (s *Server) urlsForRecord(rec *registry.Record) []string {
	urls := make([]string, 0, len(rec.Servers))
	for _, serverID := range rec.Servers {
		u, err := s.fleet.DownloadURL(rec.Class, rec.ID, serverID)
		if err != nil {
			logger.Warn().Err(err).
				Str("block", rec.ID).
				Str("server", serverID).
				Msg("cannot build download url")
			continue
		}
		urls = append(urls, u)
	}
	return urls
}

// parseLookupQuery validates the size and id query parameters shared by the
// block lookup handlers.
func parseLookupQuery(r *http.Request, idParam string) (int, string, error) {
	class, err := strconv.Atoi(r.URL.Query().Get("size"))
	if err != nil || !block.IsValidSizeClass(class) {
		return 0, "", blockerr.New(blockerr.KindInvalidInput,
			"invalid size class %q", r.URL.Query().Get("size"))
	}
	id := r.URL.Query().Get(idParam)
	if idParam != "" && !block.IsValidID(id) {
		return 0, "", blockerr.New(blockerr.KindInvalidInput, "invalid block id %q", id)
	}
	return class, id, nil
}

func (s *Server) BlockHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	class, id, err := parseLookupQuery(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := s.registry.Lookup(r.Context(), class, id)
	if err != nil {
		writeError(w, err)
		return
	}
	// A reserved record is not yet available to readers.
	if rec == nil || rec.Reserved {
		writeError(w, blockerr.New(blockerr.KindNotFound, "block %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, blockInfo{URLs: s.urlsForRecord(rec)})
}

func (s *Server) BlocksHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	class, _, err := parseLookupQuery(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	ids := strings.Split(r.URL.Query().Get("ids"), ",")
	if len(ids) == 0 || ids[0] == "" {
		writeError(w, blockerr.New(blockerr.KindInvalidInput, "ids required"))
		return
	}
	if len(ids) > maxBlocksPerLookup {
		writeError(w, blockerr.New(blockerr.KindInvalidInput,
			"at most %d ids per request", maxBlocksPerLookup))
		return
	}
	for _, id := range ids {
		if !block.IsValidID(id) {
			writeError(w, blockerr.New(blockerr.KindInvalidInput, "invalid block id %q", id))
			return
		}
	}

	recs, err := s.registry.LookupMulti(r.Context(), class, ids)
	if err != nil {
		writeError(w, err)
		return
	}
	blocks := make(map[string]blockInfo)
	for _, rec := range recs {
		if rec == nil || rec.Reserved {
			continue
		}
		blocks[rec.ID] = blockInfo{URLs: s.urlsForRecord(rec)}
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (s *Server) RandomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	class, _, err := parseLookupQuery(r, "")
	if err != nil {
		writeError(w, err)
		return
	}

	recs, err := s.registry.SampleRandom(r.Context(), class, randomSampleSize)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]randomBlock, 0, len(recs))
	for _, rec := range recs {
		out = append(out, randomBlock{ID: rec.ID, URLs: s.urlsForRecord(rec)})
	}
	writeJSON(w, http.StatusOK, out)
}

// DownloadHandler redirects generic download requests to an owning server.
// Published block content is immutable, so the redirect is cacheable.
func (s *Server) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	class, id, err := parseLookupQuery(r, "blockId")
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := s.registry.Lookup(r.Context(), class, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil || rec.Reserved {
		writeError(w, blockerr.New(blockerr.KindNotFound, "block %s not found", id))
		return
	}
	urls := s.urlsForRecord(rec)
	if len(urls) == 0 {
		writeError(w, blockerr.New(blockerr.KindNotFound, "block %s has no servers", id))
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=21600")
	http.Redirect(w, r, urls[0], http.StatusFound)
}

type createUserRequest struct {
	UserID string `json:"userId"`
	Secret string `json:"secret"`
}

func (s *Server) UserHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		u, err := s.users.GetUser(r.Context(),
			clientIP(r), r.URL.Query().Get("userId"), r.Header.Get("X-Secret"))
		if err != nil {
			writeError(w, err)
			return
		}
		// The secret is only returned from account creation.
		u.Secret = ""
		writeJSON(w, http.StatusOK, u)
	case http.MethodPost:
		var req createUserRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		u, err := s.users.CreateUser(r.Context(), req.UserID, req.Secret)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type replaceTokenRequest struct {
	PrivateID string `json:"privateId"`
	Token     string `json:"token"`
}

func (s *Server) ReplaceTokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req replaceTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tok, err := s.replaces.CreateToken(r.Context(), req.PrivateID, req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

type replaceRequest struct {
	OriginalID string `json:"originalId"`
	ParentID   string `json:"parentId"`
	Link       string `json:"link"`
	Token      string `json:"token"`
}

type replaceResponse struct {
	ParentID string     `json:"parentId"`
	Link     string     `json:"link"`
	Deleted  bool       `json:"deleted,omitempty"`
	B0       *blockInfo `json:"b0,omitempty"`
	B1       *blockInfo `json:"b1,omitempty"`
}

func (s *Server) ReplaceHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getReplace(w, r)
	case http.MethodPost:
		var req replaceRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		err := s.replaces.Replace(r.Context(), req.OriginalID, req.ParentID, req.Link, req.Token)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getReplace(w http.ResponseWriter, r *http.Request) {
	entry, link, err := s.replaces.Get(r.Context(), r.URL.Query().Get("privateId"))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := replaceResponse{ParentID: entry.ParentID, Link: entry.Link, Deleted: link.Deleted}
	if !link.Deleted {
		recs, err := s.registry.LookupMulti(r.Context(), link.Class, []string{link.B0, link.B1})
		if err != nil {
			writeError(w, err)
			return
		}
		if recs[0] != nil && !recs[0].Reserved {
			resp.B0 = &blockInfo{URLs: s.urlsForRecord(recs[0])}
		}
		if recs[1] != nil && !recs[1].Reserved {
			resp.B1 = &blockInfo{URLs: s.urlsForRecord(recs[1])}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
