// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package dataapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/blocknet/pkg/block"
	"github.com/LeeDigitalWorks/blocknet/pkg/publish"
	"github.com/LeeDigitalWorks/blocknet/pkg/registry"
	"github.com/LeeDigitalWorks/blocknet/pkg/topology"
	"github.com/LeeDigitalWorks/blocknet/pkg/upload"
	"github.com/LeeDigitalWorks/blocknet/pkg/user"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	mux   *http.ServeMux
	fleet *topology.Fleet
	users *user.Service
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()

	fleet, err := topology.NewFleet([]*topology.Server{
		{
			ID: "0", Type: topology.ServerTypeWeb,
			URL: "https://web.example.com", Secret: "00112233445566778899aabbccddeeff",
		},
		{
			ID: "1", Type: topology.ServerTypeData,
			URL: "https://d1.example.com", Secret: "ffeeddccbbaa99887766554433221100",
			DataDirs: []string{t.TempDir()},
		},
	})
	require.NoError(t, err)

	verifier, err := upload.New(fleet, "1")
	require.NoError(t, err)
	tokens, err := user.NewTokenValidator(fleet, "0")
	require.NoError(t, err)

	s := miniredis.RunT(t)
	newClient := func(db int) *redis.Client {
		return redis.NewClient(&redis.Options{Addr: s.Addr(), DB: db})
	}
	var blocks []*redis.Client
	for class := range block.SizeClasses {
		blocks = append(blocks, newClient(1+class))
	}
	reg := registry.NewWithClients(blocks, newClient(8), newClient(9), newClient(10), newClient(11))
	t.Cleanup(func() { reg.Close() })

	users, err := user.New(fleet, reg, "0")
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewServer(mux, verifier, tokens)
	return &testEnv{mux: mux, fleet: fleet, users: users}
}

func (e *testEnv) uploadRequest(t *testing.T, class int, blockID, sig string, issueTime int64, payload []byte) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("size", strconv.Itoa(class)))
	require.NoError(t, mw.WriteField("blockId", blockID))
	require.NoError(t, mw.WriteField("signature", sig))
	require.NoError(t, mw.WriteField("time", strconv.FormatInt(issueTime, 10)))
	fw, err := mw.CreateFormFile("block", blockID+".blk")
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func (e *testEnv) downloadToken(t *testing.T) (identity string, expires int64, value string) {
	t.Helper()
	u, err := e.users.GetUser(context.Background(), "203.0.113.7", "", "")
	require.NoError(t, err)
	require.NotNil(t, u.Token)
	return u.AnonID, u.Token.Expires, u.Token.Value
}

func TestUploadAndDownload(t *testing.T) {
	env := setupServer(t)

	payload := bytes.Repeat([]byte{0x5a}, int(block.SizeBytes(0)))
	blockID := block.ComputeID(payload)
	issueTime := time.Now().Unix()
	sig, err := env.fleet.Sign(publish.UploadAuthPayload(0, blockID, issueTime), "1")
	require.NoError(t, err)

	w := env.uploadRequest(t, 0, blockID, sig, issueTime, payload)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res upload.Result
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, "1", res.ServerID)

	// The completion signature validates against the data server's secret.
	ok, err := env.fleet.Verify(publish.CompletionPayload(0, blockID, "1"), res.Signature, "1")
	require.NoError(t, err)
	assert.True(t, ok)

	identity, expires, token := env.downloadToken(t)
	target := fmt.Sprintf("/download/%s/0/%s.blk?identity=%s&expires=%d&token=%s",
		blockID[:2], blockID, identity, expires, token)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w = httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, payload, w.Body.Bytes())
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
}

func TestUploadRejectsBadSignature(t *testing.T) {
	env := setupServer(t)

	payload := bytes.Repeat([]byte{0x5a}, int(block.SizeBytes(0)))
	blockID := block.ComputeID(payload)

	w := env.uploadRequest(t, 0, blockID, "deadbeef", time.Now().Unix(), payload)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUploadRejectsCorruptPayload(t *testing.T) {
	env := setupServer(t)

	payload := bytes.Repeat([]byte{0x5a}, int(block.SizeBytes(0)))
	blockID := block.ComputeID(payload)
	issueTime := time.Now().Unix()
	sig, err := env.fleet.Sign(publish.UploadAuthPayload(0, blockID, issueTime), "1")
	require.NoError(t, err)

	corrupt := append([]byte(nil), payload...)
	corrupt[0] ^= 0xff
	w := env.uploadRequest(t, 0, blockID, sig, issueTime, corrupt)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDownloadRequiresToken(t *testing.T) {
	env := setupServer(t)

	blockID := "ab249cbd52352325a56a9b4e2b73bd1a"
	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/download/%s/0/%s.blk", blockID[:2], blockID), nil)
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A forged token value is rejected too.
	identity, expires, _ := env.downloadToken(t)
	req = httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/download/%s/0/%s.blk?identity=%s&expires=%d&token=deadbeef",
			blockID[:2], blockID, identity, expires), nil)
	w = httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDownloadUnknownBlock(t *testing.T) {
	env := setupServer(t)

	identity, expires, token := env.downloadToken(t)
	blockID := "ab249cbd52352325a56a9b4e2b73bd1a"
	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/download/%s/0/%s.blk?identity=%s&expires=%d&token=%s",
			blockID[:2], blockID, identity, expires, token), nil)
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
