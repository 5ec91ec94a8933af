// Copyright (C) 2025 Clauselight, Inc. (eng@clauselight.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	analysis "github.com/clauselight/clauselight/services/analysis"
	"github.com/clauselight/clauselight/services/analysis/cache"
	"github.com/clauselight/clauselight/services/analysis/ingest"
	"github.com/clauselight/clauselight/services/analysis/possession"
	"github.com/clauselight/clauselight/services/analysis/registry"
	"github.com/clauselight/clauselight/services/analysis/storage/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type gatewayHarness struct {
	router *gin.Engine
	cache  *cache.Cache
	reg    *registry.Registry
	hasher *ingest.Hasher
}

func newGateway(t *testing.T) *gatewayHarness {
	return newGatewayWithToken(t, "")
}

func newGatewayWithToken(t *testing.T, operatorToken string) *gatewayHarness {
	t.Helper()

	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger, err := possession.NewLedger(db, nil)
	require.NoError(t, err)
	gate, err := possession.NewGate(ledger)
	require.NoError(t, err)
	analysisCache, err := cache.New(db, nil)
	require.NoError(t, err)
	reg, err := registry.New(db, nil)
	require.NoError(t, err)
	svc, err := analysis.NewService(ledger, gate, analysisCache, reg, nil)
	require.NoError(t, err)

	hasher, err := ingest.NewHasher(bytes.Repeat([]byte{0x6b}, 32), nil)
	require.NoError(t, err)
	t.Cleanup(hasher.Destroy)

	hub := NewHub(reg, nil)
	gw, err := New(svc, reg, nil, hub, Config{Hasher: hasher, OperatorToken: operatorToken}, nil)
	require.NoError(t, err)

	return &gatewayHarness{router: gw.Router(), cache: analysisCache, reg: reg, hasher: hasher}
}

func (h *gatewayHarness) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

// doRaw sends a request with a raw byte body (no JSON encoding).
func (h *gatewayHarness) doRaw(t *testing.T, method, path, user string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

// TestSubmitContent uploads document bytes directly and checks the
// returned identity is the keyed HMAC of those bytes, so a client cannot
// substitute a fabricated hash for content that never passed through the
// service.
func TestSubmitContent(t *testing.T) {
	h := newGateway(t)

	doc := []byte("agreement: party A indemnifies party B")
	rec := h.doRaw(t, http.MethodPost, "/v1/contents?agent_version=v1.0.0", "userA", doc)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		analysis.Outcome
		ContentHash string `json:"content_hash"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ContentHash)
	require.NotEmpty(t, resp.TaskID)

	ok, err := h.hasher.Verify(doc, resp.ContentHash)
	require.NoError(t, err)
	assert.True(t, ok, "returned identity must be the keyed hash of the uploaded bytes")

	// The same bytes from another user resolve to the same identity and
	// adopt the in-flight analysis instead of scheduling a second task.
	rec = h.doRaw(t, http.MethodPost, "/v1/contents?agent_version=v1.0.0", "userB", doc)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var second struct {
		ContentHash string `json:"content_hash"`
		TaskID      string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, resp.ContentHash, second.ContentHash)
	assert.Empty(t, second.TaskID)
}

func TestSubmitContent_Validation(t *testing.T) {
	h := newGateway(t)

	rec := h.doRaw(t, http.MethodPost, "/v1/contents?agent_version=v1.0.0", "", []byte("doc"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.doRaw(t, http.MethodPost, "/v1/contents", "userA", []byte("doc"))
	require.Equal(t, http.StatusBadRequest, rec.Code, "agent_version is required")

	rec = h.doRaw(t, http.MethodPost, "/v1/contents?agent_version=v1.0.0", "userA", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, "empty uploads are rejected")
}

// TestOperatorEndpoints_TokenRequired checks the operator surfaces demand
// the configured token while user-facing routes stay open.
func TestOperatorEndpoints_TokenRequired(t *testing.T) {
	h := newGatewayWithToken(t, "op-sekret")
	ctx := context.Background()

	_, err := h.reg.Register(ctx, registry.Registration{TaskID: "t1", TaskName: "document_analysis"})
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/v1/tasks/t1", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code, "missing token")

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/t1", nil)
	req.Header.Set(operatorHeader, "wrong")
	wrongRec := httptest.NewRecorder()
	h.router.ServeHTTP(wrongRec, req)
	require.Equal(t, http.StatusUnauthorized, wrongRec.Code, "wrong token")

	req = httptest.NewRequest(http.MethodGet, "/v1/tasks/t1", nil)
	req.Header.Set(operatorHeader, "op-sekret")
	okRec := httptest.NewRecorder()
	h.router.ServeHTTP(okRec, req)
	require.Equal(t, http.StatusOK, okRec.Code)

	// User-facing routes are unaffected by the operator token.
	rec = h.do(t, http.MethodPost, "/v1/analyses", "userA", gin.H{"content_hash": "h1", "agent_version": "v1.0.0"})
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRequestAnalysis_EndToEnd(t *testing.T) {
	h := newGateway(t)
	ctx := context.Background()

	rec := h.do(t, http.MethodPost, "/v1/analyses", "userA", gin.H{
		"content_hash":  "h1",
		"agent_version": "v1.0.0",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var outcome analysis.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.False(t, outcome.CacheHit)
	require.NotEmpty(t, outcome.TaskID)

	// Not ready yet.
	rec = h.do(t, http.MethodGet, "/v1/analyses/h1", "userA", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	// Worker finishes.
	_, err := h.cache.MarkProcessing(ctx, "h1", "v1.0.0")
	require.NoError(t, err)
	_, err = h.cache.Complete(ctx, "h1", "v1.0.0", json.RawMessage(`{"score":7.2}`))
	require.NoError(t, err)

	rec = h.do(t, http.MethodGet, "/v1/analyses/h1", "userA", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"score":7.2}`, rec.Body.String())

	// Second user hits the cache.
	rec = h.do(t, http.MethodPost, "/v1/analyses", "userB", gin.H{
		"content_hash":  "h1",
		"agent_version": "v1.0.0",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// An outsider is denied.
	rec = h.do(t, http.MethodGet, "/v1/analyses/h1", "userC", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequestAnalysis_Validation(t *testing.T) {
	h := newGateway(t)

	rec := h.do(t, http.MethodPost, "/v1/analyses", "", gin.H{"content_hash": "h1", "agent_version": "v1.0.0"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/analyses", "userA", gin.H{"content_hash": "h1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel(t *testing.T) {
	h := newGateway(t)

	rec := h.do(t, http.MethodDelete, "/v1/analyses/h1", "userA", nil)
	require.Equal(t, http.StatusNotFound, rec.Code, "nothing requested yet")

	rec = h.do(t, http.MethodPost, "/v1/analyses", "userA", gin.H{"content_hash": "h1", "agent_version": "v1.0.0"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(t, http.MethodDelete, "/v1/analyses/h1", "userA", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/analyses/h1", "userA", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestTaskEndpoints(t *testing.T) {
	h := newGateway(t)
	ctx := context.Background()

	_, err := h.reg.Register(ctx, registry.Registration{TaskID: "t1", TaskName: "document_analysis"})
	require.NoError(t, err)
	_, err = h.reg.Transition(ctx, "t1", registry.StateStarted, registry.Update{})
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/v1/tasks/t1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entry registry.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, registry.StateStarted, entry.CurrentState)

	rec = h.do(t, http.MethodGet, "/v1/tasks/t1/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var history []registry.HistoryEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)

	rec = h.do(t, http.MethodGet, "/v1/tasks/nope", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// TestTaskEvents_Websocket subscribes to a task's event stream and drives
// a transition, expecting the snapshot frame then the live event.
func TestTaskEvents_Websocket(t *testing.T) {
	h := newGateway(t)
	ctx := context.Background()

	_, err := h.reg.Register(ctx, registry.Registration{TaskID: "t1", TaskName: "document_analysis"})
	require.NoError(t, err)

	server := httptest.NewServer(h.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/tasks/t1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var snapshot ProgressEvent
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, registry.StateQueued, snapshot.State)

	_, err = h.reg.Transition(ctx, "t1", registry.StateStarted, registry.Update{StepDescription: "claimed"})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event ProgressEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, registry.StateStarted, event.State)
	assert.Equal(t, "claimed", event.StepDescription)
}
