// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/business"
	"github.com/AleutianAI/AleutianRelay/services/relay/correlation"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/registry"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"github.com/AleutianAI/AleutianRelay/services/relay/upstream"
)

// stubUpstream satisfies both business.UpstreamLink and handlers.UpstreamInfo.
type stubUpstream struct{}

func (stubUpstream) Connected() bool                      { return true }
func (stubUpstream) Send(datatypes.ProcessMessage) error  { return nil }
func (stubUpstream) State() upstream.State                { return upstream.StateConnected }
func (stubUpstream) Attempts() int                        { return 0 }
func (stubUpstream) Redial()                              {}

func newTestRouter(t *testing.T, withStore bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	orch := business.New(business.Options{
		Registry:        registry.New(),
		Tracker:         correlation.NewTracker(0),
		Upstream:        stubUpstream{},
		ResponseTimeout: 10 * time.Second,
	})
	t.Cleanup(orch.Shutdown)

	opts := Options{
		Orchestrator: orch,
		Upstream:     stubUpstream{},
	}
	if withStore {
		s, err := store.Open(store.InMemoryConfig())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		opts.Store = s
	}

	router := gin.New()
	SetupRoutes(router, opts)
	return router
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestSetupRoutes_CoreSurface(t *testing.T) {
	router := newTestRouter(t, true)

	assert.Equal(t, http.StatusOK, get(router, "/api/health").Code)
	assert.Equal(t, http.StatusOK, get(router, "/api/system/ai-status").Code)
	assert.Equal(t, http.StatusOK, get(router, "/api/chats").Code)
	assert.Equal(t, http.StatusOK, get(router, "/metrics").Code)
	assert.Equal(t, http.StatusNotFound, get(router, "/api/unknown").Code)
}

func TestSetupRoutes_StoreOptional(t *testing.T) {
	router := newTestRouter(t, false)

	assert.Equal(t, http.StatusNotFound, get(router, "/api/chats").Code)
	assert.Equal(t, http.StatusOK, get(router, "/api/health").Code)
}

func TestSetupRoutes_NewsDisabledByDefault(t *testing.T) {
	router := newTestRouter(t, false)
	assert.Equal(t, http.StatusNotFound, get(router, "/api/news").Code)
}
