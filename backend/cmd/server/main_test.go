package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"codegraph/backend/internal/coordinator"
	"codegraph/backend/internal/knowledge"
	"codegraph/backend/internal/normalize"
	"codegraph/backend/internal/recovery"
	"codegraph/backend/internal/store"
	"codegraph/backend/internal/temporal"
	"codegraph/backend/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	graph := store.NewMemoryGraphStore()
	relational := store.NewMemoryRelationalStore()
	cache, err := store.OpenBadgerCache(store.BadgerCacheOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	normalizer := normalize.New(normalize.DefaultEvidenceCap)
	vector := store.NewOpenAIVectorStore("", "", "")
	ledger := temporal.NewLedger(graph, relational, normalizer.Merge)
	coord := coordinator.New(graph, relational, cache, vector, ledger, coordinator.Options{})
	t.Cleanup(coord.Close)
	manager := recovery.NewManager(graph, relational, coord, recovery.Options{})

	service := knowledge.NewService(knowledge.Deps{
		Normalizer:  normalizer,
		Coordinator: coord,
		Recovery:    manager,
		Ledger:      ledger,
		Graph:       graph,
		Relational:  relational,
		Cache:       cache,
		Vector:      vector,
	}, knowledge.Options{})

	return newRouter(service, logger.Get())
}

func postJSON(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func getPath(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)

	w := getPath(router, "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Equal(t, "ok", response["status"])
}

func TestReadyEndpoint_VectorNeverBlocks(t *testing.T) {
	router := newTestRouter(t)

	w := getPath(router, "/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Ready  bool              `json:"ready"`
		Stores map[string]string `json:"stores"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.True(t, response.Ready)
	assert.Equal(t, "ok", response.Stores["graph"])
	assert.NotEqual(t, "ok", response.Stores["vector"], "unconfigured embeddings are reported")
}

func TestBatchEndpoint_CommitAndRead(t *testing.T) {
	router := newTestRouter(t)

	w := postJSON(router, "/api/batch", `{
		"author": "parser",
		"entities": [
			{"id": "file:a.go", "type": "file", "name": "a.go", "content_hash": "h1"},
			{"id": "file:b.go", "type": "file", "name": "b.go", "content_hash": "h2"}
		],
		"facts": [
			{"from_entity_id": "file:a.go", "to_entity_id": "file:b.go", "type": "imports", "confidence": 1}
		]
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result struct {
		Success bool `json:"success"`
		Stats   struct {
			RelationshipsOpened int `json:"relationships_opened"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Stats.RelationshipsOpened)

	w = getPath(router, "/api/entity/file:a.go")
	assert.Equal(t, http.StatusOK, w.Code)

	w = getPath(router, "/api/entity/file:a.go/timeline")
	assert.Equal(t, http.StatusOK, w.Code)

	w = getPath(router, "/api/entity/file:a.go/relationships")
	assert.Equal(t, http.StatusOK, w.Code)
	var rels struct {
		Relationships []map[string]interface{} `json:"relationships"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rels))
	assert.Len(t, rels.Relationships, 1)
}

func TestBatchEndpoint_InvalidRequest(t *testing.T) {
	router := newTestRouter(t)

	w := postJSON(router, "/api/batch", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEntityEndpoint_NotFound(t *testing.T) {
	router := newTestRouter(t)

	w := getPath(router, "/api/entity/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCheckpointEndpoint_RequiresSeeds(t *testing.T) {
	router := newTestRouter(t)

	w := postJSON(router, "/api/checkpoint", `{"hops": 2}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRollbackEndpoint_UnknownPoint(t *testing.T) {
	router := newTestRouter(t)

	w := postJSON(router, "/api/rollback", `{"point_id": "missing", "strategy": "full"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRollbackFlow_OverHTTP(t *testing.T) {
	router := newTestRouter(t)

	commit := func(hash string) string {
		w := postJSON(router, "/api/batch", fmt.Sprintf(`{
			"author": "parser",
			"entities": [{"id": "file:a.go", "type": "file", "content_hash": %q}]
		}`, hash))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var result struct {
			ChangeSetID string `json:"change_set_id"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		return result.ChangeSetID
	}

	commit("h1")

	w := postJSON(router, "/api/rollback-point", `{"entity_ids": ["file:a.go"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	var point struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &point))

	changeSetID := commit("h2")
	w = postJSON(router, "/api/rollback-point/"+point.ID+"/guard",
		fmt.Sprintf(`{"change_set_id": %q}`, changeSetID))
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(router, "/api/rollback",
		fmt.Sprintf(`{"point_id": %q, "strategy": "full"}`, point.ID))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = getPath(router, "/api/entity/file:a.go")
	require.Equal(t, http.StatusOK, w.Code)
	var entity struct {
		ContentHash string `json:"content_hash"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entity))
	assert.Equal(t, "h1", entity.ContentHash)
}
