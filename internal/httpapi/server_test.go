package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxai/voxcore/internal/annindex"
	"github.com/voxai/voxcore/internal/ingest"
	"github.com/voxai/voxcore/internal/metadata"
	"github.com/voxai/voxcore/internal/retrieval"
	"github.com/voxai/voxcore/internal/vectorstore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	vecs, err := vectorstore.Open(t.TempDir()+"/vectors.vxs", 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vecs.Close() })

	meta, err := metadata.Open(t.TempDir() + "/metadata.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	index := annindex.New(vecs, annindex.DefaultConfig())
	engine := retrieval.New(index, meta, retrieval.DefaultConfig())

	return New(vecs, meta, index, engine, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestServer_RetrieveOnEmptyStoreReturnsEmptyResult(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/retrieve", retrieveRequest{Query: []float32{1, 0, 0}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp retrieveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Chunks)
	assert.False(t, resp.Truncated)
}

func TestServer_IngestThenRetrieveRoundTrip(t *testing.T) {
	s := newTestServer(t)

	ingestRec := doJSON(t, s, http.MethodPost, "/ingest", ingestRequest{
		Namespace: "proj1",
		Document:  documentPayload{ID: "doc-A", Source: "test"},
		Chunks: []chunkPayload{
			{Vector: []float32{1, 0, 0}, Content: "hello world", TokenCount: 5},
		},
	})
	require.Equal(t, http.StatusOK, ingestRec.Code)

	var ingestResp ingestResponse
	require.NoError(t, json.Unmarshal(ingestRec.Body.Bytes(), &ingestResp))
	assert.Equal(t, "doc-A", ingestResp.DocID)
	require.Len(t, ingestResp.ChunkIDs, 1)
	assert.Equal(t, 1, ingestResp.VectorCount)

	retrieveRec := doJSON(t, s, http.MethodPost, "/retrieve", retrieveRequest{
		Namespace: "proj1",
		Query:     []float32{1, 0, 0},
		MaxTokens: 100,
	})
	require.Equal(t, http.StatusOK, retrieveRec.Code)

	var retResp retrieveResponse
	require.NoError(t, json.Unmarshal(retrieveRec.Body.Bytes(), &retResp))
	require.Len(t, retResp.Chunks, 1)
	assert.Equal(t, "hello world", retResp.Chunks[0].Chunk.Content)
}

func TestServer_RetrieveNamespaceIsolation(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, http.MethodPost, "/ingest", ingestRequest{
		Namespace: "proj1",
		Document:  documentPayload{ID: "doc-1"},
		Chunks:    []chunkPayload{{Vector: []float32{1, 0, 0}, Content: "one", TokenCount: 1}},
	})
	doJSON(t, s, http.MethodPost, "/ingest", ingestRequest{
		Namespace: "proj2",
		Document:  documentPayload{ID: "doc-2"},
		Chunks:    []chunkPayload{{Vector: []float32{1, 0, 0}, Content: "two", TokenCount: 1}},
	})

	rec := doJSON(t, s, http.MethodPost, "/retrieve", retrieveRequest{
		Namespace: "proj2", Query: []float32{1, 0, 0}, MaxTokens: 100,
	})
	var resp retrieveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Chunks, 1)
	assert.Equal(t, "two", resp.Chunks[0].Chunk.Content)
}

func TestServer_RetrieveBudgetTruncation(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, http.MethodPost, "/ingest", ingestRequest{
		Document: documentPayload{ID: "doc-A"},
		Chunks: []chunkPayload{
			{Vector: []float32{1, 0, 0}, Content: "big", TokenCount: 80},
			{Vector: []float32{0.9, 0.1, 0}, Content: "small", TokenCount: 40},
		},
	})

	rec := doJSON(t, s, http.MethodPost, "/retrieve", retrieveRequest{
		Query: []float32{1, 0, 0}, MaxTokens: 90,
	})
	var resp retrieveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Truncated)
	assert.LessOrEqual(t, resp.TotalTokens, 90)
}

func TestServer_RetrieveRecencyTiebreak(t *testing.T) {
	s := newTestServer(t)

	now := time.Now().UTC()
	old := now.Add(-24 * time.Hour)

	doJSON(t, s, http.MethodPost, "/ingest", ingestRequest{
		Document: documentPayload{ID: "doc-old", Timestamp: old.Format(time.RFC3339)},
		Chunks:   []chunkPayload{{Vector: []float32{1, 0, 0}, Content: "old", TokenCount: 1}},
	})
	doJSON(t, s, http.MethodPost, "/ingest", ingestRequest{
		Document: documentPayload{ID: "doc-new", Timestamp: now.Format(time.RFC3339)},
		Chunks:   []chunkPayload{{Vector: []float32{1, 0, 0}, Content: "new", TokenCount: 1}},
	})

	rec := doJSON(t, s, http.MethodPost, "/retrieve", retrieveRequest{
		Query: []float32{1, 0, 0}, MaxTokens: 100,
	})
	var resp retrieveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Chunks, 2)
	assert.Equal(t, "new", resp.Chunks[0].Chunk.Content)
	assert.Equal(t, "old", resp.Chunks[1].Chunk.Content)
}

func TestServer_IngestNamespaceDoesNotOverrideExistingDocumentMetadata(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, http.MethodPost, "/ingest", ingestRequest{
		Namespace: "top-level-ns",
		Document: documentPayload{
			ID:       "doc-explicit-ns",
			Metadata: map[string]any{"namespace": "explicit-ns"},
		},
		Chunks: []chunkPayload{{Vector: []float32{1, 0, 0}, Content: "x", TokenCount: 1}},
	})

	rec := doJSON(t, s, http.MethodPost, "/retrieve", retrieveRequest{
		Namespace: "explicit-ns", Query: []float32{1, 0, 0}, MaxTokens: 50,
	})
	var resp retrieveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Chunks, 1)

	rec2 := doJSON(t, s, http.MethodPost, "/retrieve", retrieveRequest{
		Namespace: "top-level-ns", Query: []float32{1, 0, 0}, MaxTokens: 50,
	})
	var resp2 retrieveResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp2))
	assert.Empty(t, resp2.Chunks)
}

func TestServer_IngestMessageSynthesizesDocID(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/ingest_message", ingestMessageRequest{
		Namespace:      "proj1",
		ConversationID: "conv-1",
		Role:           "user",
		Content:        "hi there",
		Vector:         []float32{1, 0, 0},
		TokenCount:     3,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ingestMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.NotEmpty(t, resp.MessageID)
	assert.Contains(t, resp.DocID, "chat:conv-1:")
}

func TestServer_RestartDurability(t *testing.T) {
	dir := t.TempDir()
	vecs, err := vectorstore.Open(dir+"/vectors.vxs", 3)
	require.NoError(t, err)

	meta, err := metadata.Open(dir + "/metadata.db")
	require.NoError(t, err)

	index := annindex.New(vecs, annindex.DefaultConfig())
	engine := retrieval.New(index, meta, retrieval.DefaultConfig())
	s := New(vecs, meta, index, engine, nil)

	doJSON(t, s, http.MethodPost, "/ingest", ingestRequest{
		Document: documentPayload{ID: "doc-A"},
		Chunks:   []chunkPayload{{Vector: []float32{1, 0, 0}, Content: "persisted", TokenCount: 2}},
	})

	require.NoError(t, vecs.Close())
	require.NoError(t, meta.Close())

	vecs2, err := vectorstore.Open(dir+"/vectors.vxs", 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vecs2.Close() })

	meta2, err := metadata.Open(dir + "/metadata.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta2.Close() })

	index2 := annindex.New(vecs2, annindex.DefaultConfig())
	require.NoError(t, ingest.ReplayIndex(context.Background(), index2, vecs2))
	engine2 := retrieval.New(index2, meta2, retrieval.DefaultConfig())
	s2 := New(vecs2, meta2, index2, engine2, nil)

	rec := doJSON(t, s2, http.MethodPost, "/retrieve", retrieveRequest{Query: []float32{1, 0, 0}, MaxTokens: 50})
	var resp retrieveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Chunks, 1)
	assert.Equal(t, "persisted", resp.Chunks[0].Chunk.Content)
}

func TestServer_DimensionLockRejectsMismatch(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/ingest", ingestRequest{
		Document: documentPayload{ID: "doc-bad"},
		Chunks:   []chunkPayload{{Vector: []float32{1, 0}, Content: "wrong dim", TokenCount: 1}},
	})
	assert.NotEqual(t, http.StatusOK, rec.Code)
}
