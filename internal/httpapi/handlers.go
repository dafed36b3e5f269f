package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/voxai/voxcore/internal/ingest"
	"github.com/voxai/voxcore/internal/metadata"
	"github.com/voxai/voxcore/internal/verrors"
)

// handleIngest implements POST /ingest: save the document record, then
// append+index each chunk in request order. Chunks already written
// before an error stay persisted, per the ingest package's best-effort
// semantics.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Document.ID == "" {
		writeVoxError(w, verrors.ValidationError("document.id is required", nil))
		return
	}
	if len(req.Chunks) == 0 {
		writeVoxError(w, verrors.ValidationError("at least one chunk is required", nil))
		return
	}

	doc, err := decodeDocument(req.Document, req.Namespace)
	if err != nil {
		writeVoxError(w, err)
		return
	}
	if err := s.meta.SaveDocument(doc); err != nil {
		writeVoxError(w, err)
		return
	}

	chunks := make([]ingest.ChunkInput, len(req.Chunks))
	for i, c := range req.Chunks {
		chunks[i] = ingest.ChunkInput{
			Vector:     c.Vector,
			Content:    c.Content,
			StartLine:  c.StartLine,
			EndLine:    c.EndLine,
			TokenCount: c.TokenCount,
		}
	}

	outcomes, err := ingest.WriteChunks(s.vecs, s.meta, s.index, doc.ID, chunks)
	if err != nil {
		writeVoxError(w, err)
		return
	}

	ids := make([]uint64, len(outcomes))
	for i, o := range outcomes {
		ids[i] = o.ID
	}

	writeJSON(w, http.StatusOK, ingestResponse{
		Status:      "ingested",
		DocID:       doc.ID,
		ChunkIDs:    ids,
		VectorCount: s.vecs.Count(),
	})
}

// handleIngestMessage implements POST /ingest_message: a single-chunk
// convenience path for chat transcripts. The document id is
// synthesized as chat:{conversation_id}:{message_id}, and missing
// message_id/timestamp_utc fields are filled in rather than rejected.
func (s *Server) handleIngestMessage(w http.ResponseWriter, r *http.Request) {
	var req ingestMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Namespace == "" {
		writeVoxError(w, verrors.ValidationError("namespace is required", nil))
		return
	}
	if req.ConversationID == "" {
		writeVoxError(w, verrors.ValidationError("conversation_id is required", nil))
		return
	}
	if req.Role == "" {
		writeVoxError(w, verrors.ValidationError("role is required", nil))
		return
	}
	if req.Content == "" {
		writeVoxError(w, verrors.ValidationError("content is required", nil))
		return
	}
	if len(req.Vector) == 0 {
		writeVoxError(w, verrors.ValidationError("vector is required", nil))
		return
	}

	if req.MessageID == "" {
		req.MessageID = fmt.Sprintf("%d", time.Now().UTC().UnixNano())
	}
	if req.Source == "" {
		req.Source = "chat"
	}

	ts := time.Now().UTC()
	if req.TimestampUTC != "" {
		parsed, err := time.Parse(time.RFC3339, req.TimestampUTC)
		if err != nil {
			writeVoxError(w, verrors.ValidationError("timestamp_utc must be RFC3339", err))
			return
		}
		ts = parsed.UTC()
	}

	docID := fmt.Sprintf("chat:%s:%s", req.ConversationID, req.MessageID)
	doc := &metadata.Document{
		ID:        docID,
		Source:    req.Source,
		Timestamp: ts,
		Metadata: map[string]any{
			"namespace":       req.Namespace,
			"conversation_id": req.ConversationID,
			"message_id":      req.MessageID,
			"role":            req.Role,
			"type":            "chat_message",
		},
	}
	if err := s.meta.SaveDocument(doc); err != nil {
		writeVoxError(w, err)
		return
	}

	chunks := []ingest.ChunkInput{{
		Vector:     req.Vector,
		Content:    req.Content,
		TokenCount: req.TokenCount,
	}}

	outcomes, err := ingest.WriteChunks(s.vecs, s.meta, s.index, docID, chunks)
	if err != nil {
		writeVoxError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ingestMessageResponse{
		Status:         "ingested_message",
		DocID:          docID,
		ChunkID:        outcomes[0].ID,
		VectorCount:    s.vecs.Count(),
		MessageID:      req.MessageID,
		ConversationID: req.ConversationID,
		Namespace:      req.Namespace,
	})
}

// handleRetrieve implements POST /retrieve.
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Query) == 0 {
		writeVoxError(w, verrors.New(verrors.ErrCodeQueryEmpty, "query vector is required", nil))
		return
	}

	result, err := s.engine.Retrieve(r.Context(), req.Query, req.Namespace, req.MaxTokens)
	if err != nil {
		writeVoxError(w, err)
		return
	}

	views := make([]scoredChunkView, len(result.Chunks))
	for i, sc := range result.Chunks {
		views[i] = scoredChunkView{
			Chunk: chunkView{
				ID:         sc.Chunk.ID,
				DocID:      sc.Chunk.DocID,
				Content:    sc.Chunk.Content,
				StartLine:  sc.Chunk.StartLine,
				EndLine:    sc.Chunk.EndLine,
				TokenCount: sc.Chunk.TokenCount,
			},
			Similarity: sc.Similarity,
			Recency:    sc.Recency,
		}
	}

	writeJSON(w, http.StatusOK, retrieveResponse{
		Chunks:      views,
		TotalTokens: result.TotalTokens,
		Truncated:   result.Truncated,
	})
}

// decodeDocument builds a metadata.Document from an ingestRequest's document
// payload, merging the top-level namespace into the metadata map when the
// map doesn't already carry one. The namespace is stored as just another
// document metadata key, not a separate column.
func decodeDocument(p documentPayload, namespace string) (*metadata.Document, error) {
	ts := time.Now().UTC()
	if p.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, p.Timestamp)
		if err != nil {
			return nil, verrors.ValidationError("document.timestamp must be RFC3339", err)
		}
		ts = parsed.UTC()
	}

	meta := p.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	if namespace != "" {
		if _, present := meta["namespace"]; !present {
			meta["namespace"] = namespace
		}
	}

	return &metadata.Document{
		ID:        p.ID,
		Source:    p.Source,
		Timestamp: ts,
		Metadata:  meta,
	}, nil
}
