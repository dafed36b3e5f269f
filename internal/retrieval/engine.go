// Package retrieval combines ANN search, metadata hydration, namespace
// filtering, similarity+recency scoring, and token-budget packing into a
// single retrieve operation.
package retrieval

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxai/voxcore/internal/annindex"
	"github.com/voxai/voxcore/internal/metadata"
	"github.com/voxai/voxcore/internal/verrors"
)

// Index is the read side of the ANN graph the engine queries.
type Index interface {
	Search(query []float32, k int) ([]annindex.Result, error)
}

// MetaStore is the read side of the metadata store the engine hydrates
// candidates from.
type MetaStore interface {
	GetChunk(id uint64) (*metadata.Chunk, error)
	GetDocument(id string) (*metadata.Document, error)
}

// Config holds the scoring and packing knobs. Kept as a plain struct passed
// into the engine rather than global state, so weights can vary per
// deployment (or, in principle, per call).
type Config struct {
	// MaxTokens is the default token budget when a caller doesn't supply one.
	MaxTokens int
	// TopKCandidates is how many ANN hits are gathered before scoring.
	TopKCandidates int
	// SimilarityWeight and RecencyWeight combine into the final score.
	// Non-negative; they are not required to sum to 1.
	SimilarityWeight float64
	RecencyWeight    float64
}

// DefaultConfig returns the standard retrieval defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:        2000,
		TopKCandidates:   50,
		SimilarityWeight: 0.8,
		RecencyWeight:    0.2,
	}
}

// ScoredChunk pairs a hydrated chunk with its similarity, recency, and
// combined final score.
type ScoredChunk struct {
	Chunk      *metadata.Chunk
	Similarity float64
	Recency    float64
	Score      float64
}

// Result is the token-budgeted, score-sorted outcome of a Retrieve call.
type Result struct {
	Chunks      []ScoredChunk
	TotalTokens int
	Truncated   bool
}

// Engine combines an Index, a MetaStore, and a Config into the retrieve
// operation.
type Engine struct {
	index Index
	meta  MetaStore
	cfg   Config
}

// New constructs an Engine. cfg.MaxTokens is replaced with
// DefaultConfig().MaxTokens if it is not positive, and cfg.TopKCandidates
// likewise falls back to the default when non-positive.
func New(index Index, meta MetaStore, cfg Config) *Engine {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.TopKCandidates <= 0 {
		cfg.TopKCandidates = DefaultConfig().TopKCandidates
	}
	return &Engine{index: index, meta: meta, cfg: cfg}
}

type hydratedCandidate struct {
	chunk    *metadata.Chunk
	doc      *metadata.Document
	distance float32
	found    bool
}

// Retrieve gathers TopKCandidates ANN hits, hydrates each against the
// metadata store, applies the optional namespace filter, scores, sorts
// descending by final score (ties by ascending chunk id), and packs
// greedily into maxTokens (falling back to the engine's configured default
// when maxTokens <= 0).
func (e *Engine) Retrieve(ctx context.Context, query []float32, namespace string, maxTokens int) (*Result, error) {
	if maxTokens <= 0 {
		maxTokens = e.cfg.MaxTokens
	}

	candidates, err := e.index.Search(query, e.cfg.TopKCandidates)
	if err != nil {
		return nil, verrors.Wrap(verrors.ErrCodeIndexFailure, err)
	}
	if len(candidates) == 0 {
		return &Result{Chunks: []ScoredChunk{}}, nil
	}

	hydrated := make([]hydratedCandidate, len(candidates))
	g, _ := errgroup.WithContext(ctx)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			chunk, err := e.meta.GetChunk(c.ID)
			if err != nil {
				if verrors.IsNotFound(err) {
					return nil
				}
				return err
			}

			hc := hydratedCandidate{chunk: chunk, distance: c.Distance, found: true}

			doc, err := e.meta.GetDocument(chunk.DocID)
			if err != nil {
				if !verrors.IsNotFound(err) {
					return err
				}
			} else {
				hc.doc = doc
			}

			hydrated[i] = hc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, verrors.Wrap(verrors.ErrCodeStoreFailure, err)
	}

	scored := make([]ScoredChunk, 0, len(hydrated))
	for _, hc := range hydrated {
		if !hc.found {
			continue
		}
		if namespace != "" {
			if hc.doc == nil || docNamespace(hc.doc) != namespace {
				continue
			}
		}

		simScore := 1.0 / (1.0 + float64(hc.distance))
		recency := 0.5
		if hc.doc != nil {
			hours := time.Since(hc.doc.Timestamp).Hours()
			recency = 1.0 / (1.0 + hours/24.0)
		}
		final := simScore*e.cfg.SimilarityWeight + recency*e.cfg.RecencyWeight

		scored = append(scored, ScoredChunk{
			Chunk:      hc.chunk,
			Similarity: simScore,
			Recency:    recency,
			Score:      final,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Chunk.ID < scored[j].Chunk.ID
	})

	result := &Result{Chunks: []ScoredChunk{}}
	for _, sc := range scored {
		if result.TotalTokens+sc.Chunk.TokenCount > maxTokens {
			result.Truncated = true
			continue
		}
		result.Chunks = append(result.Chunks, sc)
		result.TotalTokens += sc.Chunk.TokenCount
	}

	return result, nil
}

// docNamespace reads the "namespace" attribute from a document's metadata
// map, returning "" when absent or not a string.
func docNamespace(doc *metadata.Document) string {
	if doc.Metadata == nil {
		return ""
	}
	if v, ok := doc.Metadata["namespace"].(string); ok {
		return v
	}
	return ""
}
