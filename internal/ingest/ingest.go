// Package ingest orchestrates writes across the vector store, metadata
// store, and ANN index: the startup HNSW replay and the per-request
// document+chunks write path.
package ingest

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/voxai/voxcore/internal/metadata"
	"github.com/voxai/voxcore/internal/verrors"
)

// VectorStore is the subset of internal/vectorstore.Store ingest needs.
type VectorStore interface {
	Append(vec []float32) (uint64, error)
	Get(id uint64) ([]float32, error)
	Count() int
}

// Index is the subset of internal/annindex.Graph ingest needs.
type Index interface {
	Add(id uint64, vec []float32) error
	Reset()
}

// ReplayIndex rebuilds idx from scratch by reading every vector currently
// in vecs, in store order: Add(i, vecs.Get(i)) for every i in [0, count).
// Vector fetches are fanned out across a bounded worker pool (cheap here,
// since the store is mmap'd, but keeps the same shape as a cold page-in
// heavy store); Add calls stay strictly sequential so the rebuilt graph is
// ordering-identical to one built by live ingest.
func ReplayIndex(ctx context.Context, idx Index, vecs VectorStore) error {
	count := vecs.Count()
	if count == 0 {
		return nil
	}

	fetched := make([][]float32, count)
	g, gctx := errgroup.WithContext(ctx)

	workers := runtime.NumCPU()
	if workers > count {
		workers = count
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan uint64)
	g.Go(func() error {
		defer close(jobs)
		for i := uint64(0); i < uint64(count); i++ {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for id := range jobs {
				vec, err := vecs.Get(id)
				if err != nil {
					return err
				}
				fetched[id] = vec
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return verrors.Wrap(verrors.ErrCodeIndexFailure, err)
	}

	for i := uint64(0); i < uint64(count); i++ {
		if err := idx.Add(i, fetched[i]); err != nil {
			return err
		}
	}

	return nil
}

// ChunkInput is one chunk of a multi-chunk ingest request, as decoded from
// the wire payload.
type ChunkInput struct {
	Vector     []float32
	Content    string
	StartLine  *int
	EndLine    *int
	TokenCount int
}

// ChunkOutcome holds a written chunk's assigned id. WriteChunks returns
// outcomes in input order.
type ChunkOutcome struct {
	ID uint64
}

// WriteChunks appends each chunk's vector, writes its metadata record, and
// inserts it into the index, in request order. Ingest is best-effort, not
// transactional: an error on chunk i aborts the remaining chunks but never
// rolls back 0..i-1, which already persisted and indexed.
func WriteChunks(vecs VectorStore, meta *metadata.Store, idx Index, docID string, chunks []ChunkInput) ([]ChunkOutcome, error) {
	outcomes := make([]ChunkOutcome, 0, len(chunks))

	for _, c := range chunks {
		id, err := vecs.Append(c.Vector)
		if err != nil {
			return outcomes, err
		}

		chunk := &metadata.Chunk{
			ID:         id,
			DocID:      docID,
			Content:    c.Content,
			StartLine:  c.StartLine,
			EndLine:    c.EndLine,
			TokenCount: c.TokenCount,
		}
		if err := meta.SaveChunk(chunk); err != nil {
			return outcomes, err
		}

		if err := idx.Add(id, c.Vector); err != nil {
			return outcomes, err
		}

		outcomes = append(outcomes, ChunkOutcome{ID: id})
	}

	return outcomes, nil
}
