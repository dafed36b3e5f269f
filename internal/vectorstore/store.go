// Package vectorstore implements a grow-on-demand, mmap'd float32 vector
// file: a 24-byte header (magic, dimension, count) followed by a packed
// array of equi-dimensional vectors, with O(1) access by integer id.
package vectorstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/blevesearch/mmap-go"

	"github.com/voxai/voxcore/internal/verrors"
)

const (
	headerSize = 24
	magic      = "VOXVEC01"

	// initialVectors is how many vectors' worth of space a brand-new file is
	// pre-grown to hold.
	initialVectors = 1024

	// growthFactor is applied to the current file size when a required
	// offset doesn't fit; the file grows to max(1.5 * current, required).
	growthFactor = 1.5
)

// Store is a single append-only vector file, memory-mapped for O(1) random
// access. It is safe for concurrent use: Get takes the read lock, Append and
// Count take the write lock (Append may need to unmap/remap on growth).
type Store struct {
	mu     sync.RWMutex
	file   *os.File
	mapped mmap.MMap
	dim    int
	count  uint64
	closed bool
}

// Open opens (or initializes) the vector file at path for vectors of the
// given dimension. An empty or missing file is created and pre-grown to
// initialVectors; an existing file's header is validated against dim.
func Open(path string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, verrors.ValidationError(fmt.Sprintf("vector dimension must be positive, got %d", dim), nil)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, verrors.IOError(fmt.Sprintf("opening vector file %s", path), err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, verrors.IOError(fmt.Sprintf("stat vector file %s", path), err)
	}

	s := &Store{file: f, dim: dim}

	if info.Size() == 0 {
		if err := s.initEmpty(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := s.openExisting(dim); err != nil {
			f.Close()
			return nil, err
		}
	}

	return s, nil
}

// initEmpty writes a fresh header and pre-grows the file to hold
// initialVectors vectors, then maps the whole file.
func (s *Store) initEmpty() error {
	size := int64(headerSize + initialVectors*s.dim*4)
	if err := s.file.Truncate(size); err != nil {
		return verrors.IOError("pre-growing new vector file", err)
	}

	m, err := mmap.Map(s.file, mmap.RDWR, 0)
	if err != nil {
		return verrors.IOError("mmap new vector file", err)
	}
	s.mapped = m

	copy(s.mapped[0:8], magic)
	binary.LittleEndian.PutUint64(s.mapped[8:16], uint64(s.dim))
	binary.LittleEndian.PutUint64(s.mapped[16:24], 0)
	s.count = 0

	return nil
}

// openExisting validates the header of a non-empty file against dim and
// maps the current file length into memory.
func (s *Store) openExisting(dim int) error {
	header := make([]byte, headerSize)
	if _, err := s.file.ReadAt(header, 0); err != nil {
		return verrors.New(verrors.ErrCodeFileCorrupt, "vector file shorter than header", err).
			WithSuggestion("delete the vector file and reingest")
	}

	if string(header[0:8]) != magic {
		return verrors.New(verrors.ErrCodeBadMagic, "vector file has an invalid magic header", nil).
			WithSuggestion("delete the vector file and reingest")
	}

	fileDim := int(binary.LittleEndian.Uint64(header[8:16]))
	if fileDim != dim {
		return verrors.New(verrors.ErrCodeDimensionLocked,
			fmt.Sprintf("vector file dimension %d does not match requested dimension %d", fileDim, dim), nil).
			WithSuggestion("delete the vector file and reingest")
	}

	m, err := mmap.Map(s.file, mmap.RDWR, 0)
	if err != nil {
		return verrors.IOError("mmap existing vector file", err)
	}
	s.mapped = m
	s.dim = fileDim
	s.count = binary.LittleEndian.Uint64(header[16:24])

	return nil
}

// Count returns the number of vectors currently valid in the store.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.count)
}

// Dimension returns the store's locked vector dimension.
func (s *Store) Dimension() int {
	return s.dim
}

// Get returns a copy of the dim float32 values for id. Out-of-range ids
// fail.
func (s *Store) Get(id uint64) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, verrors.InternalError("vector store is closed", nil)
	}
	if id >= s.count {
		return nil, verrors.NotFoundError("vector", fmt.Sprintf("%d", id))
	}

	offset := headerSize + int(id)*s.dim*4
	vec := make([]float32, s.dim)
	for i := 0; i < s.dim; i++ {
		bits := binary.LittleEndian.Uint32(s.mapped[offset+i*4 : offset+i*4+4])
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}

// Append adds vec to the store, growing the backing file if needed, and
// returns its id (the pre-increment count).
func (s *Store) Append(vec []float32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, verrors.InternalError("vector store is closed", nil)
	}
	if len(vec) != s.dim {
		return 0, verrors.New(verrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("vector has %d dimensions, store expects %d", len(vec), s.dim), nil)
	}

	required := int64(headerSize + (int(s.count)+1)*s.dim*4)
	if required > int64(len(s.mapped)) {
		if err := s.grow(required); err != nil {
			return 0, err
		}
	}

	offset := headerSize + int(s.count)*s.dim*4
	for i, f := range vec {
		binary.LittleEndian.PutUint32(s.mapped[offset+i*4:offset+i*4+4], math.Float32bits(f))
	}

	id := s.count
	s.count++
	binary.LittleEndian.PutUint64(s.mapped[16:24], s.count)

	return id, nil
}

// grow unmaps, truncates the file to max(1.5 * current, required) bytes,
// and re-maps the full new length. Caller must hold the write lock.
func (s *Store) grow(required int64) error {
	current := int64(len(s.mapped))
	newSize := int64(float64(current) * growthFactor)
	if newSize < required {
		newSize = required
	}

	if err := s.mapped.Unmap(); err != nil {
		return verrors.IOError("unmapping vector file for growth", err)
	}
	if err := s.file.Truncate(newSize); err != nil {
		return verrors.IOError("truncating vector file for growth", err)
	}
	m, err := mmap.Map(s.file, mmap.RDWR, 0)
	if err != nil {
		return verrors.IOError("re-mapping vector file after growth", err)
	}
	s.mapped = m
	return nil
}

// Close unmaps and closes the backing file. Subsequent calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if s.mapped != nil {
		if err := s.mapped.Unmap(); err != nil {
			firstErr = err
		}
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return verrors.IOError("closing vector file", firstErr)
	}
	return nil
}
