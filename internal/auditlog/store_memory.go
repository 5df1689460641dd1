package auditlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

type memoryBlob struct {
	name string
	meta BlobMetadata
	data []byte
}

// MemoryStore keeps documents and blobs in process. Used for STORAGE_TYPE
// memory and in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[string]Document
	blobs map[string]memoryBlob
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string]Document),
		blobs: make(map[string]memoryBlob),
	}
}

func (s *MemoryStore) Insert(_ context.Context, doc *Document) (string, error) {
	id := uuid.NewString()
	stored := *doc
	stored.ID = id

	s.mu.Lock()
	s.docs[id] = stored
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) UpdateFields(_ context.Context, id string, fields Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err := doc.Apply(fields); err != nil {
		return err
	}
	s.docs[id] = doc
	return nil
}

func (s *MemoryStore) Find(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	doc, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return &doc, nil
}

func (s *MemoryStore) Upload(_ context.Context, name string, r io.Reader, meta BlobMetadata) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read blob %s: %w", name, err)
	}
	id := uuid.NewString()

	s.mu.Lock()
	s.blobs[id] = memoryBlob{name: name, meta: meta, data: data}
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) Download(_ context.Context, id string) (io.ReadCloser, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(blob.data)), nil
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// BlobCount returns the number of stored blobs.
func (s *MemoryStore) BlobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func (s *MemoryStore) Close() error {
	return nil
}
