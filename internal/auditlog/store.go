package auditlog

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound is returned when a document or blob does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotSupported is returned by operations a store or the DAO does not
	// implement.
	ErrNotSupported = errors.New("operation not supported")
)

// Fields names document fields for UpdateFields.
type Fields map[string]any

// Patchable document fields.
const (
	FieldRequestBodyID  = "requestBodyId"
	FieldResponseBodyID = "responseBodyId"
)

// validateFields rejects fields UpdateFields cannot set.
func validateFields(fields Fields) error {
	for name := range fields {
		if name != FieldRequestBodyID && name != FieldResponseBodyID {
			return fmt.Errorf("%w: cannot update field %q", ErrNotSupported, name)
		}
	}
	return nil
}

// DocumentStore persists record metadata.
// Implementations must be safe for concurrent use.
type DocumentStore interface {
	// Insert stores doc and returns the identifier assigned to it.
	Insert(ctx context.Context, doc *Document) (string, error)
	// UpdateFields sets fields on an existing document.
	UpdateFields(ctx context.Context, id string, fields Fields) error
	// Find returns the document or ErrNotFound.
	Find(ctx context.Context, id string) (*Document, error)
}

// BlobKind tells a request body from a response body.
type BlobKind string

const (
	BlobRequest  BlobKind = "REQUEST"
	BlobResponse BlobKind = "RESPONSE"
)

// BlobMetadata links a blob to its record.
type BlobMetadata struct {
	ParentID string
	Kind     BlobKind
}

// BlobStore persists bodies as chunked objects of ChunkSize bytes.
// Implementations must be safe for concurrent use.
type BlobStore interface {
	Upload(ctx context.Context, name string, r io.Reader, meta BlobMetadata) (string, error)
	// Download returns ErrNotFound for an unknown id.
	Download(ctx context.Context, id string) (io.ReadCloser, error)
}

// Store is a backend providing both capabilities.
type Store interface {
	DocumentStore
	BlobStore
	// Close stops background work. Connections are owned by the storage
	// layer and stay open.
	Close() error
}
