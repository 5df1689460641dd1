package auditlog

// ChunkSize is the blob chunk size in bytes for every blob store.
const ChunkSize = 1024

// Blob names are "<record id>/request" and "<record id>/response".
const (
	requestBlobSuffix  = "/request"
	responseBlobSuffix = "/response"
)

// Context keys for storing audit data in the echo context.
type contextKey string

const (
	// RecordKey holds the in-flight *Record of a monitored request.
	RecordKey contextKey = "auditlog_record"
)
