// Package auditlog records monitored requests.
// The middleware builds a Record per monitored request, and the DAO persists
// it as a metadata document plus optional request and response body blobs in
// MongoDB (GridFS), SQLite, PostgreSQL or memory.
package auditlog

import (
	"time"
)

// Category classifies the kind of request being recorded.
type Category string

const (
	CategoryOWS   Category = "OWS"
	CategoryREST  Category = "REST"
	CategoryOther Category = "OTHER"
)

// Status is the outcome of a recorded request.
type Status string

const (
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

// BBox is the bounding box of an OWS request. CRS is passed through as
// given, e.g. "EPSG:4326".
type BBox struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
	CRS  string
}

// Record is one monitored request.
// The request scope owns it until it is handed to DAO.Save; after that the
// persistence task owns it.
type Record struct {
	// ID is assigned by the document store on insert.
	ID string
	// InternalID correlates the record before it has an ID.
	InternalID string

	Category    Category
	Status      Status
	Path        string
	QueryString string
	HTTPMethod  string

	RequestContentType  string
	RequestLength       int64
	ResponseStatus      int
	ResponseContentType string
	ResponseLength      int64

	StartTime time.Time
	EndTime   time.Time
	TotalTime time.Duration

	RemoteAddr      string
	RemoteHost      string
	Host            string
	InternalHost    string
	RemoteUser      string
	RemoteUserAgent string
	HTTPReferer     string

	RemoteCountry string
	RemoteCity    string
	RemoteLat     float64
	RemoteLon     float64

	Service      string
	Operation    string
	SubOperation string
	OWSVersion   string
	Resources    []string
	BBox         *BBox

	ErrorMessage string

	RequestBody  []byte
	ResponseBody []byte
}

// RoutingKey selects the persistence queue for the record: its store ID
// once assigned, the correlation ID before that.
func (r *Record) RoutingKey() string {
	if r.ID != "" {
		return r.ID
	}
	return r.InternalID
}
