package auditlog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultCRS is recorded when a bounding box carries no reference system.
const DefaultCRS = "EPSG:4326"

// Document is the stored form of a Record. Bodies are never part of it; they
// live in the blob store and are linked by RequestBodyID and ResponseBodyID.
type Document struct {
	ID         string `json:"id,omitempty" bson:"-"`
	InternalID string `json:"internalId,omitempty" bson:"internalId,omitempty"`

	Category      string `json:"category" bson:"category"`
	Path          string `json:"path" bson:"path"`
	QueryString   string `json:"queryString,omitempty" bson:"queryString,omitempty"`
	RequestStatus string `json:"requestStatus" bson:"requestStatus"`

	RequestContentType  string `json:"requestContentType,omitempty" bson:"requestContentType,omitempty"`
	RequestLength       int64  `json:"requestLength" bson:"requestLength"`
	ResponseStatus      int    `json:"responseStatus" bson:"responseStatus"`
	ResponseContentType string `json:"responseContentType,omitempty" bson:"responseContentType,omitempty"`
	ResponseLength      int64  `json:"responseLength" bson:"responseLength"`
	HTTPMethod          string `json:"httpMethod" bson:"httpMethod"`

	StartTime time.Time `json:"startTime" bson:"startTime"`
	EndTime   time.Time `json:"endTime" bson:"endTime"`
	// TotalTime is in milliseconds.
	TotalTime int64 `json:"totalTime" bson:"totalTime"`

	RemoteAddress   string  `json:"remoteAddress,omitempty" bson:"remoteAddress,omitempty"`
	RemoteHost      string  `json:"remoteHost,omitempty" bson:"remoteHost,omitempty"`
	Host            string  `json:"host,omitempty" bson:"host,omitempty"`
	InternalHost    string  `json:"internalHost,omitempty" bson:"internalHost,omitempty"`
	RemoteUser      string  `json:"remoteUser,omitempty" bson:"remoteUser,omitempty"`
	RemoteUserAgent string  `json:"remoteUserAgent,omitempty" bson:"remoteUserAgent,omitempty"`
	RemoteCountry   string  `json:"remoteCountry,omitempty" bson:"remoteCountry,omitempty"`
	RemoteCity      string  `json:"remoteCity,omitempty" bson:"remoteCity,omitempty"`
	RemoteLat       float64 `json:"remoteLat" bson:"remoteLat"`
	RemoteLon       float64 `json:"remoteLon" bson:"remoteLon"`

	Service      string        `json:"service,omitempty" bson:"service,omitempty"`
	Operation    string        `json:"operation,omitempty" bson:"operation,omitempty"`
	OWSVersion   string        `json:"owsVersion,omitempty" bson:"owsVersion,omitempty"`
	SubOperation string        `json:"subOperation,omitempty" bson:"subOperation,omitempty"`
	Resources    []string      `json:"resources,omitempty" bson:"resources,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty" bson:"errorMessage,omitempty"`
	HTTPReferer  string        `json:"httpReferer,omitempty" bson:"httpReferer,omitempty"`
	BBox         *BBoxDocument `json:"bbox,omitempty" bson:"bbox,omitempty"`

	RequestBodyID  *string `json:"requestBodyId,omitempty" bson:"requestBodyId,omitempty"`
	ResponseBodyID *string `json:"responseBodyId,omitempty" bson:"responseBodyId,omitempty"`
}

// BBoxDocument is the nested bounding box sub-document.
type BBoxDocument struct {
	MinX float64 `json:"minX" bson:"minX"`
	MinY float64 `json:"minY" bson:"minY"`
	MaxX float64 `json:"maxX" bson:"maxX"`
	MaxY float64 `json:"maxY" bson:"maxY"`
	CRS  string  `json:"crs" bson:"crs"`
}

// ToDocument maps r to its stored form, leaving the bodies out.
func ToDocument(r *Record) *Document {
	doc := &Document{
		ID:                  r.ID,
		InternalID:          r.InternalID,
		Category:            string(r.Category),
		Path:                r.Path,
		QueryString:         r.QueryString,
		RequestStatus:       string(r.Status),
		RequestContentType:  r.RequestContentType,
		RequestLength:       r.RequestLength,
		ResponseStatus:      r.ResponseStatus,
		ResponseContentType: r.ResponseContentType,
		ResponseLength:      r.ResponseLength,
		HTTPMethod:          r.HTTPMethod,
		StartTime:           r.StartTime.UTC(),
		EndTime:             r.EndTime.UTC(),
		TotalTime:           r.TotalTime.Milliseconds(),
		RemoteAddress:       r.RemoteAddr,
		RemoteHost:          r.RemoteHost,
		Host:                r.Host,
		InternalHost:        r.InternalHost,
		RemoteUser:          r.RemoteUser,
		RemoteUserAgent:     r.RemoteUserAgent,
		RemoteCountry:       r.RemoteCountry,
		RemoteCity:          r.RemoteCity,
		RemoteLat:           r.RemoteLat,
		RemoteLon:           r.RemoteLon,
		Service:             r.Service,
		Operation:           r.Operation,
		OWSVersion:          r.OWSVersion,
		SubOperation:        r.SubOperation,
		ErrorMessage:        r.ErrorMessage,
		HTTPReferer:         r.HTTPReferer,
	}
	if len(r.Resources) > 0 {
		doc.Resources = append([]string(nil), r.Resources...)
	}
	if r.BBox != nil {
		crs := r.BBox.CRS
		if crs == "" {
			crs = DefaultCRS
		}
		doc.BBox = &BBoxDocument{
			MinX: r.BBox.MinX,
			MinY: r.BBox.MinY,
			MaxX: r.BBox.MaxX,
			MaxY: r.BBox.MaxY,
			CRS:  crs,
		}
	}
	return doc
}

// FromDocument maps a stored document back to a Record. Bodies are not
// loaded; use DAO.OpenBody with the document's blob IDs.
// A bounding box without a CRS is dropped.
func FromDocument(doc *Document) *Record {
	r := &Record{
		ID:                  doc.ID,
		InternalID:          doc.InternalID,
		Category:            Category(doc.Category),
		Status:              Status(doc.RequestStatus),
		Path:                doc.Path,
		QueryString:         doc.QueryString,
		HTTPMethod:          doc.HTTPMethod,
		RequestContentType:  doc.RequestContentType,
		RequestLength:       doc.RequestLength,
		ResponseStatus:      doc.ResponseStatus,
		ResponseContentType: doc.ResponseContentType,
		ResponseLength:      doc.ResponseLength,
		StartTime:           doc.StartTime,
		EndTime:             doc.EndTime,
		TotalTime:           time.Duration(doc.TotalTime) * time.Millisecond,
		RemoteAddr:          doc.RemoteAddress,
		RemoteHost:          doc.RemoteHost,
		Host:                doc.Host,
		InternalHost:        doc.InternalHost,
		RemoteUser:          doc.RemoteUser,
		RemoteUserAgent:     doc.RemoteUserAgent,
		HTTPReferer:         doc.HTTPReferer,
		RemoteCountry:       doc.RemoteCountry,
		RemoteCity:          doc.RemoteCity,
		RemoteLat:           doc.RemoteLat,
		RemoteLon:           doc.RemoteLon,
		Service:             doc.Service,
		Operation:           doc.Operation,
		SubOperation:        doc.SubOperation,
		OWSVersion:          doc.OWSVersion,
		ErrorMessage:        doc.ErrorMessage,
	}
	if len(doc.Resources) > 0 {
		r.Resources = append([]string(nil), doc.Resources...)
	}
	if doc.BBox != nil && doc.BBox.CRS != "" {
		r.BBox = &BBox{
			MinX: doc.BBox.MinX,
			MinY: doc.BBox.MinY,
			MaxX: doc.BBox.MaxX,
			MaxY: doc.BBox.MaxY,
			CRS:  doc.BBox.CRS,
		}
	}
	return r
}

// Apply sets patchable fields on doc. Values must be nil, string or *string.
func (d *Document) Apply(fields Fields) error {
	for name, value := range fields {
		ref, err := blobRef(value)
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		switch name {
		case FieldRequestBodyID:
			d.RequestBodyID = ref
		case FieldResponseBodyID:
			d.ResponseBodyID = ref
		default:
			return fmt.Errorf("%w: cannot update field %q", ErrNotSupported, name)
		}
	}
	return nil
}

func blobRef(value any) (*string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return &v, nil
	case *string:
		if v == nil || *v == "" {
			return nil, nil
		}
		s := *v
		return &s, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}

// forensicDocument is a Document with its bodies inlined as text.
type forensicDocument struct {
	*Document
	RequestBody  string `json:"requestBody"`
	ResponseBody string `json:"responseBody"`
}

// ForensicJSON renders r with its bodies for failure logs, so an operator
// can reconcile a record that did not make it to storage.
func ForensicJSON(r *Record) string {
	out, err := json.Marshal(forensicDocument{
		Document:     ToDocument(r),
		RequestBody:  toValidUTF8String(r.RequestBody),
		ResponseBody: toValidUTF8String(r.ResponseBody),
	})
	if err != nil {
		return fmt.Sprintf(`{"internalId":%q,"error":%q}`, r.InternalID, err.Error())
	}
	return string(out)
}

// toValidUTF8String replaces invalid byte sequences so binary bodies do not
// break JSON or BSON encoding.
func toValidUTF8String(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
