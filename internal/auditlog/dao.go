package auditlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"geomonitor/internal/queue"
)

// Step sentinels, testable with errors.Is on a StepError.
var (
	ErrStoreInsert = errors.New("store insert failed")
	ErrBlobUpload  = errors.New("blob upload failed")
	ErrStorePatch  = errors.New("store patch failed")
)

// Persistence steps.
const (
	StepInsert       = "insert"
	StepRequestBody  = "request_body"
	StepResponseBody = "response_body"
	StepPatch        = "patch"
)

var (
	persistedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geomonitor_records_persisted_total",
		Help: "Records whose metadata document was inserted",
	})
	stepFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geomonitor_persist_step_failures_total",
		Help: "Persistence step failures by step",
	}, []string{"step"})
)

// StepError reports a failed persistence step of one record.
// It unwraps to both the step sentinel and the store error.
type StepError struct {
	Step     string
	RecordID string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s record %s: %v", e.Step, e.RecordID, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{stepSentinel(e.Step), e.Err}
}

func stepSentinel(step string) error {
	switch step {
	case StepInsert:
		return ErrStoreInsert
	case StepRequestBody, StepResponseBody:
		return ErrBlobUpload
	default:
		return ErrStorePatch
	}
}

// Result is the outcome of every step of one Persist call.
// Blob IDs are empty when the upload was skipped or failed.
type Result struct {
	ID             string
	RequestBodyID  string
	ResponseBodyID string

	InsertErr       *StepError
	RequestBodyErr  *StepError
	ResponseBodyErr *StepError
	PatchErr        *StepError
}

// Stored reports whether the metadata document exists.
func (r Result) Stored() bool {
	return r.InsertErr == nil && r.ID != ""
}

// Err joins the step failures, nil when every attempted step succeeded.
func (r Result) Err() error {
	var errs []error
	for _, e := range []*StepError{r.InsertErr, r.RequestBodyErr, r.ResponseBodyErr, r.PatchErr} {
		if e != nil {
			errs = append(errs, e)
		}
	}
	return errors.Join(errs...)
}

// Options configures the DAO.
type Options struct {
	// MaxRequestBodySize and MaxResponseBodySize gate the body uploads;
	// zero skips the upload.
	MaxRequestBodySize  int64
	MaxResponseBodySize int64
	// Logger receives step failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// DAO persists records with the insert, upload, patch protocol. Whether
// Save runs inline or on a worker depends on the Executor it was built with.
type DAO struct {
	docs  DocumentStore
	blobs BlobStore
	exec  queue.Executor
	opts  Options
	log   *slog.Logger
}

// NewDAO creates a DAO. A nil executor runs tasks inline.
func NewDAO(docs DocumentStore, blobs BlobStore, exec queue.Executor, opts Options) *DAO {
	if exec == nil {
		exec = queue.NewInline()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DAO{docs: docs, blobs: blobs, exec: exec, opts: opts, log: logger}
}

// Save hands rec to the executor under its routing key. The caller must not
// touch rec afterwards. The only errors are the executor's (queue.ErrSaturated,
// queue.ErrClosed); step failures are logged by the task.
func (d *DAO) Save(rec *Record) error {
	if rec.RoutingKey() == "" {
		rec.InternalID = uuid.NewString()
	}
	return d.exec.Submit(rec.RoutingKey(), func(ctx context.Context) {
		d.Persist(ctx, rec)
	})
}

// Persist runs the three steps synchronously. There is no retry and no
// rollback: a failed insert ends the protocol, a failed upload leaves its
// reference empty, a failed patch leaves the document without references.
func (d *DAO) Persist(ctx context.Context, rec *Record) Result {
	var res Result

	id, err := d.docs.Insert(ctx, ToDocument(rec))
	if err != nil {
		res.InsertErr = d.fail(rec, StepInsert, err)
		return res
	}
	rec.ID = id
	res.ID = id
	persistedTotal.Inc()

	if d.opts.MaxRequestBodySize != 0 {
		res.RequestBodyID, res.RequestBodyErr = d.upload(ctx, rec, rec.RequestBody, BlobRequest)
	}
	if d.opts.MaxResponseBodySize != 0 {
		res.ResponseBodyID, res.ResponseBodyErr = d.upload(ctx, rec, rec.ResponseBody, BlobResponse)
	}

	// Both references are always set, as null when no body was stored.

	fields := Fields{
		FieldRequestBodyID:  optional(res.RequestBodyID),
		FieldResponseBodyID: optional(res.ResponseBodyID),
	}
	if err := d.docs.UpdateFields(ctx, id, fields); err != nil {
		res.RequestBodyID = ""
		res.ResponseBodyID = ""
		res.PatchErr = d.fail(rec, StepPatch, err)
		return res
	}

	d.log.Debug("request data stored", "record_id", id)
	return res
}

func (d *DAO) upload(ctx context.Context, rec *Record, body []byte, kind BlobKind) (string, *StepError) {
	step, suffix := StepRequestBody, requestBlobSuffix
	if kind == BlobResponse {
		step, suffix = StepResponseBody, responseBlobSuffix
	}

	blobID, err := d.blobs.Upload(ctx, rec.ID+suffix, bytes.NewReader(body), BlobMetadata{
		ParentID: rec.ID,
		Kind:     kind,
	})
	if err != nil {
		return "", d.fail(rec, step, err)
	}
	return blobID, nil
}

// fail logs a step failure with the record snapshot needed to reconcile it
// by hand.
func (d *DAO) fail(rec *Record, step string, err error) *StepError {
	stepErr := &StepError{Step: step, RecordID: rec.RoutingKey(), Err: err}
	stepFailuresTotal.WithLabelValues(step).Inc()
	d.log.Error("failed to persist request data",
		"step", step,
		"record_id", rec.ID,
		"internal_id", rec.InternalID,
		"error", err,
		"record", ForensicJSON(rec),
	)
	return stepErr
}

func optional(id string) any {
	if id == "" {
		return nil
	}
	return id
}

// GetRequest loads the record without its bodies.
func (d *DAO) GetRequest(ctx context.Context, id string) (*Record, error) {
	doc, err := d.docs.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	return FromDocument(doc), nil
}

// GetDocument loads the stored document, including its blob references.
func (d *DAO) GetDocument(ctx context.Context, id string) (*Document, error) {
	return d.docs.Find(ctx, id)
}

// OpenBody streams a stored body. The caller closes the reader.
func (d *DAO) OpenBody(ctx context.Context, blobID string) (io.ReadCloser, error) {
	return d.blobs.Download(ctx, blobID)
}

// Query selects records for the bulk readers.
type Query struct {
	Service   string
	Operation string
	Version   string
	Limit     int
}

// GetRequests is not supported.
func (d *DAO) GetRequests(_ context.Context, _ Query) ([]*Record, error) {
	return nil, ErrNotSupported
}

// Count is not supported.
func (d *DAO) Count(_ context.Context, _ Query) (int64, error) {
	return 0, ErrNotSupported
}

// Visit is not supported.
func (d *DAO) Visit(_ context.Context, _ Query, _ func(*Record) error) error {
	return ErrNotSupported
}

// OwsRequests is not supported.
func (d *DAO) OwsRequests(_ context.Context, _ Query) ([]*Record, error) {
	return nil, ErrNotSupported
}

// Close drains the executor within ctx.
func (d *DAO) Close(ctx context.Context) error {
	return d.exec.Shutdown(ctx)
}
