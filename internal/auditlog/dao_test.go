package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geomonitor/internal/queue"
)

// faultyStore injects failures into a MemoryStore.
type faultyStore struct {
	*MemoryStore
	insertErr   error
	patchErr    error
	uploadErrs  map[BlobKind]error
	mu          sync.Mutex
	patchCalls  int
	uploadNames []string
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: NewMemoryStore(), uploadErrs: map[BlobKind]error{}}
}

func (s *faultyStore) Insert(ctx context.Context, doc *Document) (string, error) {
	if s.insertErr != nil {
		return "", s.insertErr
	}
	return s.MemoryStore.Insert(ctx, doc)
}

func (s *faultyStore) UpdateFields(ctx context.Context, id string, fields Fields) error {
	s.mu.Lock()
	s.patchCalls++
	s.mu.Unlock()
	if s.patchErr != nil {
		return s.patchErr
	}
	return s.MemoryStore.UpdateFields(ctx, id, fields)
}

func (s *faultyStore) Upload(ctx context.Context, name string, r io.Reader, meta BlobMetadata) (string, error) {
	s.mu.Lock()
	s.uploadNames = append(s.uploadNames, name)
	s.mu.Unlock()
	if err := s.uploadErrs[meta.Kind]; err != nil {
		return "", err
	}
	return s.MemoryStore.Upload(ctx, name, r, meta)
}

// logLines decodes JSON log output.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func stepFailures(lines []map[string]any, step string) int {
	n := 0
	for _, l := range lines {
		if l["level"] == "ERROR" && l["step"] == step {
			n++
		}
	}
	return n
}

func sampleRecord() *Record {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Record{
		InternalID:     "corr-1",
		Category:       CategoryOWS,
		Status:         StatusFinished,
		Path:           "/geoserver/wms",
		QueryString:    "service=WMS&request=GetMap",
		HTTPMethod:     "GET",
		ResponseStatus: 200,
		StartTime:      start,
		EndTime:        start.Add(120 * time.Millisecond),
		TotalTime:      120 * time.Millisecond,
		Service:        "WMS",
		Operation:      "GetMap",
		RequestBody:    []byte("layers=topp:states"),
		ResponseBody:   []byte("PNG..."),
	}
}

func newTestDAO(store *faultyStore, exec queue.Executor, logs *bytes.Buffer) *DAO {
	return NewDAO(store, store, exec, Options{
		MaxRequestBodySize:  1024,
		MaxResponseBodySize: -1,
		Logger:              slog.New(slog.NewJSONHandler(logs, nil)),
	})
}

func TestDAO_PersistAllSteps(t *testing.T) {
	store := newFaultyStore()
	var logs bytes.Buffer
	dao := newTestDAO(store, queue.NewInline(), &logs)

	rec := sampleRecord()
	res := dao.Persist(context.Background(), rec)

	require.NoError(t, res.Err())
	require.True(t, res.Stored())
	assert.Equal(t, res.ID, rec.ID)
	assert.NotEmpty(t, res.RequestBodyID)
	assert.NotEmpty(t, res.ResponseBodyID)
	assert.ElementsMatch(t, []string{res.ID + "/request", res.ID + "/response"}, store.uploadNames)

	doc, err := dao.GetDocument(context.Background(), res.ID)
	require.NoError(t, err)
	require.NotNil(t, doc.RequestBodyID)
	require.NotNil(t, doc.ResponseBodyID)
	assert.Equal(t, res.RequestBodyID, *doc.RequestBodyID)

	body, err := dao.OpenBody(context.Background(), *doc.ResponseBodyID)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "PNG...", string(data))
	assert.Empty(t, logLines(t, &logs))
}

// A failing patch leaves the inserted document without body references,
// logs once, and the record stays readable.
func TestDAO_PatchFailureAsync(t *testing.T) {
	store := newFaultyStore()
	store.patchErr = errors.New("write concern timeout")
	var logs bytes.Buffer
	exec := queue.NewPipeline(queue.Options{Workers: 2})
	dao := newTestDAO(store, exec, &logs)

	rec := sampleRecord()
	require.NoError(t, dao.Save(rec))
	require.NoError(t, dao.Close(context.Background()))

	require.Equal(t, 1, store.Len())
	require.Equal(t, 2, store.BlobCount(), "both uploads succeeded")
	assert.Equal(t, 1, store.patchCalls)
	require.NotEmpty(t, rec.ID)

	doc, err := dao.GetDocument(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Nil(t, doc.RequestBodyID)
	assert.Nil(t, doc.ResponseBodyID)

	got, err := dao.GetRequest(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "/geoserver/wms", got.Path)
	assert.Equal(t, "GetMap", got.Operation)
	assert.Nil(t, got.RequestBody, "bodies are not part of the read path")

	lines := logLines(t, &logs)
	assert.Equal(t, 1, stepFailures(lines, StepPatch))
	assert.Len(t, lines, 1)
	assert.Contains(t, lines[0]["record"], `"requestBody":"layers=topp:states"`)
}

func TestDAO_PatchFailureResult(t *testing.T) {
	store := newFaultyStore()
	store.patchErr = errors.New("boom")
	var logs bytes.Buffer
	dao := newTestDAO(store, nil, &logs)

	res := dao.Persist(context.Background(), sampleRecord())

	require.NotNil(t, res.PatchErr)
	assert.ErrorIs(t, res.Err(), ErrStorePatch)
	assert.True(t, res.Stored())
	assert.Empty(t, res.RequestBodyID)
	assert.Empty(t, res.ResponseBodyID)
}

func TestDAO_InsertFailureIsTerminal(t *testing.T) {
	store := newFaultyStore()
	store.insertErr = errors.New("connection refused")
	var logs bytes.Buffer
	dao := newTestDAO(store, queue.NewInline(), &logs)

	res := dao.Persist(context.Background(), sampleRecord())

	require.NotNil(t, res.InsertErr)
	assert.False(t, res.Stored())
	assert.ErrorIs(t, res.Err(), ErrStoreInsert)
	assert.ErrorContains(t, res.Err(), "connection refused")
	assert.Empty(t, store.uploadNames, "no upload after a failed insert")
	assert.Zero(t, store.patchCalls)

	lines := logLines(t, &logs)
	require.Equal(t, 1, stepFailures(lines, StepInsert))
	assert.Equal(t, "corr-1", lines[0]["internal_id"])
}

func TestDAO_OneUploadFailureDoesNotBlockTheOther(t *testing.T) {
	store := newFaultyStore()
	store.uploadErrs[BlobRequest] = errors.New("chunk write failed")
	var logs bytes.Buffer
	dao := newTestDAO(store, queue.NewInline(), &logs)

	res := dao.Persist(context.Background(), sampleRecord())

	require.NotNil(t, res.RequestBodyErr)
	assert.ErrorIs(t, res.RequestBodyErr, ErrBlobUpload)
	assert.Nil(t, res.ResponseBodyErr)
	assert.Nil(t, res.PatchErr)
	assert.NotEmpty(t, res.ResponseBodyID)

	doc, err := store.Find(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Nil(t, doc.RequestBodyID)
	require.NotNil(t, doc.ResponseBodyID)
	assert.Equal(t, res.ResponseBodyID, *doc.ResponseBodyID)
	assert.Equal(t, 1, stepFailures(logLines(t, &logs), StepRequestBody))
}

func TestDAO_SkipsBodiesWhenCaptureDisabled(t *testing.T) {
	store := newFaultyStore()
	dao := NewDAO(store, store, queue.NewInline(), Options{})

	res := dao.Persist(context.Background(), sampleRecord())

	require.NoError(t, res.Err())
	assert.Empty(t, store.uploadNames)
	assert.Zero(t, store.BlobCount())
	assert.Equal(t, 1, store.patchCalls, "references are set to null without uploads")

	doc, err := dao.GetDocument(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Nil(t, doc.RequestBodyID)
	assert.Nil(t, doc.ResponseBodyID)
}

func TestDAO_PatchFailureWithCaptureDisabled(t *testing.T) {
	store := newFaultyStore()
	store.patchErr = errors.New("write conflict")
	dao := NewDAO(store, store, queue.NewInline(), Options{})

	res := dao.Persist(context.Background(), sampleRecord())

	require.ErrorIs(t, res.Err(), ErrStorePatch)
	assert.NotEmpty(t, res.ID, "the inserted document is kept")
	assert.Equal(t, 1, store.Len())
}

func TestDAO_SaveSerialisesPerRecord(t *testing.T) {
	store := newFaultyStore()
	exec := queue.NewPipeline(queue.Options{Workers: 4})
	dao := NewDAO(store, store, exec, Options{MaxResponseBodySize: -1})

	for i := 0; i < 50; i++ {
		rec := sampleRecord()
		rec.InternalID = ""
		require.NoError(t, dao.Save(rec))
	}
	require.NoError(t, dao.Close(context.Background()))

	assert.Equal(t, 50, store.Len())
	assert.Equal(t, 50, store.BlobCount())
}

func TestDAO_SaveAfterClose(t *testing.T) {
	dao := NewDAO(NewMemoryStore(), NewMemoryStore(), queue.NewPipeline(queue.Options{}), Options{})
	require.NoError(t, dao.Close(context.Background()))
	assert.ErrorIs(t, dao.Save(sampleRecord()), queue.ErrClosed)
}

func TestDAO_GetRequestNotFound(t *testing.T) {
	dao := NewDAO(NewMemoryStore(), NewMemoryStore(), nil, Options{})
	_, err := dao.GetRequest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = dao.OpenBody(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDAO_BulkReadersNotSupported(t *testing.T) {
	dao := NewDAO(NewMemoryStore(), NewMemoryStore(), nil, Options{})
	ctx := context.Background()

	_, err := dao.GetRequests(ctx, Query{})
	assert.ErrorIs(t, err, ErrNotSupported)
	_, err = dao.Count(ctx, Query{})
	assert.ErrorIs(t, err, ErrNotSupported)
	assert.ErrorIs(t, dao.Visit(ctx, Query{}, func(*Record) error { return nil }), ErrNotSupported)
	_, err = dao.OwsRequests(ctx, Query{Service: "WMS"})
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestStepError(t *testing.T) {
	cause := errors.New("disk full")
	err := &StepError{Step: StepResponseBody, RecordID: "abc", Err: cause}

	assert.ErrorIs(t, err, ErrBlobUpload)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrStorePatch)
	assert.Equal(t, "response_body record abc: disk full", err.Error())
}

func TestRecord_RoutingKey(t *testing.T) {
	rec := &Record{InternalID: "corr"}
	assert.Equal(t, "corr", rec.RoutingKey())
	rec.ID = "65f0c0ffee"
	assert.Equal(t, "65f0c0ffee", rec.RoutingKey())
}
