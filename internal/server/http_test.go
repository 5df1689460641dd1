package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geomonitor/internal/auditlog"
	"geomonitor/internal/filter"
)

// recordingDAO keeps every saved record so tests can look up their IDs.
type recordingDAO struct {
	*auditlog.DAO
	mu    sync.Mutex
	saved []*auditlog.Record
}

func (r *recordingDAO) Save(rec *auditlog.Record) error {
	err := r.DAO.Save(rec)
	r.mu.Lock()
	r.saved = append(r.saved, rec)
	r.mu.Unlock()
	return err
}

func (r *recordingDAO) last(t *testing.T) *auditlog.Record {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.saved)
	return r.saved[len(r.saved)-1]
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "upstream:"+r.URL.Path)
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

func newTestServer(t *testing.T, upstreamURL string, mutate func(*Config)) (*Server, *recordingDAO) {
	t.Helper()
	rule, err := filter.NewRule(filter.Include, "/geoserver/**", nil)
	require.NoError(t, err)

	store := auditlog.NewMemoryStore()
	records := &recordingDAO{DAO: auditlog.NewDAO(store, store, nil, auditlog.Options{
		MaxResponseBodySize: -1,
	})}

	cfg := &Config{
		UpstreamURL: upstreamURL,
		Monitor: auditlog.MiddlewareConfig{
			Filter:              filter.NewCell(filter.NewChain(rule)),
			MaxResponseBodySize: -1,
			InternalHost:        "test-node",
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := New(records, cfg)
	require.NoError(t, err)
	return srv, records
}

func TestServer_ProxiesAndRecords(t *testing.T) {
	upstream := newUpstream(t)
	srv, records := newTestServer(t, upstream.URL, nil)

	req := httptest.NewRequest(http.MethodGet, "/geoserver/wms?service=WMS&request=GetCapabilities", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream:/geoserver/wms", rec.Body.String())

	saved := records.last(t)
	require.NotEmpty(t, saved.ID)
	assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), saved.InternalID)
	assert.Equal(t, "GetCapabilities", saved.Operation)
	assert.Equal(t, "test-node", saved.InternalHost)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/monitor/requests/"+saved.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc auditlog.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, saved.ID, doc.ID)
	assert.Equal(t, "/geoserver/wms", doc.Path)
	assert.Equal(t, "WMS", doc.Service)
	assert.Equal(t, "FINISHED", doc.RequestStatus)
	require.NotNil(t, doc.ResponseBodyID)
	assert.Nil(t, doc.RequestBodyID)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/monitor/requests/"+saved.ID+"/body/response", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream:/geoserver/wms", rec.Body.String())
	assert.Equal(t, echo.MIMEOctetStream, rec.Header().Get(echo.HeaderContentType))
}

func TestServer_UnmonitoredPathIsProxiedOnly(t *testing.T) {
	upstream := newUpstream(t)
	srv, records := newTestServer(t, upstream.URL, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/web/index.html", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream:/web/index.html", rec.Body.String())
	assert.Empty(t, records.saved)
}

func TestServer_UpstreamDownIsRecordedAsFailed(t *testing.T) {
	upstream := newUpstream(t)
	addr := upstream.URL
	upstream.Close()
	srv, records := newTestServer(t, addr, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/geoserver/wfs?request=GetFeature", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	saved := records.last(t)
	assert.Equal(t, auditlog.StatusFailed, saved.Status)
	assert.Equal(t, http.StatusBadGateway, saved.ResponseStatus)
	assert.NotEmpty(t, saved.ErrorMessage)
}

func TestServer_ReadAPIErrors(t *testing.T) {
	srv, _ := newTestServer(t, newUpstream(t).URL, nil)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"unknown record", "/monitor/requests/nope", http.StatusNotFound},
		{"unknown record body", "/monitor/requests/nope/body/request", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), "not_found_error")
		})
	}
}

func TestServer_BodyKindValidation(t *testing.T) {
	srv, records := newTestServer(t, newUpstream(t).URL, nil)
	srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/geoserver/wms", nil))
	id := records.last(t).ID

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/monitor/requests/"+id+"/body/headers", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/monitor/requests/"+id+"/body/request", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "request capture is disabled")
}

func TestServer_ReadAPIRequiresKey(t *testing.T) {
	srv, _ := newTestServer(t, newUpstream(t).URL, func(c *Config) { c.APIKey = "monitor-key" })

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/monitor/requests/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/monitor/requests/x", nil)
	req.Header.Set("Authorization", "Bearer monitor-key")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/geoserver/wms", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "proxied routes stay open")
}

func TestServer_Health(t *testing.T) {
	srv, records := newTestServer(t, newUpstream(t).URL, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Empty(t, records.saved)
}

func TestMetricsEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		enabled        bool
		endpoint       string
		requestPath    string
		expectedStatus int
		expectedBody   string
	}{
		{"disabled is proxied", false, "", "/metrics", http.StatusOK, "upstream:/metrics"},
		{"default path", true, "", "/metrics", http.StatusOK, "geomonitor_requests_total"},
		{"custom path", true, "/monitoring/metrics", "/monitoring/metrics", http.StatusOK, "go_goroutines"},
		{"custom path is normalised", true, "monitoring/../stats", "/stats", http.StatusOK, "go_goroutines"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, newUpstream(t).URL, func(c *Config) {
				c.MetricsEnabled = tt.enabled
				c.MetricsEndpoint = tt.endpoint
			})
			srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/geoserver/wms", nil))

			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.requestPath, nil))

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.True(t, strings.Contains(rec.Body.String(), tt.expectedBody), rec.Body.String())
		})
	}
}

func TestNew_InvalidUpstream(t *testing.T) {
	for _, upstream := range []string{"", "geoserver:8080", "http://"} {
		_, err := New(nil, &Config{UpstreamURL: upstream})
		assert.Error(t, err, upstream)
	}
	_, err := New(nil, nil)
	assert.Error(t, err)
}
