package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geomonitor/config"
)

func testConfig(t *testing.T, upstream string) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{Port: "0", UpstreamURL: upstream, InternalHost: "test"},
		Monitor: config.MonitorConfig{
			FilterMode:           config.FilterModeAdvanced,
			FilterFile:           filepath.Join(t.TempDir(), "monitoring", "filter.json"),
			FilterReloadInterval: 10 * time.Millisecond,
			MaxResponseBodySize:  -1,
			Sync:                 config.SyncModeAsync,
			Workers:              2,
			QueueSize:            100,
			ShutdownTimeout:      5 * time.Second,
		},
		Storage: config.StorageConfig{Type: "memory"},
		Logging: config.LogConfig{Format: "text", Level: "info"},
	}
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

func TestNew_InstallsDefaultFilterAndRecords(t *testing.T) {
	cfg := testConfig(t, newUpstream(t).URL)
	application, err := New(context.Background(), cfg)
	require.NoError(t, err)

	_, err = os.Stat(cfg.Monitor.FilterFile)
	require.NoError(t, err, "bundled rules installed")
	assert.True(t, application.Filter().Monitor("/geoserver/wms", url.Values{}))
	assert.False(t, application.Filter().Monitor("/web/", url.Values{}))

	rec := httptest.NewRecorder()
	application.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/geoserver/wms?request=GetMap", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, application.Shutdown(context.Background()))
	require.NoError(t, application.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestNew_ReloadsRulesWhileRunning(t *testing.T) {
	cfg := testConfig(t, newUpstream(t).URL)
	application, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer application.Shutdown(context.Background())

	rules := `{"filters": [{"type": "include", "path": "/only/this"}]}`
	require.NoError(t, os.WriteFile(cfg.Monitor.FilterFile, []byte(rules), 0644))

	assert.Eventually(t, func() bool {
		return application.Filter().Monitor("/only/this", url.Values{}) &&
			!application.Filter().Monitor("/geoserver/wms", url.Values{})
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNew_BrokenRuleFileMonitorsNothing(t *testing.T) {
	cfg := testConfig(t, newUpstream(t).URL)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Monitor.FilterFile), 0755))
	require.NoError(t, os.WriteFile(cfg.Monitor.FilterFile, []byte("{not json"), 0644))

	application, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer application.Shutdown(context.Background())

	assert.False(t, application.Filter().Monitor("/geoserver/wms", url.Values{}))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing upstream", func(c *config.Config) { c.Server.UpstreamURL = "" }},
		{"bad upstream", func(c *config.Config) { c.Server.UpstreamURL = "geoserver" }},
		{"bad filter mode", func(c *config.Config) { c.Monitor.FilterMode = "regex" }},
		{"bad storage", func(c *config.Config) { c.Storage.Type = "cassandra" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, "http://localhost:8080")
			tt.mutate(cfg)
			_, err := New(context.Background(), cfg)
			assert.Error(t, err)
		})
	}

	_, err := New(context.Background(), nil)
	assert.Error(t, err)
}

func TestNewFilter_IncludeMode(t *testing.T) {
	cell, watcher, err := NewFilter(config.MonitorConfig{
		FilterMode: config.FilterModeInclude,
		FilterFile: filepath.Join(t.TempDir(), "filter.properties"),
	})
	require.NoError(t, err)
	assert.Equal(t, "filter.properties", filepath.Base(watcher.Path()))
	assert.True(t, cell.Monitor("/geoserver/wms", url.Values{}))
	assert.False(t, cell.Monitor("/geoserver/web/", url.Values{}))
}
