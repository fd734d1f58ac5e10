package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anyos-project/corekernel/internal/kernelboot"
	"github.com/anyos-project/corekernel/internal/logging"
	"github.com/anyos-project/corekernel/pkg/sysinfo"
)

func newTestServer(t *testing.T) (*kernelboot.System, http.Handler) {
	t.Helper()
	sys, err := kernelboot.BringUp(kernelboot.Config{
		Info:    kernelboot.StubInfo(16 * 1024 * 1024),
		NumCPUs: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sys.Close() })
	return sys, newRouter(sys, logging.NewLogger(logging.DefaultConfig()))
}

func TestSysinfoEndpoint(t *testing.T) {
	_, handler := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sysinfo/0", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var got sysinfo.MemSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Greater(t, got.TotalFrames, 0)
}

func TestSysinfoEndpointRejectsUnknownKind(t *testing.T) {
	_, handler := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sysinfo/2", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSysinfoHistoryEndpoint(t *testing.T) {
	_, handler := newTestServer(t)

	// Serving the current table records a snapshot, so two GETs give the
	// history endpoint two entries to return.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sysinfo/3", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sysinfo/3/history?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var hist []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Len(t, hist, 2)
}
