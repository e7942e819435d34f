package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredora/coredora/internal/dhcpmodel"
)

type fakeLeaseLister struct {
	recs []dhcpmodel.LeaseRecord
	err  error
}

func (f *fakeLeaseLister) ListLeases() ([]dhcpmodel.LeaseRecord, error) {
	return f.recs, f.err
}

func TestHealthWithoutCoordinatorReportsConnected(t *testing.T) {
	s := New(nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "connected", body["status"])
}

func TestPingReturnsPong(t *testing.T) {
	s := New(nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestLeasesWithoutListerReturnsEmptyArray(t *testing.T) {
	s := New(nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/leases", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestLeasesReturnsListerRecords(t *testing.T) {
	lister := &fakeLeaseLister{recs: []dhcpmodel.LeaseRecord{{LeaseID: "l1"}}}
	s := New(nil, lister, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/leases", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var recs []dhcpmodel.LeaseRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "l1", recs[0].LeaseID)
}

func TestLeasesListerErrorReturns500(t *testing.T) {
	lister := &fakeLeaseLister{err: assert.AnError}
	s := New(nil, lister, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/leases", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestConfigEndpointReturnsConfigVerbatim(t *testing.T) {
	cfg := map[string]string{"server_id": "server-1"}
	s := New(nil, nil, cfg, nil)
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "server-1", got["server_id"])
}

func TestMetricsEndpointIsMounted(t *testing.T) {
	s := New(nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
