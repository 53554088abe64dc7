package statusapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ridersdiscount/bend/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	instances []types.Instance
}

func (f fakeLister) List() []types.Instance { return f.instances }

// testRouter rebuilds New's /healthz and /status routes (without
// /metrics, CORS or request logging), so handlers can be exercised
// directly via httptest without binding a port.
func testRouter(lister InstanceLister) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", healthHandler)
	r.Get("/status", statusHandler(lister))
	return r
}

func TestHealthzReportsOK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	testRouter(fakeLister{}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestStatusReturnsInstanceSnapshot(t *testing.T) {
	lister := fakeLister{instances: []types.Instance{
		{ID: 1, Name: "build.deploy", State: types.StateWorking},
	}}
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	testRouter(lister).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"build.deploy"`)
	assert.Contains(t, rec.Body.String(), `"WORKING"`)
}
