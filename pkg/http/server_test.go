package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routes func(e *echo.Echo)

func (r routes) RegisterRoutes(e *echo.Echo) { r(e) }

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServerMetricsAndRecovery(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := routes(func(e *echo.Echo) {
		e.GET("/items/:id", func(c echo.Context) error { return SuccessResponse(c, c.Param("id")) })
		e.GET("/boom", func(echo.Context) error { panic("kaboom") })
	})
	srv := NewServer([]Handler{h}, WithMetrics("/metrics", reg, reg))
	e := srv.Echo()

	for _, id := range []string{"1", "2", "3"} {
		rec := serve(e, http.MethodGet, "/items/"+id)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := serve(e, http.MethodGet, "/boom")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	expected := `
# HELP http_requests_total Total number of HTTP requests
# TYPE http_requests_total counter
http_requests_total{method="GET",route="/boom",status="500"} 1
http_requests_total{method="GET",route="/items/:id",status="200"} 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "http_requests_total"))

	rec = serve(e, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_request_duration_seconds")
}

func TestAppErrorResponseStatus(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	rec := c.Response().Writer.(*httptest.ResponseRecorder)

	require.NoError(t, AppErrorResponse(c, NotFoundErrorf("symbol %s", "XYZ")))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_NOT_FOUND")
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	e := NewServer(nil).Echo()

	rec := serve(e, http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":404`)
	assert.Contains(t, rec.Body.String(), "ERR_NOT_FOUND")

	rec = serve(e, http.MethodPost, "/healthz")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_METHOD_NOT_ALLOWED")
}

func TestAppErrorKeepsCauseOutOfBody(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	err := NotFoundErrorf("symbol %s", "XYZ").Wrap(assert.AnError)
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, AppErrorResponse(c, err))
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestCORSPreflight(t *testing.T) {
	e := NewServer(nil, WithCORS(true)).Echo()
	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set(echo.HeaderOrigin, "http://dash.local")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, "http://dash.local", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	assert.Equal(t, "600", rec.Header().Get(echo.HeaderAccessControlMaxAge))
}
