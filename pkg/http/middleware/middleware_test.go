package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	applogger "FinCascade/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEcho(mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.Use(mw...)
	e.GET("/ok", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/panic", func(c echo.Context) error { panic("kaboom") })
	e.GET("/err", func(c echo.Context) error { return errors.New("broken") })
	return e
}

func do(e *echo.Echo, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCORS(t *testing.T) {
	e := newEcho(CORS(CORSConfig{
		AllowOrigins:  []string{"https://app.example"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{echo.HeaderContentType},
		ExposeHeaders: []string{echo.HeaderXRequestID},
	}))

	rec := do(e, http.MethodGet, "/ok", map[string]string{echo.HeaderOrigin: "https://app.example"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	assert.Equal(t, echo.HeaderXRequestID, rec.Header().Get(echo.HeaderAccessControlExposeHeaders))

	rec = do(e, http.MethodOptions, "/ok", map[string]string{echo.HeaderOrigin: "https://app.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "GET, POST", rec.Header().Get(echo.HeaderAccessControlAllowMethods))

	rec = do(e, http.MethodGet, "/ok", map[string]string{echo.HeaderOrigin: "https://evil.example"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}

func TestRecover(t *testing.T) {
	e := newEcho(Recover(applogger.Nop()))
	rec := do(e, http.MethodGet, "/panic", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":500,"message":"Internal Server Error"}`, rec.Body.String())
}

func TestMetrics_HandlesErrors(t *testing.T) {
	e := newEcho(RequestLogging(applogger.Nop()), Metrics(applogger.Nop(), time.Second))

	rec := do(e, http.MethodGet, "/err", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = do(e, http.MethodGet, "/ok", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "4xx", statusClass(429))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "5xx", statusClass(0))
}

func TestMetrics_CountsEnvelopeStatus(t *testing.T) {
	e := newEcho(Metrics(nil, 0))
	e.GET("/limited", func(c echo.Context) error {
		c.Set(APIStatusKey, http.StatusTooManyRequests)
		return c.JSON(http.StatusOK, map[string]int{"status": http.StatusTooManyRequests})
	})

	rec := do(e, http.MethodGet, "/limited", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(httpStats.requests.WithLabelValues("/limited", http.MethodGet, "429")))
	assert.Zero(t, testutil.ToFloat64(httpStats.requests.WithLabelValues("/limited", http.MethodGet, "200")))
	assert.Zero(t, testutil.ToFloat64(httpStats.inFlight))
}
