package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleRequest struct {
	Names  []string `json:"names" validate:"required,min=1,dive,required"`
	Mode   string   `json:"mode" default:"fast" validate:"oneof=fast slow"`
	Weight int      `json:"weight" validate:"lte=10"`
}

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func serve(t *testing.T, h echo.HandlerFunc, body string) envelope {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, h(e.NewContext(req, rec)))
	require.Equal(t, http.StatusOK, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestReadAndValidateRequest(t *testing.T) {
	var got sampleRequest
	h := func(c echo.Context) error {
		got = sampleRequest{}
		if verr := ReadAndValidateRequest(c, &got); verr != nil {
			return BadRequestResponse(c, verr)
		}
		return SuccessResponse(c, got)
	}

	env := serve(t, h, `{"names":["a"]}`)
	assert.Equal(t, http.StatusOK, env.Status)
	assert.Equal(t, "fast", got.Mode)

	env = serve(t, h, `{"names":[]}`)
	assert.Equal(t, http.StatusBadRequest, env.Status)
	var verrs []ValidationError
	require.NoError(t, json.Unmarshal(env.Data, &verrs))
	require.Len(t, verrs, 1)
	assert.Equal(t, "ERR_MIN", verrs[0].Code)
	assert.Equal(t, "names", verrs[0].Field)
	assert.Equal(t, "names must have at least 1 items", verrs[0].Message)

	env = serve(t, h, `{"names":["a"],"mode":"odd","weight":11}`)
	assert.Equal(t, http.StatusBadRequest, env.Status)
	assert.Contains(t, string(env.Data), "ERR_ONEOF")
	assert.Contains(t, string(env.Data), "ERR_LTE")

	env = serve(t, h, `{"names":`)
	assert.Equal(t, http.StatusBadRequest, env.Status)
	assert.Contains(t, string(env.Data), "ERR_UNKNOWN")
}

func TestAppErrorResponse(t *testing.T) {
	env := serve(t, func(c echo.Context) error {
		return AppErrorResponse(c, TooManyRequestsError("slow down").WithError(errors.New("bucket empty")))
	}, "")
	assert.Equal(t, http.StatusTooManyRequests, env.Status)
	assert.Contains(t, string(env.Data), "ERR_RATE_LIMITED")
	assert.NotContains(t, string(env.Data), "bucket empty")

	env = serve(t, func(c echo.Context) error {
		return AppErrorResponse(c, errors.New("boom"))
	}, "")
	assert.Equal(t, http.StatusInternalServerError, env.Status)
}

func TestClient_SendAndParse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/echo":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			_, _ = w.Write(b)
		case "/fail":
			http.Error(w, "nope", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := NewClient(WithTimeout(0))
	ctx := context.Background()

	var out map[string]int
	require.NoError(t, c.SendAndParse(ctx, &RequestOptions{Method: MethodPost, URL: srv.URL + "/echo", Body: map[string]int{"a": 1}}, &out))
	assert.Equal(t, 1, out["a"])

	var raw []byte
	require.NoError(t, c.SendAndParse(ctx, &RequestOptions{Method: MethodPost, URL: srv.URL + "/echo", Body: `[1,2]`}, &raw))
	assert.Equal(t, `[1,2]`, string(raw))

	err := c.SendAndParse(ctx, &RequestOptions{Method: MethodGet, URL: srv.URL + "/fail"}, &raw)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Equal(t, "nope", se.Body)
}

func TestClient_MaxResponseBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	var raw []byte
	c := NewClient(WithMaxResponseBytes(10))
	require.NoError(t, c.SendAndParse(context.Background(), &RequestOptions{Method: MethodGet, URL: srv.URL}, &raw))
	assert.Len(t, raw, 10)
}
