package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512K", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"invalid", 1 << 20},
		{"-5", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func runLimited(t *testing.T, mw echo.MiddlewareFunc, method, path string, body []byte, contentLength int64) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.ContentLength = contentLength
	c := e.NewContext(req, httptest.NewRecorder())
	return mw(func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	})(c)
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	body := []byte(`{"serverId":"srv","resourceType":"Patient","id":"p1"}`)
	if err := runLimited(t, BodyLimit("1K", "1M"), http.MethodPost, "/api/validation/queue", body, int64(len(body))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBodyLimit_RejectsByContentLength(t *testing.T) {
	body := bytes.Repeat([]byte("a"), 2048)
	err := runLimited(t, BodyLimit("1K", "1M"), http.MethodPost, "/api/validation/queue", body, int64(len(body)))
	expectStatus(t, err, http.StatusRequestEntityTooLarge)
}

func TestBodyLimit_BulkPathsGetLargerLimit(t *testing.T) {
	body := bytes.Repeat([]byte("a"), 2048)
	for _, path := range []string{"/api/validation/batches", "/api/validation/validate/"} {
		if err := runLimited(t, BodyLimit("1K", "4K"), http.MethodPost, path, body, int64(len(body))); err != nil {
			t.Errorf("%s: unexpected error: %v", path, err)
		}
	}
	big := bytes.Repeat([]byte("a"), 8192)
	err := runLimited(t, BodyLimit("1K", "4K"), http.MethodPost, "/api/validation/batches", big, int64(len(big)))
	expectStatus(t, err, http.StatusRequestEntityTooLarge)
}

func TestBodyLimit_EnforcesLimitDuringRead(t *testing.T) {
	body := bytes.Repeat([]byte("a"), 1024)
	err := runLimited(t, BodyLimit("512", "10M"), http.MethodPost, "/api/validation/queue", body, -1)
	expectStatus(t, err, http.StatusRequestEntityTooLarge)
}

func TestBodyLimit_SkipsEmptyBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/connectivity", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	called := false
	err := BodyLimit("1", "1")(func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil || !called {
		t.Fatalf("expected pass-through, err=%v called=%v", err, called)
	}
}
