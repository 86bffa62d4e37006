package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/validator/internal/platform/fhir"
)

func newTestClient(t *testing.T, h http.HandlerFunc, mutate func(*Options)) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts := Options{Name: "test", BaseURL: srv.URL, Timeout: time.Second, Logger: zerolog.Nop()}
	if mutate != nil {
		mutate(&opts)
	}
	return NewClient(opts), srv
}

func TestClient_Get(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Patient/p1", r.URL.Path)
		assert.Equal(t, "application/fhir+json", r.Header.Get("Accept"))
		w.Write([]byte(`{"resourceType":"Patient","id":"p1"}`))
	}, nil)

	res, err := c.Get(context.Background(), "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", res["id"])
}

func TestClient_GetNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, nil)

	_, err := c.Get(context.Background(), "Patient", "missing")
	assert.ErrorIs(t, err, fhir.ErrResourceNotFound)
	assert.False(t, IsTransient(err))

	ok, err := c.Exists(context.Background(), "Patient", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"resourceType":"CapabilityStatement"}`))
	}, func(o *Options) { o.RetryMax = 2 })

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ServerErrorIsTransientAndObserved(t *testing.T) {
	var observed []error
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, func(o *Options) {
		o.Observe = func(_ time.Duration, err error) { observed = append(observed, err) }
	})

	err := c.Ping(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.True(t, IsTransient(err))
	require.Len(t, observed, 1)
	assert.Error(t, observed[0])
}

func TestClient_ClientErrorNotReportedAsUnhealthy(t *testing.T) {
	var observed []error
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}, func(o *Options) {
		o.Observe = func(_ time.Duration, err error) { observed = append(observed, err) }
	})

	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	require.Len(t, observed, 1)
	assert.NoError(t, observed[0])
}

func TestClient_BearerToken(t *testing.T) {
	secret := "upstream-test-secret"
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		require.True(t, strings.HasPrefix(auth, "Bearer "))
		tok, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		require.NoError(t, err)
		claims := tok.Claims.(*jwt.RegisteredClaims)
		assert.Equal(t, "validator", claims.Issuer)
		w.Write([]byte(`{}`))
	}, func(o *Options) {
		o.Tokens = NewTokenSource(secret, "validator", "fhir", time.Minute)
	})
	require.NoError(t, c.Ping(context.Background()))
}

func TestTokenSource_Caches(t *testing.T) {
	ts := NewTokenSource("s", "iss", "aud", time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ts.now = func() time.Time { return now }

	a, err := ts.Token()
	require.NoError(t, err)
	b, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	now = now.Add(45 * time.Second)
	c, err := ts.Token()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestClient_ValidateCode(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/CodeSystem/$validate-code", r.URL.Path)
		assert.Equal(t, "http://loinc.org", r.URL.Query().Get("url"))
		if r.URL.Query().Get("code") == "1234-5" {
			w.Write([]byte(`{"resourceType":"Parameters","parameter":[{"name":"result","valueBoolean":true},{"name":"display","valueString":"Thing"}]}`))
			return
		}
		w.Write([]byte(`{"resourceType":"Parameters","parameter":[{"name":"result","valueBoolean":false},{"name":"message","valueString":"Unknown code"}]}`))
	}, nil)

	ctx := context.Background()
	v, err := c.ValidateCode(ctx, "http://loinc.org", "1234-5", "")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "Thing", v.Display)

	v, err = c.ValidateCode(ctx, "http://loinc.org", "nope", "")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, "Unknown code", v.Message)
}

func TestParseValidateCode_Malformed(t *testing.T) {
	_, err := parseValidateCode([]byte(`{"resourceType":"OperationOutcome"}`))
	assert.Error(t, err)
	_, err = parseValidateCode([]byte(`{"resourceType":"Parameters","parameter":[]}`))
	assert.Error(t, err)
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}, func(o *Options) { o.RateLimitRPS = 0.001 })

	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := c.Ping(ctx)
	require.Error(t, err)
}

func TestClient_Upsert(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/Observation/o1", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}, nil)

	require.NoError(t, c.Upsert(context.Background(), map[string]interface{}{"resourceType": "Observation", "id": "o1"}))
	assert.Error(t, c.Upsert(context.Background(), map[string]interface{}{"resourceType": "Observation"}))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(&StatusError{Code: 503}))
	assert.True(t, IsTransient(&StatusError{Code: 429}))
	assert.False(t, IsTransient(&StatusError{Code: 422}))
}
