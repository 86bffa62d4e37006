// Package upstream talks to the FHIR data server and the terminology server
// over REST. Requests are retried on transport errors and 5xx responses,
// carry an optional bearer token, and report their outcome to an observer
// so connectivity tracking sees real traffic.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/validator/internal/platform/fhir"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
}

// Transient reports whether retrying the request later could succeed.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// IsTransient reports whether err is worth retrying: transport failures,
// timeouts, 5xx and 429. 4xx responses and not-found are terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fhir.ErrResourceNotFound) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return true
}

// ObserveFunc receives the latency and outcome of each call. Only failures
// that say something about server health are passed as errors.
type ObserveFunc func(latency time.Duration, err error)

type Options struct {
	Name         string
	BaseURL      string
	Timeout      time.Duration
	RetryMax     int
	Tokens       *TokenSource
	RateLimitRPS float64
	Observe      ObserveFunc
	Logger       zerolog.Logger
}

type Client struct {
	name    string
	base    string
	http    *retryablehttp.Client
	tokens  *TokenSource
	limiter *rate.Limiter
	observe ObserveFunc
}

func NewClient(opts Options) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{l: opts.Logger.With().Str("component", "upstream").Str("server", opts.Name).Logger()}
	if opts.Timeout > 0 {
		rc.HTTPClient.Timeout = opts.Timeout
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimitRPS > 0 {
		burst := int(opts.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst)
	}

	return &Client{
		name:    opts.Name,
		base:    strings.TrimRight(opts.BaseURL, "/"),
		http:    rc,
		tokens:  opts.Tokens,
		limiter: limiter,
		observe: opts.Observe,
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var rdr interface{}
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequest(method, c.base+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/fhir+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.report(start, err)
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		c.report(start, err)
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Method: method, URL: path, Code: resp.StatusCode}
		if serr.Transient() {
			c.report(start, serr)
		} else {
			c.report(start, nil)
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return nil, fmt.Errorf("%w: %s", fhir.ErrResourceNotFound, path)
		}
		return nil, serr
	}
	c.report(start, nil)
	return data, nil
}

func (c *Client) report(start time.Time, err error) {
	if c.observe != nil {
		c.observe(time.Since(start), err)
	}
}

// Ping reads the server's CapabilityStatement.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/metadata", nil)
	return err
}

// Get reads one resource. A 404 or 410 yields fhir.ErrResourceNotFound.
func (c *Client) Get(ctx context.Context, resourceType, id string) (map[string]interface{}, error) {
	data, err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(resourceType)+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var res map[string]interface{}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", resourceType, id, err)
	}
	return res, nil
}

// Upsert writes resource with PUT [type]/[id].
func (c *Client) Upsert(ctx context.Context, resource map[string]interface{}) error {
	rt, id := fhir.ResourceTypeAndID(resource)
	if rt == "" || id == "" {
		return fmt.Errorf("upsert: resourceType and id are required")
	}
	body, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", rt, id, err)
	}
	_, err = c.do(ctx, http.MethodPut, "/"+url.PathEscape(rt)+"/"+url.PathEscape(id), body)
	return err
}

// Exists reports whether [type]/[id] can be read.
func (c *Client) Exists(ctx context.Context, resourceType, id string) (bool, error) {
	_, err := c.Get(ctx, resourceType, id)
	if errors.Is(err, fhir.ErrResourceNotFound) {
		return false, nil
	}
	return err == nil, err
}

// CodeValidation is the outcome of CodeSystem/$validate-code.
type CodeValidation struct {
	Valid   bool
	Display string
	Message string
}

// ValidateCode asks the terminology server whether code is in system. When
// valueSet is set, ValueSet/$validate-code is used instead.
func (c *Client) ValidateCode(ctx context.Context, system, code, valueSet string) (CodeValidation, error) {
	q := url.Values{}
	q.Set("code", code)
	path := "/CodeSystem/$validate-code?"
	if valueSet != "" {
		path = "/ValueSet/$validate-code?"
		q.Set("url", valueSet)
		if system != "" {
			q.Set("system", system)
		}
	} else {
		q.Set("url", system)
	}

	data, err := c.do(ctx, http.MethodGet, path+q.Encode(), nil)
	if err != nil {
		return CodeValidation{}, err
	}
	return parseValidateCode(data)
}

type parameters struct {
	ResourceType string `json:"resourceType"`
	Parameter    []struct {
		Name         string `json:"name"`
		ValueBoolean *bool  `json:"valueBoolean,omitempty"`
		ValueString  string `json:"valueString,omitempty"`
	} `json:"parameter"`
}

func parseValidateCode(data []byte) (CodeValidation, error) {
	var p parameters
	if err := json.Unmarshal(data, &p); err != nil {
		return CodeValidation{}, fmt.Errorf("decode $validate-code: %w", err)
	}
	if p.ResourceType != "Parameters" {
		return CodeValidation{}, fmt.Errorf("decode $validate-code: unexpected resourceType %q", p.ResourceType)
	}
	var out CodeValidation
	found := false
	for _, prm := range p.Parameter {
		switch prm.Name {
		case "result":
			if prm.ValueBoolean != nil {
				out.Valid = *prm.ValueBoolean
				found = true
			}
		case "display":
			out.Display = prm.ValueString
		case "message":
			out.Message = prm.ValueString
		}
	}
	if !found {
		return CodeValidation{}, errors.New("decode $validate-code: missing result parameter")
	}
	return out, nil
}

// ProfileExists searches StructureDefinition by canonical URL.
func (c *Client) ProfileExists(ctx context.Context, canonical string) (bool, error) {
	q := url.Values{}
	q.Set("url", canonical)
	q.Set("_summary", "count")
	data, err := c.do(ctx, http.MethodGet, "/StructureDefinition?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	var b struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return false, fmt.Errorf("decode StructureDefinition search: %w", err)
	}
	return b.Total > 0, nil
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	l zerolog.Logger
}

func (a leveledLogger) Error(msg string, kv ...interface{}) { a.l.Error().Fields(kv).Msg(msg) }
func (a leveledLogger) Warn(msg string, kv ...interface{})  { a.l.Warn().Fields(kv).Msg(msg) }
func (a leveledLogger) Info(msg string, kv ...interface{})  { a.l.Debug().Fields(kv).Msg(msg) }
func (a leveledLogger) Debug(msg string, kv ...interface{}) { a.l.Trace().Fields(kv).Msg(msg) }
