package connectivity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProber struct {
	calls atomic.Int32
	gate  chan struct{}

	mu  sync.Mutex
	err error
}

func (p *countingProber) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *countingProber) Ping(ctx context.Context) error {
	p.calls.Add(1)
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func newTestMonitor(clk *fakeClock) *Monitor {
	m := NewMonitor(Options{
		Interval:     time.Hour,
		ProbeTimeout: time.Second,
		Breaker: BreakerOpts{
			DegradeAfter:  1,
			TripThreshold: 2,
			Window:        time.Minute,
			OpenTimeout:   time.Minute,
			RecoverAfter:  1,
		},
	}, zerolog.Nop())
	m.now = clk.now
	return m
}

func TestMonitor_CheckNowCoalescesConcurrentProbes(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	m := newTestMonitor(clk)
	p := &countingProber{gate: make(chan struct{})}
	m.Register("fhir", p)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.CheckNow(context.Background(), "fhir")
		}()
	}
	// Let the in-flight probe finish once the callers have piled up.
	time.Sleep(50 * time.Millisecond)
	close(p.gate)
	wg.Wait()

	assert.Less(t, p.calls.Load(), int32(10))
	assert.GreaterOrEqual(t, p.calls.Load(), int32(1))
}

func TestMonitor_NoProbesWhileOpen(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := newTestMonitor(clk)
	p := &countingProber{}
	p.setErr(errDown)
	m.Register("tx", p)

	var changes []ModeChange
	m.OnModeChange(func(c ModeChange) { changes = append(changes, c) })

	ctx := context.Background()
	_, err := m.CheckNow(ctx, "tx")
	assert.ErrorIs(t, err, errDown)
	st, err := m.CheckNow(ctx, "tx")
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, ModeOffline, st.Mode)
	assert.Equal(t, int32(2), p.calls.Load())

	for i := 0; i < 5; i++ {
		_, err = m.CheckNow(ctx, "tx")
		assert.ErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, int32(2), p.calls.Load(), "no live probes while open")
	assert.Equal(t, 1, mustState(t, m, "tx").CircuitTrips)

	clk.advance(time.Minute)
	p.setErr(nil)
	st, err = m.CheckNow(ctx, "tx")
	require.NoError(t, err)
	assert.Equal(t, int32(3), p.calls.Load())
	assert.Equal(t, ModeOnline, st.Mode)

	require.NotEmpty(t, changes)
	assert.Equal(t, ModeOnline, changes[0].From)
	assert.Equal(t, ModeDegraded, changes[0].To)
}

func TestMonitor_ResetCircuitBreakerProbesImmediately(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := newTestMonitor(clk)
	p := &countingProber{}
	p.setErr(errDown)
	m.Register("tx", p)

	ctx := context.Background()
	_, _ = m.CheckNow(ctx, "tx")
	_, _ = m.CheckNow(ctx, "tx")
	require.Equal(t, ModeOffline, m.Mode("tx"))

	p.setErr(nil)
	st, err := m.ResetCircuitBreaker(ctx, "tx")
	require.NoError(t, err)
	assert.Equal(t, ModeOnline, st.Mode)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestMonitor_ResetCircuitBreakerNotifiesListeners(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := newTestMonitor(clk)
	p := &countingProber{}
	p.setErr(errDown)
	m.Register("tx", p)

	var changes []ModeChange
	m.OnModeChange(func(c ModeChange) { changes = append(changes, c) })

	ctx := context.Background()
	_, _ = m.CheckNow(ctx, "tx")
	_, _ = m.CheckNow(ctx, "tx")
	require.Len(t, changes, 2)
	assert.Equal(t, ModeOffline, changes[1].To)

	// The post-reset probe fails again, so only the reset itself may
	// move the mode back to online.
	_, _ = m.ResetCircuitBreaker(ctx, "tx")
	require.GreaterOrEqual(t, len(changes), 3)
	assert.Equal(t, ModeChange{Server: "tx", From: ModeOffline, To: ModeOnline, Transition: TransitionRecover}, changes[2])
}

func TestMonitor_HealthSummaryAndManualMode(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	m := newTestMonitor(clk)
	m.Register("fhir", &countingProber{})
	m.Register("tx", &countingProber{})

	assert.Equal(t, ModeOnline, m.HealthSummary().Overall)

	var changes []ModeChange
	m.OnModeChange(func(c ModeChange) { changes = append(changes, c) })

	degraded := ModeDegraded
	require.NoError(t, m.SetManualMode("tx", &degraded))
	require.Len(t, changes, 1)
	assert.Equal(t, ModeChange{Server: "tx", From: ModeOnline, To: ModeDegraded}, changes[0])
	sum := m.HealthSummary()
	assert.Equal(t, ModeDegraded, sum.Overall)
	assert.Len(t, sum.Servers, 2)

	bogus := Mode("sideways")
	assert.Error(t, m.SetManualMode("tx", &bogus))
	assert.ErrorIs(t, m.SetManualMode("nope", nil), ErrUnknownServer)

	require.NoError(t, m.SetManualMode("tx", nil))
	assert.Equal(t, ModeOnline, m.Mode("tx"))
	assert.Equal(t, ModeOnline, m.Mode("unmonitored"))
}

func TestMonitor_ObserveDrivesDetection(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	m := newTestMonitor(clk)
	m.Register("fhir", &countingProber{})

	m.Observe("fhir", time.Millisecond, errDown)
	assert.Equal(t, ModeDegraded, m.Mode("fhir"))
	m.Observe("fhir", time.Millisecond, errDown)
	assert.Equal(t, ModeOffline, m.Mode("fhir"))
}

func TestMonitor_StartStopsOnCancel(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	m := newTestMonitor(clk)
	p := &countingProber{}
	m.Register("fhir", p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return p.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func mustState(t *testing.T, m *Monitor, name string) State {
	t.Helper()
	st, err := m.State(name)
	require.NoError(t, err)
	return st
}

func TestHandler_SetModeAndSummary(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	m := newTestMonitor(clk)
	m.Register("fhir", &countingProber{})
	h := NewHandler(m)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPut, "/api/connectivity/fhir/mode", strings.NewReader(`{"mode":"offline"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("server")
	c.SetParamValues("fhir")

	require.NoError(t, h.SetMode(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ModeOffline, m.Mode("fhir"))

	req = httptest.NewRequest(http.MethodGet, "/api/connectivity", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	require.NoError(t, h.Summary(c))

	var sum Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, ModeOffline, sum.Overall)
}

func TestHandler_SetModeRejectsBadMode(t *testing.T) {
	m := newTestMonitor(&fakeClock{t: time.Now()})
	m.Register("fhir", &countingProber{})
	h := NewHandler(m)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"mode":"upside-down"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("server")
	c.SetParamValues("fhir")

	err := h.SetMode(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestHandler_UnknownServer(t *testing.T) {
	m := newTestMonitor(&fakeClock{t: time.Now()})
	h := NewHandler(m)
	e := echo.New()

	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
	c.SetParamNames("server")
	c.SetParamValues("ghost")

	err := h.Reset(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.Code)
}
