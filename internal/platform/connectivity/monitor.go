// Package connectivity tracks the health of upstream FHIR and terminology
// servers. Each server has its own breaker; probes to one server are
// coalesced so that concurrent callers share a single request.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/validator/internal/platform/metrics"
)

// Prober performs one live health check.
type Prober interface {
	Ping(ctx context.Context) error
}

type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Ping(ctx context.Context) error { return f(ctx) }

// ModeChange is delivered to listeners when a server's reported mode changes.
type ModeChange struct {
	Server     string
	From, To   Mode
	Transition Transition
}

type Options struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Breaker      BreakerOpts
}

type upstream struct {
	name    string
	prober  Prober
	breaker *Breaker
}

type Monitor struct {
	mu        sync.RWMutex
	servers   map[string]*upstream
	listeners []func(ModeChange)

	group  singleflight.Group
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

func NewMonitor(opts Options, logger zerolog.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	return &Monitor{
		servers: make(map[string]*upstream),
		opts:    opts,
		logger:  logger.With().Str("component", "connectivity").Logger(),
		now:     time.Now,
	}
}

// Register adds a server. Registering an existing name replaces its prober
// and keeps its breaker state.
func (m *Monitor) Register(name string, p Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.servers[name]; ok {
		u.prober = p
		return
	}
	b := NewBreaker(name, m.opts.Breaker)
	b.now = func() time.Time { return m.now() }
	m.servers[name] = &upstream{name: name, prober: p, breaker: b}
	metrics.ConnectivityMode.WithLabelValues(name).Set(0)
}

// OnModeChange registers fn to run after every reported mode change.
func (m *Monitor) OnModeChange(fn func(ModeChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) get(name string) (*upstream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return u, nil
}

// Start probes every server on the configured interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.probeAll(ctx)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range m.Names() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := m.CheckNow(ctx, name); err != nil && !errors.Is(err, ErrCircuitOpen) {
				m.logger.Debug().Err(err).Str("server", name).Msg("health probe failed")
			}
		}(name)
	}
	wg.Wait()
}

// CheckNow probes name immediately. Concurrent calls for the same server
// share one probe. While the circuit is open no probe is made and
// ErrCircuitOpen is returned with the current state.
func (m *Monitor) CheckNow(ctx context.Context, name string) (State, error) {
	u, err := m.get(name)
	if err != nil {
		return State{}, err
	}
	_, err, _ = m.group.Do(name, func() (interface{}, error) {
		return nil, m.probe(ctx, u)
	})
	return u.breaker.State(), err
}

func (m *Monitor) probe(ctx context.Context, u *upstream) error {
	before := u.breaker.Mode()
	ok, tr := u.breaker.Allow()
	if tr != TransitionNone {
		m.notify(u, before, tr)
		before = u.breaker.Mode()
	}
	if !ok {
		return ErrCircuitOpen
	}

	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	start := m.now()
	perr := u.prober.Ping(pctx)
	elapsed := m.now().Sub(start)

	result := "ok"
	if perr != nil {
		result = "error"
	}
	metrics.ProbeDuration.WithLabelValues(u.name, result).Observe(elapsed.Seconds())

	if tr := u.breaker.Record(elapsed, perr); tr != TransitionNone {
		m.notify(u, before, tr)
	}
	return perr
}

// Observe feeds the outcome of a regular upstream call into the breaker,
// so real traffic drives detection between scheduled probes.
func (m *Monitor) Observe(name string, latency time.Duration, err error) {
	u, gerr := m.get(name)
	if gerr != nil {
		return
	}
	before := u.breaker.Mode()
	if tr := u.breaker.Record(latency, err); tr != TransitionNone {
		m.notify(u, before, tr)
	}
}

func (m *Monitor) notify(u *upstream, before Mode, tr Transition) {
	after := u.breaker.Mode()
	if tr == TransitionTrip {
		metrics.CircuitTrips.WithLabelValues(u.name).Inc()
	}
	metrics.ConnectivityMode.WithLabelValues(u.name).Set(float64(after.rank()))
	m.logger.Info().
		Str("server", u.name).
		Str("transition", tr.String()).
		Str("from", string(before)).
		Str("to", string(after)).
		Msg("connectivity transition")

	if before == after {
		return
	}
	m.emit(ModeChange{Server: u.name, From: before, To: after, Transition: tr})
}

func (m *Monitor) emit(ch ModeChange) {
	m.mu.RLock()
	ls := make([]func(ModeChange), len(m.listeners))
	copy(ls, m.listeners)
	m.mu.RUnlock()
	for _, fn := range ls {
		fn(ch)
	}
}

// Mode returns the reported mode of name. Servers that are not monitored
// are reported online.
func (m *Monitor) Mode(name string) Mode {
	u, err := m.get(name)
	if err != nil {
		return ModeOnline
	}
	return u.breaker.Mode()
}

func (m *Monitor) State(name string) (State, error) {
	u, err := m.get(name)
	if err != nil {
		return State{}, err
	}
	return u.breaker.State(), nil
}

// SetManualMode overrides the reported mode for name. A nil mode returns
// the server to automatic detection. Detection keeps running underneath.
func (m *Monitor) SetManualMode(name string, mode *Mode) error {
	if mode != nil && !mode.Valid() {
		return fmt.Errorf("invalid mode %q", *mode)
	}
	u, err := m.get(name)
	if err != nil {
		return err
	}
	before := u.breaker.Mode()
	u.breaker.SetManual(mode)
	after := u.breaker.Mode()
	metrics.ConnectivityMode.WithLabelValues(name).Set(float64(after.rank()))
	m.logger.Info().Str("server", name).Str("from", string(before)).Str("to", string(after)).Msg("manual connectivity mode set")
	if before != after {
		m.emit(ModeChange{Server: name, From: before, To: after})
	}
	return nil
}

// ResetCircuitBreaker closes the circuit for name, clears its counters and
// probes immediately.
func (m *Monitor) ResetCircuitBreaker(ctx context.Context, name string) (State, error) {
	u, err := m.get(name)
	if err != nil {
		return State{}, err
	}
	before := u.breaker.Mode()
	if tr := u.breaker.Reset(); tr != TransitionNone {
		m.notify(u, before, tr)
	}
	m.logger.Info().Str("server", name).Msg("circuit breaker reset")
	return m.CheckNow(ctx, name)
}

// Summary reports every server and the worst reported mode across them.
type Summary struct {
	Overall Mode    `json:"overall"`
	Servers []State `json:"servers"`
}

func (m *Monitor) HealthSummary() Summary {
	s := Summary{Overall: ModeOnline}
	for _, name := range m.Names() {
		st, err := m.State(name)
		if err != nil {
			continue
		}
		s.Servers = append(s.Servers, st)
		s.Overall = Worse(s.Overall, st.Mode)
	}
	return s
}

// Names lists monitored servers in sorted order.
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.servers))
	for n := range m.servers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
