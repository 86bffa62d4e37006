package connectivity

import (
	"errors"
	"sync"
	"time"
)

// Mode is the connectivity of one upstream server.
type Mode string

const (
	ModeOnline   Mode = "online"
	ModeDegraded Mode = "degraded"
	ModeOffline  Mode = "offline"
)

func (m Mode) Valid() bool {
	return m == ModeOnline || m == ModeDegraded || m == ModeOffline
}

func (m Mode) rank() int {
	switch m {
	case ModeDegraded:
		return 1
	case ModeOffline:
		return 2
	}
	return 0
}

// Worse returns the more severe of a and b.
func Worse(a, b Mode) Mode {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Transition names a state change made by the breaker.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionDegrade
	TransitionTrip
	TransitionHalfOpen
	TransitionRecover
)

func (t Transition) String() string {
	switch t {
	case TransitionDegrade:
		return "degrade"
	case TransitionTrip:
		return "trip"
	case TransitionHalfOpen:
		return "half-open"
	case TransitionRecover:
		return "recover"
	}
	return "none"
}

var (
	ErrCircuitOpen   = errors.New("circuit breaker is open")
	ErrUnknownServer = errors.New("unknown upstream server")
)

// BreakerOpts configures the per-server state machine.
type BreakerOpts struct {
	// DegradeAfter consecutive failures move online to degraded.
	DegradeAfter int
	// SlowThreshold marks a successful response as slow. Zero disables.
	SlowThreshold time.Duration
	// TripThreshold failures within Window open the circuit.
	TripThreshold int
	Window        time.Duration
	// OpenTimeout is how long the circuit stays open before half-opening.
	OpenTimeout time.Duration
	// RecoverAfter consecutive successes move degraded to online.
	RecoverAfter int
}

var DefaultBreakerOpts = BreakerOpts{
	DegradeAfter:  2,
	SlowThreshold: 5 * time.Second,
	TripThreshold: 5,
	Window:        time.Minute,
	OpenTimeout:   30 * time.Second,
	RecoverAfter:  2,
}

// Breaker tracks one upstream server. All fields are guarded by mu.
type Breaker struct {
	mu   sync.Mutex
	opts BreakerOpts
	name string

	mode                 Mode
	consecutiveFailures  int
	consecutiveSuccesses int
	failures             []time.Time
	openUntil            time.Time
	halfOpen             bool
	probeInFlight        bool
	trips                int

	lastCheck   time.Time
	lastErr     string
	lastLatency time.Duration

	manual *Mode
	now    func() time.Time
}

func NewBreaker(name string, opts BreakerOpts) *Breaker {
	if opts.DegradeAfter <= 0 {
		opts.DegradeAfter = DefaultBreakerOpts.DegradeAfter
	}
	if opts.TripThreshold <= 0 {
		opts.TripThreshold = DefaultBreakerOpts.TripThreshold
	}
	if opts.Window <= 0 {
		opts.Window = DefaultBreakerOpts.Window
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultBreakerOpts.OpenTimeout
	}
	if opts.RecoverAfter <= 0 {
		opts.RecoverAfter = DefaultBreakerOpts.RecoverAfter
	}
	return &Breaker{name: name, opts: opts, mode: ModeOnline, now: time.Now}
}

// Allow reports whether a live probe may be made now. An open circuit
// whose timeout has elapsed half-opens and admits exactly one probe.
func (b *Breaker) Allow() (bool, Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.halfOpen {
		if b.probeInFlight {
			return false, TransitionNone
		}
		b.probeInFlight = true
		return true, TransitionNone
	}
	if b.mode != ModeOffline {
		return true, TransitionNone
	}
	if b.now().Before(b.openUntil) {
		return false, TransitionNone
	}
	b.halfOpen = true
	b.probeInFlight = true
	b.mode = ModeDegraded
	return true, TransitionHalfOpen
}

// Record applies the outcome of one call or probe.
func (b *Breaker) Record(latency time.Duration, err error) Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastCheck = now
	b.lastLatency = latency
	if err != nil {
		b.lastErr = err.Error()
	} else {
		b.lastErr = ""
	}

	if b.halfOpen {
		b.halfOpen = false
		b.probeInFlight = false
		if err != nil {
			b.consecutiveSuccesses = 0
			b.consecutiveFailures++
			return b.trip(now)
		}
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 1
		b.failures = b.failures[:0]
		return b.maybeRecover()
	}

	// Circuit open: outcomes of calls already in flight do not re-trip.
	if b.mode == ModeOffline {
		return TransitionNone
	}

	if err != nil {
		b.consecutiveSuccesses = 0
		b.consecutiveFailures++
		b.failures = append(pruneBefore(b.failures, now.Add(-b.opts.Window)), now)

		tr := TransitionNone
		if b.mode == ModeOnline && b.consecutiveFailures >= b.opts.DegradeAfter {
			b.mode = ModeDegraded
			tr = TransitionDegrade
		}
		if b.mode == ModeDegraded && len(b.failures) >= b.opts.TripThreshold {
			return b.trip(now)
		}
		return tr
	}

	b.consecutiveFailures = 0
	if b.opts.SlowThreshold > 0 && latency > b.opts.SlowThreshold {
		b.consecutiveSuccesses = 0
		if b.mode == ModeOnline {
			b.mode = ModeDegraded
			return TransitionDegrade
		}
		return TransitionNone
	}
	b.consecutiveSuccesses++
	return b.maybeRecover()
}

func (b *Breaker) trip(now time.Time) Transition {
	b.mode = ModeOffline
	b.openUntil = now.Add(b.opts.OpenTimeout)
	b.failures = b.failures[:0]
	b.trips++
	return TransitionTrip
}

func (b *Breaker) maybeRecover() Transition {
	if b.mode == ModeDegraded && b.consecutiveSuccesses >= b.opts.RecoverAfter {
		b.mode = ModeOnline
		b.failures = b.failures[:0]
		return TransitionRecover
	}
	return TransitionNone
}

// Reset closes the circuit and clears all counters. The manual override
// is kept. It returns TransitionRecover when the detected mode was not
// already online.
func (b *Breaker) Reset() Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	was := b.mode
	b.mode = ModeOnline
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.failures = b.failures[:0]
	b.openUntil = time.Time{}
	b.halfOpen = false
	b.probeInFlight = false
	b.lastErr = ""
	if was != ModeOnline {
		return TransitionRecover
	}
	return TransitionNone
}

// SetManual overrides the reported mode. Nil clears the override.
func (b *Breaker) SetManual(m *Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m == nil {
		b.manual = nil
		return
	}
	v := *m
	b.manual = &v
}

// Mode returns the reported mode: the manual override when set, the
// detected mode otherwise.
func (b *Breaker) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.manual != nil {
		return *b.manual
	}
	return b.mode
}

// State is a point-in-time view of one upstream server.
type State struct {
	ServerName           string     `json:"serverName"`
	Mode                 Mode       `json:"mode"`
	DetectedMode         Mode       `json:"detectedMode"`
	ManualMode           *Mode      `json:"manualMode,omitempty"`
	CircuitState         string     `json:"circuitState"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	ConsecutiveSuccesses int        `json:"consecutiveSuccesses"`
	LastCheckAt          *time.Time `json:"lastCheckAt,omitempty"`
	LastError            string     `json:"lastError,omitempty"`
	LastLatencyMs        int64      `json:"lastLatencyMs"`
	CircuitOpenUntil     *time.Time `json:"circuitOpenUntil,omitempty"`
	CircuitTrips         int        `json:"circuitTrips"`
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := State{
		ServerName:           b.name,
		Mode:                 b.mode,
		DetectedMode:         b.mode,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastError:            b.lastErr,
		LastLatencyMs:        b.lastLatency.Milliseconds(),
		CircuitTrips:         b.trips,
		CircuitState:         "closed",
	}
	if b.manual != nil {
		m := *b.manual
		st.ManualMode = &m
		st.Mode = m
	}
	if !b.lastCheck.IsZero() {
		t := b.lastCheck
		st.LastCheckAt = &t
	}
	switch {
	case b.halfOpen:
		st.CircuitState = "half-open"
	case b.mode == ModeOffline:
		st.CircuitState = "open"
		t := b.openUntil
		st.CircuitOpenUntil = &t
	}
	return st
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return append(ts[:0], ts[i:]...)
}
