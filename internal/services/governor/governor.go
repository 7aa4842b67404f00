// -----------------------------------------------------------------------
// Rate Governor - admission control for calls to the transcription service
// Enforces requests/second, tokens/minute and concurrency ceilings together
// -----------------------------------------------------------------------

package governor

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	requestWindow = time.Second
	tokenWindow   = time.Minute
)

var (
	// ErrPermitReleased is returned when a permit is released twice
	ErrPermitReleased = errors.New("governor: permit already released")
	// ErrUnknownPermit is returned for a nil permit or one issued by another governor
	ErrUnknownPermit = errors.New("governor: permit not issued by this governor")
)

// Limits are the service ceilings. A zero value disables that dimension.
type Limits struct {
	RequestsPerSecond int
	TokensPerMinute   int
	MaxConcurrency    int
}

// Clock abstracts time so tests can drive the windows deterministically
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Permit is one admitted request. It must be released exactly once.
type Permit struct {
	id              uint64
	owner           *RateGovernor
	released        bool
	EstimatedTokens int
	AdmittedAt      time.Time
}

// Stats is a point-in-time view of the governor windows
type Stats struct {
	InFlight       int
	RecentRequests int // admissions in the trailing second
	RecentTokens   int // tokens in the trailing minute
	Waiting        int
	Limits         Limits
}

type tokenEntry struct {
	at     time.Time
	tokens int
	permit uint64
}

type waiter struct {
	tokens int
}

// RateGovernor admits requests in FIFO order once all three ceilings allow it.
// All window state is guarded by a single mutex; callers never hold it across the external call.
type RateGovernor struct {
	mu         sync.Mutex
	limits     Limits
	clock      Clock
	admissions []time.Time
	tokens     []tokenEntry
	inFlight   int
	queue      []*waiter
	changed    chan struct{}
	nextID     uint64
}

// New creates a governor. A nil clock uses wall time.
func New(limits Limits, clock Clock) *RateGovernor {
	if clock == nil {
		clock = realClock{}
	}
	return &RateGovernor{
		limits:  limits,
		clock:   clock,
		changed: make(chan struct{}),
	}
}

// Acquire blocks until one request carrying estimatedTokens can be admitted.
// It only fails when ctx ends, in which case nothing was admitted.
func (g *RateGovernor) Acquire(ctx context.Context, estimatedTokens int) (*Permit, error) {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}

	g.mu.Lock()
	w := &waiter{tokens: estimatedTokens}
	g.queue = append(g.queue, w)

	for {
		wait := time.Duration(-1) // negative: wait for a state change only
		if g.queue[0] == w {
			now := g.clock.Now()
			g.prune(now)
			d, ok := g.admissible(now, estimatedTokens)
			if ok {
				permit := g.admit(now, estimatedTokens)
				g.queue = g.queue[1:]
				g.broadcast()
				g.mu.Unlock()
				return permit, nil
			}
			wait = d
		}
		changed := g.changed
		g.mu.Unlock()

		var timer <-chan time.Time
		if wait >= 0 {
			timer = g.clock.After(wait)
		}

		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.remove(w)
			g.broadcast()
			g.mu.Unlock()
			return nil, ctx.Err()
		case <-changed:
		case <-timer:
		}

		g.mu.Lock()
	}
}

// Release frees the concurrency slot and replaces the permit's estimate in the token
// window with actualTokens. A non-positive actualTokens keeps the estimate.
func (g *RateGovernor) Release(permit *Permit, actualTokens int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if permit == nil || permit.owner != g {
		return ErrUnknownPermit
	}
	if permit.released {
		return ErrPermitReleased
	}
	permit.released = true
	g.inFlight--

	if actualTokens > 0 {
		for i := range g.tokens {
			if g.tokens[i].permit == permit.id {
				g.tokens[i].tokens = actualTokens
				break
			}
		}
	}

	g.broadcast()
	return nil
}

// SetLimits resizes the ceilings. Waiters re-evaluate immediately.
func (g *RateGovernor) SetLimits(limits Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = limits
	g.broadcast()
}

// Limits returns the current ceilings
func (g *RateGovernor) Limits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits
}

// Snapshot returns the current window occupancy
func (g *RateGovernor) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prune(g.clock.Now())
	return Stats{
		InFlight:       g.inFlight,
		RecentRequests: len(g.admissions),
		RecentTokens:   g.tokenSum(),
		Waiting:        len(g.queue),
		Limits:         g.limits,
	}
}

// admissible reports whether a request can be admitted now, and if not, how long until
// a time-based window could allow it. A negative wait means only a release can help.
func (g *RateGovernor) admissible(now time.Time, tokens int) (time.Duration, bool) {
	blocked := false
	wait := time.Duration(-1)

	if g.limits.MaxConcurrency > 0 && g.inFlight >= g.limits.MaxConcurrency {
		blocked = true
	}

	if rps := g.limits.RequestsPerSecond; rps > 0 && len(g.admissions) >= rps {
		blocked = true
		oldest := g.admissions[len(g.admissions)-rps]
		wait = maxDuration(wait, oldest.Add(requestWindow).Sub(now))
	}

	if tpm := g.limits.TokensPerMinute; tpm > 0 {
		used := g.tokenSum()
		// An estimate larger than the whole ceiling is admitted only into an empty window
		if used > 0 && used+tokens > tpm {
			blocked = true
			freed := 0
			for _, e := range g.tokens {
				freed += e.tokens
				remaining := used - freed
				if remaining == 0 || remaining+tokens <= tpm {
					wait = maxDuration(wait, e.at.Add(tokenWindow).Sub(now))
					break
				}
			}
		}
	}

	if !blocked {
		return 0, true
	}
	return wait, false
}

func (g *RateGovernor) admit(now time.Time, tokens int) *Permit {
	g.nextID++
	g.inFlight++
	g.admissions = append(g.admissions, now)
	g.tokens = append(g.tokens, tokenEntry{at: now, tokens: tokens, permit: g.nextID})
	return &Permit{
		id:              g.nextID,
		owner:           g,
		EstimatedTokens: tokens,
		AdmittedAt:      now,
	}
}

// prune drops entries that have left their trailing windows
func (g *RateGovernor) prune(now time.Time) {
	cutoff := now.Add(-requestWindow)
	i := 0
	for i < len(g.admissions) && !g.admissions[i].After(cutoff) {
		i++
	}
	g.admissions = g.admissions[i:]

	cutoff = now.Add(-tokenWindow)
	i = 0
	for i < len(g.tokens) && !g.tokens[i].at.After(cutoff) {
		i++
	}
	g.tokens = g.tokens[i:]
}

func (g *RateGovernor) tokenSum() int {
	sum := 0
	for _, e := range g.tokens {
		sum += e.tokens
	}
	return sum
}

func (g *RateGovernor) remove(w *waiter) {
	for i, q := range g.queue {
		if q == w {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			return
		}
	}
}

// broadcast wakes every waiter so the new head can re-evaluate
func (g *RateGovernor) broadcast() {
	close(g.changed)
	g.changed = make(chan struct{})
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
