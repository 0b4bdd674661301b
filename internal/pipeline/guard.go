package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/domain"
	"github.com/stableyield/indexd/internal/metrics"
)

const (
	// maxFetchAttempts bounds one source's tries within a cycle. Past it
	// the source sits out until the next cycle.
	maxFetchAttempts = 3

	// breakerTrip is the consecutive-failure count that opens a breaker.
	breakerTrip = 3
	// breakerInterval resets the closed-state failure counts.
	breakerInterval = 5 * time.Minute
	// breakerCooldown is how long an open breaker rejects before probing.
	breakerCooldown = 2 * time.Minute
)

// Guard wraps one source's outbound calls with a rate limiter, a circuit
// breaker, and bounded retries under jittered backoff. An open breaker
// rejects instantly, so a dead venue cannot stall the cycle.
type Guard struct {
	id        string
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	timeout   time.Duration
	retryBase time.Duration
	retryCap  time.Duration
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewGuard creates a guard for one source. rps is the source's configured
// request rate; timeout and retry budgets come from the scheduler config.
func NewGuard(id string, rps float64, sched config.SchedulerConfig, m *metrics.Metrics, log zerolog.Logger) *Guard {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	g := &Guard{
		id:        id,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		timeout:   sched.SourceTimeout(),
		retryBase: sched.RetryBase(),
		retryCap:  sched.RetryCap(),
		metrics:   m,
		log:       log.With().Str("component", "guard").Str("source", id).Logger(),
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.SetBreakerState(name, to.String())
			g.log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	return g
}

// Do runs fn under the guard. Transient and rate-limited failures retry
// with full-jitter backoff up to the attempt budget; auth and schema
// failures fail fast. Every failed attempt is classified and counted.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(g.backoff(attempt)):
			}
		}
		if err := g.limiter.Wait(ctx); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return domain.NewSourceError(g.id, domain.SourceErrUnavailable, err)
		}

		_, err := g.breaker.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			return nil, fn(callCtx)
		})
		if err == nil {
			return nil
		}

		serr := g.classify(err)
		g.metrics.RecordSourceFailure(serr.SourceID, serr.Category)
		lastErr = serr

		if !serr.Category.Retryable() || ctx.Err() != nil {
			return serr
		}
	}
	return lastErr
}

// State reports the breaker state for status surfaces: closed, half-open
// or open.
func (g *Guard) State() string {
	return g.breaker.State().String()
}

// classify maps any failure to a SourceError. Adapter errors keep their
// own classification; breaker rejections become UNAVAILABLE since no
// venue call happened; anything else counts as transient.
func (g *Guard) classify(err error) *domain.SourceError {
	var serr *domain.SourceError
	if errors.As(err, &serr) {
		return serr
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewSourceError(g.id, domain.SourceErrUnavailable, err)
	}
	return domain.NewSourceError(g.id, domain.SourceErrTransient, err)
}

// backoff draws a full-jitter delay: uniform below the capped doubling
// sequence, so concurrent retries spread out instead of thundering.
func (g *Guard) backoff(attempt int) time.Duration {
	ceiling := g.retryBase << uint(attempt-1)
	if ceiling <= 0 || ceiling > g.retryCap {
		ceiling = g.retryCap
	}
	return time.Duration(rand.Float64() * float64(ceiling))
}
