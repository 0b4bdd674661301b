package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/stableyield/indexd/internal/domain"
)

// ErrUnknownCode rejects a recompute request for a code the pipeline does
// not publish.
var ErrUnknownCode = errors.New("scheduler: unknown index code")

// CycleRunner is the slice of the pipeline the recomputer drives. The
// runner serializes cycles internally, so a forced run and a periodic tick
// never compute concurrently.
type CycleRunner interface {
	Codes() []domain.IndexCode
	RunCycle(ctx context.Context, codes ...domain.IndexCode) error
}

// LatestReader resolves the value a forced run just published.
type LatestReader interface {
	LatestIndexValue(ctx context.Context, code domain.IndexCode) (*domain.IndexValue, error)
}

// Recomputer serves manual "recompute now" requests. Concurrent requests
// for the same code collapse into one pipeline run and share its result.
type Recomputer struct {
	runner CycleRunner
	latest LatestReader
	group  singleflight.Group
	log    zerolog.Logger
}

// NewRecomputer creates a recomputer over the given runner.
func NewRecomputer(runner CycleRunner, latest LatestReader, log zerolog.Logger) *Recomputer {
	return &Recomputer{
		runner: runner,
		latest: latest,
		log:    log.With().Str("component", "recompute").Logger(),
	}
}

// Force runs one cycle for a single code and returns the published value.
// Callers that arrive while a run for the same code is in flight wait for
// that run instead of starting another.
func (r *Recomputer) Force(ctx context.Context, code domain.IndexCode) (*domain.IndexValue, error) {
	if !r.knows(code) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCode, code)
	}

	v, err, shared := r.group.Do(string(code), func() (interface{}, error) {
		if err := r.runner.RunCycle(ctx, code); err != nil {
			return nil, err
		}
		return r.latest.LatestIndexValue(ctx, code)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.log.Debug().Str("code", string(code)).Msg("Joined in-flight recompute")
	}
	return v.(*domain.IndexValue), nil
}

func (r *Recomputer) knows(code domain.IndexCode) bool {
	for _, c := range r.runner.Codes() {
		if c == code {
			return true
		}
	}
	return false
}
