package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stableyield/indexd/internal/domain"
)

type fakeCycleRunner struct {
	mu      sync.Mutex
	codes   []domain.IndexCode
	runs    [][]domain.IndexCode
	err     error
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeCycleRunner) Codes() []domain.IndexCode { return f.codes }

func (f *fakeCycleRunner) RunCycle(ctx context.Context, codes ...domain.IndexCode) error {
	f.mu.Lock()
	f.runs = append(f.runs, codes)
	f.mu.Unlock()
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	return f.err
}

func (f *fakeCycleRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type fakeLatestReader struct {
	value *domain.IndexValue
	err   error
}

func (f *fakeLatestReader) LatestIndexValue(ctx context.Context, code domain.IndexCode) (*domain.IndexValue, error) {
	return f.value, f.err
}

func TestRecomputer_ForceReturnsPublishedValue(t *testing.T) {
	runner := &fakeCycleRunner{codes: []domain.IndexCode{domain.IndexSYI, domain.IndexSYC}}
	latest := &fakeLatestReader{value: &domain.IndexValue{Code: domain.IndexSYI, Value: 0.045}}
	rc := NewRecomputer(runner, latest, zerolog.Nop())

	v, err := rc.Force(context.Background(), domain.IndexSYI)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.InDelta(t, 0.045, v.Value, 1e-12)
	require.Equal(t, 1, runner.runCount())
	assert.Equal(t, []domain.IndexCode{domain.IndexSYI}, runner.runs[0])
}

func TestRecomputer_UnknownCode(t *testing.T) {
	runner := &fakeCycleRunner{codes: []domain.IndexCode{domain.IndexSYI}}
	rc := NewRecomputer(runner, &fakeLatestReader{}, zerolog.Nop())

	_, err := rc.Force(context.Background(), domain.IndexCode("SYX"))
	require.ErrorIs(t, err, ErrUnknownCode)
	assert.Zero(t, runner.runCount())
}

func TestRecomputer_RunFailurePropagates(t *testing.T) {
	runner := &fakeCycleRunner{
		codes: []domain.IndexCode{domain.IndexSYI},
		err:   errors.New("no index published"),
	}
	rc := NewRecomputer(runner, &fakeLatestReader{}, zerolog.Nop())

	_, err := rc.Force(context.Background(), domain.IndexSYI)
	require.ErrorContains(t, err, "no index published")
}

func TestRecomputer_ConcurrentForcesShareOneRun(t *testing.T) {
	runner := &fakeCycleRunner{
		codes:   []domain.IndexCode{domain.IndexSYI},
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	latest := &fakeLatestReader{value: &domain.IndexValue{Code: domain.IndexSYI, Value: 0.045}}
	rc := NewRecomputer(runner, latest, zerolog.Nop())

	results := make(chan *domain.IndexValue, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := rc.Force(context.Background(), domain.IndexSYI)
			assert.NoError(t, err)
			results <- v
		}()
	}

	// Hold the first run open until the stragglers have joined it.
	select {
	case <-runner.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("no force reached the runner")
	}
	time.Sleep(50 * time.Millisecond)
	close(runner.gate)
	wg.Wait()
	close(results)

	assert.Equal(t, 1, runner.runCount())
	for v := range results {
		assert.Same(t, latest.value, v)
	}
}
