package operations

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/deployment-orchestrator/faults"
	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

// recordingTimer fires immediately and remembers every requested wait.
type recordingTimer struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingTimer) After(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Now()

	return ch
}

func (r *recordingTimer) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]time.Duration(nil), r.delays...)
}

var errTransient = faults.New(faults.TransientNetwork, "connection reset")

func newTestBundle(t *testing.T) Bundle {
	t.Helper()

	return NewBundle(t.Context, logger.Test(t), NewMemoryReporter())
}

func Test_ExecuteOperation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name              string
		options           []ExecuteOption[int, any]
		failWith          error
		IsUnrecoverable   bool
		wantOpCalledTimes int
		wantOutput        int
		wantErr           string
	}{
		{
			name:              "no retry",
			failWith:          errTransient,
			wantOpCalledTimes: 1,
			wantErr:           "connection reset",
		},
		{
			name:              "default retry eventual success",
			failWith:          errTransient,
			options:           []ExecuteOption[int, any]{WithRetry[int, any]()},
			wantOpCalledTimes: 3,
			wantOutput:        2,
		},
		{
			name:     "retry exhausts attempts",
			failWith: errTransient,
			options: []ExecuteOption[int, any]{
				WithRetryPolicy[int, any](RetryPolicy{MaxAttempts: 1}),
			},
			wantOpCalledTimes: 1,
			wantErr:           "connection reset",
		},
		{
			name:              "revert is not retried",
			failWith:          faults.New(faults.Revert, "execution reverted: paused"),
			options:           []ExecuteOption[int, any]{WithRetry[int, any]()},
			wantOpCalledTimes: 1,
			wantErr:           "paused",
		},
		{
			name:     "custom retryable predicate",
			failWith: errors.New("flaky"),
			options: []ExecuteOption[int, any]{
				WithRetryPolicy[int, any](RetryPolicy{
					MaxAttempts: 5,
					Retryable:   func(error) bool { return true },
				}),
			},
			wantOpCalledTimes: 3,
			wantOutput:        2,
		},
		{
			name:     "input hook",
			failWith: errTransient,
			options: []ExecuteOption[int, any]{
				WithRetryInput(func(attempt uint, err error, input int, deps any) int {
					return 5
				}),
			},
			wantOpCalledTimes: 3,
			wantOutput:        6,
		},
		{
			name:              "unrecoverable error",
			failWith:          errTransient,
			IsUnrecoverable:   true,
			options:           []ExecuteOption[int, any]{WithRetry[int, any]()},
			wantOpCalledTimes: 1,
			wantErr:           "fatal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			timer := &recordingTimer{}
			opts := append([]ExecuteOption[int, any]{WithTimer[int, any](timer)}, tt.options...)

			failTimes := 2
			handlerCalledTimes := 0
			handler := func(b Bundle, deps any, input int) (output int, err error) {
				handlerCalledTimes++
				if tt.IsUnrecoverable {
					return 0, NewUnrecoverableError(errors.New("fatal error"))
				}
				if failTimes > 0 {
					failTimes--
					return 0, tt.failWith
				}

				return input + 1, nil
			}
			op := NewOperation("plus1", semver.MustParse("1.0.0"), "test operation", handler)

			res, err := ExecuteOperation(newTestBundle(t), op, nil, 1, opts...)

			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				require.NotNil(t, res.Err)
			} else {
				require.NoError(t, err)
				assert.Nil(t, res.Err)
				assert.Equal(t, tt.wantOutput, res.Output)
			}
			assert.Equal(t, tt.wantOpCalledTimes, handlerCalledTimes)
			assert.Equal(t, uint(tt.wantOpCalledTimes), res.Attempts)
		})
	}
}

func Test_ExecuteOperation_BackoffSchedule(t *testing.T) {
	t.Parallel()

	timer := &recordingTimer{}
	var retried []uint
	op := NewOperation("always-transient", semver.MustParse("1.0.0"), "",
		func(b Bundle, deps any, input int) (int, error) {
			return 0, errTransient
		})

	res, err := ExecuteOperation(newTestBundle(t), op, nil, 1,
		WithRetryConfig(RetryConfig[int, any]{
			Enabled: true,
			Policy:  DefaultRetryPolicy(),
			OnRetry: func(attempt uint, _ error) { retried = append(retried, attempt) },
		}),
		WithTimer[int, any](timer),
	)

	require.ErrorIs(t, err, faults.TransientNetwork)
	assert.Equal(t, uint(4), res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, timer.Delays())
	assert.Equal(t, []uint{1, 2, 3, 4}, retried)
}

func Test_RetryPolicy_Backoff(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	tests := []struct {
		give uint
		want time.Duration
	}{
		{give: 1, want: time.Second},
		{give: 2, want: 2 * time.Second},
		{give: 3, want: 4 * time.Second},
		{give: 4, want: 5 * time.Second},
		{give: 80, want: 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.give), "attempt %d", tt.give)
	}

	unbounded := RetryPolicy{BaseDelay: time.Hour}
	assert.Positive(t, unbounded.Backoff(200))
}

func Test_ExecuteOperation_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	b := NewBundle(func() context.Context { return ctx }, logger.Test(t), NewMemoryReporter())
	op := NewOperation("cancel-me", semver.MustParse("1.0.0"), "",
		func(b Bundle, deps any, input int) (int, error) {
			cancel()
			return 0, errTransient
		})

	_, err := ExecuteOperation(b, op, nil, 1, WithRetry[int, any]())
	require.ErrorIs(t, err, faults.Cancelled)
}

func Test_ExecuteOperation_WithPreviousRun(t *testing.T) {
	t.Parallel()

	handlerCalledTimes := 0
	handler := func(b Bundle, deps any, input int) (output int, err error) {
		handlerCalledTimes++
		return input + 1, nil
	}
	handlerWithErrorCalledTimes := 0
	handlerWithError := func(b Bundle, deps any, input int) (output int, err error) {
		handlerWithErrorCalledTimes++
		return 0, errors.New("test error")
	}

	bundle := newTestBundle(t)
	op := NewOperation("plus1", semver.MustParse("1.0.0"), "test operation", handler)

	res, err := ExecuteOperation(bundle, op, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Output)
	assert.Equal(t, 1, handlerCalledTimes)

	again, err := ExecuteOperation(bundle, op, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, res.ID, again.ID)
	assert.Equal(t, 1, handlerCalledTimes)

	// different input is a different execution
	_, err = ExecuteOperation(bundle, op, nil, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, handlerCalledTimes)

	forced, err := ExecuteOperation(bundle, op, nil, 1, WithForceExecute[int, any]())
	require.NoError(t, err)
	assert.True(t, forced.Forced)
	assert.Equal(t, 3, handlerCalledTimes)

	// failed executions are never reused
	opWithError := NewOperation("fail", semver.MustParse("1.0.0"), "test operation", handlerWithError)
	_, err = ExecuteOperation(bundle, opWithError, nil, 1)
	require.Error(t, err)
	_, err = ExecuteOperation(bundle, opWithError, nil, 1)
	require.Error(t, err)
	assert.Equal(t, 2, handlerWithErrorCalledTimes)

	reports, err := bundle.Reporter().GetReports()
	require.NoError(t, err)
	assert.Len(t, reports, 5)
}

func Test_ExecuteOperation_Unserializable_Data(t *testing.T) {
	t.Parallel()

	op := NewOperation("chan", semver.MustParse("1.0.0"), "",
		func(b Bundle, deps any, input chan int) (int, error) { return 1, nil })
	_, err := ExecuteOperation(newTestBundle(t), op, nil, make(chan int))
	require.ErrorIs(t, err, ErrNotSerializable)

	opOut := NewOperation("chan-out", semver.MustParse("1.0.0"), "",
		func(b Bundle, deps any, input int) (chan int, error) { return make(chan int), nil })
	_, err = ExecuteOperation(newTestBundle(t), opOut, nil, 1)
	require.ErrorIs(t, err, ErrNotSerializable)
}

func Test_ExecuteOperation_Concurrent(t *testing.T) {
	t.Parallel()

	bundle := newTestBundle(t)
	op := NewOperation("plus1", semver.MustParse("1.0.0"), "",
		func(b Bundle, deps any, input int) (int, error) { return input + 1, nil })

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ExecuteOperation(bundle, op, nil, i)
			assert.NoError(t, err)
			assert.Equal(t, i+1, res.Output)
		}()
	}
	wg.Wait()

	reports, err := bundle.Reporter().GetReports()
	require.NoError(t, err)
	assert.Len(t, reports, 20)
}

func Test_RecentReporter(t *testing.T) {
	t.Parallel()

	shared := NewMemoryReporter()
	recent := NewRecentReporter(shared)
	b := newTestBundle(t).WithReporter(recent)

	op := NewOperation("plus1", semver.MustParse("1.0.0"), "",
		func(b Bundle, deps any, input int) (int, error) { return input + 1, nil })
	res, err := ExecuteOperation(b, op, nil, 1)
	require.NoError(t, err)

	got := recent.GetRecentReports()
	require.Len(t, got, 1)
	assert.Equal(t, res.ID, got[0].ID)

	stored, err := shared.GetReport(res.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Output)

	_, err = shared.GetReport("missing")
	require.ErrorIs(t, err, ErrReportNotFound)
}
