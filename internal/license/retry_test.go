package license

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5), "capped at MaxDelay")

	p.Factor = 0.5
	assert.Equal(t, time.Second, p.Delay(3), "factor below one never shrinks delays")
}

func TestRetryPolicyDo(t *testing.T) {
	transient := errors.New("connection refused")
	terminal := &AuthorityError{StatusCode: 400}

	tests := []struct {
		name         string
		failures     []error
		wantAttempts int
		wantErr      error
		wantSleeps   []time.Duration
	}{
		{
			name:         "first attempt succeeds",
			wantAttempts: 1,
		},
		{
			name:         "succeeds after transient failures",
			failures:     []error{transient, transient},
			wantAttempts: 3,
			wantSleeps:   []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:         "exhausts attempts",
			failures:     []error{transient, transient, transient, transient},
			wantAttempts: 3,
			wantErr:      transient,
			wantSleeps:   []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:         "client error is not retried",
			failures:     []error{terminal},
			wantAttempts: 1,
			wantErr:      terminal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sleeps []time.Duration
			var retries int
			p := DefaultRetryPolicy()
			p.Sleep = func(_ context.Context, d time.Duration) error {
				sleeps = append(sleeps, d)
				return nil
			}
			p.OnRetry = func(int, time.Duration, error) { retries++ }

			calls := 0
			attempts, err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				if attempt <= len(tt.failures) {
					return tt.failures[attempt-1]
				}
				return nil
			})

			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Equal(t, tt.wantAttempts, calls)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantSleeps, sleeps)
			assert.Equal(t, len(tt.wantSleeps), retries)
		})
	}
}

func TestRetryPolicyStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := DefaultRetryPolicy()
	p.BaseDelay = time.Hour

	calls := 0
	done := make(chan struct{})
	var attempts int
	var err error
	go func() {
		attempts, err = p.Do(ctx, func(context.Context, int) error {
			calls++
			return errors.New("timeout")
		})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.EqualError(t, err, "timeout")
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"server error", &AuthorityError{StatusCode: 502}, true},
		{"client error", &AuthorityError{StatusCode: 404}, false},
		{"denial", &DenialError{Code: "LICENSE_EXPIRED"}, false},
		{"malformed", &MalformedResponseError{Reason: "missing valid field"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, sleepContext(ctx, 0), context.Canceled)
}
