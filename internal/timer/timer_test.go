package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopFiresRepeatedlyAtFixedPeriod(t *testing.T) {
	var count int32
	l := New("test", Fixed(10), 0, func() error {
		atomic.AddInt32(&count, 1)
		return nil
	}, nil)

	l.Start()
	time.Sleep(55 * time.Millisecond)
	l.Stop()

	got := atomic.LoadInt32(&count)
	assert.GreaterOrEqual(t, got, int32(3))
	assert.False(t, l.IsRunning())
}

func TestLoopStopIsIdempotentAndStartIsNoopWhileRunning(t *testing.T) {
	var count int32
	l := New("test", Fixed(5), 0, func() error {
		atomic.AddInt32(&count, 1)
		return nil
	}, nil)

	l.Start()
	l.Start() // no-op, must not spawn a second goroutine
	time.Sleep(20 * time.Millisecond)
	l.Stop()
	l.Stop() // no-op, must not block or panic

	assert.False(t, l.IsRunning())
}

func TestLoopErrorsAreReportedAndLoopContinues(t *testing.T) {
	var calls int32
	var errs int32
	l := New("test", Fixed(5), 0, func() error {
		n := atomic.AddInt32(&calls, 1)
		if n%2 == 0 {
			return assertErr
		}
		return nil
	}, func(err error) {
		atomic.AddInt32(&errs, 1)
	})

	l.Start()
	time.Sleep(40 * time.Millisecond)
	l.Stop()

	require.Greater(t, atomic.LoadInt32(&calls), int32(1))
	assert.Positive(t, atomic.LoadInt32(&errs))
}

func TestLoopPeriodIsReReadEveryTick(t *testing.T) {
	var period int64 = 100
	var count int32
	l := New("test", func() time.Duration {
		return time.Duration(atomic.LoadInt64(&period)) * time.Millisecond
	}, 0, func() error {
		atomic.AddInt32(&count, 1)
		return nil
	}, nil)

	l.Start()
	time.Sleep(15 * time.Millisecond)
	atomic.StoreInt64(&period, 5)
	// The 100ms wait already in progress runs out first; the 5ms period
	// applies from the cycle after it.
	time.Sleep(130 * time.Millisecond)
	l.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(3), "shortening the period must take effect on the next tick")
}

var assertErr = errTimerTest{}

type errTimerTest struct{}

func (errTimerTest) Error() string { return "injected timer test error" }
