package porteiro

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingCloser records how many times Close was called.
type countingCloser struct {
	closes atomic.Int64
}

func (c *countingCloser) Close() error {
	c.closes.Add(1)
	return nil
}

func TestScopeLedgerReleaseClosesOnce(t *testing.T) {
	ledger := NewScopeLedger(time.Minute, nil)
	closer := &countingCloser{}

	ledger.Register("msg1", closer)
	assert.Equal(t, 1, ledger.Len())

	assert.True(t, ledger.Release("msg1"))
	assert.Equal(t, int64(1), closer.closes.Load())
	assert.Equal(t, 0, ledger.Len())

	// Second release is a no-op, not an error
	assert.False(t, ledger.Release("msg1"))
	assert.Equal(t, int64(1), closer.closes.Load())
}

func TestScopeLedgerReleaseUnknownID(t *testing.T) {
	ledger := NewScopeLedger(time.Minute, nil)
	assert.False(t, ledger.Release("never-registered"))
}

func TestScopeLedgerDuplicateRegistrationClosesPrevious(t *testing.T) {
	ledger := NewScopeLedger(time.Minute, nil)
	first := &countingCloser{}
	second := &countingCloser{}

	ledger.Register("msg1", first)
	ledger.Register("msg1", second)

	assert.Equal(t, int64(1), first.closes.Load())
	assert.Equal(t, int64(0), second.closes.Load())
	assert.Equal(t, 1, ledger.Len())

	require.True(t, ledger.Release("msg1"))
	assert.Equal(t, int64(1), second.closes.Load())
}

// TestScopeLedgerSafetyNet verifies the forced-release path: a scope
// whose completion signal never arrives is reclaimed by the timer,
// closed exactly once, and counted.
func TestScopeLedgerSafetyNet(t *testing.T) {
	ledger := NewScopeLedger(20*time.Millisecond, nil)
	closer := &countingCloser{}

	ledger.Register("msg1", closer)

	require.Eventually(
		t,
		func() bool { return ledger.Len() == 0 },
		time.Second,
		5*time.Millisecond,
	)
	assert.Equal(t, int64(1), closer.closes.Load())
	assert.Equal(t, int64(1), ledger.ForcedReleases())

	// A late completion signal after expiry is a harmless no-op
	assert.False(t, ledger.Release("msg1"))
	assert.Equal(t, int64(1), closer.closes.Load())
}

func TestScopeLedgerReleaseBeforeSafetyNet(t *testing.T) {
	ledger := NewScopeLedger(30*time.Millisecond, nil)
	closer := &countingCloser{}

	ledger.Register("msg1", closer)
	require.True(t, ledger.Release("msg1"))

	// Wait past the expiry to confirm the timer doesn't double-close
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int64(1), closer.closes.Load())
	assert.Equal(t, int64(0), ledger.ForcedReleases())
}

func TestScopeLedgerConcurrentReleases(t *testing.T) {
	ledger := NewScopeLedger(time.Minute, nil)
	closer := &countingCloser{}
	ledger.Register("msg1", closer)

	const callers = 20
	var released atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if ledger.Release("msg1") {
				released.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), released.Load())
	assert.Equal(t, int64(1), closer.closes.Load())
}

func TestScopeLedgerIndependentScopes(t *testing.T) {
	ledger := NewScopeLedger(time.Minute, nil)
	first := &countingCloser{}
	second := &countingCloser{}

	ledger.Register("msg1", first)
	ledger.Register("msg2", second)
	assert.Equal(t, 2, ledger.Len())

	require.True(t, ledger.Release("msg1"))
	assert.Equal(t, int64(1), first.closes.Load())
	assert.Equal(t, int64(0), second.closes.Load())
	assert.Equal(t, 1, ledger.Len())
}

func TestScopeLedgerNilResource(t *testing.T) {
	ledger := NewScopeLedger(time.Minute, nil)
	ledger.Register("msg1", nil)
	assert.True(t, ledger.Release("msg1"))
}
