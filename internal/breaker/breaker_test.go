package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyed_TripsAfterConsecutiveFailuresAndDegrades(t *testing.T) {
	k := NewKeyed(Config{ConsecutiveFailures: 3, OpenTimeout: time.Minute})
	boom := errors.New("upstream down")

	// Seed one good result.
	out, degraded, err := k.Execute("research", func() (interface{}, error) {
		return "fresh insight", nil
	})
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Equal(t, "fresh insight", out)

	// Three consecutive failures propagate and trip the circuit.
	for i := 0; i < 3; i++ {
		_, degraded, err = k.Execute("research", func() (interface{}, error) {
			return nil, boom
		})
		require.Error(t, err)
		assert.False(t, degraded)
	}
	assert.Equal(t, "open", k.State("research"))

	// Fourth call: degraded last-good result, no error, caller not invoked.
	called := false
	out, degraded, err = k.Execute("research", func() (interface{}, error) {
		called = true
		return nil, boom
	})
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.False(t, called)
	assert.Equal(t, "fresh insight", out)
}

func TestKeyed_OpenWithoutLastGoodReturnsErrNoFallback(t *testing.T) {
	k := NewKeyed(Config{ConsecutiveFailures: 2, OpenTimeout: time.Minute})
	boom := errors.New("upstream down")

	for i := 0; i < 2; i++ {
		_, _, err := k.Execute("strategy", func() (interface{}, error) { return nil, boom })
		require.Error(t, err)
	}

	_, _, err := k.Execute("strategy", func() (interface{}, error) { return "late", nil })
	assert.ErrorIs(t, err, ErrNoFallback)
}

func TestKeyed_SuccessResetsCounter(t *testing.T) {
	k := NewKeyed(Config{ConsecutiveFailures: 3, OpenTimeout: time.Minute})
	boom := errors.New("flaky")

	fail := func() (interface{}, error) { return nil, boom }
	ok := func() (interface{}, error) { return "ok", nil }

	// Two failures, then a success, then two more failures: never trips.
	k.Execute("writer", fail)
	k.Execute("writer", fail)
	_, degraded, err := k.Execute("writer", ok)
	require.NoError(t, err)
	assert.False(t, degraded)
	k.Execute("writer", fail)
	k.Execute("writer", fail)

	assert.Equal(t, "closed", k.State("writer"))
}

func TestKeyed_ScopesAreIndependent(t *testing.T) {
	k := NewKeyed(Config{ConsecutiveFailures: 2, OpenTimeout: time.Minute})
	boom := errors.New("down")

	k.Execute("a", func() (interface{}, error) { return "good-a", nil })
	for i := 0; i < 2; i++ {
		k.Execute("a", func() (interface{}, error) { return nil, boom })
	}
	assert.Equal(t, "open", k.State("a"))
	assert.Equal(t, "closed", k.State("b"))

	out, degraded, err := k.Execute("b", func() (interface{}, error) { return "good-b", nil })
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Equal(t, "good-b", out)
}
