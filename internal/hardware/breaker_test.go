package hardware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/labflow/pkg/schema"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreakers(threshold int, cooldown time.Duration) (*breakerSet, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newBreakerSet(BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown})
	s.now = clock.now
	return s, clock
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	s, _ := newTestBreakers(3, time.Minute)
	arm := schema.FamilyRoboticArm

	for i := 0; i < 2; i++ {
		require.NoError(t, s.allow(arm))
		assert.Equal(t, BreakerClosed, s.failure(arm))
	}
	require.NoError(t, s.allow(arm))
	assert.Equal(t, BreakerOpen, s.failure(arm))

	err := s.allow(arm)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))

	// Other families are unaffected.
	assert.NoError(t, s.allow(schema.FamilyLiquidHandler))
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	s, clock := newTestBreakers(1, time.Minute)
	f := schema.FamilyMicrocontroller

	require.NoError(t, s.allow(f))
	s.failure(f)
	require.Error(t, s.allow(f))

	clock.advance(time.Minute)
	require.NoError(t, s.allow(f), "cooldown elapsed, probe allowed")
	assert.Error(t, s.allow(f), "second probe rejected while the first is in flight")

	s.success(f)
	assert.NoError(t, s.allow(f))
	assert.Equal(t, "closed", s.stats(f)["state"])
	assert.Equal(t, 0, s.stats(f)["consecutive_failures"])
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	s, clock := newTestBreakers(2, time.Minute)
	f := schema.FamilyWorkstation

	s.failure(f)
	s.failure(f)
	clock.advance(2 * time.Minute)
	require.NoError(t, s.allow(f))
	assert.Equal(t, BreakerOpen, s.failure(f))
	assert.Error(t, s.allow(f))
}

func TestBreaker_ZeroThresholdDisables(t *testing.T) {
	s, _ := newTestBreakers(0, time.Minute)
	for i := 0; i < 10; i++ {
		s.failure(schema.FamilyRoboticArm)
	}
	assert.NoError(t, s.allow(schema.FamilyRoboticArm))
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half_open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}
