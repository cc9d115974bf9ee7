package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedClock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func TestGlobalCap(t *testing.T) {
	c := New(Config{GlobalCap: 2}, nil)
	c.BeginTick()

	assert.True(t, c.Check("", 1, 0).Allowed)

	got := c.Check("", 2, 0)
	assert.False(t, got.Allowed)
	assert.Equal(t, ReasonGlobalCap, got.Reason)
	assert.True(t, got.Global)
}

func TestGlobalCapCountsSameTickDispatches(t *testing.T) {
	c := New(Config{GlobalCap: 2}, nil)
	c.BeginTick()

	assert.True(t, c.Check("", 1, 0).Allowed)
	c.RecordDispatch("")

	// One active plus one dispatched this tick fills the cap
	got := c.Check("", 1, 0)
	assert.False(t, got.Allowed)
	assert.Equal(t, ReasonGlobalCap, got.Reason)
}

func TestTeamCap(t *testing.T) {
	c := New(Config{TeamCaps: map[string]int{"backend": 1}}, nil)
	c.BeginTick()

	got := c.Check("backend", 5, 1)
	assert.False(t, got.Allowed)
	assert.Equal(t, ReasonTeamCap, got.Reason)
	assert.False(t, got.Global, "a team cap only blocks that team")

	assert.True(t, c.Check("frontend", 5, 3).Allowed, "uncapped teams are unlimited")
}

func TestMinInterval(t *testing.T) {
	at := time.Now().UTC()
	c := New(Config{MinInterval: 10 * time.Second}, fixedClock(&at))
	c.BeginTick()

	assert.True(t, c.Check("", 0, 0).Allowed)
	c.RecordDispatch("")

	at = at.Add(5 * time.Second)
	got := c.Check("", 0, 0)
	assert.False(t, got.Allowed)
	assert.Equal(t, ReasonMinInterval, got.Reason)

	at = at.Add(6 * time.Second)
	assert.True(t, c.Check("", 0, 0).Allowed)
}

func TestTeamMinInterval(t *testing.T) {
	at := time.Now().UTC()
	c := New(Config{TeamMinInterval: time.Minute}, fixedClock(&at))
	c.BeginTick()

	c.RecordDispatch("backend")
	at = at.Add(30 * time.Second)

	got := c.Check("backend", 0, 0)
	assert.False(t, got.Allowed)
	assert.Equal(t, ReasonTeamInterval, got.Reason)

	// Other teams are unaffected
	assert.True(t, c.Check("frontend", 0, 0).Allowed)
}

func TestPerTickCap(t *testing.T) {
	c := New(Config{PerTickCap: 2}, nil)
	c.BeginTick()

	c.RecordDispatch("")
	c.RecordDispatch("")
	got := c.Check("", 0, 0)
	assert.False(t, got.Allowed)
	assert.Equal(t, ReasonTickCap, got.Reason)
	assert.True(t, got.Global)

	// The next tick starts fresh
	c.BeginTick()
	assert.True(t, c.Check("", 0, 0).Allowed)
}

func TestTightenOnlyLowers(t *testing.T) {
	c := New(Config{GlobalCap: 8}, nil)

	c.Tighten(3)
	assert.Equal(t, 3, c.EffectiveCap())

	// Raising is ignored
	c.Tighten(6)
	assert.Equal(t, 3, c.EffectiveCap())

	c.BeginTick()
	got := c.Check("", 3, 0)
	assert.False(t, got.Allowed)
	assert.Equal(t, ReasonGlobalCap, got.Reason)
}

func TestTightenWithUnlimitedCap(t *testing.T) {
	c := New(Config{}, nil)
	c.BeginTick()
	assert.True(t, c.Check("", 100, 0).Allowed, "zero cap means unlimited")

	c.Tighten(2)
	got := c.Check("", 2, 0)
	assert.False(t, got.Allowed)
}
