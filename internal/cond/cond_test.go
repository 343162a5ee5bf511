package cond

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	require.NoError(t, s.MarkAvailable())
	return s
}

func TestSetGetClear(t *testing.T) {
	s := newTestStore(t)

	assert.Equal(t, OFF, s.Get("net/eth0/up"))

	require.NoError(t, s.Set("net/eth0/up", ON))
	assert.Equal(t, ON, s.Get("net/eth0/up"))

	require.NoError(t, s.Set("net/eth0/up", FLUX))
	assert.Equal(t, FLUX, s.Get("net/eth0/up"))

	require.NoError(t, s.Clear("net/eth0/up"))
	assert.Equal(t, OFF, s.Get("net/eth0/up"))
}

func TestOneshotSurvivesClear(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetOneshot("hook/basefs-up"))
	assert.Equal(t, ON, s.Get("hook/basefs-up"))

	require.NoError(t, s.Clear("hook/basefs-up"))
	assert.Equal(t, ON, s.Get("hook/basefs-up"), "a oneshot condition must stay ON for the boot")
}

func TestNotifyOnMutation(t *testing.T) {
	s := newTestStore(t)

	var seen []string
	s.Subscribe(func(key string) { seen = append(seen, key) })

	require.NoError(t, s.Set("pid/foo", ON))
	require.NoError(t, s.Clear("pid/foo"))

	assert.Equal(t, []string{"pid/foo", "pid/foo"}, seen)
}

func TestAggregateEmptyIsOn(t *testing.T) {
	assert.Equal(t, ON, Aggregate(Expr{}, func(string) State { return OFF }))
}

func TestAggregateRules(t *testing.T) {
	states := map[string]State{
		"net/eth0/up": ON,
		"hook/basefs": FLUX,
		"missing":     OFF,
	}
	get := func(k string) State { return states[k] }

	assert.Equal(t, ON, Aggregate(ParseExpr("net/eth0/up"), get))
	assert.Equal(t, FLUX, Aggregate(ParseExpr("net/eth0/up,hook/basefs"), get))
	assert.Equal(t, OFF, Aggregate(ParseExpr("net/eth0/up,missing"), get))
	assert.Equal(t, OFF, Aggregate(ParseExpr("!net/eth0/up"), get))
	assert.Equal(t, ON, Aggregate(ParseExpr("!missing"), get))
}

func TestAggregateMonotone(t *testing.T) {
	// toggling a single term can only move the aggregate by one step.
	base := map[string]State{"a": ON, "b": ON}
	get := func(k string) State { return base[k] }
	e := ParseExpr("a,b")

	assert.Equal(t, ON, Aggregate(e, get))
	base["a"] = FLUX
	assert.Equal(t, FLUX, Aggregate(e, get))
	base["a"] = OFF
	assert.Equal(t, OFF, Aggregate(e, get))
}

func TestAffects(t *testing.T) {
	e := ParseExpr("net/eth0/up,!hook/x")
	assert.True(t, Affects("net/eth0/up", e))
	assert.True(t, Affects("hook/x", e))
	assert.False(t, Affects("unrelated", e))
}
