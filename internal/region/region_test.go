package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapper_EmailDomainHeuristic(t *testing.T) {
	m := New()

	code := m.Assign(Hints{Username: "xyz", Email: "a@b.jp"})
	assert.Equal(t, AsiaPac, code)
}

func TestMapper_DNHeuristic(t *testing.T) {
	m := New()

	code := m.Assign(Hints{Username: "eu_jdoe", DN: "uid=jdoe,ou=Europe,dc=x"})
	assert.Equal(t, EUWest, code)
}

func TestMapper_UsernameAffixHeuristic(t *testing.T) {
	m := New()

	code := m.Assign(Hints{Username: "us_smith"})
	assert.Equal(t, USEast, code)
}

func TestMapper_LeastLoadedFallback_NoHints(t *testing.T) {
	m := New()

	code := m.Assign(Hints{Username: "nohints"})
	assert.Equal(t, Australia, code)
}

func TestMapper_Memoization(t *testing.T) {
	m := New()

	first := m.Assign(Hints{Username: "stable", Email: "a@b.ca"})
	second := m.Assign(Hints{Username: "stable"}) // different hints, same username

	assert.Equal(t, first, second)
	assert.Equal(t, Canada, first)
}

func TestMapper_Clear(t *testing.T) {
	m := New()

	m.Assign(Hints{Username: "stable", Email: "a@b.ca"})
	m.Clear()

	recomputed := m.Assign(Hints{Username: "stable", Email: "a@b.jp"})
	assert.Equal(t, AsiaPac, recomputed)
}

func TestMapper_LeastLoaded_RespectsCurrentLoad(t *testing.T) {
	m := NewWithSeed([]Region{
		{Code: USEast, Capacity: 1_000_000, CurrentLoad: 0.9},
		{Code: Canada, Capacity: 200_000, CurrentLoad: 0.1},
	})

	assert.Equal(t, Canada, m.leastLoaded())
}

func TestMapper_Deterministic(t *testing.T) {
	m := New()

	hints := Hints{Username: "det_user", Email: "a@b.de"}
	a := m.Assign(hints)
	b := m.Assign(hints)

	assert.Equal(t, a, b)
}
