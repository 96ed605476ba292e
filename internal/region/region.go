// Package region assigns users to a region using a cascade of heuristics,
// memoizing results per username the way the teacher's generic cache
// memoizes LDAP entity lookups.
package region

import (
	"strings"
	"sync"
)

// Code identifies one of the six seeded regions.
type Code string

const (
	USEast    Code = "US-EAST"
	USWest    Code = "US-WEST"
	EUWest    Code = "EU-WEST"
	AsiaPac   Code = "ASIA-PAC"
	Canada    Code = "CANADA"
	Australia Code = "AUSTRALIA"
)

// Region is the cacheable region record from spec §3.
type Region struct {
	Code              Code
	ExternalRegionTag string
	Capacity          int
	CurrentLoad       float64 // 0..1
}

// DefaultSeed returns the six regions of spec §4.7, in ascending capacity
// order so the least-loaded fallback's tie-break favors the smallest region
// first, matching the worked example in spec §8 scenario 5.
func DefaultSeed() []Region {
	return []Region{
		{Code: Australia, Capacity: 150_000},
		{Code: Canada, Capacity: 200_000},
		{Code: AsiaPac, Capacity: 400_000},
		{Code: EUWest, Capacity: 600_000},
		{Code: USWest, Capacity: 800_000},
		{Code: USEast, Capacity: 1_000_000},
	}
}

var emailDomainSuffixes = []struct {
	suffixes []string
	region   Code
}{
	{[]string{".us", ".com"}, USEast},
	{[]string{".ca"}, Canada},
	{[]string{".eu", ".de", ".fr", ".uk", ".nl"}, EUWest},
	{[]string{".au"}, Australia},
	{[]string{".jp", ".sg", ".kr"}, AsiaPac},
}

var dnSubstrings = []struct {
	substrings []string
	region     Code
}{
	{[]string{"ou=americas", "ou=usa"}, USEast},
	{[]string{"ou=europe", "ou=emea"}, EUWest},
	{[]string{"ou=asia", "ou=apac"}, AsiaPac},
	{[]string{"ou=canada"}, Canada},
	{[]string{"ou=australia", "ou=oceania"}, Australia},
	{[]string{"c=us", "l=newyork", "l=chicago"}, USEast},
	{[]string{"l=seattle", "l=portland", "l=losangeles"}, USWest},
}

var usernameAffixes = []struct {
	affixes []string
	region  Code
}{
	{[]string{"us"}, USEast},
	{[]string{"eu"}, EUWest},
	{[]string{"asia"}, AsiaPac},
	{[]string{"ca"}, Canada},
	{[]string{"au"}, Australia},
}

// Hints carries the attributes the heuristics cascade over, sourced from a
// directory entry.
type Hints struct {
	Username string
	Email    string
	DN       string
}

// Mapper assigns regions, memoizing per username with unbounded lifetime
// within a process run, mirroring the teacher's RWMutex-guarded map
// memoization in ldap_cache.Cache.
type Mapper struct {
	mu     sync.RWMutex
	memo   map[string]Code
	seed   []Region
}

// New constructs a Mapper seeded with the six default regions.
func New() *Mapper {
	return &Mapper{
		memo: make(map[string]Code),
		seed: DefaultSeed(),
	}
}

// NewWithSeed constructs a Mapper over a caller-provided region set, for
// tests that need non-default capacities/loads.
func NewWithSeed(seed []Region) *Mapper {
	return &Mapper{
		memo: make(map[string]Code),
		seed: seed,
	}
}

// Assign returns the region for hints.Username, computing and memoizing it
// on first call. Assignment is deterministic and idempotent for the same
// inputs, per spec §8.
func (m *Mapper) Assign(hints Hints) Code {
	m.mu.RLock()
	if code, ok := m.memo[hints.Username]; ok {
		m.mu.RUnlock()

		return code
	}
	m.mu.RUnlock()

	code := m.compute(hints)

	m.mu.Lock()
	m.memo[hints.Username] = code
	m.mu.Unlock()

	return code
}

func (m *Mapper) compute(hints Hints) Code {
	if code, ok := byEmailDomain(hints.Email); ok {
		return code
	}

	if code, ok := byDN(hints.DN); ok {
		return code
	}

	if code, ok := byUsernameAffix(hints.Username); ok {
		return code
	}

	return m.leastLoaded()
}

func byEmailDomain(email string) (Code, bool) {
	lower := strings.ToLower(email)

	for _, rule := range emailDomainSuffixes {
		for _, suffix := range rule.suffixes {
			if strings.HasSuffix(lower, suffix) {
				return rule.region, true
			}
		}
	}

	return "", false
}

func byDN(dn string) (Code, bool) {
	lower := strings.ToLower(dn)

	for _, rule := range dnSubstrings {
		for _, sub := range rule.substrings {
			if strings.Contains(lower, sub) {
				return rule.region, true
			}
		}
	}

	return "", false
}

func byUsernameAffix(username string) (Code, bool) {
	lower := strings.ToLower(username)

	for _, rule := range usernameAffixes {
		for _, affix := range rule.affixes {
			if strings.HasPrefix(lower, affix) || strings.HasSuffix(lower, affix) {
				return rule.region, true
			}
		}
	}

	return "", false
}

// leastLoaded returns the lowest-capacity region among those with the
// smallest CurrentLoad, matching spec §8 scenario 5's "with no hints and
// all region loads equal, returns the lowest-capacity unloaded region".
func (m *Mapper) leastLoaded() Code {
	if len(m.seed) == 0 {
		return USEast
	}

	best := m.seed[0]

	for _, r := range m.seed[1:] {
		if r.CurrentLoad < best.CurrentLoad ||
			(r.CurrentLoad == best.CurrentLoad && r.Capacity < best.Capacity) {
			best = r
		}
	}

	return best.Code
}

// Clear resets all memoized assignments, required for tests per spec §4.7.
func (m *Mapper) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.memo = make(map[string]Code)
}
