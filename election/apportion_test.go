package election_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/scrutin/election-engine/election"
)

// =============================================================================
// BAND TABLE
// =============================================================================

func TestSeatsForHeadcount_BandTable(t *testing.T) {
	cases := []struct {
		headcount int
		seats     int
	}{
		{0, 0},
		{10, 0}, // below the minimum band: no governing body
		{11, 1},
		{24, 1},
		{25, 2},
		{49, 2},
		{50, 4},
		{99, 5},
		{100, 6},
		{1499, 17},
		{1500, 19},
		{1749, 19},
		{1750, 21},
		{9999, 34},
		{10000, 35},
		{250000, 35},
	}

	for _, c := range cases {
		assert.Equal(t, c.seats, election.SeatsForHeadcount(c.headcount),
			"headcount %d", c.headcount)
	}
}

func TestSeatsForHeadcount_Monotonic(t *testing.T) {
	// The step function must never decrease as headcount grows.
	previous := 0
	for n := 0; n <= 12000; n++ {
		seats := election.SeatsForHeadcount(n)
		assert.GreaterOrEqual(t, seats, previous, "non-monotonic at headcount %d", n)
		previous = seats
	}
}

// =============================================================================
// D'HONDT DISTRIBUTION
// =============================================================================

func TestApportion_KnownDistribution(t *testing.T) {
	// GIVEN: The reference election result used in the legal examples
	votes := map[election.Organization]int{
		"CGT": 450, "CFDT": 300, "FO": 150, "UNSA": 100,
	}

	// WHEN: 19 seats are distributed
	seats := election.Apportion(votes, 19)

	// THEN: Seats sum to 19 and the plurality winner takes the most
	total := 0
	for _, s := range seats {
		total += s
	}
	assert.Equal(t, 19, total)
	assert.Equal(t, map[election.Organization]int{
		"CGT": 9, "CFDT": 6, "FO": 3, "UNSA": 1,
	}, seats)
}

func TestApportion_SeatsAlwaysSumToTotal(t *testing.T) {
	cases := []map[election.Organization]int{
		{"A": 1},
		{"A": 100, "B": 1},
		{"A": 7, "B": 7, "C": 7},
		{"A": 1000, "B": 999, "C": 2, "D": 1},
	}

	for _, votes := range cases {
		for _, totalSeats := range []int{1, 4, 19, 35} {
			seats := election.Apportion(votes, totalSeats)
			sum := 0
			for _, s := range seats {
				sum += s
			}
			assert.Equal(t, totalSeats, sum, "votes=%v seats=%d", votes, totalSeats)
		}
	}
}

func TestApportion_ZeroVoteOrganizationsExcluded(t *testing.T) {
	votes := map[election.Organization]int{"A": 10, "B": 0, "C": -3}

	seats := election.Apportion(votes, 5)

	assert.Equal(t, map[election.Organization]int{"A": 5}, seats)
	assert.NotContains(t, seats, election.Organization("B"))
	assert.NotContains(t, seats, election.Organization("C"))
}

func TestApportion_EmptyInput(t *testing.T) {
	assert.Empty(t, election.Apportion(nil, 10))
	assert.Empty(t, election.Apportion(map[election.Organization]int{}, 10))
	assert.Empty(t, election.Apportion(map[election.Organization]int{"A": 0}, 10))
}

func TestApportion_Deterministic(t *testing.T) {
	// GIVEN: A vote distribution with an exact quotient tie (A and B tie
	// at every divisor level)
	votes := map[election.Organization]int{"B": 100, "A": 100, "C": 50}

	// WHEN: Run repeatedly (map iteration order varies between runs)
	first := election.Apportion(votes, 5)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, election.Apportion(votes, 5))
	}

	// THEN: The tie goes to the lexicographically smaller name first,
	// so with 5 seats A gets the odd seat
	assert.Equal(t, map[election.Organization]int{"A": 2, "B": 2, "C": 1}, first)
}

func TestApportion_TieBreakPrefersHigherRawVotes(t *testing.T) {
	// 200/2 == 100/1: the quotient tie is resolved toward the higher
	// raw vote count.
	votes := map[election.Organization]int{"big": 200, "small": 100}

	seats := election.Apportion(votes, 2)

	assert.Equal(t, map[election.Organization]int{"big": 2, "small": 0}, seats)
}

// =============================================================================
// COMPOSITE CALCULATION
// =============================================================================

func TestApportionForHeadcount_Complete(t *testing.T) {
	votes := map[election.Organization]int{"CGT": 450, "CFDT": 300, "FO": 150}

	result := election.ApportionForHeadcount(1500, votes)

	assert.Equal(t, 19, result.TotalSeats)
	assert.Equal(t, 900, result.TotalVotes)
	sum := 0
	for _, s := range result.SeatsByOrg {
		sum += s
	}
	assert.Equal(t, 19, sum)
}

func TestApportionForHeadcount_TinyEstablishment(t *testing.T) {
	result := election.ApportionForHeadcount(10, map[election.Organization]int{"CGT": 8})

	assert.Equal(t, 0, result.TotalSeats)
	assert.Empty(t, result.SeatsByOrg)
}

func TestApportionForHeadcount_NoVotes(t *testing.T) {
	result := election.ApportionForHeadcount(120, map[election.Organization]int{"CGT": 0})

	assert.Equal(t, 6, result.TotalSeats)
	assert.Empty(t, result.SeatsByOrg)
	assert.Equal(t, 0, result.TotalVotes)
}
