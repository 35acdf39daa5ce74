/*
apportion.go - Electoral seat apportionment

PURPOSE:
  Two pure computations, independently usable from the rest of the
  pipeline:
  1. SeatsForHeadcount: the legal headcount -> seat-count step function
     (Code du travail, Article R2314-1)
  2. Apportion: highest-averages (D'Hondt) distribution of those seats
     across organizations from their vote counts

DETERMINISM:
  Apportion never randomises. Candidates are ordered by raw vote count
  descending, then organization name ascending; equal highest-average
  quotients are resolved in that same order. Identical input always
  yields identical output.

PRECISION:
  Quotients are computed with decimal.Decimal. Vote counts divided by
  small integers produce repeating fractions, and float comparison on
  those is exactly how seats get misassigned.
*/
package election

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// HEADCOUNT BAND TABLE
// =============================================================================

// seatBand maps a headcount lower bound (inclusive) to a seat count.
// Bands are listed in ascending order; the last matching band applies.
// Source: Article R2314-1.
type seatBand struct {
	minHeadcount int
	seats        int
}

var seatBands = []seatBand{
	{11, 1},
	{25, 2},
	{50, 4},
	{75, 5},
	{100, 6},
	{125, 7},
	{150, 8},
	{175, 9},
	{200, 10},
	{250, 11},
	{400, 12},
	{500, 13},
	{750, 14},
	{1000, 15},
	{1250, 17},
	{1500, 19},
	{1750, 21},
	{2000, 23},
	{2250, 24},
	{2500, 25},
	{2750, 26},
	{3000, 27},
	{3750, 29},
	{4500, 30},
	{5250, 31},
	{6000, 32},
	{6750, 33},
	{7500, 34},
	{10000, 35},
}

// SeatsForHeadcount returns the number of elected seats an establishment
// of the given headcount is entitled to. Below 11 employees no governing
// body is required and the function returns 0. The function is monotonic
// non-decreasing in headcount.
func SeatsForHeadcount(headcount int) int {
	seats := 0
	for _, band := range seatBands {
		if headcount < band.minHeadcount {
			break
		}
		seats = band.seats
	}
	return seats
}

// =============================================================================
// HIGHEST-AVERAGES DISTRIBUTION
// =============================================================================

// Apportion distributes totalSeats seats across organizations using the
// highest-averages (D'Hondt) method. Organizations with zero or negative
// votes are excluded from candidacy entirely. Each of the totalSeats
// iterations awards one seat to the candidate with the highest
// votes/(seats+1) quotient; quotient ties go to the candidate with the
// higher raw vote count, then to the lexicographically smaller name.
//
// An empty or all-zero votes map yields an empty result. Otherwise the
// returned counts sum to exactly totalSeats.
func Apportion(votesByOrg map[Organization]int, totalSeats int) map[Organization]int {
	type candidate struct {
		org   Organization
		votes decimal.Decimal
		seats int
	}

	candidates := make([]candidate, 0, len(votesByOrg))
	for org, votes := range votesByOrg {
		if votes <= 0 {
			continue
		}
		candidates = append(candidates, candidate{org: org, votes: decimal.NewFromInt(int64(votes))})
	}
	if len(candidates) == 0 || totalSeats <= 0 {
		return map[Organization]int{}
	}

	// Fixed candidate order: votes descending, then name ascending.
	// This order doubles as the tie-break for equal quotients.
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].votes.Equal(candidates[j].votes) {
			return candidates[i].votes.GreaterThan(candidates[j].votes)
		}
		return candidates[i].org < candidates[j].org
	})

	for seat := 0; seat < totalSeats; seat++ {
		best := 0
		bestQuotient := decimal.Zero
		for i, c := range candidates {
			quotient := c.votes.Div(decimal.NewFromInt(int64(c.seats + 1)))
			if i == 0 || quotient.GreaterThan(bestQuotient) {
				best = i
				bestQuotient = quotient
			}
		}
		candidates[best].seats++
	}

	result := make(map[Organization]int, len(candidates))
	for _, c := range candidates {
		result[c.org] = c.seats
	}
	return result
}

// =============================================================================
// COMPOSITE CALCULATION
// =============================================================================

// ApportionmentResult is the full seat calculation for one establishment.
type ApportionmentResult struct {
	TotalSeats int                  `json:"total_seats"`
	SeatsByOrg map[Organization]int `json:"seats_by_org"`
	TotalVotes int                  `json:"total_votes"`
}

// ApportionForHeadcount computes the seat entitlement from the headcount
// band table and distributes it across organizations. With no seats or no
// positive votes the distribution is empty.
func ApportionForHeadcount(headcount int, votesByOrg map[Organization]int) ApportionmentResult {
	totalSeats := SeatsForHeadcount(headcount)
	if totalSeats == 0 {
		return ApportionmentResult{TotalSeats: 0, SeatsByOrg: map[Organization]int{}}
	}

	totalVotes := 0
	for _, votes := range votesByOrg {
		if votes > 0 {
			totalVotes += votes
		}
	}
	if totalVotes == 0 {
		return ApportionmentResult{TotalSeats: totalSeats, SeatsByOrg: map[Organization]int{}}
	}

	return ApportionmentResult{
		TotalSeats: totalSeats,
		SeatsByOrg: Apportion(votesByOrg, totalSeats),
		TotalVotes: totalVotes,
	}
}
