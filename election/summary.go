/*
summary.go - Aggregation of source rows into establishment summaries

PURPOSE:
  Pure computation from (ballots, invitations, mapper) to one derived
  summary row per establishment. Persistence and atomic replacement live
  in the store; this file only decides what the rows contain, so the
  same code serves full and incremental rebuilds.

AGGREGATION RULES (per establishment):
  - Most recent ballot per cycle wins field conflicts; on equal dates
    the later-ingested row wins.
  - Percentage shares come from the most recent ballot of each cycle:
    votes / valid-expressed-votes. A missing or zero denominator yields
    no share, never a zero.
  - Descriptive fields (name, departement) prefer the C4 ballot, then
    C3, then the latest invitation.
  - Resolved federation: ballot federation, then invitation federation,
    then the mapper's answer for the first known IDCC.
*/
package election

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Resolver is the mapper lookup the summary builder consults for
// establishments whose sources carry an IDCC but no federation.
type Resolver interface {
	Resolve(code string) (string, bool)
}

// cycleView is the per-cycle aggregate for one establishment.
type cycleView struct {
	count  int
	latest *BallotRecord
}

func (v *cycleView) observe(b *BallotRecord) {
	v.count++
	if v.latest == nil {
		v.latest = b
		return
	}
	current := ballotTime(b)
	stored := ballotTime(v.latest)
	if !current.Before(stored) {
		v.latest = b
	}
}

func ballotTime(b *BallotRecord) time.Time {
	if b.BallotDate == nil {
		return time.Time{}
	}
	return *b.BallotDate
}

// BuildSummaries computes the full derived view for every establishment
// present in the inputs, sorted by id. An empty source set produces an
// empty slice.
func BuildSummaries(ballots []BallotRecord, invitations []InvitationRecord, resolver Resolver, now time.Time) []EstablishmentSummary {
	type acc struct {
		cycles          map[Cycle]*cycleView
		invitationCount int
		latestInvite    *InvitationRecord
	}

	accs := map[string]*acc{}
	get := func(siret string) *acc {
		a, ok := accs[siret]
		if !ok {
			a = &acc{cycles: map[Cycle]*cycleView{}}
			accs[siret] = a
		}
		return a
	}

	for i := range ballots {
		b := &ballots[i]
		if b.Siret == "" || !ValidCycle(b.Cycle) {
			continue
		}
		a := get(b.Siret)
		v, ok := a.cycles[b.Cycle]
		if !ok {
			v = &cycleView{}
			a.cycles[b.Cycle] = v
		}
		v.observe(b)
	}

	for i := range invitations {
		inv := &invitations[i]
		if inv.Siret == "" {
			continue
		}
		a := get(inv.Siret)
		a.invitationCount++
		if a.latestInvite == nil || !inv.InvitationDate.Before(a.latestInvite.InvitationDate) {
			a.latestInvite = inv
		}
	}

	sirets := make([]string, 0, len(accs))
	for siret := range accs {
		sirets = append(sirets, siret)
	}
	sort.Strings(sirets)

	summaries := make([]EstablishmentSummary, 0, len(sirets))
	for _, siret := range sirets {
		a := accs[siret]
		summaries = append(summaries, buildOne(siret, a.cycles, a.invitationCount, a.latestInvite, resolver, now))
	}
	return summaries
}

func buildOne(siret string, cycles map[Cycle]*cycleView, invitationCount int, latestInvite *InvitationRecord, resolver Resolver, now time.Time) EstablishmentSummary {
	s := EstablishmentSummary{
		Siret:           siret,
		InvitationCount: invitationCount,
		RebuiltAt:       now,
	}

	var c3, c4 *BallotRecord
	if v := cycles[CycleC3]; v != nil {
		c3 = v.latest
		s.BallotCountC3 = v.count
	}
	if v := cycles[CycleC4]; v != nil {
		c4 = v.latest
		s.BallotCountC4 = v.count
	}

	s.HasC3 = c3 != nil
	s.HasC4 = c4 != nil
	switch {
	case s.HasC3 && s.HasC4:
		s.Presence = PresenceBoth
	case s.HasC3:
		s.Presence = PresenceC3
	case s.HasC4:
		s.Presence = PresenceC4
	default:
		s.Presence = PresenceNone
	}

	if c3 != nil {
		s.LastBallotC3 = c3.BallotDate
		s.SharesC3 = organizationShares(c3)
	}
	if c4 != nil {
		s.LastBallotC4 = c4.BallotDate
		s.SharesC4 = organizationShares(c4)
	}
	s.LastBallotAny = laterDate(s.LastBallotC3, s.LastBallotC4)

	if latestInvite != nil {
		d := latestInvite.InvitationDate
		s.LastInvitation = &d
	}
	s.HasInvitationMatch = latestInvite != nil && (s.HasC3 || s.HasC4)

	s.CompanyName = firstNonEmpty(
		ballotField(c4, func(b *BallotRecord) string { return b.CompanyName }),
		ballotField(c3, func(b *BallotRecord) string { return b.CompanyName }),
		inviteField(latestInvite, func(i *InvitationRecord) string { return i.CompanyName }),
	)
	s.Departement = firstNonEmpty(
		ballotField(c4, func(b *BallotRecord) string { return b.Departement }),
		ballotField(c3, func(b *BallotRecord) string { return b.Departement }),
		inviteField(latestInvite, func(i *InvitationRecord) string { return i.Departement }),
	)

	s.ResolvedFederation = firstNonEmpty(
		ballotField(c4, func(b *BallotRecord) string { return b.Federation }),
		ballotField(c3, func(b *BallotRecord) string { return b.Federation }),
		inviteField(latestInvite, func(i *InvitationRecord) string { return i.Federation }),
	)
	if s.ResolvedFederation == "" && resolver != nil {
		idcc := firstNonEmpty(
			ballotField(c4, func(b *BallotRecord) string { return b.IDCC }),
			ballotField(c3, func(b *BallotRecord) string { return b.IDCC }),
			inviteField(latestInvite, func(i *InvitationRecord) string { return i.IDCC }),
		)
		if label, ok := resolver.Resolve(idcc); ok {
			s.ResolvedFederation = label
		}
	}

	return s
}

// organizationShares computes percentage shares from one ballot. Returns
// nil when the valid-vote denominator is missing or zero.
func organizationShares(b *BallotRecord) map[Organization]decimal.Decimal {
	if b.ValidVotes == nil || *b.ValidVotes <= 0 || len(b.Votes) == 0 {
		return nil
	}
	denominator := decimal.NewFromInt(int64(*b.ValidVotes))
	hundred := decimal.NewFromInt(100)

	shares := make(map[Organization]decimal.Decimal, len(b.Votes))
	for org, votes := range b.Votes {
		if votes < 0 {
			continue
		}
		share := decimal.NewFromInt(int64(votes)).Mul(hundred).Div(denominator).Round(2)
		shares[org] = share
	}
	return shares
}

func laterDate(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Before(*b):
		return b
	default:
		return a
	}
}

func ballotField(b *BallotRecord, get func(*BallotRecord) string) string {
	if b == nil {
		return ""
	}
	return get(b)
}

func inviteField(i *InvitationRecord, get func(*InvitationRecord) string) string {
	if i == nil {
		return ""
	}
	return get(i)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
