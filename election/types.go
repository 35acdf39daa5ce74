/*
Package election provides the core domain model for the election-data
aggregation engine.

PURPOSE:
  This package contains the record types and pure algorithms shared by
  ingestion, summary building, enrichment and the HTTP layer. It has no
  persistence and no I/O: everything here is computable from its inputs.

KEY CONCEPTS IN THIS FILE (types.go):
  - BallotRecord: outcome of one election event at one establishment,
    keyed by (Siret, Cycle)
  - InvitationRecord: notice that an establishment must hold elections,
    keyed by (Siret, InvitationDate)
  - EstablishmentSummary: the derived one-row-per-establishment view,
    always reconstructible from the two source tables
  - Organization: the fixed list of candidate organizations

DESIGN PRINCIPLES:
  1. Derived data is disposable: EstablishmentSummary is never a source
     of truth and can be dropped and rebuilt at any time
  2. Presence over zero values: optional numeric fields are pointers so
     "absent" and "zero" stay distinguishable through an upsert
  3. Precision: percentage shares use decimal.Decimal, never float math

SEE ALSO:
  - apportion.go: Seat count band table and D'Hondt distribution
  - mapper.go: Majority-vote IDCC -> federation mapping
  - summary.go: Aggregation of source rows into summaries
*/
package election

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CYCLES
// =============================================================================

// Cycle is the recurring election-period classification a ballot belongs to.
type Cycle string

const (
	CycleC3 Cycle = "C3"
	CycleC4 Cycle = "C4"
)

// Cycles lists the cycles tracked by the engine, in chronological order.
var Cycles = []Cycle{CycleC3, CycleC4}

// ValidCycle reports whether c is one of the tracked cycles.
func ValidCycle(c Cycle) bool {
	return c == CycleC3 || c == CycleC4
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

// Organization identifies a candidate organization on a ballot.
type Organization string

const (
	OrgCGT   Organization = "CGT"
	OrgCFDT  Organization = "CFDT"
	OrgFO    Organization = "FO"
	OrgCFTC  Organization = "CFTC"
	OrgCGC   Organization = "CGC-CFE"
	OrgUNSA  Organization = "UNSA"
	OrgSUD   Organization = "SUD"
	OrgOther Organization = "Autres"
)

// Organizations is the fixed candidate list, in canonical column order.
var Organizations = []Organization{
	OrgCGT, OrgCFDT, OrgFO, OrgCFTC, OrgCGC, OrgUNSA, OrgSUD, OrgOther,
}

// =============================================================================
// SOURCE RECORDS
// =============================================================================

// BallotRecord is one election event at one establishment for one cycle.
// Natural key: (Siret, Cycle). Optional fields are pointers (or empty
// strings) so re-ingestion only overwrites what the new row actually
// carries.
type BallotRecord struct {
	Siret string
	Cycle Cycle

	BallotDate *time.Time

	Registered *int // inscrits
	Voters     *int // votants
	ValidVotes *int // suffrages valablement exprimés

	// Votes holds per-organization vote counts. Only organizations
	// present in the ingested row appear as keys.
	Votes map[Organization]int

	IDCC       string // primary classification code (collective agreement)
	Federation string // secondary classification label

	UD          string
	Departement string
	Region      string

	CompanyName string
	PostalCode  string
	City        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InvitationRecord is a notice that an establishment must organise
// elections. Natural key: (Siret, InvitationDate).
type InvitationRecord struct {
	Siret          string
	InvitationDate time.Time

	CompanyName string
	Departement string
	Federation  string

	// Enrichment fields, filled by the registry lookup.
	IDCC       string
	Address    string
	PostalCode string
	City       string
	EnrichedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// DERIVED SUMMARY
// =============================================================================

// Presence labels for EstablishmentSummary.Presence.
const (
	PresenceBoth Presence = "C3+C4"
	PresenceC3   Presence = "C3"
	PresenceC4   Presence = "C4"
	PresenceNone Presence = "none"
)

type Presence string

// EstablishmentSummary is the derived per-establishment row. It is owned
// exclusively by the summary builder and replaced atomically on rebuild.
type EstablishmentSummary struct {
	Siret string

	CompanyName string
	Departement string

	// ResolvedFederation is the first non-empty value across the latest
	// ballot federation, the latest invitation federation, and the
	// mapper-resolved federation for the latest known IDCC.
	ResolvedFederation string

	HasC3    bool
	HasC4    bool
	Presence Presence

	LastBallotC3   *time.Time
	LastBallotC4   *time.Time
	LastBallotAny  *time.Time
	LastInvitation *time.Time

	BallotCountC3   int
	BallotCountC4   int
	InvitationCount int

	// SharesC3/SharesC4 hold per-organization percentage shares from the
	// most recent ballot of each cycle. An organization is absent from
	// the map when its vote count or the valid-vote denominator is
	// missing; a nil map means no usable ballot for that cycle.
	SharesC3 map[Organization]decimal.Decimal
	SharesC4 map[Organization]decimal.Decimal

	// HasInvitationMatch is true when the establishment has both an
	// invitation and at least one ballot.
	HasInvitationMatch bool

	RebuiltAt time.Time
}

// =============================================================================
// GLOBAL STATISTICS
// =============================================================================

// GlobalStats is the cross-table statistics snapshot served by the API.
type GlobalStats struct {
	DistinctEstablishments int `json:"distinct_establishments"`
	InvitationRows         int `json:"invitation_rows"`
	InvitationSirets       int `json:"invitation_sirets"`
	BallotC3Rows           int `json:"ballot_c3_rows"`
	BallotC3Sirets         int `json:"ballot_c3_sirets"`
	BallotC4Rows           int `json:"ballot_c4_rows"`
	BallotC4Sirets         int `json:"ballot_c4_sirets"`
	MatchInvitationC3      int `json:"match_invitation_c3"`
	MatchInvitationC4      int `json:"match_invitation_c4"`
}
