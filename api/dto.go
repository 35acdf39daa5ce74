/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Summaries:
    SummaryDTO, SummaryListDTO

  Tasks:
    TaskLaunchDTO, TaskRunDTO

  Mapping:
    MappingStatsDTO

  Apportionment:
    ApportionRequest, ApportionDTO

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - election: the domain types these project
*/
package api

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/scrutin/election-engine/election"
	"github.com/scrutin/election-engine/tasks"
)

// =============================================================================
// SUMMARY TYPES
// =============================================================================

// SummaryDTO represents one derived establishment row in API responses.
// Percentage shares are serialized as decimal strings to avoid float
// drift on the wire.
type SummaryDTO struct {
	Siret              string            `json:"siret"`
	CompanyName        string            `json:"company_name,omitempty"`
	Departement        string            `json:"departement,omitempty"`
	ResolvedFederation string            `json:"resolved_federation,omitempty"`
	Presence           string            `json:"presence"`
	HasC3              bool              `json:"has_c3"`
	HasC4              bool              `json:"has_c4"`
	LastBallotC3       string            `json:"last_ballot_c3,omitempty"`
	LastBallotC4       string            `json:"last_ballot_c4,omitempty"`
	LastBallotAny      string            `json:"last_ballot_any,omitempty"`
	LastInvitation     string            `json:"last_invitation,omitempty"`
	BallotCountC3      int               `json:"ballot_count_c3"`
	BallotCountC4      int               `json:"ballot_count_c4"`
	InvitationCount    int               `json:"invitation_count"`
	SharesC3           map[string]string `json:"shares_c3,omitempty"`
	SharesC4           map[string]string `json:"shares_c4,omitempty"`
	HasInvitationMatch bool              `json:"has_invitation_match"`
	RebuiltAt          string            `json:"rebuilt_at"`
}

// SummaryListDTO wraps a summary page with its count.
type SummaryListDTO struct {
	Count     int          `json:"count"`
	Summaries []SummaryDTO `json:"summaries"`
}

// =============================================================================
// TASK TYPES
// =============================================================================

// TaskLaunchDTO is the immediate response to an async trigger.
type TaskLaunchDTO struct {
	Status string `json:"status"` // started | already_running
	TaskID string `json:"task_id"`
}

// TaskRunDTO represents a task run in API responses.
type TaskRunDTO struct {
	TaskID      string          `json:"task_id"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status"`
	StartedAt   string          `json:"started_at"`
	CompletedAt string          `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func toTaskRunDTO(run *tasks.Run) TaskRunDTO {
	dto := TaskRunDTO{
		TaskID:      run.TaskID,
		Description: run.Description,
		Status:      string(run.Status),
		StartedAt:   run.StartedAt.UTC().Format(timestampFormat),
		Result:      run.Result,
		Error:       run.Error,
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.UTC().Format(timestampFormat)
	}
	return dto
}

// =============================================================================
// MAPPING TYPES
// =============================================================================

// MappingRebuildDTO is the response to a mapping rebuild.
type MappingRebuildDTO struct {
	Codes        int `json:"codes"`
	Observations int `json:"observations"`
}

// MappingStatsDTO describes the currently built mapping.
type MappingStatsDTO struct {
	Codes  int               `json:"codes"`
	Sample map[string]string `json:"sample,omitempty"`
}

// =============================================================================
// APPORTIONMENT TYPES
// =============================================================================

// ApportionRequest asks for a seat distribution. Exactly one of
// Headcount or TotalSeats drives the seat total; Headcount wins when
// both are present.
type ApportionRequest struct {
	Headcount  *int           `json:"headcount,omitempty"`
	TotalSeats *int           `json:"total_seats,omitempty"`
	Votes      map[string]int `json:"votes"`
}

// ApportionDTO is the computed seat distribution.
type ApportionDTO struct {
	TotalSeats int            `json:"total_seats"`
	TotalVotes int            `json:"total_votes"`
	SeatsByOrg map[string]int `json:"seats_by_org"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

const (
	timestampFormat = "2006-01-02T15:04:05Z07:00"
	dayFormat       = "2006-01-02"
)

func toSummaryDTO(s election.EstablishmentSummary) SummaryDTO {
	dto := SummaryDTO{
		Siret:              s.Siret,
		CompanyName:        s.CompanyName,
		Departement:        s.Departement,
		ResolvedFederation: s.ResolvedFederation,
		Presence:           string(s.Presence),
		HasC3:              s.HasC3,
		HasC4:              s.HasC4,
		BallotCountC3:      s.BallotCountC3,
		BallotCountC4:      s.BallotCountC4,
		InvitationCount:    s.InvitationCount,
		SharesC3:           sharesToStrings(s.SharesC3),
		SharesC4:           sharesToStrings(s.SharesC4),
		HasInvitationMatch: s.HasInvitationMatch,
		RebuiltAt:          s.RebuiltAt.UTC().Format(timestampFormat),
	}
	if s.LastBallotC3 != nil {
		dto.LastBallotC3 = s.LastBallotC3.Format(dayFormat)
	}
	if s.LastBallotC4 != nil {
		dto.LastBallotC4 = s.LastBallotC4.Format(dayFormat)
	}
	if s.LastBallotAny != nil {
		dto.LastBallotAny = s.LastBallotAny.Format(dayFormat)
	}
	if s.LastInvitation != nil {
		dto.LastInvitation = s.LastInvitation.Format(dayFormat)
	}
	return dto
}

func sharesToStrings(shares map[election.Organization]decimal.Decimal) map[string]string {
	if len(shares) == 0 {
		return nil
	}
	out := make(map[string]string, len(shares))
	for org, share := range shares {
		out[string(org)] = share.String()
	}
	return out
}
