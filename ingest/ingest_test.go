package ingest_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrutin/election-engine/election"
	"github.com/scrutin/election-engine/ingest"
	"github.com/scrutin/election-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T) (*ingest.Engine, *sqlite.Store, *election.Mapper) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mapper := election.NewMapper()
	return ingest.NewEngine(store, mapper), store, mapper
}

// =============================================================================
// BALLOT INGESTION TESTS
// =============================================================================

func TestIngest_Ballots_ParsesAndUpserts(t *testing.T) {
	// GIVEN: A ballot file with aliased headers and messy values
	engine, store, _ := newTestEngine(t)
	input := strings.Join([]string{
		"siret,cycle,date pv,inscrits,votants,sve,cgt,cfdt,fo,idcc,fd,ville",
		"12345678901234,C4,12/05/2022,120,95,90,40,30,20,1486,FD-METAUX,PARIS",
		"123,Cycle 3,2021-03-01,\"1 200\",\"950,0\",900,500,,,,,LYON",
	}, "\n")

	// WHEN: Ingesting
	report, err := engine.Ingest(context.Background(), strings.NewReader(input), ingest.KindBallots)
	require.NoError(t, err)

	// THEN: Both rows land, messy values normalized
	assert.Equal(t, 2, report.RowsSeen)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 0, report.Updated)
	assert.Empty(t, report.Skipped)

	first, err := store.GetBallot(context.Background(), "12345678901234", election.CycleC4)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "2022-05-12", first.BallotDate.Format("2006-01-02"))
	assert.Equal(t, 40, first.Votes[election.OrgCGT])
	assert.Equal(t, "1486", first.IDCC)
	assert.Equal(t, "FD-METAUX", first.Federation)
	assert.Equal(t, "PARIS", first.City)

	// Short id zero-padded, thousands separator and comma decimal parsed
	second, err := store.GetBallot(context.Background(), "00000000000123", election.CycleC3)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NotNil(t, second.Registered)
	assert.Equal(t, 1200, *second.Registered)
	require.NotNil(t, second.Voters)
	assert.Equal(t, 950, *second.Voters)
	assert.Equal(t, 500, second.Votes[election.OrgCGT])
	_, hasCFDT := second.Votes[election.OrgCFDT]
	assert.False(t, hasCFDT)
}

func TestIngest_Ballots_SemicolonDelimiter(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	input := "siret;cycle;inscrits\n12345678901234;C4;120\n"

	report, err := engine.Ingest(context.Background(), strings.NewReader(input), ingest.KindBallots)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)

	got, err := store.GetBallot(context.Background(), "12345678901234", election.CycleC4)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Registered)
	assert.Equal(t, 120, *got.Registered)
}

func TestIngest_IdenticalRowTwice_ZeroNetChange(t *testing.T) {
	// GIVEN: A file ingested once
	engine, store, _ := newTestEngine(t)
	input := "siret,cycle,inscrits\n12345678901234,C4,120\n"
	ctx := context.Background()

	_, err := engine.Ingest(ctx, strings.NewReader(input), ingest.KindBallots)
	require.NoError(t, err)

	// WHEN: Ingesting the identical file again
	report, err := engine.Ingest(ctx, strings.NewReader(input), ingest.KindBallots)
	require.NoError(t, err)

	// THEN: The row counts as an update and the table does not grow
	assert.Equal(t, 0, report.Inserted)
	assert.Equal(t, 1, report.Updated)

	count, err := store.CountBallots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestIngest_ReingestUpdatesOnlyPresentFields(t *testing.T) {
	// GIVEN: A full row already stored
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	full := "siret,cycle,inscrits,votants,idcc,ville\n12345678901234,C4,120,95,1486,PARIS\n"
	_, err := engine.Ingest(ctx, strings.NewReader(full), ingest.KindBallots)
	require.NoError(t, err)

	// WHEN: Re-ingesting with only one changed field present
	sparse := "siret,cycle,ville\n12345678901234,C4,LYON\n"
	_, err = engine.Ingest(ctx, strings.NewReader(sparse), ingest.KindBallots)
	require.NoError(t, err)

	// THEN: The changed field updates, everything else survives
	got, err := store.GetBallot(ctx, "12345678901234", election.CycleC4)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "LYON", got.City)
	assert.Equal(t, "1486", got.IDCC)
	require.NotNil(t, got.Registered)
	assert.Equal(t, 120, *got.Registered)
	require.NotNil(t, got.Voters)
	assert.Equal(t, 95, *got.Voters)
}

// =============================================================================
// ROW-LEVEL ERROR TESTS
// =============================================================================

func TestIngest_MalformedRowsSkippedBatchContinues(t *testing.T) {
	// GIVEN: A file mixing good and bad rows
	engine, store, _ := newTestEngine(t)
	input := strings.Join([]string{
		"siret,cycle,date pv,inscrits",
		"12345678901234,C4,2022-05-12,120",
		"not-a-number,C4,2022-05-12,120",
		"22222222222222,C7,2022-05-12,120",
		"33333333333333,C3,someday,120",
		"44444444444444,C3,2022-05-12,abc",
		"55555555555555,C3,2022-05-12,80",
	}, "\n")

	// WHEN: Ingesting
	report, err := engine.Ingest(context.Background(), strings.NewReader(input), ingest.KindBallots)
	require.NoError(t, err)

	// THEN: Bad rows are itemized with row number and blamed field
	assert.Equal(t, 6, report.RowsSeen)
	assert.Equal(t, 2, report.Inserted)
	require.Len(t, report.Skipped, 4)
	assert.Equal(t, 3, report.Skipped[0].Row)
	assert.Contains(t, report.Skipped[0].Reason, "siret")
	assert.Contains(t, report.Skipped[1].Reason, "cycle")
	assert.Contains(t, report.Skipped[2].Reason, "ballot_date")
	assert.Contains(t, report.Skipped[3].Reason, "registered")

	count, err := store.CountBallots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestIngest_StructuralFailuresAbort(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Empty input
	_, err := engine.Ingest(ctx, strings.NewReader(""), ingest.KindBallots)
	assert.ErrorIs(t, err, election.ErrStructuralInput)

	// Header without the id column
	_, err = engine.Ingest(ctx, strings.NewReader("cycle,inscrits\nC4,120\n"), ingest.KindBallots)
	assert.ErrorIs(t, err, election.ErrStructuralInput)

	// Ballot file lacking the cycle column
	_, err = engine.Ingest(ctx, strings.NewReader("siret\n12345678901234\n"), ingest.KindBallots)
	assert.ErrorIs(t, err, election.ErrStructuralInput)
}

// =============================================================================
// INVITATION INGESTION TESTS
// =============================================================================

func TestIngest_Invitations_ParsesAndUpserts(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	input := strings.Join([]string{
		"siret,date invitation,raison sociale,adresse,code postal,ville",
		"12345678901234,15/01/2023,ACME SAS,12 RUE DE LA PAIX,75002,PARIS",
	}, "\n")

	report, err := engine.Ingest(context.Background(), strings.NewReader(input), ingest.KindInvitations)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)

	list, err := store.ListInvitations(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "12345678901234", list[0].Siret)
	assert.Equal(t, "2023-01-15", list[0].InvitationDate.Format("2006-01-02"))
	assert.Equal(t, "ACME SAS", list[0].CompanyName)
	assert.Equal(t, "12 RUE DE LA PAIX", list[0].Address)
}

func TestIngest_Invitations_MissingDateSkipsRow(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	input := "siret,invitation_date\n12345678901234,\n"

	report, err := engine.Ingest(context.Background(), strings.NewReader(input), ingest.KindInvitations)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Inserted)
	require.Len(t, report.Skipped, 1)
	assert.Contains(t, report.Skipped[0].Reason, "invitation_date")
}

// =============================================================================
// MAPPER BACKFILL TESTS
// =============================================================================

func TestIngest_BackfillsFederationFromMapper(t *testing.T) {
	// GIVEN: A mapper that knows code 1486
	engine, store, mapper := newTestEngine(t)
	mapper.Rebuild([]election.CodePair{{Code: "1486", Label: "FD-METAUX"}})
	ctx := context.Background()

	// WHEN: Ingesting a ballot with the code but no federation
	input := "siret,cycle,idcc\n12345678901234,C4,1486\n"
	_, err := engine.Ingest(ctx, strings.NewReader(input), ingest.KindBallots)
	require.NoError(t, err)

	// THEN: The federation is filled in from the mapping
	got, err := store.GetBallot(ctx, "12345678901234", election.CycleC4)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "FD-METAUX", got.Federation)
}

func TestIngest_BackfillNeverOverwritesExistingFederation(t *testing.T) {
	// GIVEN: A stored ballot that already names its federation
	engine, store, mapper := newTestEngine(t)
	mapper.Rebuild([]election.CodePair{{Code: "1486", Label: "FD-MAPPED"}})
	ctx := context.Background()

	full := "siret,cycle,idcc,fd\n12345678901234,C4,1486,FD-ORIGINAL\n"
	_, err := engine.Ingest(ctx, strings.NewReader(full), ingest.KindBallots)
	require.NoError(t, err)

	// WHEN: Re-ingesting without the federation column
	sparse := "siret,cycle,idcc\n12345678901234,C4,1486\n"
	_, err = engine.Ingest(ctx, strings.NewReader(sparse), ingest.KindBallots)
	require.NoError(t, err)

	// THEN: The original value stands
	got, err := store.GetBallot(ctx, "12345678901234", election.CycleC4)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "FD-ORIGINAL", got.Federation)
}

func TestParseKind(t *testing.T) {
	kind, err := ingest.ParseKind("ballots")
	require.NoError(t, err)
	assert.Equal(t, ingest.KindBallots, kind)

	kind, err = ingest.ParseKind(" Invitations ")
	require.NoError(t, err)
	assert.Equal(t, ingest.KindInvitations, kind)

	_, err = ingest.ParseKind("pamphlets")
	assert.ErrorIs(t, err, election.ErrValidation)
}
