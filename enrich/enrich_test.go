package enrich_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrutin/election-engine/election"
	"github.com/scrutin/election-engine/enrich"
	"github.com/scrutin/election-engine/registry"
	"github.com/scrutin/election-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// fakeClient serves canned answers per id and records call order.
type fakeClient struct {
	records map[string]*registry.Record
	errs    map[string]error
	calls   []string
}

func (f *fakeClient) GetRecord(ctx context.Context, siret string) (*registry.Record, error) {
	f.calls = append(f.calls, siret)
	if err, ok := f.errs[siret]; ok {
		return nil, err
	}
	return f.records[siret], nil
}

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedInvitation(t *testing.T, store *sqlite.Store, siret, date string) {
	day, err := time.Parse("2006-01-02", date)
	require.NoError(t, err)
	_, err = store.UpsertInvitation(context.Background(), election.InvitationRecord{
		Siret:          siret,
		InvitationDate: day,
		CompanyName:    "ACME SAS",
	})
	require.NoError(t, err)
}

func foundRecord(siret, idcc string) *registry.Record {
	return &registry.Record{
		Siret:      siret,
		IDCC:       idcc,
		Address:    "12 RUE DE LA PAIX",
		PostalCode: "75002",
		City:       "PARIS",
	}
}

// =============================================================================
// RUN TESTS
// =============================================================================

func TestRunner_EnrichesMissingInvitations(t *testing.T) {
	// GIVEN: Two invitations without a convention code
	store := newTestStore(t)
	seedInvitation(t, store, "11111111111111", "2023-01-15")
	seedInvitation(t, store, "22222222222222", "2023-02-20")
	client := &fakeClient{records: map[string]*registry.Record{
		"11111111111111": foundRecord("11111111111111", "1486"),
		"22222222222222": foundRecord("22222222222222", "2120"),
	}}
	runner := enrich.NewRunner(store, client)

	// WHEN: Running enrichment
	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	// THEN: Both rows carry the registry data and leave the candidate set
	assert.Equal(t, enrich.Result{Total: 2, Enriched: 2}, result)

	day, _ := time.Parse("2006-01-02", "2023-01-15")
	got, err := store.GetInvitation(context.Background(), "11111111111111", day)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1486", got.IDCC)
	assert.Equal(t, "12 RUE DE LA PAIX", got.Address)
	require.NotNil(t, got.EnrichedAt)
	assert.Equal(t, "ACME SAS", got.CompanyName)

	missing, err := store.InvitationsMissingIDCC(context.Background())
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestRunner_NotFoundContinuesLoop(t *testing.T) {
	// GIVEN: A missing establishment between two known ones
	store := newTestStore(t)
	seedInvitation(t, store, "11111111111111", "2023-01-15")
	seedInvitation(t, store, "22222222222222", "2023-02-20")
	seedInvitation(t, store, "33333333333333", "2023-03-25")
	client := &fakeClient{records: map[string]*registry.Record{
		"11111111111111": foundRecord("11111111111111", "1486"),
		// 22222222222222 resolves to nil: definitive not-found
		"33333333333333": foundRecord("33333333333333", "2120"),
	}}
	runner := enrich.NewRunner(store, client)

	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, enrich.Result{Total: 3, Enriched: 2, NotFound: 1}, result)
	assert.Equal(t, []string{"11111111111111", "22222222222222", "33333333333333"}, client.calls)
}

func TestRunner_TransportFailuresCountedLoopContinues(t *testing.T) {
	store := newTestStore(t)
	seedInvitation(t, store, "11111111111111", "2023-01-15")
	seedInvitation(t, store, "22222222222222", "2023-02-20")
	client := &fakeClient{
		records: map[string]*registry.Record{
			"22222222222222": foundRecord("22222222222222", "2120"),
		},
		errs: map[string]error{
			"11111111111111": election.ErrRegistryUnavailable,
		},
	}
	runner := enrich.NewRunner(store, client)

	result, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, enrich.Result{Total: 2, Enriched: 1, Failed: 1}, result)
}

func TestRunner_AuthFailureAbortsRun(t *testing.T) {
	// GIVEN: A registry rejecting the shared secret
	store := newTestStore(t)
	seedInvitation(t, store, "11111111111111", "2023-01-15")
	seedInvitation(t, store, "22222222222222", "2023-02-20")
	client := &fakeClient{errs: map[string]error{
		"11111111111111": election.ErrRegistryAuth,
		"22222222222222": election.ErrRegistryAuth,
	}}
	runner := enrich.NewRunner(store, client)

	// WHEN: Running
	_, err := runner.Run(context.Background())

	// THEN: The run aborts after the first item instead of burning budget
	require.Error(t, err)
	assert.ErrorIs(t, err, election.ErrRegistryAuth)
	assert.Len(t, client.calls, 1)
}

func TestRunner_OneLookupPerEstablishment(t *testing.T) {
	// GIVEN: Two invitation rows sharing one establishment
	store := newTestStore(t)
	seedInvitation(t, store, "11111111111111", "2023-01-15")
	seedInvitation(t, store, "11111111111111", "2023-06-10")
	client := &fakeClient{records: map[string]*registry.Record{
		"11111111111111": foundRecord("11111111111111", "1486"),
	}}
	runner := enrich.NewRunner(store, client)

	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	// THEN: One registry call enriches both rows
	assert.Equal(t, enrich.Result{Total: 2, Enriched: 2}, result)
	assert.Len(t, client.calls, 1)
}

func TestRunner_CancellationStopsBetweenItems(t *testing.T) {
	store := newTestStore(t)
	seedInvitation(t, store, "11111111111111", "2023-01-15")
	seedInvitation(t, store, "22222222222222", "2023-02-20")

	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{records: map[string]*registry.Record{
		"11111111111111": foundRecord("11111111111111", "1486"),
	}}
	// Cancel after the first lookup
	cancelling := &cancellingClient{inner: client, cancel: cancel}
	runner := enrich.NewRunner(store, cancelling)

	result, err := runner.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, result.Enriched)
	assert.Len(t, client.calls, 1)
}

type cancellingClient struct {
	inner  *fakeClient
	cancel context.CancelFunc
}

func (c *cancellingClient) GetRecord(ctx context.Context, siret string) (*registry.Record, error) {
	record, err := c.inner.GetRecord(ctx, siret)
	c.cancel()
	return record, err
}

func TestRunner_FoundWithoutCodeKeepsAddressCountsNotFound(t *testing.T) {
	// GIVEN: An establishment known to the registry but with no declared
	// convention
	store := newTestStore(t)
	seedInvitation(t, store, "11111111111111", "2023-01-15")
	client := &fakeClient{records: map[string]*registry.Record{
		"11111111111111": foundRecord("11111111111111", ""),
	}}
	runner := enrich.NewRunner(store, client)

	result, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, enrich.Result{Total: 1, NotFound: 1}, result)

	// The address still lands, the row stays an enrichment candidate
	day, _ := time.Parse("2006-01-02", "2023-01-15")
	got, err := store.GetInvitation(context.Background(), "11111111111111", day)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "12 RUE DE LA PAIX", got.Address)
	assert.Empty(t, got.IDCC)
}
