/*
Package enrich completes invitation records from the external registry.

PURPOSE:
  Invitations arrive without a convention code. The runner walks every
  invitation still missing one, asks the registry for the establishment
  record, and writes back the code plus address data and an enrichment
  timestamp.

SEQUENTIAL BY DESIGN:
  The registry budget is a fixed sliding window shared by the whole
  process. Parallel lookups would only contend for the same budget, so
  the loop is sequential and checks ctx between items; a cancelled run
  stops cleanly at the next item boundary.

FAILURE POLICY:
  A definitive not-found continues the loop (absence is data). Transport
  and throttling failures that survive the client's internal retries are
  counted per item and the loop continues. Only an authorization failure
  aborts the run, since every remaining lookup would fail the same way.

SEE ALSO:
  - registry: the rate-limited client
  - store/sqlite: candidate query and write-back
*/
package enrich

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/scrutin/election-engine/election"
	"github.com/scrutin/election-engine/registry"
)

// Client is the registry lookup the runner depends on.
type Client interface {
	GetRecord(ctx context.Context, siret string) (*registry.Record, error)
}

// Store is the persistence the runner reads candidates from and writes
// enrichment back to.
type Store interface {
	InvitationsMissingIDCC(ctx context.Context) ([]election.InvitationRecord, error)
	SetInvitationEnrichment(ctx context.Context, siret string, date time.Time, idcc, address, postalCode, city string, enrichedAt time.Time) error
}

// Result is the payload of one enrichment run.
type Result struct {
	Total    int `json:"total"`
	Enriched int `json:"enriched"`
	NotFound int `json:"not_found"`
	Failed   int `json:"failed"`
}

// Runner performs one bulk enrichment pass.
type Runner struct {
	store  Store
	client Client
	now    func() time.Time
}

// NewRunner creates a runner over the given store and registry client.
func NewRunner(store Store, client Client) *Runner {
	return &Runner{store: store, client: client, now: time.Now}
}

const progressEvery = 50

// Run enriches every invitation missing a convention code. The returned
// result is valid even on error and reflects the work done so far.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	candidates, err := r.store.InvitationsMissingIDCC(ctx)
	if err != nil {
		return Result{}, err
	}

	result := Result{Total: len(candidates)}
	log.Printf("[Enrich] Starting run: %d invitation(s) missing a convention code", result.Total)

	// One registry call per establishment, even when several invitation
	// rows share the id
	records := map[string]*registry.Record{}
	failures := map[string]bool{}

	for i, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			log.Printf("[Enrich] Run cancelled after %d of %d item(s)", i, result.Total)
			return result, err
		}
		if i > 0 && i%progressEvery == 0 {
			log.Printf("[Enrich] Progress: %d/%d (enriched %d, not found %d, failed %d)",
				i, result.Total, result.Enriched, result.NotFound, result.Failed)
		}

		record, cached := records[candidate.Siret]
		if !cached {
			if failures[candidate.Siret] {
				result.Failed++
				continue
			}
			record, err = r.client.GetRecord(ctx, candidate.Siret)
			if err != nil {
				if errors.Is(err, election.ErrRegistryAuth) {
					log.Printf("[Enrich] Aborting run: %v", err)
					return result, err
				}
				log.Printf("[Enrich] Lookup failed for %s: %v", candidate.Siret, err)
				failures[candidate.Siret] = true
				result.Failed++
				continue
			}
			records[candidate.Siret] = record
		}

		if record == nil || record.IDCC == "" {
			// No enrichment available; keep the address data when the
			// establishment itself was found
			if record != nil {
				if err := r.writeBack(ctx, candidate, record); err != nil {
					result.Failed++
					continue
				}
			}
			result.NotFound++
			continue
		}

		if err := r.writeBack(ctx, candidate, record); err != nil {
			log.Printf("[Enrich] Write-back failed for %s: %v", candidate.Siret, err)
			result.Failed++
			continue
		}
		result.Enriched++
	}

	log.Printf("[Enrich] Run finished: enriched %d, not found %d, failed %d of %d",
		result.Enriched, result.NotFound, result.Failed, result.Total)
	return result, nil
}

func (r *Runner) writeBack(ctx context.Context, candidate election.InvitationRecord, record *registry.Record) error {
	return r.store.SetInvitationEnrichment(ctx,
		candidate.Siret, candidate.InvitationDate,
		record.IDCC, record.Address, record.PostalCode, record.City,
		r.now().UTC())
}
