/*
Package sqlite provides the SQLite-backed persistence for the election
engine.

PURPOSE:
  One store for everything the single-node engine persists:
  - ballot_records / invitation_records: the two raw source tables,
    upserted by natural key, never deleted by the core
  - establishment_summaries: the derived table, owned by the summary
    builder and replaced atomically on rebuild
  - task_runs: background task bookkeeping
  - rebuild_meta: the incremental-rebuild watermark

UPSERT SEMANTICS:
  Re-ingesting a row with an existing natural key merges field by field:
  only values present in the new row overwrite, everything else is
  preserved. The merge runs inside a transaction (read-merge-write).

ATOMIC REBUILD:
  ReplaceSummaries and UpsertSummaries each run in a single transaction.
  A crash mid-rebuild rolls back and leaves the previous derived table
  intact; a half-written summary table cannot be observed.

TASK CHECK-AND-SET:
  task_runs carries a partial unique index on (task_id) WHERE
  status = 'running'. The INSERT either wins or fails with a constraint
  violation, surfaced as election.ErrTaskAlreadyRunning. This is the
  race-free create-if-absent the task tracker relies on.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) so status polling and
  summary reads do not block ingestion writes.

USAGE:
  store, err := sqlite.New("./data/elections.db")  // ":memory:" for tests
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - election: record types and the summary aggregation
  - tasks: Tracker, consuming the task_runs methods
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/scrutin/election-engine/election"
	"github.com/scrutin/election-engine/tasks"
	"github.com/shopspring/decimal"
)

const dayFormat = "2006-01-02"

// Store implements all persistence for the engine.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a store at the given path. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Each pooled connection to :memory: would get its own database.
	if strings.Contains(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Source table: one row per (establishment, cycle)
	CREATE TABLE IF NOT EXISTS ballot_records (
		siret TEXT NOT NULL,
		cycle TEXT NOT NULL,
		ballot_date TEXT,
		registered INTEGER,
		voters INTEGER,
		valid_votes INTEGER,
		votes_json TEXT,
		idcc TEXT NOT NULL DEFAULT '',
		federation TEXT NOT NULL DEFAULT '',
		ud TEXT NOT NULL DEFAULT '',
		departement TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		company_name TEXT NOT NULL DEFAULT '',
		postal_code TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (siret, cycle)
	);

	CREATE INDEX IF NOT EXISTS idx_ballot_records_updated_at
		ON ballot_records(updated_at);
	CREATE INDEX IF NOT EXISTS idx_ballot_records_idcc
		ON ballot_records(idcc) WHERE idcc != '';

	-- Source table: one row per (establishment, invitation date)
	CREATE TABLE IF NOT EXISTS invitation_records (
		siret TEXT NOT NULL,
		invitation_date TEXT NOT NULL,
		company_name TEXT NOT NULL DEFAULT '',
		departement TEXT NOT NULL DEFAULT '',
		federation TEXT NOT NULL DEFAULT '',
		idcc TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		postal_code TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		enriched_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (siret, invitation_date)
	);

	CREATE INDEX IF NOT EXISTS idx_invitation_records_updated_at
		ON invitation_records(updated_at);
	CREATE INDEX IF NOT EXISTS idx_invitation_records_missing_idcc
		ON invitation_records(siret) WHERE idcc = '';

	-- Derived table: owned by the summary builder, replaced atomically
	CREATE TABLE IF NOT EXISTS establishment_summaries (
		siret TEXT PRIMARY KEY,
		company_name TEXT NOT NULL DEFAULT '',
		departement TEXT NOT NULL DEFAULT '',
		resolved_federation TEXT NOT NULL DEFAULT '',
		has_c3 INTEGER NOT NULL DEFAULT 0,
		has_c4 INTEGER NOT NULL DEFAULT 0,
		presence TEXT NOT NULL DEFAULT 'none',
		last_ballot_c3 TEXT,
		last_ballot_c4 TEXT,
		last_ballot_any TEXT,
		last_invitation TEXT,
		ballot_count_c3 INTEGER NOT NULL DEFAULT 0,
		ballot_count_c4 INTEGER NOT NULL DEFAULT 0,
		invitation_count INTEGER NOT NULL DEFAULT 0,
		shares_c3_json TEXT,
		shares_c4_json TEXT,
		has_invitation_match INTEGER NOT NULL DEFAULT 0,
		rebuilt_at TEXT NOT NULL
	);

	-- Background task runs
	CREATE TABLE IF NOT EXISTS task_runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		result_json TEXT,
		error TEXT NOT NULL DEFAULT ''
	);

	-- CRITICAL: at most one running run per task id, enforced by the
	-- database so concurrent starts cannot both win
	CREATE UNIQUE INDEX IF NOT EXISTS idx_task_runs_single_running
		ON task_runs(task_id) WHERE status = 'running';
	CREATE INDEX IF NOT EXISTS idx_task_runs_task_started
		ON task_runs(task_id, started_at);

	-- Incremental rebuild watermark (single row)
	CREATE TABLE IF NOT EXISTS rebuild_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		rebuilt_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BALLOT RECORDS
// =============================================================================

// UpsertBallot inserts or merges a ballot row by its natural key
// (siret, cycle). Only fields present in the incoming record overwrite
// stored values; the per-organization vote map is merged key by key.
// Returns true when a new row was inserted.
func (s *Store) UpsertBallot(ctx context.Context, rec election.BallotRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	existing, err := getBallot(ctx, tx, rec.Siret, rec.Cycle)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	inserted := existing == nil
	if existing == nil {
		rec.CreatedAt = now
	} else {
		rec = mergeBallot(*existing, rec)
	}
	rec.UpdatedAt = now

	votesJSON, err := marshalVotes(rec.Votes)
	if err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ballot_records (
			siret, cycle, ballot_date, registered, voters, valid_votes, votes_json,
			idcc, federation, ud, departement, region,
			company_name, postal_code, city, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(siret, cycle) DO UPDATE SET
			ballot_date = excluded.ballot_date,
			registered = excluded.registered,
			voters = excluded.voters,
			valid_votes = excluded.valid_votes,
			votes_json = excluded.votes_json,
			idcc = excluded.idcc,
			federation = excluded.federation,
			ud = excluded.ud,
			departement = excluded.departement,
			region = excluded.region,
			company_name = excluded.company_name,
			postal_code = excluded.postal_code,
			city = excluded.city,
			updated_at = excluded.updated_at
	`,
		rec.Siret, string(rec.Cycle), nullDay(rec.BallotDate),
		nullInt(rec.Registered), nullInt(rec.Voters), nullInt(rec.ValidVotes), votesJSON,
		rec.IDCC, rec.Federation, rec.UD, rec.Departement, rec.Region,
		rec.CompanyName, rec.PostalCode, rec.City,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	return inserted, tx.Commit()
}

// mergeBallot overlays the fields present in update onto base.
func mergeBallot(base, update election.BallotRecord) election.BallotRecord {
	merged := base
	if update.BallotDate != nil {
		merged.BallotDate = update.BallotDate
	}
	if update.Registered != nil {
		merged.Registered = update.Registered
	}
	if update.Voters != nil {
		merged.Voters = update.Voters
	}
	if update.ValidVotes != nil {
		merged.ValidVotes = update.ValidVotes
	}
	if len(update.Votes) > 0 {
		if merged.Votes == nil {
			merged.Votes = map[election.Organization]int{}
		}
		for org, votes := range update.Votes {
			merged.Votes[org] = votes
		}
	}
	merged.IDCC = override(base.IDCC, update.IDCC)
	merged.Federation = override(base.Federation, update.Federation)
	merged.UD = override(base.UD, update.UD)
	merged.Departement = override(base.Departement, update.Departement)
	merged.Region = override(base.Region, update.Region)
	merged.CompanyName = override(base.CompanyName, update.CompanyName)
	merged.PostalCode = override(base.PostalCode, update.PostalCode)
	merged.City = override(base.City, update.City)
	return merged
}

// GetBallot returns the row for a natural key, or nil when absent.
func (s *Store) GetBallot(ctx context.Context, siret string, cycle election.Cycle) (*election.BallotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBallot(ctx, s.db, siret, cycle)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getBallot(ctx context.Context, q querier, siret string, cycle election.Cycle) (*election.BallotRecord, error) {
	records, err := queryBallots(ctx, q,
		ballotColumns+` FROM ballot_records WHERE siret = ? AND cycle = ?`, siret, string(cycle))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// CountBallots returns the number of ballot rows.
func (s *Store) CountBallots(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ballot_records`).Scan(&count)
	return count, err
}

// ListBallots returns every ballot row, ordered by natural key.
func (s *Store) ListBallots(ctx context.Context) ([]election.BallotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryBallots(ctx, s.db, ballotColumns+` FROM ballot_records ORDER BY siret, cycle`)
}

// ListBallotsForSirets returns ballot rows for the given establishments.
func (s *Store) ListBallotsForSirets(ctx context.Context, sirets []string) ([]election.BallotRecord, error) {
	if len(sirets) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := ballotColumns + ` FROM ballot_records WHERE siret IN (` + placeholders(len(sirets)) + `) ORDER BY siret, cycle`
	return queryBallots(ctx, s.db, query, stringArgs(sirets)...)
}

// CodePairs returns every (idcc, federation) observation from ballots
// carrying both values, for the cross-reference mapper.
func (s *Store) CodePairs(ctx context.Context) ([]election.CodePair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT idcc, federation FROM ballot_records
		WHERE idcc != '' AND federation != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []election.CodePair
	for rows.Next() {
		var p election.CodePair
		if err := rows.Scan(&p.Code, &p.Label); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

const ballotColumns = `SELECT siret, cycle, ballot_date, registered, voters, valid_votes, votes_json,
	idcc, federation, ud, departement, region, company_name, postal_code, city, created_at, updated_at`

func queryBallots(ctx context.Context, q querier, query string, args ...any) ([]election.BallotRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []election.BallotRecord
	for rows.Next() {
		var (
			rec        election.BallotRecord
			cycle      string
			ballotDate sql.NullString
			registered sql.NullInt64
			voters     sql.NullInt64
			validVotes sql.NullInt64
			votesJSON  sql.NullString
			createdAt  string
			updatedAt  string
		)
		if err := rows.Scan(&rec.Siret, &cycle, &ballotDate, &registered, &voters, &validVotes, &votesJSON,
			&rec.IDCC, &rec.Federation, &rec.UD, &rec.Departement, &rec.Region,
			&rec.CompanyName, &rec.PostalCode, &rec.City, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec.Cycle = election.Cycle(cycle)
		rec.BallotDate = parseDay(ballotDate)
		rec.Registered = int64Ptr(registered)
		rec.Voters = int64Ptr(voters)
		rec.ValidVotes = int64Ptr(validVotes)
		if votesJSON.Valid && votesJSON.String != "" {
			if err := json.Unmarshal([]byte(votesJSON.String), &rec.Votes); err != nil {
				return nil, fmt.Errorf("corrupt votes_json for %s/%s: %w", rec.Siret, cycle, err)
			}
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =============================================================================
// INVITATION RECORDS
// =============================================================================

// UpsertInvitation inserts or merges an invitation row by its natural
// key (siret, invitation date). Returns true on insert.
func (s *Store) UpsertInvitation(ctx context.Context, rec election.InvitationRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	existing, err := getInvitation(ctx, tx, rec.Siret, rec.InvitationDate)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	inserted := existing == nil
	if existing == nil {
		rec.CreatedAt = now
	} else {
		rec = mergeInvitation(*existing, rec)
	}
	rec.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invitation_records (
			siret, invitation_date, company_name, departement, federation,
			idcc, address, postal_code, city, enriched_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(siret, invitation_date) DO UPDATE SET
			company_name = excluded.company_name,
			departement = excluded.departement,
			federation = excluded.federation,
			idcc = excluded.idcc,
			address = excluded.address,
			postal_code = excluded.postal_code,
			city = excluded.city,
			enriched_at = excluded.enriched_at,
			updated_at = excluded.updated_at
	`,
		rec.Siret, rec.InvitationDate.Format(dayFormat),
		rec.CompanyName, rec.Departement, rec.Federation,
		rec.IDCC, rec.Address, rec.PostalCode, rec.City,
		nullTime(rec.EnrichedAt),
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	return inserted, tx.Commit()
}

func mergeInvitation(base, update election.InvitationRecord) election.InvitationRecord {
	merged := base
	merged.CompanyName = override(base.CompanyName, update.CompanyName)
	merged.Departement = override(base.Departement, update.Departement)
	merged.Federation = override(base.Federation, update.Federation)
	merged.IDCC = override(base.IDCC, update.IDCC)
	merged.Address = override(base.Address, update.Address)
	merged.PostalCode = override(base.PostalCode, update.PostalCode)
	merged.City = override(base.City, update.City)
	if update.EnrichedAt != nil {
		merged.EnrichedAt = update.EnrichedAt
	}
	return merged
}

// GetInvitation returns the row for a natural key, or nil when absent.
func (s *Store) GetInvitation(ctx context.Context, siret string, date time.Time) (*election.InvitationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getInvitation(ctx, s.db, siret, date)
}

func getInvitation(ctx context.Context, q querier, siret string, date time.Time) (*election.InvitationRecord, error) {
	records, err := queryInvitations(ctx, q,
		invitationColumns+` FROM invitation_records WHERE siret = ? AND invitation_date = ?`,
		siret, date.Format(dayFormat))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// CountInvitations returns the number of invitation rows.
func (s *Store) CountInvitations(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invitation_records`).Scan(&count)
	return count, err
}

// ListInvitations returns every invitation row, ordered by natural key.
func (s *Store) ListInvitations(ctx context.Context) ([]election.InvitationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryInvitations(ctx, s.db, invitationColumns+` FROM invitation_records ORDER BY siret, invitation_date`)
}

// ListInvitationsForSirets returns invitation rows for the given ids.
func (s *Store) ListInvitationsForSirets(ctx context.Context, sirets []string) ([]election.InvitationRecord, error) {
	if len(sirets) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := invitationColumns + ` FROM invitation_records WHERE siret IN (` + placeholders(len(sirets)) + `) ORDER BY siret, invitation_date`
	return queryInvitations(ctx, s.db, query, stringArgs(sirets)...)
}

// InvitationsMissingIDCC returns the enrichment candidates: invitations
// with no convention code yet, ordered by natural key.
func (s *Store) InvitationsMissingIDCC(ctx context.Context) ([]election.InvitationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryInvitations(ctx, s.db,
		invitationColumns+` FROM invitation_records WHERE idcc = '' ORDER BY siret, invitation_date`)
}

// SetInvitationEnrichment records the registry answer for one invitation
// without touching user-supplied fields.
func (s *Store) SetInvitationEnrichment(ctx context.Context, siret string, date time.Time, idcc, address, postalCode, city string, enrichedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE invitation_records
		SET idcc = ?, address = ?, postal_code = ?, city = ?, enriched_at = ?, updated_at = ?
		WHERE siret = ? AND invitation_date = ?`,
		idcc, address, postalCode, city,
		enrichedAt.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano),
		siret, date.Format(dayFormat))
	return err
}

const invitationColumns = `SELECT siret, invitation_date, company_name, departement, federation,
	idcc, address, postal_code, city, enriched_at, created_at, updated_at`

func queryInvitations(ctx context.Context, q querier, query string, args ...any) ([]election.InvitationRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []election.InvitationRecord
	for rows.Next() {
		var (
			rec            election.InvitationRecord
			invitationDate string
			enrichedAt     sql.NullString
			createdAt      string
			updatedAt      string
		)
		if err := rows.Scan(&rec.Siret, &invitationDate, &rec.CompanyName, &rec.Departement, &rec.Federation,
			&rec.IDCC, &rec.Address, &rec.PostalCode, &rec.City, &enrichedAt, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		rec.InvitationDate, _ = time.Parse(dayFormat, invitationDate)
		if enrichedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, enrichedAt.String); err == nil {
				rec.EnrichedAt = &t
			}
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =============================================================================
// SUMMARY REBUILD
// =============================================================================

// SiretsTouchedSince returns the distinct establishment ids with source
// rows updated after the watermark, for incremental rebuilds.
func (s *Store) SiretsTouchedSince(ctx context.Context, watermark time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mark := watermark.UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT siret FROM ballot_records WHERE updated_at > ?
		UNION
		SELECT siret FROM invitation_records WHERE updated_at > ?
		ORDER BY siret`, mark, mark)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sirets []string
	for rows.Next() {
		var siret string
		if err := rows.Scan(&siret); err != nil {
			return nil, err
		}
		sirets = append(sirets, siret)
	}
	return sirets, rows.Err()
}

// ReplaceSummaries atomically swaps the entire derived table for the
// given rows and advances the rebuild watermark. All-or-nothing: any
// failure rolls back to the previous table.
func (s *Store) ReplaceSummaries(ctx context.Context, summaries []election.EstablishmentSummary, rebuiltAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM establishment_summaries`); err != nil {
		return 0, fmt.Errorf("%w: %v", election.ErrRebuildAborted, err)
	}
	if err := insertSummaries(ctx, tx, summaries); err != nil {
		return 0, fmt.Errorf("%w: %v", election.ErrRebuildAborted, err)
	}
	if err := setWatermark(ctx, tx, rebuiltAt); err != nil {
		return 0, fmt.Errorf("%w: %v", election.ErrRebuildAborted, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", election.ErrRebuildAborted, err)
	}
	return len(summaries), nil
}

// UpsertSummaries replaces the derived rows for the touched ids only,
// in one transaction. A touched id with no recomputed summary leaves no
// stale row behind.
func (s *Store) UpsertSummaries(ctx context.Context, touched []string, summaries []election.EstablishmentSummary, rebuiltAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if len(touched) > 0 {
		query := `DELETE FROM establishment_summaries WHERE siret IN (` + placeholders(len(touched)) + `)`
		if _, err := tx.ExecContext(ctx, query, stringArgs(touched)...); err != nil {
			return 0, fmt.Errorf("%w: %v", election.ErrRebuildAborted, err)
		}
	}
	if err := insertSummaries(ctx, tx, summaries); err != nil {
		return 0, fmt.Errorf("%w: %v", election.ErrRebuildAborted, err)
	}
	if err := setWatermark(ctx, tx, rebuiltAt); err != nil {
		return 0, fmt.Errorf("%w: %v", election.ErrRebuildAborted, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", election.ErrRebuildAborted, err)
	}
	return len(summaries), nil
}

func insertSummaries(ctx context.Context, tx *sql.Tx, summaries []election.EstablishmentSummary) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO establishment_summaries (
			siret, company_name, departement, resolved_federation,
			has_c3, has_c4, presence,
			last_ballot_c3, last_ballot_c4, last_ballot_any, last_invitation,
			ballot_count_c3, ballot_count_c4, invitation_count,
			shares_c3_json, shares_c4_json, has_invitation_match, rebuilt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sum := range summaries {
		sharesC3, err := marshalShares(sum.SharesC3)
		if err != nil {
			return err
		}
		sharesC4, err := marshalShares(sum.SharesC4)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			sum.Siret, sum.CompanyName, sum.Departement, sum.ResolvedFederation,
			boolInt(sum.HasC3), boolInt(sum.HasC4), string(sum.Presence),
			nullDay(sum.LastBallotC3), nullDay(sum.LastBallotC4), nullDay(sum.LastBallotAny), nullDay(sum.LastInvitation),
			sum.BallotCountC3, sum.BallotCountC4, sum.InvitationCount,
			sharesC3, sharesC4, boolInt(sum.HasInvitationMatch),
			sum.RebuiltAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func setWatermark(ctx context.Context, tx *sql.Tx, rebuiltAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rebuild_meta (id, rebuilt_at) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET rebuilt_at = excluded.rebuilt_at`,
		rebuiltAt.UTC().Format(time.RFC3339Nano))
	return err
}

// LastRebuildAt returns the watermark of the last successful rebuild,
// or nil when no rebuild has run yet.
func (s *Store) LastRebuildAt(ctx context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT rebuilt_at FROM rebuild_meta WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListSummaries returns derived rows ordered by id, bounded by limit
// (0 means no limit).
func (s *Store) ListSummaries(ctx context.Context, limit int) ([]election.EstablishmentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := summaryColumns + ` FROM establishment_summaries ORDER BY siret`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.querySummaries(ctx, query, args...)
}

// GetSummary returns one derived row, or nil when absent.
func (s *Store) GetSummary(ctx context.Context, siret string) (*election.EstablishmentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries, err := s.querySummaries(ctx, summaryColumns+` FROM establishment_summaries WHERE siret = ?`, siret)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, nil
	}
	return &summaries[0], nil
}

// CountSummaries returns the number of derived rows.
func (s *Store) CountSummaries(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM establishment_summaries`).Scan(&count)
	return count, err
}

const summaryColumns = `SELECT siret, company_name, departement, resolved_federation,
	has_c3, has_c4, presence,
	last_ballot_c3, last_ballot_c4, last_ballot_any, last_invitation,
	ballot_count_c3, ballot_count_c4, invitation_count,
	shares_c3_json, shares_c4_json, has_invitation_match, rebuilt_at`

func (s *Store) querySummaries(ctx context.Context, query string, args ...any) ([]election.EstablishmentSummary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []election.EstablishmentSummary
	for rows.Next() {
		var (
			sum        election.EstablishmentSummary
			hasC3      int
			hasC4      int
			hasMatch   int
			presence   string
			lastC3     sql.NullString
			lastC4     sql.NullString
			lastAny    sql.NullString
			lastInvite sql.NullString
			sharesC3   sql.NullString
			sharesC4   sql.NullString
			rebuiltAt  string
		)
		if err := rows.Scan(&sum.Siret, &sum.CompanyName, &sum.Departement, &sum.ResolvedFederation,
			&hasC3, &hasC4, &presence,
			&lastC3, &lastC4, &lastAny, &lastInvite,
			&sum.BallotCountC3, &sum.BallotCountC4, &sum.InvitationCount,
			&sharesC3, &sharesC4, &hasMatch, &rebuiltAt); err != nil {
			return nil, err
		}
		sum.HasC3 = hasC3 != 0
		sum.HasC4 = hasC4 != 0
		sum.HasInvitationMatch = hasMatch != 0
		sum.Presence = election.Presence(presence)
		sum.LastBallotC3 = parseDay(lastC3)
		sum.LastBallotC4 = parseDay(lastC4)
		sum.LastBallotAny = parseDay(lastAny)
		sum.LastInvitation = parseDay(lastInvite)
		if sum.SharesC3, err = unmarshalShares(sharesC3); err != nil {
			return nil, err
		}
		if sum.SharesC4, err = unmarshalShares(sharesC4); err != nil {
			return nil, err
		}
		sum.RebuiltAt, _ = time.Parse(time.RFC3339Nano, rebuiltAt)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// =============================================================================
// GLOBAL STATISTICS
// =============================================================================

// GlobalStats computes the cross-table statistics snapshot.
func (s *Store) GlobalStats(ctx context.Context) (election.GlobalStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats election.GlobalStats
	queries := []struct {
		dest  *int
		query string
	}{
		{&stats.DistinctEstablishments, `
			SELECT COUNT(DISTINCT siret) FROM (
				SELECT siret FROM ballot_records
				UNION ALL
				SELECT siret FROM invitation_records
			)`},
		{&stats.InvitationRows, `SELECT COUNT(*) FROM invitation_records`},
		{&stats.InvitationSirets, `SELECT COUNT(DISTINCT siret) FROM invitation_records`},
		{&stats.BallotC3Rows, `SELECT COUNT(*) FROM ballot_records WHERE cycle = 'C3'`},
		{&stats.BallotC3Sirets, `SELECT COUNT(DISTINCT siret) FROM ballot_records WHERE cycle = 'C3'`},
		{&stats.BallotC4Rows, `SELECT COUNT(*) FROM ballot_records WHERE cycle = 'C4'`},
		{&stats.BallotC4Sirets, `SELECT COUNT(DISTINCT siret) FROM ballot_records WHERE cycle = 'C4'`},
		{&stats.MatchInvitationC3, `
			SELECT COUNT(DISTINCT i.siret)
			FROM invitation_records i
			JOIN ballot_records b ON b.siret = i.siret AND b.cycle = 'C3'`},
		{&stats.MatchInvitationC4, `
			SELECT COUNT(DISTINCT i.siret)
			FROM invitation_records i
			JOIN ballot_records b ON b.siret = i.siret AND b.cycle = 'C4'`},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return election.GlobalStats{}, err
		}
	}
	return stats, nil
}

// =============================================================================
// TASK RUNS (tasks.Store implementation)
// =============================================================================

// InsertRunning inserts a running task run. The partial unique index
// makes this the atomic check-and-set: a concurrent duplicate fails
// with election.ErrTaskAlreadyRunning.
func (s *Store) InsertRunning(ctx context.Context, run tasks.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (id, task_id, description, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, run.Description, string(run.Status),
		run.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", election.ErrTaskAlreadyRunning, run.TaskID)
		}
		return err
	}
	return nil
}

// CloseRun transitions the running run for taskID to a terminal state
// and returns the updated run.
func (s *Store) CloseRun(ctx context.Context, taskID string, status tasks.Status, completedAt time.Time, result []byte, errMsg string) (*tasks.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE task_runs
		SET status = ?, completed_at = ?, result_json = ?, error = ?
		WHERE task_id = ? AND status = 'running'`,
		string(status), completedAt.UTC().Format(time.RFC3339Nano),
		nullBytes(result), errMsg, taskID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: no running run for %s", election.ErrTaskNotFound, taskID)
	}
	return s.latestRun(ctx, taskID)
}

// LatestRun returns the most recently started run for a task id.
func (s *Store) LatestRun(ctx context.Context, taskID string) (*tasks.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestRun(ctx, taskID)
}

func (s *Store) latestRun(ctx context.Context, taskID string) (*tasks.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, description, status, started_at, completed_at, result_json, error
		FROM task_runs
		WHERE task_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1`, taskID)

	var (
		run         tasks.Run
		status      string
		startedAt   string
		completedAt sql.NullString
		resultJSON  sql.NullString
	)
	err := row.Scan(&run.ID, &run.TaskID, &run.Description, &status, &startedAt, &completedAt, &resultJSON, &run.Error)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", election.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}

	run.Status = tasks.Status(status)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			run.CompletedAt = &t
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		run.Result = json.RawMessage(resultJSON.String)
	}
	return &run, nil
}

// DeleteTerminalRunsBefore garbage-collects completed/failed runs whose
// completion predates the cutoff. Running runs are never touched.
func (s *Store) DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM task_runs
		WHERE status IN ('completed', 'failed') AND completed_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// =============================================================================
// HELPERS
// =============================================================================

func override(base, update string) string {
	if strings.TrimSpace(update) != "" {
		return update
	}
	return base
}

func marshalVotes(votes map[election.Organization]int) (any, error) {
	if len(votes) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(votes)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func marshalShares(shares map[election.Organization]decimal.Decimal) (any, error) {
	if len(shares) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(shares)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalShares(v sql.NullString) (map[election.Organization]decimal.Decimal, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var shares map[election.Organization]decimal.Decimal
	if err := json.Unmarshal([]byte(v.String), &shares); err != nil {
		return nil, err
	}
	return shares, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64Ptr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullDay(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(dayFormat)
}

func parseDay(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(dayFormat, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
