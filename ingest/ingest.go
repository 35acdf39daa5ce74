/*
Package ingest parses tabular election source files into the store.

PURPOSE:
  One entry point, Engine.Ingest, handles both recognized input kinds
  (ballot files and invitation files). Headers are resolved through an
  explicit alias table so the many real-world header spellings all land
  on the same canonical fields. Rows upsert by natural key: an existing
  record is merged field by field, a new key inserts.

ERROR POLICY:
  Row-level malformation is never fatal. A bad id, date or count skips
  that row, records (row number, blamed field) in the report, and the
  batch continues. Only structural failures abort the whole call:
  unreadable input, an empty file, or a header missing a required
  column. These surface as election.ErrStructuralInput.

MAPPER BACKFILL:
  After each write, a record left without a federation but carrying a
  convention code is completed from the cross-reference mapper. An
  existing non-empty federation is never overwritten.

SEE ALSO:
  - election: record types, row errors, the mapper
  - store/sqlite: the upsert implementation behind the Store interface
*/
package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/scrutin/election-engine/election"
)

// Kind discriminates the recognized input file kinds.
type Kind string

const (
	KindBallots     Kind = "ballots"
	KindInvitations Kind = "invitations"
)

// ParseKind maps a request path segment to a Kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindBallots:
		return KindBallots, nil
	case KindInvitations:
		return KindInvitations, nil
	default:
		return "", fmt.Errorf("%w: unknown ingest kind %q", election.ErrValidation, raw)
	}
}

// Report is the outcome of one ingestion call.
type Report struct {
	RowsSeen int          `json:"rows_seen"`
	Inserted int          `json:"inserted"`
	Updated  int          `json:"updated"`
	Skipped  []SkippedRow `json:"skipped"`
}

// SkippedRow records one non-fatal row rejection.
type SkippedRow struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Store is the persistence the engine writes through.
type Store interface {
	UpsertBallot(ctx context.Context, rec election.BallotRecord) (bool, error)
	GetBallot(ctx context.Context, siret string, cycle election.Cycle) (*election.BallotRecord, error)
	UpsertInvitation(ctx context.Context, rec election.InvitationRecord) (bool, error)
	GetInvitation(ctx context.Context, siret string, date time.Time) (*election.InvitationRecord, error)
}

// Engine parses and upserts source files.
type Engine struct {
	store    Store
	resolver election.Resolver
}

// NewEngine creates an engine. The resolver backfills federations from
// convention codes after each write; pass nil to disable backfill.
func NewEngine(store Store, resolver election.Resolver) *Engine {
	return &Engine{store: store, resolver: resolver}
}

// =============================================================================
// HEADER ALIAS TABLES
// =============================================================================

// fieldAliases maps each canonical field to the header spellings seen in
// real source files. Headers are normalized (lowercased, accents folded,
// separators collapsed) before lookup.
var fieldAliases = map[string][]string{
	"siret":           {"siret", "siret etablissement", "numero siret"},
	"cycle":           {"cycle"},
	"ballot_date":     {"ballot_date", "date", "date pv", "date scrutin", "date du scrutin"},
	"registered":      {"registered", "inscrits", "nb inscrits"},
	"voters":          {"voters", "votants", "nb votants"},
	"valid_votes":     {"valid_votes", "sve", "suffrages valables", "suffrages valablement exprimes"},
	"idcc":            {"idcc", "code idcc", "num idcc"},
	"federation":      {"federation", "fd", "fede"},
	"ud":              {"ud"},
	"departement":     {"departement", "dept", "dpt", "dep"},
	"region":          {"region"},
	"company_name":    {"company_name", "raison sociale", "denomination", "entreprise"},
	"postal_code":     {"postal_code", "code postal", "cp"},
	"city":            {"city", "ville", "commune"},
	"invitation_date": {"invitation_date", "date invitation", "date de invitation", "date courrier"},
	"address":         {"address", "adresse"},
}

// orgAliases maps each candidate organization to its vote-count header
// spellings.
var orgAliases = map[election.Organization][]string{
	election.OrgCGT:   {"cgt"},
	election.OrgCFDT:  {"cfdt"},
	election.OrgFO:    {"fo"},
	election.OrgCFTC:  {"cftc"},
	election.OrgCGC:   {"cgc-cfe", "cgc cfe", "cfe-cgc", "cfe cgc", "cgc"},
	election.OrgUNSA:  {"unsa"},
	election.OrgSUD:   {"sud", "solidaires"},
	election.OrgOther: {"autres", "autre", "divers"},
}

var headerFolder = strings.NewReplacer(
	"é", "e", "è", "e", "ê", "e", "à", "a", "ô", "o", "û", "u", "ç", "c",
	"_", " ", "-", " ", ".", " ", "'", " ",
)

func normalizeHeader(raw string) string {
	folded := headerFolder.Replace(strings.ToLower(strings.TrimSpace(raw)))
	return strings.Join(strings.Fields(folded), " ")
}

// columnIndex resolves canonical field names and vote columns to column
// positions for one parsed header row.
type columnIndex struct {
	fields map[string]int
	votes  map[election.Organization]int
}

func resolveHeader(header []string) columnIndex {
	normalized := make(map[string]int, len(header))
	for i, h := range header {
		if key := normalizeHeader(h); key != "" {
			if _, seen := normalized[key]; !seen {
				normalized[key] = i
			}
		}
	}

	idx := columnIndex{fields: map[string]int{}, votes: map[election.Organization]int{}}
	for canonical, aliases := range fieldAliases {
		for _, alias := range aliases {
			if i, ok := normalized[alias]; ok {
				idx.fields[canonical] = i
				break
			}
		}
	}
	for org, aliases := range orgAliases {
		for _, alias := range aliases {
			if i, ok := normalized[alias]; ok {
				idx.votes[org] = i
				break
			}
		}
	}
	return idx
}

func (c columnIndex) value(record []string, field string) string {
	i, ok := c.fields[field]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// =============================================================================
// INGESTION
// =============================================================================

// Ingest parses the CSV stream and upserts every row of the given kind.
// Returns the per-row report; the error is non-nil only for structural
// failures that abort the whole call.
func (e *Engine) Ingest(ctx context.Context, r io.Reader, kind Kind) (Report, error) {
	reader := newCSVReader(r)

	header, err := reader.Read()
	if err == io.EOF {
		return Report{}, fmt.Errorf("%w: empty input", election.ErrStructuralInput)
	}
	if err != nil {
		return Report{}, fmt.Errorf("%w: unreadable header: %v", election.ErrStructuralInput, err)
	}

	idx := resolveHeader(header)
	if err := requireColumns(idx, kind); err != nil {
		return Report{}, err
	}

	report := Report{}
	rowNum := 1
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			report.RowsSeen++
			report.Skipped = append(report.Skipped, SkippedRow{Row: rowNum, Reason: "unparseable row"})
			continue
		}
		report.RowsSeen++

		inserted, rowErr := e.ingestRow(ctx, idx, record, kind, rowNum)
		if rowErr != nil {
			var re *election.RowError
			if errors.As(rowErr, &re) {
				report.Skipped = append(report.Skipped, SkippedRow{
					Row:    re.Row,
					Reason: fmt.Sprintf("%s: %s", re.Field, re.Reason),
				})
				continue
			}
			// Storage failures are structural, not row-level
			return report, rowErr
		}
		if inserted {
			report.Inserted++
		} else {
			report.Updated++
		}
	}

	log.Printf("[Ingest] %s: %d row(s) seen, %d inserted, %d updated, %d skipped",
		kind, report.RowsSeen, report.Inserted, report.Updated, len(report.Skipped))
	return report, nil
}

// newCSVReader sniffs the delimiter from the first line. French exports
// use semicolons as often as commas.
func newCSVReader(r io.Reader) *csv.Reader {
	buffered := bufio.NewReader(r)
	peek, _ := buffered.Peek(4096)
	firstLine := string(peek)
	if i := strings.IndexByte(firstLine, '\n'); i >= 0 {
		firstLine = firstLine[:i]
	}

	reader := csv.NewReader(buffered)
	if strings.Count(firstLine, ";") > strings.Count(firstLine, ",") {
		reader.Comma = ';'
	}
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	return reader
}

func requireColumns(idx columnIndex, kind Kind) error {
	required := []string{"siret"}
	switch kind {
	case KindBallots:
		required = append(required, "cycle")
	case KindInvitations:
		required = append(required, "invitation_date")
	default:
		return fmt.Errorf("%w: unknown ingest kind %q", election.ErrStructuralInput, kind)
	}
	for _, field := range required {
		if _, ok := idx.fields[field]; !ok {
			return fmt.Errorf("%w: missing required column %q", election.ErrStructuralInput, field)
		}
	}
	return nil
}

func (e *Engine) ingestRow(ctx context.Context, idx columnIndex, record []string, kind Kind, rowNum int) (bool, error) {
	switch kind {
	case KindBallots:
		return e.ingestBallotRow(ctx, idx, record, rowNum)
	default:
		return e.ingestInvitationRow(ctx, idx, record, rowNum)
	}
}

func (e *Engine) ingestBallotRow(ctx context.Context, idx columnIndex, record []string, rowNum int) (bool, error) {
	siret, err := parseSiret(idx.value(record, "siret"), rowNum)
	if err != nil {
		return false, err
	}
	cycle, err := parseCycle(idx.value(record, "cycle"), rowNum)
	if err != nil {
		return false, err
	}

	rec := election.BallotRecord{
		Siret:       siret,
		Cycle:       cycle,
		IDCC:        idx.value(record, "idcc"),
		Federation:  idx.value(record, "federation"),
		UD:          idx.value(record, "ud"),
		Departement: idx.value(record, "departement"),
		Region:      idx.value(record, "region"),
		CompanyName: idx.value(record, "company_name"),
		PostalCode:  idx.value(record, "postal_code"),
		City:        idx.value(record, "city"),
	}

	if rec.BallotDate, err = parseOptionalDate(idx.value(record, "ballot_date"), rowNum, "ballot_date"); err != nil {
		return false, err
	}
	if rec.Registered, err = parseOptionalCount(idx.value(record, "registered"), rowNum, "registered"); err != nil {
		return false, err
	}
	if rec.Voters, err = parseOptionalCount(idx.value(record, "voters"), rowNum, "voters"); err != nil {
		return false, err
	}
	if rec.ValidVotes, err = parseOptionalCount(idx.value(record, "valid_votes"), rowNum, "valid_votes"); err != nil {
		return false, err
	}

	for org, col := range idx.votes {
		if col >= len(record) {
			continue
		}
		count, err := parseOptionalCount(strings.TrimSpace(record[col]), rowNum, string(org))
		if err != nil {
			return false, err
		}
		if count != nil {
			if rec.Votes == nil {
				rec.Votes = map[election.Organization]int{}
			}
			rec.Votes[org] = *count
		}
	}

	inserted, err := e.store.UpsertBallot(ctx, rec)
	if err != nil {
		return false, err
	}
	if err := e.backfillBallot(ctx, siret, cycle); err != nil {
		return false, err
	}
	return inserted, nil
}

func (e *Engine) ingestInvitationRow(ctx context.Context, idx columnIndex, record []string, rowNum int) (bool, error) {
	siret, err := parseSiret(idx.value(record, "siret"), rowNum)
	if err != nil {
		return false, err
	}
	date, err := parseDate(idx.value(record, "invitation_date"))
	if err != nil {
		return false, &election.RowError{Row: rowNum, Field: "invitation_date", Reason: err.Error()}
	}

	rec := election.InvitationRecord{
		Siret:          siret,
		InvitationDate: date,
		CompanyName:    idx.value(record, "company_name"),
		Departement:    idx.value(record, "departement"),
		Federation:     idx.value(record, "federation"),
		IDCC:           idx.value(record, "idcc"),
		Address:        idx.value(record, "address"),
		PostalCode:     idx.value(record, "postal_code"),
		City:           idx.value(record, "city"),
	}

	inserted, err := e.store.UpsertInvitation(ctx, rec)
	if err != nil {
		return false, err
	}
	if err := e.backfillInvitation(ctx, siret, date); err != nil {
		return false, err
	}
	return inserted, nil
}

// =============================================================================
// MAPPER BACKFILL
// =============================================================================

func (e *Engine) backfillBallot(ctx context.Context, siret string, cycle election.Cycle) error {
	if e.resolver == nil {
		return nil
	}
	stored, err := e.store.GetBallot(ctx, siret, cycle)
	if err != nil || stored == nil {
		return err
	}
	if stored.Federation != "" || stored.IDCC == "" {
		return nil
	}
	label, ok := e.resolver.Resolve(stored.IDCC)
	if !ok {
		return nil
	}
	_, err = e.store.UpsertBallot(ctx, election.BallotRecord{
		Siret:      siret,
		Cycle:      cycle,
		Federation: label,
	})
	return err
}

func (e *Engine) backfillInvitation(ctx context.Context, siret string, date time.Time) error {
	if e.resolver == nil {
		return nil
	}
	stored, err := e.store.GetInvitation(ctx, siret, date)
	if err != nil || stored == nil {
		return err
	}
	if stored.Federation != "" || stored.IDCC == "" {
		return nil
	}
	label, ok := e.resolver.Resolve(stored.IDCC)
	if !ok {
		return nil
	}
	_, err = e.store.UpsertInvitation(ctx, election.InvitationRecord{
		Siret:          siret,
		InvitationDate: date,
		Federation:     label,
	})
	return err
}

// =============================================================================
// FIELD PARSERS
// =============================================================================

var dateLayouts = []string{"2006-01-02", "02/01/2006", "02-01-2006", "2006/01/02"}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

func parseOptionalDate(raw string, rowNum int, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := parseDate(raw)
	if err != nil {
		return nil, &election.RowError{Row: rowNum, Field: field, Reason: err.Error()}
	}
	return &t, nil
}

// parseSiret validates and zero-pads a 14-digit establishment id.
// Spreadsheet exports routinely drop leading zeros.
func parseSiret(raw string, rowNum int) (string, error) {
	cleaned := strings.ReplaceAll(raw, " ", "")
	if cleaned == "" {
		return "", &election.RowError{Row: rowNum, Field: "siret", Reason: "missing value"}
	}
	// Another spreadsheet artifact: ids exported as floats ("123.0")
	cleaned = strings.TrimSuffix(cleaned, ".0")
	for _, c := range cleaned {
		if c < '0' || c > '9' {
			return "", &election.RowError{Row: rowNum, Field: "siret", Reason: fmt.Sprintf("non-numeric id %q", raw)}
		}
	}
	if len(cleaned) > 14 {
		return "", &election.RowError{Row: rowNum, Field: "siret", Reason: fmt.Sprintf("id %q longer than 14 digits", raw)}
	}
	return strings.Repeat("0", 14-len(cleaned)) + cleaned, nil
}

func parseCycle(raw string, rowNum int) (election.Cycle, error) {
	normalized := strings.ToUpper(strings.Join(strings.Fields(raw), ""))
	normalized = strings.TrimPrefix(normalized, "CYCLE")
	switch normalized {
	case "C3", "3":
		return election.CycleC3, nil
	case "C4", "4":
		return election.CycleC4, nil
	default:
		return "", &election.RowError{Row: rowNum, Field: "cycle", Reason: fmt.Sprintf("unrecognized cycle %q", raw)}
	}
}

// parseOptionalCount accepts plain integers plus the comma-decimal and
// thousands-separator forms spreadsheets produce ("1 234", "95,0").
func parseOptionalCount(raw string, rowNum int, field string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	cleaned := strings.ReplaceAll(raw, " ", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")

	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || value != float64(int(value)) || value < 0 {
		return nil, &election.RowError{Row: rowNum, Field: field, Reason: fmt.Sprintf("invalid count %q", raw)}
	}
	count := int(value)
	return &count, nil
}
