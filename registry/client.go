/*
client.go - HTTP client for the external establishment registry

PURPOSE:
  Wraps the remote per-id lookup (GET {base}/establishments/{siret})
  behind a small typed API. Responsibilities:
  - Gate every outbound attempt through the shared rate limiter
  - Retry throttling responses with exponential backoff (bounded)
  - Retry transport and server failures a couple of times, then surface
  - Translate a definitive 404 into (nil, nil): absence is data, not an
    error, and bulk callers must keep going

AUTH:
  Static shared-secret header (Authorization: Bearer <key>). The key and
  response payloads are never logged; log lines carry ids and status
  codes only.

WIRE FORMAT:
  The registry returns the establishment nested under "etablissement",
  with the legal-unit block, the address block, and a list of periods of
  which the first is current. parseRecord flattens that into Record.
*/
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/scrutin/election-engine/election"
)

const (
	defaultTimeout = 10 * time.Second

	// Throttling gets more patience than hard failures: the budget is
	// shared and a 429 usually clears within the window.
	maxThrottleAttempts  = 4
	maxTransportAttempts = 2
	backoffBase          = 500 * time.Millisecond
)

// Record is the flattened registry answer for one establishment.
type Record struct {
	Siret          string `json:"siret"`
	Siren          string `json:"siren"`
	Denomination   string `json:"denomination"`
	Address        string `json:"address"`
	PostalCode     string `json:"postal_code"`
	City           string `json:"city"`
	Activity       string `json:"activity"`
	WorkforceBand  string `json:"workforce_band"`
	WorkforceLabel string `json:"workforce_label"`
	IDCC           string `json:"idcc"`
	HeadOffice     bool   `json:"head_office"`
	Active         bool   `json:"active"`
	CreatedDate    string `json:"created_date"`
}

// Config carries the client settings read from flags/env.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client performs rate-limited registry lookups.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *Limiter

	// sleep is swappable in tests so backoff doesn't slow the suite.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client. All calls go through the given limiter.
func NewClient(cfg Config, limiter *Limiter) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		sleep:   sleepCtx,
	}
}

// GetRecord looks up one establishment by its 14-digit id.
//
// Returns (record, nil) on success, (nil, nil) when the registry
// definitively does not know the id, and (nil, err) on auth, throttling
// or transport failure once the bounded retries are exhausted.
func (c *Client) GetRecord(ctx context.Context, siret string) (*Record, error) {
	siret = strings.ReplaceAll(strings.TrimSpace(siret), " ", "")
	if len(siret) != 14 || !allDigits(siret) {
		return nil, &election.RowError{Field: "siret", Reason: fmt.Sprintf("not a 14-digit id: %q", siret)}
	}

	url := c.baseURL + "/establishments/" + siret

	throttleAttempts := 0
	transportAttempts := 0
	for {
		if _, err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		record, status, err := c.doRequest(ctx, url)
		switch {
		case err != nil:
			transportAttempts++
			log.Printf("[Registry] Transport failure for %s (attempt %d): %v", siret, transportAttempts, err)
			if transportAttempts > maxTransportAttempts {
				return nil, &election.RegistryError{
					Siret: siret, Attempts: transportAttempts, Err: election.ErrRegistryUnavailable,
				}
			}
		case status == http.StatusOK:
			return record, nil
		case status == http.StatusNotFound:
			log.Printf("[Registry] %s not found", siret)
			return nil, nil
		case status == http.StatusTooManyRequests:
			throttleAttempts++
			if throttleAttempts >= maxThrottleAttempts {
				return nil, &election.RegistryError{
					Siret: siret, StatusCode: status, Attempts: throttleAttempts, Err: election.ErrRateLimited,
				}
			}
			delay := backoffBase << (throttleAttempts - 1)
			log.Printf("[Registry] Throttled on %s, backing off %v (attempt %d/%d)", siret, delay, throttleAttempts, maxThrottleAttempts)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			log.Printf("[Registry] Authorization rejected (status %d)", status)
			return nil, &election.RegistryError{
				Siret: siret, StatusCode: status, Attempts: 1, Err: election.ErrRegistryAuth,
			}
		default:
			transportAttempts++
			log.Printf("[Registry] Unexpected status %d for %s (attempt %d)", status, siret, transportAttempts)
			if transportAttempts > maxTransportAttempts {
				return nil, &election.RegistryError{
					Siret: siret, StatusCode: status, Attempts: transportAttempts, Err: election.ErrRegistryUnavailable,
				}
			}
		}
	}
}

func (c *Client) doRequest(ctx context.Context, url string) (*Record, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}

	var payload wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	record := parseRecord(payload.Etablissement)
	return &record, resp.StatusCode, nil
}

// =============================================================================
// WIRE FORMAT
// =============================================================================

type wireResponse struct {
	Etablissement wireEstablishment `json:"etablissement"`
}

type wireEstablishment struct {
	Siret       string          `json:"siret"`
	Siren       string          `json:"siren"`
	HeadOffice  bool            `json:"etablissementSiege"`
	CreatedDate string          `json:"dateCreationEtablissement"`
	LegalUnit   wireLegalUnit   `json:"uniteLegale"`
	Address     wireAddress     `json:"adresseEtablissement"`
	Periods     []wirePeriod    `json:"periodesEtablissement"`
	Agreement   json.RawMessage `json:"conventionCollective"`
}

type wireLegalUnit struct {
	Denomination      string `json:"denominationUniteLegale"`
	UsualDenomination string `json:"denominationUsuelle1UniteLegale"`
	FirstName         string `json:"prenomUsuelUniteLegale"`
	LastName          string `json:"nomUniteLegale"`
}

type wireAddress struct {
	StreetNumber string `json:"numeroVoieEtablissement"`
	StreetType   string `json:"typeVoieEtablissement"`
	StreetName   string `json:"libelleVoieEtablissement"`
	Complement   string `json:"complementAdresseEtablissement"`
	PostalCode   string `json:"codePostalEtablissement"`
	City         string `json:"libelleCommuneEtablissement"`
}

type wirePeriod struct {
	Activity            string `json:"activitePrincipaleEtablissement"`
	WorkforceBand       string `json:"trancheEffectifsEtablissement"`
	AdministrativeState string `json:"etatAdministratifEtablissement"`
}

type wireAgreement struct {
	IDCC string `json:"idcc"`
}

func parseRecord(e wireEstablishment) Record {
	var current wirePeriod
	if len(e.Periods) > 0 {
		current = e.Periods[0]
	}

	denomination := e.LegalUnit.Denomination
	if denomination == "" {
		denomination = e.LegalUnit.UsualDenomination
	}
	if denomination == "" {
		denomination = strings.TrimSpace(e.LegalUnit.FirstName + " " + e.LegalUnit.LastName)
	}

	addressParts := []string{
		e.Address.StreetNumber, e.Address.StreetType, e.Address.StreetName,
		e.Address.Complement, e.Address.PostalCode, e.Address.City,
	}
	nonEmpty := addressParts[:0]
	for _, p := range addressParts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}

	idcc := ""
	if len(e.Agreement) > 0 {
		var agreement wireAgreement
		if err := json.Unmarshal(e.Agreement, &agreement); err == nil {
			idcc = agreement.IDCC
		}
	}

	// "A" is the administrative code for an active establishment; an
	// absent state defaults to active, matching the registry convention.
	active := current.AdministrativeState == "" || current.AdministrativeState == "A"

	return Record{
		Siret:          e.Siret,
		Siren:          e.Siren,
		Denomination:   denomination,
		Address:        strings.Join(nonEmpty, " "),
		PostalCode:     e.Address.PostalCode,
		City:           e.Address.City,
		Activity:       current.Activity,
		WorkforceBand:  current.WorkforceBand,
		WorkforceLabel: WorkforceLabel(current.WorkforceBand),
		IDCC:           idcc,
		HeadOffice:     e.HeadOffice,
		Active:         active,
		CreatedDate:    e.CreatedDate,
	}
}

// =============================================================================
// WORKFORCE BAND LABELS
// =============================================================================

var workforceLabels = map[string]string{
	"NN": "Non renseigné",
	"00": "0 salarié",
	"01": "1 ou 2 salariés",
	"02": "3 à 5 salariés",
	"03": "6 à 9 salariés",
	"11": "10 à 19 salariés",
	"12": "20 à 49 salariés",
	"21": "50 à 99 salariés",
	"22": "100 à 199 salariés",
	"31": "200 à 249 salariés",
	"32": "250 à 499 salariés",
	"41": "500 à 999 salariés",
	"42": "1000 à 1999 salariés",
	"51": "2000 à 4999 salariés",
	"52": "5000 à 9999 salariés",
	"53": "10000 salariés et plus",
}

// WorkforceLabel converts a registry workforce-band code to its label.
func WorkforceLabel(band string) string {
	if label, ok := workforceLabels[band]; ok {
		return label
	}
	return "Non renseigné"
}

// =============================================================================
// HELPERS
// =============================================================================

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
