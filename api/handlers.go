/*
handlers.go - HTTP API handlers for the election engine

PURPOSE:
  Exposes the aggregation pipeline via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Ingestion:
    POST   /api/ingest/{kind}          Ingest a CSV stream (ballots|invitations)

  Summaries:
    POST   /api/summary/rebuild        Trigger async rebuild (?mode=full|incremental)
    GET    /api/summaries              List derived rows (?limit=)
    GET    /api/summaries/{siret}      One derived row

  Enrichment:
    POST   /api/enrichment/run         Trigger async registry enrichment
    GET    /api/registry/limiter       Rate limiter status

  Tasks:
    GET    /api/tasks/{taskID}         Poll a background operation

  Mapping:
    POST   /api/mapping/rebuild        Rebuild code->federation mapping
    GET    /api/mapping/stats          Mapping size and sample

  Computation:
    POST   /api/apportionment          Seat distribution (pure function)
    GET    /api/stats                  Global source-table statistics

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Database access
  - Ingest: CSV ingestion engine
  - Mapper: code->federation cross-reference
  - Limiter: registry budget, for observability
  - Tracker: task status reads
  - Worker: async operation launches

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, structural input failures
  - 404: Unknown summary or task id
  - 500: Internal errors
  Duplicate async triggers are NOT errors: they return 200 with
  status "already_running" and the stable task id.

SEE ALSO:
  - dto.go: Request/response data structures
  - worker.go: Async operation launches
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/scrutin/election-engine/election"
	"github.com/scrutin/election-engine/ingest"
	"github.com/scrutin/election-engine/registry"
	"github.com/scrutin/election-engine/store/sqlite"
	"github.com/scrutin/election-engine/tasks"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Ingest  *ingest.Engine
	Mapper  *election.Mapper
	Limiter *registry.Limiter
	Tracker *tasks.Tracker
	Worker  *Worker
}

// NewHandler creates a handler over the given components.
func NewHandler(store *sqlite.Store, engine *ingest.Engine, mapper *election.Mapper, limiter *registry.Limiter, tracker *tasks.Tracker, worker *Worker) *Handler {
	return &Handler{
		Store:   store,
		Ingest:  engine,
		Mapper:  mapper,
		Limiter: limiter,
		Tracker: tracker,
		Worker:  worker,
	}
}

// =============================================================================
// INGESTION HANDLERS
// =============================================================================

const maxIngestBytes = 256 << 20 // 256 MiB

// IngestFile ingests a CSV stream of the given kind.
// POST /api/ingest/{kind}
func (h *Handler) IngestFile(w http.ResponseWriter, r *http.Request) {
	kind, err := ingest.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown ingest kind", err)
		return
	}

	body := io.LimitReader(r.Body, maxIngestBytes)
	report, err := h.Ingest.Ingest(r.Context(), body, kind)
	if err != nil {
		if election.IsClientError(err) {
			writeError(w, http.StatusBadRequest, "Structurally invalid input", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Ingestion failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// SUMMARY HANDLERS
// =============================================================================

// TriggerRebuild launches an async summary rebuild.
// POST /api/summary/rebuild?mode=full|incremental
func (h *Handler) TriggerRebuild(w http.ResponseWriter, r *http.Request) {
	mode, err := ParseRebuildMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rebuild mode", err)
		return
	}

	run, err := h.Worker.LaunchRebuild(mode)
	if errors.Is(err, election.ErrTaskAlreadyRunning) {
		writeJSON(w, http.StatusOK, TaskLaunchDTO{Status: "already_running", TaskID: TaskRebuild})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start rebuild", err)
		return
	}
	writeJSON(w, http.StatusAccepted, TaskLaunchDTO{Status: "started", TaskID: run.TaskID})
}

// ListSummaries returns derived rows, optionally bounded by ?limit=.
// GET /api/summaries
func (h *Handler) ListSummaries(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = parsed
	}

	summaries, err := h.Store.ListSummaries(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list summaries", err)
		return
	}

	dtos := make([]SummaryDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = toSummaryDTO(s)
	}
	writeJSON(w, http.StatusOK, SummaryListDTO{Count: len(dtos), Summaries: dtos})
}

// GetSummary returns one derived row.
// GET /api/summaries/{siret}
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	siret := chi.URLParam(r, "siret")

	summary, err := h.Store.GetSummary(r.Context(), siret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load summary", err)
		return
	}
	if summary == nil {
		writeError(w, http.StatusNotFound, "No summary for establishment", nil)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(*summary))
}

// =============================================================================
// ENRICHMENT HANDLERS
// =============================================================================

// TriggerEnrichment launches an async bulk enrichment run.
// POST /api/enrichment/run
func (h *Handler) TriggerEnrichment(w http.ResponseWriter, r *http.Request) {
	run, err := h.Worker.LaunchEnrichment()
	if errors.Is(err, election.ErrTaskAlreadyRunning) {
		writeJSON(w, http.StatusOK, TaskLaunchDTO{Status: "already_running", TaskID: TaskEnrichment})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start enrichment", err)
		return
	}
	writeJSON(w, http.StatusAccepted, TaskLaunchDTO{Status: "started", TaskID: run.TaskID})
}

// LimiterStatus reports the registry budget, for observability.
// GET /api/registry/limiter
func (h *Handler) LimiterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Limiter.Status())
}

// =============================================================================
// TASK HANDLERS
// =============================================================================

// GetTask returns the most recent run for a task id.
// GET /api/tasks/{taskID}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	run, err := h.Tracker.Status(r.Context(), taskID)
	if errors.Is(err, election.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "Unknown task", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load task", err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskRunDTO(run))
}

// =============================================================================
// MAPPING HANDLERS
// =============================================================================

// RebuildMapping rebuilds the code->federation mapping from ballots.
// POST /api/mapping/rebuild
func (h *Handler) RebuildMapping(w http.ResponseWriter, r *http.Request) {
	pairs, err := h.Store.CodePairs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to collect observations", err)
		return
	}
	codes := h.Mapper.Rebuild(pairs)
	writeJSON(w, http.StatusOK, MappingRebuildDTO{Codes: codes, Observations: len(pairs)})
}

// MappingStats describes the currently built mapping.
// GET /api/mapping/stats
func (h *Handler) MappingStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MappingStatsDTO{
		Codes:  h.Mapper.Size(),
		Sample: h.Mapper.Sample(10),
	})
}

// =============================================================================
// COMPUTATION HANDLERS
// =============================================================================

// Apportion computes a seat distribution.
// POST /api/apportionment
func (h *Handler) Apportion(w http.ResponseWriter, r *http.Request) {
	var req ApportionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Headcount == nil && req.TotalSeats == nil {
		writeError(w, http.StatusBadRequest, "One of headcount or total_seats is required", nil)
		return
	}
	if (req.Headcount != nil && *req.Headcount < 0) || (req.TotalSeats != nil && *req.TotalSeats < 0) {
		writeError(w, http.StatusBadRequest, "Headcount and total_seats must be non-negative", nil)
		return
	}

	votes := make(map[election.Organization]int, len(req.Votes))
	for org, count := range req.Votes {
		votes[election.Organization(org)] = count
	}

	var result election.ApportionmentResult
	if req.Headcount != nil {
		result = election.ApportionForHeadcount(*req.Headcount, votes)
	} else {
		seats := election.Apportion(votes, *req.TotalSeats)
		total := 0
		for _, count := range votes {
			if count > 0 {
				total += count
			}
		}
		result = election.ApportionmentResult{
			TotalSeats: *req.TotalSeats,
			SeatsByOrg: seats,
			TotalVotes: total,
		}
	}

	dto := ApportionDTO{
		TotalSeats: result.TotalSeats,
		TotalVotes: result.TotalVotes,
		SeatsByOrg: make(map[string]int, len(result.SeatsByOrg)),
	}
	for org, seats := range result.SeatsByOrg {
		dto.SeatsByOrg[string(org)] = seats
	}
	writeJSON(w, http.StatusOK, dto)
}

// GlobalStats returns the cross-table statistics snapshot.
// GET /api/stats
func (h *Handler) GlobalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.GlobalStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
