/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the election aggregation engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and parse command-line flags
  2. Initialize SQLite store
  3. Build the cross-reference mapping from stored ballots
  4. Wire registry client, enrichment runner, task tracker and worker
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port            HTTP server port (default: 8080)
  -db              SQLite database path (default: elections.db)
                   Use ":memory:" for an in-memory database
  -registry-url    Base URL of the establishment registry API
  -rate-limit      Max registry calls per window (default: 30)
  -rate-window     Sliding window length (default: 60s)

ENVIRONMENT:
  REGISTRY_API_KEY  Shared secret for the registry (never a flag, so it
                    stays out of shell history and process listings).
                    Loaded from .env when present.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the background worker (cancels running operations)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/elections.db"

  # Run against the public registry
  REGISTRY_API_KEY=... ./server -registry-url="https://api.insee.fr/entreprises/sirene/V3"

SEE ALSO:
  - api/server.go: Router configuration
  - api/worker.go: Background operations
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/scrutin/election-engine/api"
	"github.com/scrutin/election-engine/election"
	"github.com/scrutin/election-engine/enrich"
	"github.com/scrutin/election-engine/ingest"
	"github.com/scrutin/election-engine/registry"
	"github.com/scrutin/election-engine/store/sqlite"
	"github.com/scrutin/election-engine/tasks"
)

func main() {
	// .env is optional; flags and real env vars win
	_ = godotenv.Load()

	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "elections.db", "SQLite database path")
	registryURL := flag.String("registry-url", "https://api.insee.fr/entreprises/sirene/V3", "Registry API base URL")
	rateLimit := flag.Int("rate-limit", 30, "Max registry calls per window")
	rateWindow := flag.Duration("rate-window", 60*time.Second, "Registry rate limit window")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Rebuild the code->federation mapping from whatever ballots are
	// already stored
	mapper := election.NewMapper()
	pairs, err := store.CodePairs(context.Background())
	if err != nil {
		log.Fatalf("Failed to load mapping observations: %v", err)
	}
	mapper.Rebuild(pairs)

	// Registry client behind the shared rate limiter
	limiter := registry.NewLimiter(*rateLimit, *rateWindow)
	apiKey := os.Getenv("REGISTRY_API_KEY")
	if apiKey == "" {
		log.Println("Warning: REGISTRY_API_KEY not set, enrichment will fail authorization")
	}
	client := registry.NewClient(registry.Config{
		BaseURL: *registryURL,
		APIKey:  apiKey,
	}, limiter)

	// Background operations
	tracker := tasks.NewTracker(store)
	enricher := enrich.NewRunner(store, client)
	worker := api.NewWorker(store, mapper, enricher, tracker)
	worker.Start()

	// HTTP layer
	engine := ingest.NewEngine(store, mapper)
	handler := api.NewHandler(store, engine, mapper, limiter, tracker, worker)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	worker.Stop()
	log.Println("Server stopped")
}
