// Command ingestd runs the listing ingestion daemon: it accepts dealer PDFs
// over HTTP or NATS, runs them through extraction, reconciliation, image
// processing, and embedding, and serves the indexed results.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
	"github.com/LotVisionAI/lotvision-mvp/engine/embed"
	"github.com/LotVisionAI/lotvision-mvp/engine/extract"
	"github.com/LotVisionAI/lotvision-mvp/engine/images"
	"github.com/LotVisionAI/lotvision-mvp/engine/listing"
	"github.com/LotVisionAI/lotvision-mvp/engine/pipeline"
	"github.com/LotVisionAI/lotvision-mvp/engine/reconcile"
	"github.com/LotVisionAI/lotvision-mvp/engine/semantic"
	"github.com/LotVisionAI/lotvision-mvp/pkg/metrics"
	"github.com/LotVisionAI/lotvision-mvp/pkg/mid"
	"github.com/LotVisionAI/lotvision-mvp/pkg/pdftool"
	"github.com/LotVisionAI/lotvision-mvp/pkg/resilience"
)

// Config holds all environment-based configuration.
type Config struct {
	Port        string
	MetricsPort int
	CORSOrigin  string

	NATSURL string

	QdrantURL  string
	Collection string
	Neo4jURL   string
	Neo4jUser  string
	Neo4jPass  string

	GeminiAPIKey string
	VisionModel  string
	EmbedModel   string
	EmbedDim     int

	ImageDir     string
	SpoolDir     string
	ImageBaseURL string

	DocTimeout     time.Duration
	VisionTimeout  time.Duration
	VisionRPS      float64
	MaxInflight    int
	BlockConflicts bool
}

func loadConfig() Config {
	_ = godotenv.Load()
	return Config{
		Port:           envOr("PORT", "8080"),
		MetricsPort:    envInt("METRICS_PORT", 9091),
		CORSOrigin:     envOr("CORS_ORIGIN", "*"),
		NATSURL:        envOr("NATS_URL", nats.DefaultURL),
		QdrantURL:      envOr("QDRANT_URL", "localhost:6334"),
		Collection:     envOr("QDRANT_COLLECTION", "lotvision_listings"),
		Neo4jURL:       envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:      envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:      envOr("NEO4J_PASS", "password"),
		GeminiAPIKey:   envOr("GEMINI_API_KEY", ""),
		VisionModel:    envOr("VISION_MODEL", "gemini-2.0-flash"),
		EmbedModel:     envOr("EMBED_MODEL", "gemini-embedding-001"),
		EmbedDim:       envInt("EMBED_DIM", 768),
		ImageDir:       envOr("IMAGE_DIR", "/var/lib/lotvision/images"),
		SpoolDir:       envOr("SPOOL_DIR", "/var/lib/lotvision/spool"),
		ImageBaseURL:   envOr("IMAGE_BASE_URL", "http://localhost:8080/images"),
		DocTimeout:     envDuration("DOC_TIMEOUT", 60*time.Second),
		VisionTimeout:  envDuration("VISION_TIMEOUT", 30*time.Second),
		VisionRPS:      envFloat("VISION_RPS", 1),
		MaxInflight:    envInt("MAX_INFLIGHT", 4),
		BlockConflicts: envBool("BLOCK_CONFLICTS", false),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("ingestd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	reg.ServeAsync(cfg.MetricsPort)

	// --- Connect to Neo4j ---
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(ctx)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j verify: %w", err)
	}
	listings := listing.New(driver, logger)

	// --- Connect to Qdrant ---
	vectors, err := semantic.New(cfg.QdrantURL, cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectors.Close()
	if err := vectors.EnsureCollection(ctx, cfg.EmbedDim); err != nil {
		return fmt.Errorf("qdrant collection: %w", err)
	}
	logger.Info("vector store ready", "collection", cfg.Collection, "dims", cfg.EmbedDim)

	// --- Extraction ---
	tool := pdftool.New(pdftool.Config{
		DPI:      envInt("PDF_DPI", 150),
		MaxPages: envInt("PDF_MAX_PAGES", 20),
	}, pdftool.ExecRunner{})
	layout := extract.NewLayout(tool, logger)

	visionModel, err := extract.NewGeminiVision(ctx, cfg.GeminiAPIKey, cfg.VisionModel)
	if err != nil {
		return fmt.Errorf("vision model: %w", err)
	}
	vision := extract.NewVision(tool, visionModel, extract.VisionOpts{
		RequestsPerSecond: cfg.VisionRPS,
		CallTimeout:       cfg.VisionTimeout,
		Logger:            logger,
	})

	// --- Images ---
	if err := os.MkdirAll(cfg.ImageDir, 0o755); err != nil {
		return fmt.Errorf("image dir: %w", err)
	}
	imagePipe := images.New(&images.FSSink{BaseDir: cfg.ImageDir, BaseURL: cfg.ImageBaseURL}, images.Opts{})

	// --- Embedding ---
	embedModel, err := embed.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbedModel, cfg.EmbedDim)
	if err != nil {
		return fmt.Errorf("embed model: %w", err)
	}
	embedSvc := embed.NewService(embedModel, vectors, embed.Opts{
		Dimension: cfg.EmbedDim,
		Breaker:   resilience.NewBreaker(resilience.DefaultBreakerOpts),
		Log:       logger,
	})

	// --- Orchestrator ---
	policy := reconcile.DefaultPolicy
	if cfg.BlockConflicts {
		policy.BlockingFields = []string{domain.FieldVIN, domain.FieldPrice}
	}
	orch := pipeline.New(layout, vision, imagePipe, embedSvc, listings, pipeline.Opts{
		Policy:     policy,
		DocTimeout: cfg.DocTimeout,
		Metrics:    reg,
		Log:        logger,
	})

	// --- NATS consumer ---
	if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
		return fmt.Errorf("spool dir: %w", err)
	}
	spool := pipeline.FSSpool{Dir: cfg.SpoolDir}

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("lotvision-ingestd"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	sub, err := pipeline.StartConsumer(nc, orch, spool, cfg.MaxInflight, logger)
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer sub.Unsubscribe()
	logger.Info("consuming documents", "subject", pipeline.IngestSubject, "max_inflight", cfg.MaxInflight)

	// --- HTTP server ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/documents", handleUpload(nc, spool, logger))
	mux.HandleFunc("GET /api/listings/{vin}", handleListing(listings))
	mux.HandleFunc("GET /api/listings/{vin}/history", handleHistory(listings))
	mux.HandleFunc("GET /api/listings/{vin}/conflicts", handleConflicts(listings))
	mux.HandleFunc("GET /api/search", handleSearch(embedModel, vectors))
	mux.Handle("GET /images/", http.StripPrefix("/images/", http.FileServer(http.Dir(cfg.ImageDir))))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.MaxBytes(maxUploadBytes),
		mid.OTel("lotvision-ingestd"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ingestd listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

const maxUploadBytes = 32 << 20

// handleUpload accepts a PDF body, spools it, and enqueues a reference.
func handleUpload(nc *nats.Conn, spool pipeline.Spool, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		content, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, `{"error":"read body"}`, http.StatusRequestEntityTooLarge)
			return
		}
		doc := domain.RawDocument{
			Content:    content,
			Filename:   r.URL.Query().Get("filename"),
			UploadedAt: time.Now().UTC(),
		}
		if err := domain.ValidateDocument(doc); err != nil {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusUnprocessableEntity)
			return
		}
		if err := pipeline.Enqueue(r.Context(), nc, spool, doc); err != nil {
			logger.Error("enqueue failed", "error", err)
			http.Error(w, `{"error":"enqueue failed"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"status":       "accepted",
			"content_hash": pipeline.ContentHash(content),
		})
	}
}

// listingReader is the read side of the artifact store the handlers use.
type listingReader interface {
	Latest(ctx context.Context, vin string) (domain.VehicleListingArtifact, bool, error)
	History(ctx context.Context, vin string) ([]domain.VehicleListingArtifact, error)
	ConflictsByVIN(ctx context.Context, vin string) ([]domain.MergeConflict, error)
}

func handleListing(store listingReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vin := domain.NormalizeVIN(r.PathValue("vin"))
		artifact, found, err := store.Latest(r.Context(), vin)
		if err != nil {
			http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(artifact)
	}
}

func handleHistory(store listingReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vin := domain.NormalizeVIN(r.PathValue("vin"))
		history, err := store.History(r.Context(), vin)
		if err != nil {
			http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(history)
	}
}

func handleConflicts(store listingReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vin := domain.NormalizeVIN(r.PathValue("vin"))
		conflicts, err := store.ConflictsByVIN(r.Context(), vin)
		if err != nil {
			http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(conflicts)
	}
}

type searcher interface {
	SearchFiltered(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]semantic.SearchResult, error)
}

// handleSearch embeds the query text and runs filtered similarity search.
func handleSearch(model embed.Embedder, store searcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			http.Error(w, `{"error":"q is required"}`, http.StatusBadRequest)
			return
		}
		topK := 10
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				topK = n
			}
		}
		filters := make(map[string]string)
		for _, key := range []string{"make", "model", "year"} {
			if v := r.URL.Query().Get(key); v != "" {
				filters[key] = v
			}
		}

		vector, err := model.Embed(r.Context(), q, nil)
		if err != nil {
			http.Error(w, `{"error":"query embedding failed"}`, http.StatusBadGateway)
			return
		}
		results, err := store.SearchFiltered(r.Context(), vector, topK, filters)
		if err != nil {
			http.Error(w, `{"error":"search failed"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(results)
	}
}
