// Command reindex rebuilds the vector index from the listing store. It pages
// through the latest version of every listing and re-embeds each one; the
// hash check inside the embed service skips listings whose content has not
// changed, so a plain run only fills gaps. Pass -force to re-embed everything.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/LotVisionAI/lotvision-mvp/engine/embed"
	"github.com/LotVisionAI/lotvision-mvp/engine/listing"
	"github.com/LotVisionAI/lotvision-mvp/engine/semantic"
	"github.com/LotVisionAI/lotvision-mvp/pkg/resilience"
)

func main() {
	var (
		batchSize = flag.Int("batch", 100, "listings fetched per page")
		force     = flag.Bool("force", false, "drop existing vectors so every listing re-embeds")
		dryRun    = flag.Bool("dry-run", false, "count listings without embedding")
		dims      = flag.Int("dims", 768, "embedding dimensionality")
	)
	flag.Parse()

	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	neo4jURL := envOr("NEO4J_URL", "neo4j://localhost:7687")
	neo4jUser := envOr("NEO4J_USER", "neo4j")
	neo4jPass := envOr("NEO4J_PASS", "password")
	qdrantURL := envOr("QDRANT_URL", "localhost:6334")
	collection := envOr("QDRANT_COLLECTION", "lotvision_listings")
	apiKey := envOr("GEMINI_API_KEY", "")
	embedModel := envOr("EMBED_MODEL", "gemini-embedding-001")

	driver, err := neo4j.NewDriverWithContext(neo4jURL, neo4j.BasicAuth(neo4jUser, neo4jPass, ""))
	if err != nil {
		log.Fatalf("neo4j connect: %v", err)
	}
	defer driver.Close(ctx)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	listings := listing.New(driver, logger)

	vectors, err := semantic.New(qdrantURL, collection)
	if err != nil {
		log.Fatalf("qdrant connect: %v", err)
	}
	defer vectors.Close()
	if err := vectors.EnsureCollection(ctx, *dims); err != nil {
		log.Fatalf("qdrant collection: %v", err)
	}

	model, err := embed.NewGeminiEmbedder(ctx, apiKey, embedModel, *dims)
	if err != nil {
		log.Fatalf("embed model: %v", err)
	}
	svc := embed.NewService(model, vectors, embed.Opts{
		Dimension: *dims,
		Breaker:   resilience.NewBreaker(resilience.DefaultBreakerOpts),
		Log:       logger,
	})

	start := time.Now()
	var scanned, embedded, skipped, failed int

	for offset := 0; ; offset += *batchSize {
		page, err := listings.LatestAll(ctx, offset, *batchSize)
		if err != nil {
			log.Fatalf("page at offset %d: %v", offset, err)
		}
		if len(page) == 0 {
			break
		}

		for _, artifact := range page {
			if ctx.Err() != nil {
				log.Fatalf("interrupted after %d listings", scanned)
			}
			scanned++
			if *dryRun {
				continue
			}
			if *force {
				if err := vectors.DeleteByVIN(ctx, artifact.VIN); err != nil {
					log.Printf("[%s] delete vector: %v", artifact.VIN, err)
					failed++
					continue
				}
			}
			_, reused, err := svc.EmbedListing(ctx, artifact.Data, artifact.Images)
			if err != nil {
				log.Printf("[%s] embed: %v", artifact.VIN, err)
				failed++
				continue
			}
			if reused {
				skipped++
			} else {
				embedded++
			}
		}
		if scanned%500 == 0 {
			log.Printf("Progress: %d scanned, %d embedded, %d unchanged, %d errors", scanned, embedded, skipped, failed)
		}
	}

	if *dryRun {
		log.Printf("Dry run: %d listings would be considered (%s)", scanned, time.Since(start).Round(time.Millisecond))
		return
	}
	log.Printf("Done! Scanned: %d, Embedded: %d, Unchanged: %d, Errors: %d in %s",
		scanned, embedded, skipped, failed, time.Since(start).Round(time.Second))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
