// Package embed turns finalized vehicle records into multimodal embeddings
// and keeps the vector store in sync, one point per VIN.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
	"github.com/LotVisionAI/lotvision-mvp/engine/semantic"
	"github.com/LotVisionAI/lotvision-mvp/pkg/fn"
	"github.com/LotVisionAI/lotvision-mvp/pkg/resilience"
)

// Embedder produces one fixed-dimension vector from text plus images.
type Embedder interface {
	Embed(ctx context.Context, text string, images [][]byte) ([]float32, error)
}

// VectorIndex is the slice of the vector store the service needs.
type VectorIndex interface {
	GetByVIN(ctx context.Context, vin string) (semantic.StoredListing, bool, error)
	UpsertListing(ctx context.Context, rec semantic.ListingVector) error
}

// Opts tunes the embedding service.
type Opts struct {
	// Dimension is the expected vector length. Zero disables the check.
	Dimension int
	// MaxDetailImages caps how many detail shots ride along with the hero.
	MaxDetailImages int
	// CacheSize bounds the in-process vector cache.
	CacheSize int
	Retry     fn.RetryPolicy
	Breaker   *resilience.Breaker
	Log       *slog.Logger
}

// Service embeds listings and upserts them into the vector index.
type Service struct {
	model   Embedder
	index   VectorIndex
	cache   *lru.Cache[string, []float32]
	opts    Opts
	breaker *resilience.Breaker
	log     *slog.Logger
}

func NewService(model Embedder, index VectorIndex, opts Opts) *Service {
	if opts.MaxDetailImages <= 0 {
		opts.MaxDetailImages = 3
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 512
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fn.DefaultRetry
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewBreaker(resilience.DefaultBreakerOpts)
	}
	cache, _ := lru.New[string, []float32](opts.CacheSize)
	return &Service{
		model:   model,
		index:   index,
		cache:   cache,
		opts:    opts,
		breaker: breaker,
		log:     opts.Log,
	}
}

// EmbedListing embeds a finalized record and upserts the result. When the
// stored hashes already match, the model is not called and the previous
// point is left untouched; the second return reports that reuse.
func (s *Service) EmbedListing(ctx context.Context, data domain.VehicleData, images []domain.EnhancedImage) (domain.VehicleEmbedding, bool, error) {
	text := CompositeText(data)
	next := Hashes{Text: TextHash(text), Image: ImageHash(images)}

	stored, found, err := s.index.GetByVIN(ctx, data.VIN)
	if err != nil {
		return domain.VehicleEmbedding{}, false, fmt.Errorf("embed: lookup %s: %w", data.VIN, err)
	}
	if found && !ShouldReembed(Hashes{Text: stored.TextHash, Image: stored.ImageHash}, next) {
		s.log.Debug("embed: hashes unchanged, skipping", "vin", data.VIN)
		emb := domain.VehicleEmbedding{
			VIN:       data.VIN,
			TextHash:  stored.TextHash,
			ImageHash: stored.ImageHash,
			UpdatedAt: stored.UpdatedAt,
		}
		vec, ok := s.cache.Get(cacheKey(data.VIN, next))
		if !ok {
			// Cache lost (for instance after a restart): the index
			// keeps the vector.
			vec = stored.Vector
			if len(vec) > 0 {
				s.cache.Add(cacheKey(data.VIN, next), vec)
			}
		}
		emb.Vector = vec
		return emb, true, nil
	}

	vector, err := s.embedWithRetry(ctx, text, selectImages(images, s.opts.MaxDetailImages))
	if err != nil {
		return domain.VehicleEmbedding{}, false, err
	}
	if s.opts.Dimension != 0 && len(vector) != s.opts.Dimension {
		return domain.VehicleEmbedding{}, false, domain.NewFatal(
			domain.ErrDimensionMismatch,
			domain.StateFailed,
			fmt.Sprintf("embedder returned %d dims, configured %d", len(vector), s.opts.Dimension),
			nil,
		)
	}

	now := time.Now().UTC()
	rec := semantic.ListingVector{
		VIN:       data.VIN,
		Embedding: vector,
		TextHash:  next.Text,
		ImageHash: next.Image,
		UpdatedAt: now,
		Meta:      payloadMeta(data),
	}
	if err := s.index.UpsertListing(ctx, rec); err != nil {
		return domain.VehicleEmbedding{}, false, fmt.Errorf("embed: upsert %s: %w", data.VIN, err)
	}
	s.cache.Add(cacheKey(data.VIN, next), vector)

	return domain.VehicleEmbedding{
		VIN:       data.VIN,
		Vector:    vector,
		TextHash:  next.Text,
		ImageHash: next.Image,
		UpdatedAt: now,
	}, false, nil
}

// modelInput is the payload for one model call.
type modelInput struct {
	text   string
	images [][]byte
}

// callStage builds the guarded model-call stage; retries wrap the breaker.
func (s *Service) callStage() fn.Stage[modelInput, []float32] {
	return fn.RetryStage(s.opts.Retry,
		resilience.BreakerStage(s.breaker, func(ctx context.Context, in modelInput) fn.Result[[]float32] {
			return fn.FromPair(s.model.Embed(ctx, in.text, in.images))
		}))
}

func (s *Service) embedWithRetry(ctx context.Context, text string, images [][]byte) ([]float32, error) {
	vector, err := s.callStage()(ctx, modelInput{text: text, images: images}).Unwrap()
	if err != nil {
		return nil, fmt.Errorf("embed: model call: %w", err)
	}
	return vector, nil
}

// selectImages picks the hero plus up to maxDetail detail shots, skipping
// anything without bytes in memory.
func selectImages(images []domain.EnhancedImage, maxDetail int) [][]byte {
	var out [][]byte
	details := 0
	for _, img := range images {
		if len(img.Data) == 0 {
			continue
		}
		switch img.Category {
		case domain.ImageHero:
			out = append(out, img.Data)
		case domain.ImageDetail:
			if details < maxDetail {
				out = append(out, img.Data)
				details++
			}
		}
	}
	return out
}

func payloadMeta(data domain.VehicleData) map[string]any {
	meta := make(map[string]any, 5)
	if data.Make != "" {
		meta["make"] = data.Make
	}
	if data.Model != "" {
		meta["model"] = data.Model
	}
	if data.Year != 0 {
		meta["year"] = data.Year
	}
	if data.Price != 0 {
		meta["price"] = data.Price
	}
	if data.Mileage != 0 {
		meta["mileage"] = data.Mileage
	}
	return meta
}

func cacheKey(vin string, h Hashes) string {
	return vin + ":" + h.Text + ":" + h.Image
}
