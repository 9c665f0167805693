// Package pipeline orchestrates one document's trip from uploaded PDF to
// indexed listing: parallel extraction, reconciliation, image processing,
// embedding, and persistence, with per-stage timing and terminal states.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
	"github.com/LotVisionAI/lotvision-mvp/engine/reconcile"
	"github.com/LotVisionAI/lotvision-mvp/pkg/fn"
	"github.com/LotVisionAI/lotvision-mvp/pkg/metrics"
)

// Extractor is one of the two independent extraction paths.
type Extractor interface {
	Extract(ctx context.Context, doc domain.RawDocument) domain.ExtractionResult
}

// ImageProcessor turns raw embedded images into served listing photos.
type ImageProcessor interface {
	Process(ctx context.Context, data domain.VehicleData, raws []domain.RawImage) ([]domain.EnhancedImage, error)
}

// EmbedService embeds a finalized record and keeps the vector index current.
type EmbedService interface {
	EmbedListing(ctx context.Context, data domain.VehicleData, images []domain.EnhancedImage) (domain.VehicleEmbedding, bool, error)
}

// ArtifactStore is the slice of the listing repository the orchestrator uses.
type ArtifactStore interface {
	ByContentHash(ctx context.Context, hash string) (domain.VehicleListingArtifact, bool, error)
	SaveVersion(ctx context.Context, artifact domain.VehicleListingArtifact) (domain.VehicleListingArtifact, bool, error)
	RecordConflicts(ctx context.Context, vin string, conflicts []domain.MergeConflict) error
}

// Opts tunes the orchestrator.
type Opts struct {
	Policy reconcile.Policy
	// DocTimeout bounds one document end to end.
	DocTimeout time.Duration
	Metrics    *metrics.Registry
	Log        *slog.Logger
}

// Outcome is the terminal result for one document.
type Outcome struct {
	State     domain.DocState
	Artifact  domain.VehicleListingArtifact
	Embedding domain.VehicleEmbedding
	Conflicts []domain.MergeConflict
	// Reused is true when identical content had already been indexed and
	// the document was a no-op.
	Reused bool
}

// Orchestrator drives the per-document state machine.
type Orchestrator struct {
	layout   Extractor
	vision   Extractor
	images   ImageProcessor
	embedder EmbedService
	store    ArtifactStore
	opts     Opts
	log      *slog.Logger

	docsTotal  func(state domain.DocState) *metrics.Counter
	stageTimes func(stage string) *metrics.Histogram
	conflicts  *metrics.Counter
	reusedDocs *metrics.Counter
}

// New builds an Orchestrator.
func New(layout, vision Extractor, images ImageProcessor, embedder EmbedService, store ArtifactStore, opts Opts) *Orchestrator {
	if opts.DocTimeout <= 0 {
		opts.DocTimeout = 60 * time.Second
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	reg := opts.Metrics
	return &Orchestrator{
		layout:   layout,
		vision:   vision,
		images:   images,
		embedder: embedder,
		store:    store,
		opts:     opts,
		log:      opts.Log,
		docsTotal: func(state domain.DocState) *metrics.Counter {
			return reg.Counter(
				metrics.WithLabels("lotvision_documents_total", "state", string(state)),
				"Documents by terminal state")
		},
		stageTimes: func(stage string) *metrics.Histogram {
			return reg.Histogram(
				metrics.WithLabels("lotvision_stage_seconds", "stage", stage),
				"Stage wall-clock duration", metrics.DefaultBuckets)
		},
		conflicts:  reg.Counter("lotvision_conflicts_total", "Merge conflicts recorded"),
		reusedDocs: reg.Counter("lotvision_documents_reused_total", "Byte-identical re-ingests skipped"),
	}
}

// ContentHash fingerprints the raw document bytes.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// work carries one document's accumulating state through the stages.
type work struct {
	doc     domain.RawDocument
	hash    string
	start   time.Time
	timings domain.StageTimings

	layoutRes domain.ExtractionResult
	visionRes domain.ExtractionResult
	merged    reconcile.Outcome
	enhanced  []domain.EnhancedImage
	embedding domain.VehicleEmbedding
	saved     domain.VehicleListingArtifact
	created   bool
}

// Process runs one document through every stage. The returned Outcome
// always carries a terminal state; err is non-nil only for failed and
// timed_out outcomes.
func (o *Orchestrator) Process(ctx context.Context, doc domain.RawDocument) (Outcome, error) {
	if err := domain.ValidateDocument(doc); err != nil {
		return o.fail(domain.StateFailed, doc, err)
	}

	hash := ContentHash(doc.Content)
	if prior, found, err := o.store.ByContentHash(ctx, hash); err != nil {
		return o.fail(domain.StateFailed, doc, err)
	} else if found {
		o.reusedDocs.Inc()
		o.log.Info("pipeline: identical content already indexed",
			"file", doc.Filename, "vin", prior.VIN, "version", prior.Version)
		return Outcome{State: domain.StateIndexed, Artifact: prior, Reused: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.DocTimeout)
	defer cancel()

	w := &work{doc: doc, hash: hash, start: time.Now(), timings: domain.StageTimings{}}

	front := fn.Then(
		o.traced("extracting", o.extract),
		fn.Then(
			o.traced("reconciling", o.reconcile),
			fn.TapStage(func(_ context.Context, w *work) {
				o.conflicts.Add(int64(len(w.merged.Conflicts)))
			}),
		),
	)
	if _, err := front(ctx, w).Unwrap(); err != nil {
		return o.fail(terminalState(ctx, err), doc, err)
	}

	if w.merged.NeedsReview {
		if err := o.store.RecordConflicts(ctx, w.merged.Data.VIN, w.merged.Conflicts); err != nil {
			return o.fail(domain.StateFailed, doc, err)
		}
		o.docsTotal(domain.StateNeedsReview).Inc()
		o.log.Warn("pipeline: blocking conflict, held for review",
			"file", doc.Filename, "vin", w.merged.Data.VIN, "conflicts", len(w.merged.Conflicts))
		return Outcome{State: domain.StateNeedsReview, Conflicts: w.merged.Conflicts}, nil
	}

	tail := fn.Pipeline(
		o.traced("image_processing", o.processImages),
		o.traced("embedding", o.embed),
		o.traced("indexing", o.persist),
	)
	if _, err := tail(ctx, w).Unwrap(); err != nil {
		return o.fail(terminalState(ctx, err), doc, err)
	}

	o.docsTotal(domain.StateIndexed).Inc()
	o.log.Info("pipeline: indexed",
		"file", doc.Filename, "vin", w.saved.VIN, "version", w.saved.Version,
		"new_version", w.created, "conflicts", len(w.merged.Conflicts),
		"duration", time.Since(w.start))
	return Outcome{
		State:     domain.StateIndexed,
		Artifact:  w.saved,
		Embedding: w.embedding,
		Conflicts: w.merged.Conflicts,
	}, nil
}

// traced wraps a stage with a span and the per-stage duration histogram.
func (o *Orchestrator) traced(name string, stage fn.Stage[*work, *work]) fn.Stage[*work, *work] {
	return fn.TracedStage(name, func(ctx context.Context, w *work) fn.Result[*work] {
		defer func(start time.Time) { o.observe(w.timings, name, start) }(time.Now())
		return stage(ctx, w)
	})
}

// extract runs both extraction paths concurrently and joins them.
func (o *Orchestrator) extract(ctx context.Context, w *work) fn.Result[*work] {
	pair := fn.FanOut(
		func() domain.ExtractionResult { return o.layout.Extract(ctx, w.doc) },
		func() domain.ExtractionResult { return o.vision.Extract(ctx, w.doc) },
	)
	if ctx.Err() != nil {
		// Partial results are discarded, not persisted.
		return fn.Err[*work](fmt.Errorf("pipeline: extraction: %w", domain.ErrTimeout))
	}
	w.layoutRes, w.visionRes = pair[0], pair[1]
	return fn.Ok(w)
}

func (o *Orchestrator) reconcile(_ context.Context, w *work) fn.Result[*work] {
	merged, err := reconcile.Merge(w.layoutRes, w.visionRes, o.opts.Policy)
	if err != nil {
		return fn.Err[*work](err)
	}
	w.merged = merged
	return fn.Ok(w)
}

func (o *Orchestrator) processImages(ctx context.Context, w *work) fn.Result[*work] {
	raws := append(w.layoutRes.Images, w.visionRes.Images...)
	enhanced, err := o.images.Process(ctx, w.merged.Data, raws)
	if err != nil {
		return fn.Err[*work](err)
	}
	w.enhanced = enhanced
	return fn.Ok(w)
}

func (o *Orchestrator) embed(ctx context.Context, w *work) fn.Result[*work] {
	embedding, _, err := o.embedder.EmbedListing(ctx, w.merged.Data, w.enhanced)
	if err != nil {
		return fn.Err[*work](err)
	}
	w.embedding = embedding
	return fn.Ok(w)
}

func (o *Orchestrator) persist(ctx context.Context, w *work) fn.Result[*work] {
	saved, created, err := o.store.SaveVersion(ctx, domain.VehicleListingArtifact{
		VIN:          w.merged.Data.VIN,
		ContentHash:  w.hash,
		Data:         w.merged.Data,
		Images:       w.enhanced,
		Conflicts:    w.merged.Conflicts,
		StageTimings: w.timings,
		TotalLatency: time.Since(w.start),
	})
	if err != nil {
		return fn.Err[*work](err)
	}
	w.saved, w.created = saved, created
	return fn.Ok(w)
}

func (o *Orchestrator) fail(state domain.DocState, doc domain.RawDocument, err error) (Outcome, error) {
	o.docsTotal(state).Inc()
	o.log.Error("pipeline: document not indexed",
		"file", doc.Filename, "state", string(state), "error", err)
	return Outcome{State: state}, err
}

func (o *Orchestrator) observe(timings domain.StageTimings, stage string, start time.Time) {
	timings[stage] = time.Since(start)
	o.stageTimes(stage).Since(start)
}

// terminalState maps an error to the state the document ends in. Deadline
// expiry wins over whatever the failing stage reported.
func terminalState(ctx context.Context, err error) domain.DocState {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return domain.StateTimedOut
	}
	var fe *domain.FatalError
	if errors.As(err, &fe) && fe.State != "" {
		return fe.State
	}
	return domain.StateFailed
}
