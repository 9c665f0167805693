// Package domain defines the core types, constants, and validation for the
// listing ingestion pipeline. It acts as the validation gate at pipeline
// entry points and carries the shared vocabulary of every stage.
package domain

import "time"

// ExtractorSource identifies which extraction path produced a value.
type ExtractorSource string

const (
	SourceLayout ExtractorSource = "layout"
	SourceVision ExtractorSource = "vision"
)

// Canonical field names shared by both extractors and the reconciler.
const (
	FieldVIN         = "vin"
	FieldYear        = "year"
	FieldMake        = "make"
	FieldModel       = "model"
	FieldMileage     = "mileage"
	FieldPrice       = "price"
	FieldFeatures    = "features"
	FieldDescription = "description"
)

// FieldCategory selects the merge strategy for a field.
type FieldCategory int

const (
	CategoryStructuredNumeric FieldCategory = iota
	CategoryStructuredString
	CategoryDescriptiveText
)

// FieldCategories maps every canonical field to its merge category.
// Fields not listed here (free-form specification entries) are treated
// as descriptive text.
var FieldCategories = map[string]FieldCategory{
	FieldVIN:         CategoryStructuredString,
	FieldYear:        CategoryStructuredNumeric,
	FieldMake:        CategoryStructuredString,
	FieldModel:       CategoryStructuredString,
	FieldMileage:     CategoryStructuredNumeric,
	FieldPrice:       CategoryStructuredNumeric,
	FieldFeatures:    CategoryDescriptiveText,
	FieldDescription: CategoryDescriptiveText,
}

// CategoryOf returns the merge category for a field name.
func CategoryOf(field string) FieldCategory {
	if c, ok := FieldCategories[field]; ok {
		return c
	}
	return CategoryDescriptiveText
}

// RawDocument is the immutable pipeline input. The pipeline never mutates it.
type RawDocument struct {
	Content    []byte    `json:"content"`
	Filename   string    `json:"filename"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// BoundingRegion locates an extracted value on a page. Zero value means
// "position unknown" (vision extractions usually omit it).
type BoundingRegion struct {
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FieldExtraction is one extracted value with provenance. Multiple
// extractions for the same logical field coexist until reconciled.
type FieldExtraction struct {
	Field      string          `json:"field"`
	Value      string          `json:"value"`
	Source     ExtractorSource `json:"source"`
	Confidence float64         `json:"confidence"`
	Region     *BoundingRegion `json:"region,omitempty"`
}

// RawImage is an embedded raster image pulled out of the document by the
// layout extractor, before any processing.
type RawImage struct {
	Data    []byte `json:"-"`
	Page    int    `json:"page"`
	Index   int    `json:"index"`
	Caption string `json:"caption,omitempty"`
}

// ExtractionResult is the full output of one extractor for one document.
// Consumed exactly once by reconciliation, then discarded.
type ExtractionResult struct {
	Source   ExtractorSource   `json:"source"`
	Fields   []FieldExtraction `json:"fields"`
	Images   []RawImage        `json:"images,omitempty"`
	Duration time.Duration     `json:"duration"`
	Err      bool              `json:"error"`
	ErrMsg   string            `json:"error_message,omitempty"`
}

// Abstained reports whether this extractor produced nothing usable.
func (r ExtractionResult) Abstained() bool {
	return r.Err || len(r.Fields) == 0
}

// FieldsByName groups the result's extractions by canonical field name.
func (r ExtractionResult) FieldsByName() map[string]FieldExtraction {
	out := make(map[string]FieldExtraction, len(r.Fields))
	for _, f := range r.Fields {
		// Keep the highest-confidence extraction per field.
		if prev, ok := out[f.Field]; !ok || f.Confidence > prev.Confidence {
			out[f.Field] = f
		}
	}
	return out
}

// MergeConflict records a field where the two extractors disagreed within
// the tie margin. Created during reconciliation, never mutated.
type MergeConflict struct {
	VIN         string          `json:"vin"`
	Field       string          `json:"field"`
	LayoutValue string          `json:"layout_value"`
	VisionValue string          `json:"vision_value"`
	LayoutConf  float64         `json:"layout_confidence"`
	VisionConf  float64         `json:"vision_confidence"`
	Resolved    ExtractorSource `json:"resolved_to"`
	CreatedAt   time.Time       `json:"created_at"`
}

// VehicleData is the reconciled canonical record. VIN is checksum-valid by
// construction; reconciliation fails the document otherwise.
type VehicleData struct {
	VIN         string            `json:"vin"`
	Year        int               `json:"year,omitempty"`
	Make        string            `json:"make,omitempty"`
	Model       string            `json:"model,omitempty"`
	Mileage     int               `json:"mileage,omitempty"`
	Price       float64           `json:"price,omitempty"`
	Features    []string          `json:"features,omitempty"`
	Description string            `json:"description,omitempty"`
	Specs       map[string]string `json:"specs,omitempty"`

	// Confidence carries the per-field confidence recorded at merge time.
	Confidence map[string]float64 `json:"confidence,omitempty"`
}

// ImageCategory classifies a processed image for the serving layer.
type ImageCategory string

const (
	ImageHero     ImageCategory = "hero"
	ImageCarousel ImageCategory = "carousel"
	ImageDetail   ImageCategory = "detail"
)

// EnhancedImage is a processed listing image.
type EnhancedImage struct {
	URL            string        `json:"url"`
	Category       ImageCategory `json:"category"`
	QualityScore   int           `json:"quality_score"` // 0-100
	LowQuality     bool          `json:"low_quality"`   // flagged, never dropped
	AltText        string        `json:"alt_text"`
	PerceptualHash uint64        `json:"perceptual_hash"`
	Width          int           `json:"width"`
	Height         int           `json:"height"`

	// Data holds the enhanced JPEG for the embedding stage. Not persisted;
	// the stored copy lives at URL.
	Data []byte `json:"-"`
}

// StageTimings records wall-clock duration per pipeline stage.
type StageTimings map[string]time.Duration

// VehicleListingArtifact is the pipeline's terminal output. Immutable after
// creation; a reprocessed VIN produces a new version that supersedes it.
type VehicleListingArtifact struct {
	ID            string          `json:"id"`
	VIN           string          `json:"vin"`
	Version       int             `json:"version"`
	ContentHash   string          `json:"content_hash"`
	Data          VehicleData     `json:"data"`
	Images        []EnhancedImage `json:"images"`
	Conflicts     []MergeConflict `json:"conflicts,omitempty"`
	TotalLatency  time.Duration   `json:"total_latency"`
	StageTimings  StageTimings    `json:"stage_timings"`
	ConflictCount int             `json:"conflict_count"`
	CreatedAt     time.Time       `json:"created_at"`
}

// VehicleEmbedding is the indexed vector plus the hashes used to decide
// whether re-embedding is necessary. One per VIN, overwritten on change.
type VehicleEmbedding struct {
	VIN       string    `json:"vin"`
	Vector    []float32 `json:"vector"`
	TextHash  string    `json:"text_hash"`
	ImageHash string    `json:"image_hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocState is a listing document's position in the processing lifecycle.
type DocState string

const (
	StateReceived        DocState = "received"
	StateExtracting      DocState = "extracting"
	StateReconciling     DocState = "reconciling"
	StateConflictReview  DocState = "conflict_review"
	StateImageProcessing DocState = "image_processing"
	StateEmbedding       DocState = "embedding"
	StateIndexed         DocState = "indexed"
	StateNeedsReview     DocState = "needs_review"
	StateFailed          DocState = "failed"
	StateTimedOut        DocState = "timed_out"
)
