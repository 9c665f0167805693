// Package images turns the raw images pulled out of a document into the
// ordered, deduplicated, enhanced set a listing serves. Near-duplicates are
// dropped by perceptual hash; everything else is classified, normalized,
// scored, and kept. A low-quality photo is flagged rather than silently
// discarded, since it is still better than none for a listing with few
// photos.
package images

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
)

// Sink persists a processed image and returns its serving URL.
type Sink interface {
	Store(ctx context.Context, key string, jpeg []byte) (url string, err error)
}

// Opts tunes the pipeline.
type Opts struct {
	// DedupThreshold is the max Hamming distance at which two images are
	// considered near-duplicates.
	DedupThreshold int
	// WebWidth is the standard serving width; height follows aspect.
	WebWidth int
	// QualityFloor flags (not drops) images scoring below it.
	QualityFloor int
	Logger       *slog.Logger
}

// DefaultOpts matches typical listing-photo serving.
var DefaultOpts = Opts{
	DedupThreshold: 8,
	WebWidth:       1280,
	QualityFloor:   40,
}

// Pipeline processes raw document images for one listing.
type Pipeline struct {
	sink Sink
	opts Opts
	log  *slog.Logger
}

// New creates a Pipeline.
func New(sink Sink, opts Opts) *Pipeline {
	if opts.DedupThreshold <= 0 {
		opts.DedupThreshold = DefaultOpts.DedupThreshold
	}
	if opts.WebWidth <= 0 {
		opts.WebWidth = DefaultOpts.WebWidth
	}
	if opts.QualityFloor <= 0 {
		opts.QualityFloor = DefaultOpts.QualityFloor
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{sink: sink, opts: opts, log: log}
}

// decoded pairs a raw image with its decoded pixels and hash.
type decoded struct {
	raw  domain.RawImage
	img  image.Image
	hash uint64
}

// Process runs dedup → classify → enhance → score → alt text, in that
// order, and returns hero first, then carousel, then detail images.
func (p *Pipeline) Process(ctx context.Context, data domain.VehicleData, raws []domain.RawImage) ([]domain.EnhancedImage, error) {
	start := time.Now()

	kept := p.dedup(raws)
	if len(kept) == 0 {
		return nil, nil
	}

	categories := classify(kept)

	out := make([]domain.EnhancedImage, 0, len(kept))
	counters := map[domain.ImageCategory]int{}
	for i, d := range kept {
		category := categories[i]

		enhanced := enhance(d.img, p.opts.WebWidth)
		quality := qualityScore(enhanced)

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, enhanced, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
			return nil, fmt.Errorf("images: encode: %w", err)
		}

		counters[category]++
		key := fmt.Sprintf("listings/%s/%s-%d.jpg", data.VIN, category, counters[category])
		url, err := p.sink.Store(ctx, key, buf.Bytes())
		if err != nil {
			return nil, fmt.Errorf("images: store %s: %w", key, err)
		}

		bounds := enhanced.Bounds()
		out = append(out, domain.EnhancedImage{
			URL:            url,
			Category:       category,
			QualityScore:   quality,
			LowQuality:     quality < p.opts.QualityFloor,
			AltText:        altText(category, data, d.raw.Caption),
			PerceptualHash: d.hash,
			Width:          bounds.Dx(),
			Height:         bounds.Dy(),
			Data:           buf.Bytes(),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return categoryRank(out[i].Category) < categoryRank(out[j].Category)
	})

	p.log.Info("images: processed",
		"vin", data.VIN, "input", len(raws), "kept", len(out),
		"duration", time.Since(start))
	return out, nil
}

func categoryRank(c domain.ImageCategory) int {
	switch c {
	case domain.ImageHero:
		return 0
	case domain.ImageCarousel:
		return 1
	default:
		return 2
	}
}

// dedup decodes images and drops near-duplicates of already-kept ones.
// Undecodable images are dropped with a warning.
func (p *Pipeline) dedup(raws []domain.RawImage) []decoded {
	var kept []decoded
	for _, raw := range raws {
		img, err := imaging.Decode(bytes.NewReader(raw.Data))
		if err != nil {
			p.log.Warn("images: undecodable", "page", raw.Page, "index", raw.Index, "error", err)
			continue
		}
		hash := PerceptualHash(img)

		dup := false
		for _, k := range kept {
			if HammingDistance(hash, k.hash) <= p.opts.DedupThreshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, decoded{raw: raw, img: img, hash: hash})
	}
	return kept
}

// Caption keywords that mark a close-up detail shot.
var detailWords = []string{"damage", "odometer", "scratch", "dent", "close-up", "closeup", "wear", "tear", "vin plate"}

// classify assigns a category per kept image: the single largest
// high-contrast image becomes the hero, caption-flagged close-ups become
// detail, the rest carousel.
func classify(kept []decoded) []domain.ImageCategory {
	categories := make([]domain.ImageCategory, len(kept))

	heroIdx := -1
	heroScore := -1.0
	for i, d := range kept {
		if isDetail(d.raw.Caption) {
			categories[i] = domain.ImageDetail
			continue
		}
		categories[i] = domain.ImageCarousel

		b := d.img.Bounds()
		area := float64(b.Dx() * b.Dy())
		score := area * (0.5 + contrast(d.img))
		if score > heroScore {
			heroScore = score
			heroIdx = i
		}
	}
	if heroIdx >= 0 {
		categories[heroIdx] = domain.ImageHero
	}
	return categories
}

func isDetail(caption string) bool {
	c := strings.ToLower(caption)
	for _, w := range detailWords {
		if strings.Contains(c, w) {
			return true
		}
	}
	return false
}

// enhance applies brightness/contrast normalization and resizes to the
// standard web width. Images narrower than the target keep their size.
func enhance(img image.Image, webWidth int) *image.NRGBA {
	out := imaging.AdjustContrast(img, 5)
	out = imaging.AdjustBrightness(out, normalizeBrightnessDelta(img))
	if img.Bounds().Dx() > webWidth {
		out = imaging.Resize(out, webWidth, 0, imaging.Lanczos)
	}
	return out
}

// normalizeBrightnessDelta nudges mean luma toward mid-gray, capped at ±15%.
func normalizeBrightnessDelta(img image.Image) float64 {
	mean := meanLuma(img)
	delta := (0.5 - mean) * 30
	if delta > 15 {
		delta = 15
	}
	if delta < -15 {
		delta = -15
	}
	return delta
}

// qualityScore combines resolution, contrast, and a blur estimate into a
// 0-100 heuristic.
func qualityScore(img image.Image) int {
	b := img.Bounds()
	pixels := float64(b.Dx() * b.Dy())

	// Resolution: full marks at ~1.2MP.
	resScore := pixels / (1280 * 960)
	if resScore > 1 {
		resScore = 1
	}

	// Contrast: luma stddev, full marks at 0.25.
	contrastScore := contrast(img) / 0.25
	if contrastScore > 1 {
		contrastScore = 1
	}

	// Sharpness: mean absolute horizontal gradient, full marks at 0.05.
	blurScore := sharpness(img) / 0.05
	if blurScore > 1 {
		blurScore = 1
	}

	return int(math.Round(100 * (0.4*resScore + 0.3*contrastScore + 0.3*blurScore)))
}

// strideFor keeps pixel scans cheap on large images.
func strideFor(b image.Rectangle) int {
	s := b.Dx() / 64
	if s < 1 {
		s = 1
	}
	return s
}

func meanLuma(img image.Image) float64 {
	b := img.Bounds()
	stride := strideFor(b)
	var sum float64
	var n int
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		for x := b.Min.X; x < b.Max.X; x += stride {
			sum += luma(img, x, y)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// contrast is the standard deviation of sampled luma, in [0, 0.5].
func contrast(img image.Image) float64 {
	b := img.Bounds()
	stride := strideFor(b)
	mean := meanLuma(img)
	var sum float64
	var n int
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		for x := b.Min.X; x < b.Max.X; x += stride {
			d := luma(img, x, y) - mean
			sum += d * d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// sharpness is the mean absolute horizontal luma gradient.
func sharpness(img image.Image) float64 {
	b := img.Bounds()
	stride := strideFor(b)
	var sum float64
	var n int
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		for x := b.Min.X; x < b.Max.X-stride; x += stride {
			sum += math.Abs(luma(img, x+stride, y) - luma(img, x, y))
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func luma(img image.Image, x, y int) float64 {
	r, g, b, _ := img.At(x, y).RGBA()
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 65535
}

// altText renders accessible text from the classification, the vehicle, and
// any nearby caption.
func altText(category domain.ImageCategory, data domain.VehicleData, caption string) string {
	vehicle := strings.TrimSpace(fmt.Sprintf("%s %s %s", yearString(data.Year), data.Make, data.Model))
	if vehicle == "" {
		vehicle = "vehicle"
	}

	var base string
	switch category {
	case domain.ImageHero:
		base = fmt.Sprintf("Exterior photo of %s", vehicle)
	case domain.ImageDetail:
		base = fmt.Sprintf("Detail photo of %s", vehicle)
	default:
		base = fmt.Sprintf("Photo of %s", vehicle)
	}
	if caption != "" {
		base += ": " + caption
	}
	return base
}

func yearString(year int) string {
	if year == 0 {
		return ""
	}
	return fmt.Sprintf("%d", year)
}
