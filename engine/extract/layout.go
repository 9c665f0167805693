// Package extract implements the two independent extraction paths for one
// document: the deterministic layout parser and the vision model. Each
// absorbs its own failures into an abstaining ExtractionResult rather than
// returning errors across the pipeline boundary.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
	"github.com/LotVisionAI/lotvision-mvp/pkg/pdftool"
)

// Confidence levels for layout extractions: labeled table cells are
// near-certain, values inferred from free text much less so.
const (
	confLabeled  = 0.9
	confInferred = 0.5
)

// LayoutExtractor parses a PDF's internal structure. No AI, no network.
type LayoutExtractor struct {
	tool *pdftool.Tool
	log  *slog.Logger
}

// NewLayout creates a LayoutExtractor.
func NewLayout(tool *pdftool.Tool, log *slog.Logger) *LayoutExtractor {
	if log == nil {
		log = slog.Default()
	}
	return &LayoutExtractor{tool: tool, log: log}
}

// Extract runs layout extraction. It never returns a Go error: unparseable
// documents produce an abstaining result (error=true, zero fields) that
// reconciliation treats as "layout abstained".
func (e *LayoutExtractor) Extract(ctx context.Context, doc domain.RawDocument) domain.ExtractionResult {
	start := time.Now()
	res := domain.ExtractionResult{Source: domain.SourceLayout}

	path, cleanup, err := pdftool.WriteTemp(doc.Content)
	if err != nil {
		return e.abstain(res, start, err)
	}
	defer cleanup()

	text, pages, err := e.tool.Text(ctx, path)
	if err != nil {
		return e.abstain(res, start, err)
	}

	res.Fields = ParseLayoutText(text)

	images, err := e.tool.ExtractImages(ctx, path)
	if err != nil {
		// Fields without images is still a useful result.
		e.log.Warn("layout: image extraction failed", "file", doc.Filename, "error", err)
	} else {
		res.Images = attachCaptions(images, text)
	}

	res.Duration = time.Since(start)
	e.log.Debug("layout: fields", "summary", summary(res.Fields))
	e.log.Info("layout: extracted",
		"file", doc.Filename, "pages", pages,
		"fields", len(res.Fields), "images", len(res.Images),
		"duration", res.Duration)
	return res
}

func (e *LayoutExtractor) abstain(res domain.ExtractionResult, start time.Time, err error) domain.ExtractionResult {
	e.log.Warn("layout: abstaining", "error", err)
	res.Err = true
	res.ErrMsg = err.Error()
	res.Fields = nil
	res.Duration = time.Since(start)
	return res
}

// Labeled-line patterns: "VIN: 1HG..." or "Price | $24,000" style rows that
// pdftotext preserves from tables and spec sheets.
var labeledPatterns = []struct {
	field string
	re    *regexp.Regexp
}{
	{domain.FieldVIN, regexp.MustCompile(`(?im)^\s*VIN(?:\s*(?:#|No\.?|Number))?\s*[:|]\s*([A-HJ-NPR-Z0-9]{17})\b`)},
	{domain.FieldYear, regexp.MustCompile(`(?im)^\s*(?:Model\s+)?Year\s*[:|]\s*((?:19|20)\d{2})\b`)},
	{domain.FieldMake, regexp.MustCompile(`(?im)^\s*Make\s*[:|]\s*([A-Za-z][A-Za-z -]+?)\s*$`)},
	{domain.FieldModel, regexp.MustCompile(`(?im)^\s*Model\s*[:|]\s*([A-Za-z0-9][A-Za-z0-9 .-]+?)\s*$`)},
	{domain.FieldMileage, regexp.MustCompile(`(?im)^\s*(?:Mileage|Odometer)(?:\s*\(mi\))?\s*[:|]\s*([\d,]+)\b`)},
	{domain.FieldPrice, regexp.MustCompile(`(?im)^\s*(?:Price|Asking(?:\s+Price)?|List\s+Price)\s*[:|]\s*\$?\s*([\d,]+(?:\.\d{2})?)\b`)},
}

// Free-text fallbacks, only used when no labeled value was found.
var (
	freeVINRe     = regexp.MustCompile(`\b([A-HJ-NPR-Z0-9]{17})\b`)
	freePriceRe   = regexp.MustCompile(`\$\s*([\d,]{4,}(?:\.\d{2})?)`)
	freeMileageRe = regexp.MustCompile(`(?i)\b([\d,]+)\s*(?:miles|mi\.?)\b`)
	freeYearRe    = regexp.MustCompile(`\b((?:19|20)\d{2})\b`)
)

// ParseLayoutText extracts vehicle fields from pdftotext output. Exported
// for direct testing without a PDF.
func ParseLayoutText(text string) []domain.FieldExtraction {
	var fields []domain.FieldExtraction
	found := make(map[string]bool)

	add := func(field, value string, conf float64, page int) {
		value = strings.TrimSpace(value)
		if value == "" || found[field] {
			return
		}
		found[field] = true
		fields = append(fields, domain.FieldExtraction{
			Field:      field,
			Value:      value,
			Source:     domain.SourceLayout,
			Confidence: conf,
			Region:     &domain.BoundingRegion{Page: page},
		})
	}

	pages := strings.Split(text, "\f")
	for pageIdx, pageText := range pages {
		for _, lp := range labeledPatterns {
			if m := lp.re.FindStringSubmatch(pageText); m != nil {
				add(lp.field, normalizeValue(lp.field, m[1]), confLabeled, pageIdx+1)
			}
		}
	}

	// Free-text inference for anything tables did not cover.
	for pageIdx, pageText := range pages {
		if !found[domain.FieldVIN] {
			if m := freeVINRe.FindStringSubmatch(pageText); m != nil && domain.ValidVIN(m[1]) {
				add(domain.FieldVIN, m[1], confInferred, pageIdx+1)
			}
		}
		if !found[domain.FieldPrice] {
			if m := freePriceRe.FindStringSubmatch(pageText); m != nil {
				add(domain.FieldPrice, normalizeValue(domain.FieldPrice, m[1]), confInferred, pageIdx+1)
			}
		}
		if !found[domain.FieldMileage] {
			if m := freeMileageRe.FindStringSubmatch(pageText); m != nil {
				add(domain.FieldMileage, normalizeValue(domain.FieldMileage, m[1]), confInferred, pageIdx+1)
			}
		}
		if !found[domain.FieldMake] || !found[domain.FieldModel] || !found[domain.FieldYear] {
			mk, model, year := findVehicleMention(pageText)
			if mk != "" && !found[domain.FieldMake] {
				add(domain.FieldMake, mk, confInferred, pageIdx+1)
			}
			if model != "" && !found[domain.FieldModel] {
				add(domain.FieldModel, model, confInferred, pageIdx+1)
			}
			if year != 0 && !found[domain.FieldYear] {
				add(domain.FieldYear, strconv.Itoa(year), confInferred, pageIdx+1)
			}
		}
	}

	// Canonicalize the implied make casing if we recognise it.
	for i, f := range fields {
		if f.Field == domain.FieldMake {
			if c := domain.CanonicalMake(f.Value); c != "" {
				fields[i].Value = c
			}
		}
	}
	return fields
}

func normalizeValue(field, v string) string {
	switch field {
	case domain.FieldVIN:
		return domain.NormalizeVIN(v)
	case domain.FieldPrice, domain.FieldMileage:
		return strings.ReplaceAll(v, ",", "")
	default:
		return strings.TrimSpace(v)
	}
}

// findVehicleMention looks for "2019 Honda Civic" style mentions: a known
// make with a model after it and a year nearby.
func findVehicleMention(text string) (mk, model string, year int) {
	for canonical := range domain.SupportedMakes {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(canonical) + `\b`)
		loc := re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		mk = canonical

		// Model within ~40 chars after the make.
		afterEnd := loc[1] + 40
		if afterEnd > len(text) {
			afterEnd = len(text)
		}
		after := text[loc[1]:afterEnd]
		for _, m := range domain.SupportedMakes[canonical] {
			mre := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(m) + `\b`)
			if mre.MatchString(after) {
				model = m
				break
			}
		}

		// Year within ~12 chars before the make.
		beforeStart := loc[0] - 12
		if beforeStart < 0 {
			beforeStart = 0
		}
		if ym := freeYearRe.FindStringSubmatch(text[beforeStart:loc[0]]); ym != nil {
			year, _ = strconv.Atoi(ym[1])
		}
		return mk, model, year
	}
	return "", "", 0
}

// Caption keywords that mark an image line as descriptive.
var captionRe = regexp.MustCompile(`(?im)^.*\b(damage|odometer|dash|interior|exterior|engine bay|scratch|dent|wheel|tire)\b.*$`)

// attachCaptions pairs extracted images with caption-looking lines from the
// same page's text.
func attachCaptions(images []pdftool.Image, text string) []domain.RawImage {
	pages := strings.Split(text, "\f")
	out := make([]domain.RawImage, len(images))
	for i, img := range images {
		caption := ""
		if img.Page >= 1 && img.Page <= len(pages) {
			if m := captionRe.FindString(pages[img.Page-1]); m != "" {
				caption = strings.TrimSpace(m)
			}
		}
		out[i] = domain.RawImage{
			Data:    img.Data,
			Page:    img.Page,
			Index:   img.Index,
			Caption: caption,
		}
	}
	return out
}

// summary renders a compact field list for debug logs.
func summary(fields []domain.FieldExtraction) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%s=%s(%.2f)", f.Field, f.Value, f.Confidence)
	}
	return strings.Join(parts, " ")
}
