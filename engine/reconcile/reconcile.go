// Package reconcile merges the two extraction results for a document into
// one canonical VehicleData record. The rule set is deterministic: given
// identical inputs it always produces the same record and the same
// conflicts. No randomness and no hidden state.
package reconcile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
)

// Policy tunes conflict resolution. The margin and tie-break defaults are
// deployment policy, not fixed constants.
type Policy struct {
	// Margin is the confidence gap beyond which the more confident
	// extractor wins outright.
	Margin float64
	// StructuredDefault wins near-tie conflicts on structured fields
	// (layout is less prone to hallucination on verbatim labeled values).
	StructuredDefault domain.ExtractorSource
	// DescriptiveDefault wins near-tie conflicts on descriptive fields
	// (vision synthesizes better prose).
	DescriptiveDefault domain.ExtractorSource
	// BlockingFields lists fields whose near-tie conflicts move the
	// document to needs_review instead of proceeding with the default.
	BlockingFields []string
}

// DefaultPolicy mirrors the documented trust rules.
var DefaultPolicy = Policy{
	Margin:             0.15,
	StructuredDefault:  domain.SourceLayout,
	DescriptiveDefault: domain.SourceVision,
}

// withDefaults fills unset fields one by one; a caller setting only
// BlockingFields still gets the default margin and tie-breaks.
func (p Policy) withDefaults() Policy {
	if p.Margin == 0 {
		p.Margin = DefaultPolicy.Margin
	}
	if p.StructuredDefault == "" {
		p.StructuredDefault = DefaultPolicy.StructuredDefault
	}
	if p.DescriptiveDefault == "" {
		p.DescriptiveDefault = DefaultPolicy.DescriptiveDefault
	}
	return p
}

// Outcome is the merge result.
type Outcome struct {
	Data        domain.VehicleData
	Conflicts   []domain.MergeConflict
	NeedsReview bool
}

// mergeStrategy resolves one field given both extractions (either may be
// nil). Pure function: returns the chosen extraction and whether the
// disagreement is a recordable conflict.
type mergeStrategy func(layout, vision *domain.FieldExtraction, p Policy) (domain.FieldExtraction, bool)

// strategies selects the merge behavior per field category.
var strategies = map[domain.FieldCategory]mergeStrategy{
	domain.CategoryStructuredNumeric: mergeWith(numericEqual, structuredTieBreak),
	domain.CategoryStructuredString:  mergeWith(stringEqual, structuredTieBreak),
	domain.CategoryDescriptiveText:   mergeWith(stringEqual, descriptiveTieBreak),
}

func structuredTieBreak(p Policy) domain.ExtractorSource  { return p.StructuredDefault }
func descriptiveTieBreak(p Policy) domain.ExtractorSource { return p.DescriptiveDefault }

// mergeWith builds a strategy from an equality predicate and a tie-break
// default selector.
func mergeWith(equal func(a, b string) bool, tieBreak func(Policy) domain.ExtractorSource) mergeStrategy {
	return func(layout, vision *domain.FieldExtraction, p Policy) (domain.FieldExtraction, bool) {
		// Rule 1: single-source value is used as-is.
		if layout == nil {
			return *vision, false
		}
		if vision == nil {
			return *layout, false
		}

		// Rule 2: agreement. Confidence is the max of the two.
		if equal(layout.Value, vision.Value) {
			chosen := *layout
			if vision.Confidence > chosen.Confidence {
				chosen.Confidence = vision.Confidence
			}
			return chosen, false
		}

		// Rule 3: disagreement. A clear confidence margin decides;
		// otherwise the category default wins and a conflict is recorded.
		switch {
		case vision.Confidence-layout.Confidence >= p.Margin:
			return *vision, false
		case layout.Confidence-vision.Confidence >= p.Margin:
			return *layout, false
		case tieBreak(p) == domain.SourceVision:
			return *vision, true
		default:
			return *layout, true
		}
	}
}

// numericEqual compares values as numbers, exactly.
func numericEqual(a, b string) bool {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA != nil || errB != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return fa == fb
}

// stringEqual compares case- and whitespace-insensitively.
func stringEqual(a, b string) bool {
	return strings.EqualFold(collapseSpace(a), collapseSpace(b))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Merge reconciles two extraction results. Both abstaining, or no
// checksum-valid VIN from either source, is document-fatal.
func Merge(layout, vision domain.ExtractionResult, p Policy) (Outcome, error) {
	p = p.withDefaults()

	partial := append(append([]domain.FieldExtraction{}, layout.Fields...), vision.Fields...)

	if layout.Abstained() && vision.Abstained() {
		return Outcome{}, domain.NewFatal(domain.ErrExtractorAbstention, domain.StateReconciling,
			fmt.Sprintf("layout: %s; vision: %s", abstainReason(layout), abstainReason(vision)), partial)
	}

	layoutFields := layout.FieldsByName()
	visionFields := vision.FieldsByName()

	// VIN gate first: the checksum decides mergeability regardless of
	// source confidence.
	vin, vinConf, err := resolveVIN(layoutFields, visionFields, p)
	if err != nil {
		return Outcome{}, domain.NewFatal(domain.ErrVINValidation, domain.StateReconciling,
			"no extractor produced a checksum-valid VIN", partial)
	}

	merged := map[string]domain.FieldExtraction{
		domain.FieldVIN: {Field: domain.FieldVIN, Value: vin, Confidence: vinConf, Source: domain.SourceLayout},
	}
	var conflicts []domain.MergeConflict
	now := time.Now().UTC()

	for _, field := range unionFields(layoutFields, visionFields) {
		if field == domain.FieldVIN {
			continue
		}
		lf, hasL := layoutFields[field]
		vf, hasV := visionFields[field]
		var lp, vp *domain.FieldExtraction
		if hasL {
			lp = &lf
		}
		if hasV {
			vp = &vf
		}

		strategy := strategies[domain.CategoryOf(field)]
		chosen, conflicted := strategy(lp, vp, p)
		merged[field] = chosen

		if conflicted {
			conflicts = append(conflicts, domain.MergeConflict{
				VIN:         vin,
				Field:       field,
				LayoutValue: lf.Value,
				VisionValue: vf.Value,
				LayoutConf:  lf.Confidence,
				VisionConf:  vf.Confidence,
				Resolved:    chosen.Source,
				CreatedAt:   now,
			})
		}
	}

	data := buildVehicleData(merged)
	if err := domain.ValidateVehicleData(data); err != nil {
		return Outcome{}, domain.NewFatal(err, domain.StateReconciling,
			"reconciled record failed validation", partial)
	}
	out := Outcome{
		Data:        data,
		Conflicts:   conflicts,
		NeedsReview: anyBlocking(conflicts, p.BlockingFields),
	}
	return out, nil
}

// resolveVIN picks a checksum-valid VIN or fails. When both sources carry a
// valid VIN the field strategy decides between them; a valid VIN always
// beats an invalid one whatever its confidence.
func resolveVIN(layout, vision map[string]domain.FieldExtraction, p Policy) (string, float64, error) {
	lf, hasL := layout[domain.FieldVIN]
	vf, hasV := vision[domain.FieldVIN]

	lValid := hasL && domain.ValidVIN(lf.Value)
	vValid := hasV && domain.ValidVIN(vf.Value)

	switch {
	case lValid && vValid:
		chosen, _ := strategies[domain.CategoryStructuredString](&lf, &vf, p)
		return domain.NormalizeVIN(chosen.Value), chosen.Confidence, nil
	case lValid:
		return domain.NormalizeVIN(lf.Value), lf.Confidence, nil
	case vValid:
		return domain.NormalizeVIN(vf.Value), vf.Confidence, nil
	default:
		return "", 0, domain.ErrVINValidation
	}
}

// unionFields returns the sorted union of field names so iteration order,
// and therefore conflict order, is reproducible.
func unionFields(a, b map[string]domain.FieldExtraction) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for k := range a {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func anyBlocking(conflicts []domain.MergeConflict, blocking []string) bool {
	for _, c := range conflicts {
		for _, b := range blocking {
			if c.Field == b {
				return true
			}
		}
	}
	return false
}

// buildVehicleData converts merged string extractions into the typed record.
// Unknown fields land in the free-form Specs map.
func buildVehicleData(merged map[string]domain.FieldExtraction) domain.VehicleData {
	data := domain.VehicleData{
		Confidence: make(map[string]float64, len(merged)),
	}
	for field, f := range merged {
		data.Confidence[field] = f.Confidence
		switch field {
		case domain.FieldVIN:
			data.VIN = f.Value
		case domain.FieldYear:
			data.Year, _ = strconv.Atoi(f.Value)
		case domain.FieldMake:
			data.Make = f.Value
		case domain.FieldModel:
			data.Model = f.Value
		case domain.FieldMileage:
			data.Mileage, _ = strconv.Atoi(f.Value)
		case domain.FieldPrice:
			data.Price, _ = strconv.ParseFloat(f.Value, 64)
		case domain.FieldFeatures:
			data.Features = splitFeatures(f.Value)
		case domain.FieldDescription:
			data.Description = f.Value
		default:
			if data.Specs == nil {
				data.Specs = make(map[string]string)
			}
			data.Specs[field] = f.Value
		}
	}
	return data
}

func splitFeatures(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func abstainReason(r domain.ExtractionResult) string {
	if r.ErrMsg != "" {
		return r.ErrMsg
	}
	if r.Abstained() {
		return "no fields"
	}
	return "ok"
}
