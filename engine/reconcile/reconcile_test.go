package reconcile

import (
	"errors"
	"reflect"
	"testing"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
)

const validVIN = "1HGCM82633A004352"

func layoutResult(fields ...domain.FieldExtraction) domain.ExtractionResult {
	for i := range fields {
		fields[i].Source = domain.SourceLayout
	}
	return domain.ExtractionResult{Source: domain.SourceLayout, Fields: fields}
}

func visionResult(fields ...domain.FieldExtraction) domain.ExtractionResult {
	for i := range fields {
		fields[i].Source = domain.SourceVision
	}
	return domain.ExtractionResult{Source: domain.SourceVision, Fields: fields}
}

func f(name, value string, conf float64) domain.FieldExtraction {
	return domain.FieldExtraction{Field: name, Value: value, Confidence: conf}
}

func TestMerge_CleanAgreement(t *testing.T) {
	layout := layoutResult(
		f(domain.FieldVIN, validVIN, 0.9),
		f(domain.FieldPrice, "24000", 0.9),
	)
	vision := visionResult(
		f(domain.FieldVIN, validVIN, 0.8),
		f(domain.FieldPrice, "24000", 0.7),
	)

	out, err := Merge(layout, vision, DefaultPolicy)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if out.Data.VIN != validVIN {
		t.Errorf("VIN = %q", out.Data.VIN)
	}
	if out.Data.Price != 24000 {
		t.Errorf("price = %v, want 24000", out.Data.Price)
	}
	if len(out.Conflicts) != 0 {
		t.Errorf("expected zero conflicts, got %+v", out.Conflicts)
	}
	// Agreement takes the max confidence.
	if out.Data.Confidence[domain.FieldPrice] != 0.9 {
		t.Errorf("price confidence = %v, want max 0.9", out.Data.Confidence[domain.FieldPrice])
	}
}

func TestMerge_VisionWinsByMargin(t *testing.T) {
	layout := layoutResult(
		f(domain.FieldVIN, validVIN, 0.9),
		f(domain.FieldPrice, "24000", 0.4),
	)
	vision := visionResult(
		f(domain.FieldPrice, "24500", 0.7),
	)

	out, err := Merge(layout, vision, DefaultPolicy)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if out.Data.Price != 24500 {
		t.Errorf("price = %v, want vision's 24500", out.Data.Price)
	}
	if len(out.Conflicts) != 0 {
		t.Errorf("margin win must not record a conflict: %+v", out.Conflicts)
	}
}

func TestMerge_LayoutWinsByMargin(t *testing.T) {
	layout := layoutResult(
		f(domain.FieldVIN, validVIN, 0.9),
		f(domain.FieldDescription, "Clean title, one owner", 0.8),
	)
	vision := visionResult(
		f(domain.FieldDescription, "A pristine example", 0.5),
	)

	out, err := Merge(layout, vision, DefaultPolicy)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if out.Data.Description != "Clean title, one owner" {
		t.Errorf("description = %q, want layout's", out.Data.Description)
	}
	if len(out.Conflicts) != 0 {
		t.Errorf("unexpected conflicts: %+v", out.Conflicts)
	}
}

func TestMerge_NearTie_StructuredDefaultsToLayout(t *testing.T) {
	layout := layoutResult(
		f(domain.FieldVIN, validVIN, 0.9),
		f(domain.FieldMileage, "45000", 0.6),
	)
	vision := visionResult(
		f(domain.FieldMileage, "45200", 0.65),
	)

	out, err := Merge(layout, vision, DefaultPolicy)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if out.Data.Mileage != 45000 {
		t.Errorf("mileage = %d, want layout default 45000", out.Data.Mileage)
	}
	if len(out.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %d", len(out.Conflicts))
	}
	c := out.Conflicts[0]
	if c.Field != domain.FieldMileage || c.Resolved != domain.SourceLayout {
		t.Errorf("conflict = %+v", c)
	}
	if c.LayoutValue != "45000" || c.VisionValue != "45200" {
		t.Errorf("conflict values = %q / %q", c.LayoutValue, c.VisionValue)
	}
}

func TestMerge_NearTie_DescriptiveDefaultsToVision(t *testing.T) {
	layout := layoutResult(
		f(domain.FieldVIN, validVIN, 0.9),
		f(domain.FieldFeatures, "sunroof", 0.6),
	)
	vision := visionResult(
		f(domain.FieldFeatures, "sunroof, leather seats", 0.62),
	)

	out, err := Merge(layout, vision, DefaultPolicy)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !reflect.DeepEqual(out.Data.Features, []string{"sunroof", "leather seats"}) {
		t.Errorf("features = %v, want vision default", out.Data.Features)
	}
	if len(out.Conflicts) != 1 || out.Conflicts[0].Resolved != domain.SourceVision {
		t.Errorf("conflicts = %+v", out.Conflicts)
	}
}

func TestMerge_SingleSourceValueUsedAsIs(t *testing.T) {
	layout := layoutResult(f(domain.FieldVIN, validVIN, 0.9))
	vision := visionResult(f(domain.FieldDescription, "Garage kept, dealer serviced", 0.7))

	out, err := Merge(layout, vision, DefaultPolicy)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if out.Data.Description != "Garage kept, dealer serviced" {
		t.Errorf("description = %q", out.Data.Description)
	}
	if out.Data.Confidence[domain.FieldDescription] != 0.7 {
		t.Errorf("single-source confidence not recorded")
	}
}

func TestMerge_AgreementIsCaseAndWhitespaceInsensitive(t *testing.T) {
	layout := layoutResult(
		f(domain.FieldVIN, validVIN, 0.9),
		f(domain.FieldMake, "HONDA", 0.6),
	)
	vision := visionResult(
		f(domain.FieldMake, "  Honda ", 0.65),
	)

	out, err := Merge(layout, vision, DefaultPolicy)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(out.Conflicts) != 0 {
		t.Errorf("case-insensitive agreement recorded a conflict: %+v", out.Conflicts)
	}
}

func TestMerge_DoubleAbstention(t *testing.T) {
	layout := domain.ExtractionResult{Source: domain.SourceLayout, Err: true, ErrMsg: "corrupt"}
	vision := domain.ExtractionResult{Source: domain.SourceVision, Err: true, ErrMsg: "quota"}

	_, err := Merge(layout, vision, DefaultPolicy)
	if !errors.Is(err, domain.ErrExtractorAbstention) {
		t.Fatalf("expected ErrExtractorAbstention, got %v", err)
	}
	var fe *domain.FatalError
	if !errors.As(err, &fe) {
		t.Fatal("expected FatalError")
	}
	if fe.Reason == "" {
		t.Error("fatal error must carry a human-readable reason")
	}
}

func TestMerge_VINGate(t *testing.T) {
	layout := layoutResult(
		f(domain.FieldVIN, "1HGCM82633A004353", 0.9), // checksum-invalid
		f(domain.FieldPrice, "24000", 0.9),
	)
	vision := visionResult(
		f(domain.FieldVIN, "NOTAREALVIN123456", 0.9),
	)

	_, err := Merge(layout, vision, DefaultPolicy)
	if !errors.Is(err, domain.ErrVINValidation) {
		t.Fatalf("expected ErrVINValidation, got %v", err)
	}
	var fe *domain.FatalError
	if !errors.As(err, &fe) {
		t.Fatal("expected FatalError")
	}
	if len(fe.Partial) == 0 {
		t.Error("fatal error must carry the partial extraction data")
	}
}

func TestMerge_ValidVINBeatsConfidentInvalidOne(t *testing.T) {
	layout := layoutResult(f(domain.FieldVIN, validVIN, 0.5))
	vision := visionResult(f(domain.FieldVIN, "1HGCM82633A004353", 0.95))

	out, err := Merge(layout, vision, DefaultPolicy)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if out.Data.VIN != validVIN {
		t.Errorf("VIN = %q, want the checksum-valid one", out.Data.VIN)
	}
}

func TestMerge_Deterministic(t *testing.T) {
	layout := layoutResult(
		f(domain.FieldVIN, validVIN, 0.9),
		f(domain.FieldMileage, "45000", 0.6),
		f(domain.FieldPrice, "24000", 0.6),
		f(domain.FieldMake, "Honda", 0.6),
	)
	vision := visionResult(
		f(domain.FieldMileage, "45200", 0.65),
		f(domain.FieldPrice, "23900", 0.62),
		f(domain.FieldMake, "Acura", 0.61),
	)

	first, err := Merge(layout, vision, DefaultPolicy)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Merge(layout, vision, DefaultPolicy)
		if err != nil {
			t.Fatalf("Merge: %v", err)
		}
		if !reflect.DeepEqual(first.Data, again.Data) {
			t.Fatal("VehicleData varies across runs")
		}
		if len(first.Conflicts) != len(again.Conflicts) {
			t.Fatal("conflict count varies across runs")
		}
		for j := range first.Conflicts {
			a, b := first.Conflicts[j], again.Conflicts[j]
			a.CreatedAt = b.CreatedAt // timestamps are metadata, not merge output
			if !reflect.DeepEqual(a, b) {
				t.Fatalf("conflict %d varies: %+v vs %+v", j, first.Conflicts[j], again.Conflicts[j])
			}
		}
	}
}

func TestMerge_BlockingFieldForcesReview(t *testing.T) {
	p := DefaultPolicy
	p.BlockingFields = []string{domain.FieldPrice}

	layout := layoutResult(
		f(domain.FieldVIN, validVIN, 0.9),
		f(domain.FieldPrice, "24000", 0.6),
	)
	vision := visionResult(
		f(domain.FieldPrice, "25000", 0.65),
	)

	out, err := Merge(layout, vision, p)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !out.NeedsReview {
		t.Error("price conflict with blocking config should force review")
	}

	// Same conflict without the blocking flag proceeds.
	out, err = Merge(layout, vision, DefaultPolicy)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if out.NeedsReview {
		t.Error("non-blocking config should not force review")
	}
}

func TestMerge_OutOfRangeYearIsFatal(t *testing.T) {
	layout := layoutResult(
		f(domain.FieldVIN, validVIN, 0.9),
		f(domain.FieldYear, "1923", 0.9),
	)
	vision := visionResult(
		f(domain.FieldYear, "1923", 0.8),
	)

	_, err := Merge(layout, vision, DefaultPolicy)
	if !errors.Is(err, domain.ErrYearOutOfRange) {
		t.Fatalf("want ErrYearOutOfRange, got %v", err)
	}
	if !domain.IsFatal(err) {
		t.Error("year validation failure must be document-fatal")
	}
}

func TestMerge_PartialPolicyKeepsOtherDefaults(t *testing.T) {
	// Only BlockingFields set: margin and tie-breaks must still default.
	p := Policy{BlockingFields: []string{domain.FieldPrice}}

	layout := layoutResult(
		f(domain.FieldVIN, validVIN, 0.9),
		f(domain.FieldPrice, "24000", 0.6),
		f(domain.FieldMileage, "45000", 0.6),
	)
	vision := visionResult(
		f(domain.FieldPrice, "25000", 0.65),
		f(domain.FieldMileage, "46000", 0.65),
	)

	out, err := Merge(layout, vision, p)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !out.NeedsReview {
		t.Error("BlockingFields must survive defaulting of the other policy fields")
	}
	// Mileage is a near-tie under the default 0.15 margin, so the
	// structured default (layout) must win, not the 0.05-more-confident
	// vision value a zero margin would pick.
	if out.Data.Mileage != 45000 {
		t.Errorf("mileage = %v, want layout's 45000 under default margin", out.Data.Mileage)
	}
}

func TestMerge_UnknownFieldsLandInSpecs(t *testing.T) {
	layout := layoutResult(
		f(domain.FieldVIN, validVIN, 0.9),
		f("transmission", "6-speed manual", 0.9),
	)
	out, err := Merge(layout, visionResult(), DefaultPolicy)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if out.Data.Specs["transmission"] != "6-speed manual" {
		t.Errorf("specs = %v", out.Data.Specs)
	}
}
