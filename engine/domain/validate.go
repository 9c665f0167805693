package domain

import (
	"bytes"
	"fmt"
)

var pdfMagic = []byte("%PDF-")

// ValidateDocument checks a RawDocument before it enters the pipeline.
func ValidateDocument(doc RawDocument) error {
	if len(doc.Content) == 0 {
		return NewValidationError("content", doc.Filename, ErrEmptyDocument)
	}
	if !bytes.HasPrefix(doc.Content, pdfMagic) {
		return fmt.Errorf("validate: %s is not a PDF", doc.Filename)
	}
	return nil
}

// ValidateVehicleData checks a reconciled record before persistence.
// VIN must already be checksum-valid; year, when present, must be in range.
func ValidateVehicleData(v VehicleData) error {
	if err := ValidateVIN(v.VIN); err != nil {
		return err
	}
	if v.Year != 0 && (v.Year < MinModelYear || v.Year > MaxModelYear) {
		return NewValidationError(FieldYear, fmt.Sprintf("%d", v.Year), ErrYearOutOfRange)
	}
	return nil
}
