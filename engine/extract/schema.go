package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
)

// ListingSchema is the structured-output contract sent to the vision model
// and enforced on its reply. Every property mirrors a VehicleData field and
// carries the model's self-reported confidence.
const ListingSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "vin":         {"$ref": "#/$defs/stringField"},
    "year":        {"$ref": "#/$defs/numberField"},
    "make":        {"$ref": "#/$defs/stringField"},
    "model":       {"$ref": "#/$defs/stringField"},
    "mileage":     {"$ref": "#/$defs/numberField"},
    "price":       {"$ref": "#/$defs/numberField"},
    "features":    {"$ref": "#/$defs/listField"},
    "description": {"$ref": "#/$defs/stringField"}
  },
  "additionalProperties": false,
  "$defs": {
    "stringField": {
      "type": "object",
      "properties": {
        "value":      {"type": "string"},
        "confidence": {"type": "number"}
      },
      "required": ["value"]
    },
    "numberField": {
      "type": "object",
      "properties": {
        "value":      {"type": "number"},
        "confidence": {"type": "number"}
      },
      "required": ["value"]
    },
    "listField": {
      "type": "object",
      "properties": {
        "value":      {"type": "array", "items": {"type": "string"}},
        "confidence": {"type": "number"}
      },
      "required": ["value"]
    }
  }
}`

var listingSchema = jsonschema.MustCompileString("listing.schema.json", ListingSchema)

// visionField is one field object in the model's reply.
type visionField struct {
	Value      json.RawMessage `json:"value"`
	Confidence *float64        `json:"confidence"`
}

// defaultVisionConfidence applies when the model omits a confidence.
const defaultVisionConfidence = 0.5

// ParseVisionReply validates the model's JSON against ListingSchema and
// converts it to FieldExtractions, clamping confidences to [0,1].
func ParseVisionReply(raw []byte) ([]domain.FieldExtraction, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("vision reply: %w", err)
	}
	if err := listingSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("vision reply schema: %w", err)
	}

	var payload map[string]visionField
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("vision reply: %w", err)
	}

	fields := make([]domain.FieldExtraction, 0, len(payload))
	for name, vf := range payload {
		value, err := fieldValueString(name, vf.Value)
		if err != nil {
			return nil, err
		}
		if value == "" {
			continue
		}
		conf := defaultVisionConfidence
		if vf.Confidence != nil {
			conf = clamp01(*vf.Confidence)
		}
		fields = append(fields, domain.FieldExtraction{
			Field:      name,
			Value:      value,
			Source:     domain.SourceVision,
			Confidence: conf,
		})
	}
	return fields, nil
}

// fieldValueString renders a schema value (string, number, or string list)
// as the canonical string form FieldExtraction carries.
func fieldValueString(name string, raw json.RawMessage) (string, error) {
	switch domain.CategoryOf(name) {
	case domain.CategoryStructuredNumeric:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("vision field %s: %w", name, err)
		}
		if n == float64(int64(n)) {
			return strconv.FormatInt(int64(n), 10), nil
		}
		return strconv.FormatFloat(n, 'f', 2, 64), nil
	default:
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if name == domain.FieldVIN {
				s = domain.NormalizeVIN(s)
			}
			return strings.TrimSpace(s), nil
		}
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return "", fmt.Errorf("vision field %s: %w", name, err)
		}
		return strings.Join(list, ", "), nil
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
