package semantic

import "time"

// ListingVector is one vehicle listing's embedding plus the payload that
// rides along with it in Qdrant.
type ListingVector struct {
	VIN       string
	Embedding []float32
	TextHash  string
	ImageHash string
	UpdatedAt time.Time
	Meta      map[string]any // make, model, year, price, mileage
}

// StoredListing is the payload read back for an indexed VIN. The hashes
// let callers skip re-embedding unchanged listings.
type StoredListing struct {
	VIN       string
	Vector    []float32
	TextHash  string
	ImageHash string
	UpdatedAt time.Time
}

// SearchResult represents a single vector search hit.
type SearchResult struct {
	VIN     string            `json:"vin"`
	Score   float32           `json:"score"`
	Payload map[string]string `json:"payload"`
}
