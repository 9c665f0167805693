// Package listing persists finalized vehicle records. Artifacts are
// immutable; reprocessing a VIN appends a new version instead of editing
// the old one, and byte-identical content appends nothing.
package listing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
	"github.com/LotVisionAI/lotvision-mvp/pkg/repo"
)

const (
	artifactLabel = "Listing"
	conflictLabel = "Conflict"
)

// artifactRepo is the slice of the generic repository the store uses.
type artifactRepo interface {
	Create(ctx context.Context, a domain.VehicleListingArtifact) (domain.VehicleListingArtifact, error)
	Query(ctx context.Context, cypher string, params map[string]any) ([]domain.VehicleListingArtifact, error)
}

type conflictRepo interface {
	Create(ctx context.Context, c domain.MergeConflict) (domain.MergeConflict, error)
	Query(ctx context.Context, cypher string, params map[string]any) ([]domain.MergeConflict, error)
}

// Store is the VIN-keyed artifact repository.
type Store struct {
	artifacts artifactRepo
	conflicts conflictRepo
	log       *slog.Logger
}

// New builds a Store over a Neo4j driver.
func New(driver neo4j.DriverWithContext, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		artifacts: repo.NewNeo4jRepo[domain.VehicleListingArtifact, string](
			driver, artifactLabel, artifactProps, artifactFromRecord),
		conflicts: repo.NewNeo4jRepo[domain.MergeConflict, string](
			driver, conflictLabel, conflictProps, conflictFromRecord),
		log: log,
	}
}

// NewWithRepos builds a Store over existing repositories. Used by tests.
func NewWithRepos(artifacts artifactRepo, conflicts conflictRepo, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{artifacts: artifacts, conflicts: conflicts, log: log}
}

// Latest returns the newest artifact version for a VIN.
func (s *Store) Latest(ctx context.Context, vin string) (domain.VehicleListingArtifact, bool, error) {
	items, err := s.artifacts.Query(ctx,
		fmt.Sprintf("MATCH (n:%s {vin: $vin}) RETURN n ORDER BY n.version DESC LIMIT 1", artifactLabel),
		map[string]any{"vin": vin})
	if err != nil {
		return domain.VehicleListingArtifact{}, false, fmt.Errorf("listing: latest %s: %w", vin, err)
	}
	if len(items) == 0 {
		return domain.VehicleListingArtifact{}, false, nil
	}
	return items[0], true, nil
}

// ByContentHash finds the artifact produced from identical document bytes,
// regardless of which VIN it belongs to. Drives the ingest no-op path.
func (s *Store) ByContentHash(ctx context.Context, hash string) (domain.VehicleListingArtifact, bool, error) {
	items, err := s.artifacts.Query(ctx,
		fmt.Sprintf("MATCH (n:%s {content_hash: $hash}) RETURN n ORDER BY n.version DESC LIMIT 1", artifactLabel),
		map[string]any{"hash": hash})
	if err != nil {
		return domain.VehicleListingArtifact{}, false, fmt.Errorf("listing: by hash: %w", err)
	}
	if len(items) == 0 {
		return domain.VehicleListingArtifact{}, false, nil
	}
	return items[0], true, nil
}

// SaveVersion appends a new artifact version for the VIN. If the newest
// stored version already carries the same content hash, nothing is written
// and the stored artifact is returned with created=false.
func (s *Store) SaveVersion(ctx context.Context, artifact domain.VehicleListingArtifact) (domain.VehicleListingArtifact, bool, error) {
	latest, found, err := s.Latest(ctx, artifact.VIN)
	if err != nil {
		return domain.VehicleListingArtifact{}, false, err
	}
	if found && latest.ContentHash == artifact.ContentHash {
		s.log.Info("listing: unchanged content, no new version",
			"vin", artifact.VIN, "version", latest.Version)
		return latest, false, nil
	}

	artifact.Version = 1
	if found {
		artifact.Version = latest.Version + 1
	}
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	artifact.ConflictCount = len(artifact.Conflicts)

	saved, err := s.artifacts.Create(ctx, artifact)
	if err != nil {
		return domain.VehicleListingArtifact{}, false, fmt.Errorf("listing: save %s v%d: %w", artifact.VIN, artifact.Version, err)
	}
	// Create round-trips through property maps, which drop the conflict
	// list; it lives in its own nodes.
	saved.Conflicts = artifact.Conflicts

	if err := s.RecordConflicts(ctx, artifact.VIN, artifact.Conflicts); err != nil {
		return domain.VehicleListingArtifact{}, false, err
	}

	s.log.Info("listing: version saved",
		"vin", artifact.VIN, "version", artifact.Version, "conflicts", len(artifact.Conflicts))
	return saved, true, nil
}

// LatestAll pages through the newest version of every VIN. Used by the
// reindex backfill.
func (s *Store) LatestAll(ctx context.Context, offset, limit int) ([]domain.VehicleListingArtifact, error) {
	if limit <= 0 {
		limit = 100
	}
	items, err := s.artifacts.Query(ctx,
		fmt.Sprintf(`MATCH (n:%s)
WITH n.vin AS vin, max(n.version) AS latest
MATCH (m:%s {vin: vin, version: latest})
RETURN m ORDER BY m.vin SKIP $offset LIMIT $limit`, artifactLabel, artifactLabel),
		map[string]any{"offset": offset, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("listing: latest all: %w", err)
	}
	return items, nil
}

// RecordConflicts persists merge conflicts for operator review. Also used
// on its own when a blocking conflict stops a document before any version
// is written.
func (s *Store) RecordConflicts(ctx context.Context, vin string, conflicts []domain.MergeConflict) error {
	for _, c := range conflicts {
		c.VIN = vin
		if _, err := s.conflicts.Create(ctx, c); err != nil {
			return fmt.Errorf("listing: save conflict %s/%s: %w", vin, c.Field, err)
		}
	}
	return nil
}

// History returns all artifact versions for a VIN, newest first.
func (s *Store) History(ctx context.Context, vin string) ([]domain.VehicleListingArtifact, error) {
	items, err := s.artifacts.Query(ctx,
		fmt.Sprintf("MATCH (n:%s {vin: $vin}) RETURN n ORDER BY n.version DESC", artifactLabel),
		map[string]any{"vin": vin})
	if err != nil {
		return nil, fmt.Errorf("listing: history %s: %w", vin, err)
	}
	return items, nil
}

// ConflictsByVIN returns every recorded merge conflict for a VIN, newest
// first. This is the operator's review queue.
func (s *Store) ConflictsByVIN(ctx context.Context, vin string) ([]domain.MergeConflict, error) {
	items, err := s.conflicts.Query(ctx,
		fmt.Sprintf("MATCH (c:%s {vin: $vin}) RETURN c ORDER BY c.created_at DESC", conflictLabel),
		map[string]any{"vin": vin})
	if err != nil {
		return nil, fmt.Errorf("listing: conflicts %s: %w", vin, err)
	}
	return items, nil
}

// --- property mapping ---

func artifactProps(a domain.VehicleListingArtifact) map[string]any {
	data, _ := json.Marshal(a.Data)
	images, _ := json.Marshal(a.Images)
	timings, _ := json.Marshal(a.StageTimings)
	return map[string]any{
		"id":             a.ID,
		"vin":            a.VIN,
		"version":        a.Version,
		"content_hash":   a.ContentHash,
		"data":           string(data),
		"images":         string(images),
		"stage_timings":  string(timings),
		"total_latency":  a.TotalLatency.Milliseconds(),
		"conflict_count": a.ConflictCount,
		"created_at":     a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func artifactFromRecord(rec *neo4j.Record) (domain.VehicleListingArtifact, error) {
	props, err := nodeProps(rec)
	if err != nil {
		return domain.VehicleListingArtifact{}, err
	}
	a := domain.VehicleListingArtifact{
		ID:            asString(props["id"]),
		VIN:           asString(props["vin"]),
		Version:       int(asInt64(props["version"])),
		ContentHash:   asString(props["content_hash"]),
		TotalLatency:  time.Duration(asInt64(props["total_latency"])) * time.Millisecond,
		ConflictCount: int(asInt64(props["conflict_count"])),
	}
	if s := asString(props["data"]); s != "" {
		if err := json.Unmarshal([]byte(s), &a.Data); err != nil {
			return domain.VehicleListingArtifact{}, fmt.Errorf("listing: decode data: %w", err)
		}
	}
	if s := asString(props["images"]); s != "" {
		if err := json.Unmarshal([]byte(s), &a.Images); err != nil {
			return domain.VehicleListingArtifact{}, fmt.Errorf("listing: decode images: %w", err)
		}
	}
	if s := asString(props["stage_timings"]); s != "" {
		_ = json.Unmarshal([]byte(s), &a.StageTimings)
	}
	if ts := asString(props["created_at"]); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			a.CreatedAt = t
		}
	}
	return a, nil
}

func conflictProps(c domain.MergeConflict) map[string]any {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return map[string]any{
		"id":                uuid.NewString(),
		"vin":               c.VIN,
		"field":             c.Field,
		"layout_value":      c.LayoutValue,
		"vision_value":      c.VisionValue,
		"layout_confidence": c.LayoutConf,
		"vision_confidence": c.VisionConf,
		"resolved_to":       string(c.Resolved),
		"created_at":        created.UTC().Format(time.RFC3339Nano),
	}
}

func conflictFromRecord(rec *neo4j.Record) (domain.MergeConflict, error) {
	props, err := nodeProps(rec)
	if err != nil {
		return domain.MergeConflict{}, err
	}
	c := domain.MergeConflict{
		VIN:         asString(props["vin"]),
		Field:       asString(props["field"]),
		LayoutValue: asString(props["layout_value"]),
		VisionValue: asString(props["vision_value"]),
		LayoutConf:  asFloat64(props["layout_confidence"]),
		VisionConf:  asFloat64(props["vision_confidence"]),
		Resolved:    domain.ExtractorSource(asString(props["resolved_to"])),
	}
	if ts := asString(props["created_at"]); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			c.CreatedAt = t
		}
	}
	return c, nil
}

// nodeProps extracts the property map from the record's first value,
// whether the driver returned a node or a bare map.
func nodeProps(rec *neo4j.Record) (map[string]any, error) {
	if len(rec.Values) == 0 {
		return nil, fmt.Errorf("listing: empty record")
	}
	switch v := rec.Values[0].(type) {
	case neo4j.Node:
		return v.Props, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("listing: unexpected record value %T", v)
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}
