package embed

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
)

// Hashes pairs the two content fingerprints that decide whether a listing
// needs a fresh embedding.
type Hashes struct {
	Text  string
	Image string
}

// TextHash fingerprints the composite text.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ImageHash fingerprints the image set by its perceptual hashes, sorted so
// the result is independent of processing order.
func ImageHash(images []domain.EnhancedImage) string {
	hashes := make([]uint64, len(images))
	for i, img := range images {
		hashes[i] = img.PerceptualHash
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })

	h := sha256.New()
	var buf [8]byte
	for _, v := range hashes {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ShouldReembed reports whether the stored fingerprints differ from the
// new ones. An empty stored pair means the VIN was never indexed.
func ShouldReembed(stored, next Hashes) bool {
	if stored.Text == "" && stored.Image == "" {
		return true
	}
	return stored.Text != next.Text || stored.Image != next.Image
}
