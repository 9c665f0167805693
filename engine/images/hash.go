package images

import (
	"image"
	"math/bits"

	"github.com/disintegration/imaging"
)

// dHash dimensions: 9x8 grayscale grid, one bit per horizontal gradient.
const (
	hashWidth  = 9
	hashHeight = 8
)

// PerceptualHash computes a 64-bit difference hash. Near-identical images
// produce hashes within a small Hamming distance of each other.
func PerceptualHash(img image.Image) uint64 {
	// Grayscale first so every channel carries the luma value.
	small := imaging.Resize(imaging.Grayscale(img), hashWidth, hashHeight, imaging.Lanczos)

	var hash uint64
	bit := 0
	for y := 0; y < hashHeight; y++ {
		for x := 0; x < hashWidth-1; x++ {
			left := small.NRGBAAt(x, y).R
			right := small.NRGBAAt(x+1, y).R
			if left > right {
				hash |= 1 << uint(bit)
			}
			bit++
		}
	}
	return hash
}

// HammingDistance counts differing bits between two hashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
