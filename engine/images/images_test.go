package images

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/LotVisionAI/lotvision-mvp/engine/domain"
)

// memSink collects stored images in memory.
type memSink struct {
	stored map[string][]byte
}

func newMemSink() *memSink { return &memSink{stored: make(map[string][]byte)} }

func (s *memSink) Store(_ context.Context, key string, jpeg []byte) (string, error) {
	s.stored[key] = jpeg
	return "https://cdn.test/" + key, nil
}

// synth builds a w×h image from a pixel function and encodes it as PNG.
func synth(t *testing.T, w, h int, px func(x, y int) color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, px(x, y))
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// stripes paints 9 vertical bands with the given luma levels. Band layout
// is proportional to width, so resized copies keep the same dHash and
// different level sequences produce hashes far apart.
func stripes(w int, levels [9]uint8) func(x, y int) color.NRGBA {
	return func(x, y int) color.NRGBA {
		v := levels[x*9/w]
		return color.NRGBA{R: v, G: v, B: v, A: 255}
	}
}

var (
	patternA = [9]uint8{250, 40, 220, 60, 200, 80, 180, 100, 160} // signs TFTFTFTF
	patternB = [9]uint8{40, 250, 60, 220, 80, 200, 100, 180, 120} // complement of A
	patternC = [9]uint8{250, 200, 150, 100, 50, 100, 150, 200, 250}
	patternD = [9]uint8{50, 100, 150, 200, 250, 200, 150, 100, 50}
)

func checkerboard(x, y int) color.NRGBA {
	if (x/8+y/8)%2 == 0 {
		return color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	}
	return color.NRGBA{A: 255}
}

func flatGray(x, y int) color.NRGBA {
	return color.NRGBA{R: 128, G: 128, B: 128, A: 255}
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return img
}

func TestPerceptualHash_IdenticalAndDifferent(t *testing.T) {
	a := decode(t, synth(t, 180, 120, stripes(180, patternA)))
	b := decode(t, synth(t, 180, 120, stripes(180, patternA)))
	c := decode(t, synth(t, 180, 120, stripes(180, patternB)))

	if d := HammingDistance(PerceptualHash(a), PerceptualHash(b)); d != 0 {
		t.Errorf("identical images: distance %d, want 0", d)
	}
	if d := HammingDistance(PerceptualHash(a), PerceptualHash(c)); d <= DefaultOpts.DedupThreshold {
		t.Errorf("dissimilar images: distance %d, want > threshold", d)
	}
}

func TestPerceptualHash_SurvivesResize(t *testing.T) {
	big := decode(t, synth(t, 360, 240, stripes(360, patternA)))
	small := imaging.Resize(big, 180, 120, imaging.Lanczos)

	d := HammingDistance(PerceptualHash(big), PerceptualHash(small))
	if d > DefaultOpts.DedupThreshold {
		t.Errorf("resized copy: distance %d, want <= threshold", d)
	}
}

func testVehicle() domain.VehicleData {
	return domain.VehicleData{VIN: "1HGCM82633A004352", Year: 2019, Make: "Honda", Model: "Civic"}
}

func TestProcess_DedupKeepsOneOfNearIdentical(t *testing.T) {
	// Three near-identical exterior photos: the original, a resized copy,
	// and a byte-identical copy.
	original := synth(t, 360, 240, stripes(360, patternA))
	resized := synth(t, 300, 200, stripes(300, patternA))

	raws := []domain.RawImage{
		{Data: original, Page: 1, Index: 0},
		{Data: resized, Page: 1, Index: 1},
		{Data: append([]byte{}, original...), Page: 2, Index: 2},
	}

	p := New(newMemSink(), Opts{})
	out, err := p.Process(context.Background(), testVehicle(), raws)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("kept %d images, want exactly 1 after dedup", len(out))
	}
	if out[0].Category != domain.ImageHero {
		t.Errorf("sole image should be hero, got %s", out[0].Category)
	}
}

func TestProcess_ClassificationAndOrdering(t *testing.T) {
	raws := []domain.RawImage{
		{Data: synth(t, 108, 72, stripes(108, patternC)), Page: 2, Index: 0, Caption: "Odometer close-up"},
		{Data: synth(t, 630, 480, stripes(630, patternA)), Page: 1, Index: 1}, // largest: hero
		{Data: synth(t, 198, 132, stripes(198, patternB)), Page: 1, Index: 2}, // carousel
		{Data: synth(t, 126, 84, stripes(126, patternD)), Page: 3, Index: 3, Caption: "rear bumper damage"},
	}

	p := New(newMemSink(), Opts{})
	out, err := p.Process(context.Background(), testVehicle(), raws)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("kept %d, want 4", len(out))
	}

	if out[0].Category != domain.ImageHero {
		t.Errorf("first image = %s, want hero", out[0].Category)
	}
	counts := map[domain.ImageCategory]int{}
	for _, img := range out {
		counts[img.Category]++
	}
	if counts[domain.ImageHero] != 1 {
		t.Errorf("hero count = %d, want exactly 1", counts[domain.ImageHero])
	}
	if counts[domain.ImageDetail] != 2 {
		t.Errorf("detail count = %d, want 2 (captioned close-ups)", counts[domain.ImageDetail])
	}
	if last := out[len(out)-1]; last.Category != domain.ImageDetail {
		t.Errorf("details should sort last, got %s", last.Category)
	}
}

func TestProcess_LowQualityFlaggedNotDropped(t *testing.T) {
	raws := []domain.RawImage{
		{Data: synth(t, 60, 40, flatGray), Page: 1, Index: 0},
	}
	p := New(newMemSink(), Opts{})
	out, err := p.Process(context.Background(), testVehicle(), raws)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out) != 1 {
		t.Fatal("low-quality image must be retained")
	}
	if !out[0].LowQuality {
		t.Errorf("flat tiny image should be flagged low quality (score %d)", out[0].QualityScore)
	}
}

func TestProcess_AltText(t *testing.T) {
	raws := []domain.RawImage{
		{Data: synth(t, 630, 480, stripes(630, patternA)), Page: 1, Index: 0},
	}
	sink := newMemSink()
	p := New(sink, Opts{})
	out, err := p.Process(context.Background(), testVehicle(), raws)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	want := "Exterior photo of 2019 Honda Civic"
	if out[0].AltText != want {
		t.Errorf("alt text = %q, want %q", out[0].AltText, want)
	}
	if out[0].URL != "https://cdn.test/listings/1HGCM82633A004352/hero-1.jpg" {
		t.Errorf("url = %q", out[0].URL)
	}
}

func TestProcess_UndecodableSkipped(t *testing.T) {
	raws := []domain.RawImage{
		{Data: []byte("not an image"), Page: 1, Index: 0},
		{Data: synth(t, 198, 132, stripes(198, patternA)), Page: 1, Index: 1},
	}
	p := New(newMemSink(), Opts{})
	out, err := p.Process(context.Background(), testVehicle(), raws)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("kept %d, want 1 (undecodable dropped)", len(out))
	}
}

func TestQualityScore_Ranges(t *testing.T) {
	sharp := qualityScore(decode(t, synth(t, 1280, 960, checkerboard)))
	flat := qualityScore(decode(t, synth(t, 60, 40, flatGray)))
	if sharp <= flat {
		t.Errorf("sharp large image (%d) should outscore flat tiny one (%d)", sharp, flat)
	}
	if sharp < 0 || sharp > 100 || flat < 0 || flat > 100 {
		t.Errorf("scores out of range: %d %d", sharp, flat)
	}
}
