package imagex

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodeTestImage(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 16 {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func decodeResult(t *testing.T, encoded string) image.Image {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("result is not valid base64: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("result is not a valid image: %v", err)
	}
	return img
}

func TestResizeBase64_DownscalesOversizedImage(t *testing.T) {
	src := encodeTestImage(t, 1536, 768)

	out, err := ResizeBase64(src, FoodAnalysis)
	if err != nil {
		t.Fatalf("ResizeBase64 error: %v", err)
	}

	img := decodeResult(t, out)
	b := img.Bounds()
	if b.Dx() != 768 || b.Dy() != 384 {
		t.Fatalf("expected 768x384 (aspect preserved), got %dx%d", b.Dx(), b.Dy())
	}
}

func TestResizeBase64_PassthroughWhenWithinBounds(t *testing.T) {
	src := encodeTestImage(t, 300, 200)

	out, err := ResizeBase64(src, FoodAnalysis)
	if err != nil {
		t.Fatalf("ResizeBase64 error: %v", err)
	}
	if out != src {
		t.Fatalf("expected small image to pass through unchanged")
	}
}

func TestResizeBase64_StripsDataURLPrefix(t *testing.T) {
	src := "data:image/png;base64," + encodeTestImage(t, 1024, 1024)

	out, err := ResizeBase64(src, QuickAnalysis)
	if err != nil {
		t.Fatalf("ResizeBase64 error: %v", err)
	}

	img := decodeResult(t, out)
	b := img.Bounds()
	if b.Dx() != 512 || b.Dy() != 512 {
		t.Fatalf("expected 512x512, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestResizeBase64_InvalidInput(t *testing.T) {
	if _, err := ResizeBase64("not-base64!!", FoodAnalysis); err == nil {
		t.Fatalf("expected error for invalid base64")
	}
	garbage := base64.StdEncoding.EncodeToString([]byte("not an image"))
	if _, err := ResizeBase64(garbage, FoodAnalysis); err == nil {
		t.Fatalf("expected error for non-image payload")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		w, h, want int
	}{
		{512, 512, 765},
		{513, 512, 1530},
		{1024, 1024, 3060},
		{0, 100, 0},
	}
	for _, tc := range tests {
		if got := EstimateTokens(tc.w, tc.h); got != tc.want {
			t.Fatalf("EstimateTokens(%d, %d) = %d, want %d", tc.w, tc.h, got, tc.want)
		}
	}
}
