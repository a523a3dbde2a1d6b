// Package imagex prepares client-supplied images for vision prompts.
// Oversized images are scaled down to a preset bounding box and re-encoded
// as JPEG to keep prompt token costs predictable.
package imagex

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"
)

// Preset bounds an image and sets the JPEG re-encoding quality.
type Preset struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
}

var (
	// QuickAnalysis favors cheap prompts over detail.
	QuickAnalysis = Preset{MaxWidth: 512, MaxHeight: 512, Quality: 75}
	// FoodAnalysis is the default preset for meal photos.
	FoodAnalysis = Preset{MaxWidth: 768, MaxHeight: 768, Quality: 80}
	// DetailedAnalysis keeps the most detail the provider can use.
	DetailedAnalysis = Preset{MaxWidth: 1024, MaxHeight: 1024, Quality: 85}
)

// tokensPerTile is the provider's approximate charge per 512x512 image tile.
const tokensPerTile = 765

// ResizeBase64 decodes a base64 image (optionally prefixed with a data URL
// header), scales it down to fit within the preset bounds preserving aspect
// ratio, and returns the result as base64 JPEG. Images already within bounds
// are returned unchanged. Images are never enlarged.
func ResizeBase64(encoded string, p Preset) (string, error) {
	raw := stripDataURLPrefix(encoded)

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decode base64 image: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= p.MaxWidth && h <= p.MaxHeight {
		return encoded, nil
	}

	dstW, dstH := fitWithin(w, h, p.MaxWidth, p.MaxHeight)
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: p.Quality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// EstimateTokens approximates the prompt tokens an image of the given
// dimensions will cost, at tokensPerTile per started 512x512 tile.
func EstimateTokens(width, height int) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	tilesX := (width + 511) / 512
	tilesY := (height + 511) / 512
	return tilesX * tilesY * tokensPerTile
}

func stripDataURLPrefix(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if idx := strings.Index(s, ","); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// fitWithin returns the largest dimensions not exceeding maxW x maxH that
// preserve the w:h aspect ratio.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	scaleW := float64(maxW) / float64(w)
	scaleH := float64(maxH) / float64(h)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	dstW := int(float64(w) * scale)
	dstH := int(float64(h) * scale)
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}
	return dstW, dstH
}
