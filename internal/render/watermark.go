package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

var watermarkColor = color.NRGBA{R: 200, G: 60, B: 60, A: 70}

// Watermark overlays translucent diagonal bands on every page. Free-mode
// output is watermarked.
func Watermark(pages []Page) ([]Page, error) {
	out := make([]Page, 0, len(pages))
	for i, p := range pages {
		src, _, err := image.Decode(bytes.NewReader(p.Data))
		if err != nil {
			return nil, fmt.Errorf("watermark page %d: %w", i+1, err)
		}
		b := src.Bounds()
		img := image.NewRGBA(b)
		draw.Draw(img, b, src, b.Min, draw.Src)

		band := max(b.Dx()/40, 4)
		period := band * 6
		mask := image.NewAlpha(b)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				if (x+y)%period < band {
					mask.SetAlpha(x, y, color.Alpha{A: 255})
				}
			}
		}
		draw.DrawMask(img, b, image.NewUniform(watermarkColor), image.Point{}, mask, b.Min, draw.Over)

		page, err := encodePNG(img)
		if err != nil {
			return nil, fmt.Errorf("watermark page %d: %w", i+1, err)
		}
		out = append(out, page)
	}
	return out, nil
}
