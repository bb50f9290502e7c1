package render

import (
	"bytes"
	"context"
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math/rand/v2"
	"strconv"
	"strings"
	"unicode"

	herrors "github.com/rcourtman/handwrite/internal/errors"
)

var (
	paperColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	ruleColor  = color.RGBA{R: 190, G: 205, B: 225, A: 255}
)

// PlaceholderRenderer draws each character as a jittered ink stroke on
// ruled paper. It needs no external service and is meant for development
// and tests.
type PlaceholderRenderer struct{}

// NewPlaceholderRenderer creates a PlaceholderRenderer.
func NewPlaceholderRenderer() *PlaceholderRenderer {
	return &PlaceholderRenderer{}
}

func (PlaceholderRenderer) Render(ctx context.Context, text string, style Style) ([]Page, error) {
	style = style.WithDefaults()
	if err := style.Validate(); err != nil {
		return nil, err
	}
	ink, err := parseHexColor(style.Fill)
	if err != nil {
		return nil, herrors.Validation("render", "fill: %v", err)
	}

	cell := style.FontSize + style.WordSpacing
	cols := (style.Width - style.LeftMargin - style.RightMargin) / cell
	rows := (style.Height - style.TopMargin - style.BottomMargin) / style.LineSpacing
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(len(text))))

	lines := wrapText(text, cols)
	var pages []Page
	for start := 0; start < len(lines); start += rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+rows, len(lines))
		img := blankPage(style)
		for i, line := range lines[start:end] {
			baseline := style.TopMargin + (i+1)*style.LineSpacing
			for j, r := range line {
				if unicode.IsSpace(r) {
					continue
				}
				x := style.LeftMargin + j*cell + jitter(rng, style.PerturbXSigma)
				y := baseline + jitter(rng, style.PerturbYSigma)
				size := style.FontSize + jitter(rng, style.FontSizeSigma)
				drawStroke(img, x, y, size, ink)
			}
		}
		page, err := encodePNG(img)
		if err != nil {
			return nil, herrors.WrapRenderError("render", err)
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// wrapText splits text into lines of at most cols runes, honouring
// explicit line breaks. It always returns at least one line.
func wrapText(text string, cols int) [][]rune {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var lines [][]rune
	for _, para := range strings.Split(text, "\n") {
		runes := []rune(para)
		if len(runes) == 0 {
			lines = append(lines, nil)
			continue
		}
		for len(runes) > cols {
			lines = append(lines, runes[:cols])
			runes = runes[cols:]
		}
		lines = append(lines, runes)
	}
	return lines
}

func jitter(rng *rand.Rand, sigma float64) int {
	if sigma <= 0 {
		return 0
	}
	return int(rng.NormFloat64() * sigma)
}

func blankPage(style Style) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, style.Width, style.Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(paperColor), image.Point{}, draw.Src)

	switch style.Paper {
	case PaperLined:
		for y := style.TopMargin + style.LineSpacing; y < style.Height-style.BottomMargin; y += style.LineSpacing {
			fillRect(img, style.LeftMargin, y-1, style.Width-style.RightMargin, y+2, ruleColor)
		}
	case PaperGrid:
		size := style.FontSize * 115 / 100
		for x := style.LeftMargin; x <= style.Width-style.RightMargin; x += size {
			fillRect(img, x, style.TopMargin, x+1, style.Height-style.BottomMargin, ruleColor)
		}
		for y := style.TopMargin; y <= style.Height-style.BottomMargin; y += size {
			fillRect(img, style.LeftMargin, y, style.Width-style.RightMargin, y+1, ruleColor)
		}
	}
	return img
}

// drawStroke draws a glyph-sized ink mark whose baseline is at y.
func drawStroke(img *image.RGBA, x, y, size int, ink color.RGBA) {
	if size < 4 {
		size = 4
	}
	w := size * 3 / 5
	h := size * 4 / 5
	thick := max(size/12, 2)
	top := y - h
	fillRect(img, x, top, x+thick, y, ink)
	fillRect(img, x, y-thick, x+w, y, ink)
	fillRect(img, x+w-thick, top+h/3, x+w, y, ink)
}

func fillRect(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	r := image.Rect(x0, y0, x1, y1).Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
}

func encodePNG(img image.Image) (Page, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Page{}, err
	}
	b := img.Bounds()
	return Page{Data: buf.Bytes(), Format: "png", Width: b.Dx(), Height: b.Dy()}, nil
}

func parseHexColor(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.RGBA{}, strconv.ErrSyntax
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, err
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}
