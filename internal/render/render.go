// Package render turns text into handwriting page images and packages the
// pages as PDF or zip documents.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	herrors "github.com/rcourtman/handwrite/internal/errors"
)

// Renderer produces page images for text.
type Renderer interface {
	Render(ctx context.Context, text string, style Style) ([]Page, error)
}

// Paper backgrounds understood by the renderers.
const (
	PaperPlain = "plain"
	PaperLined = "lined"
	PaperGrid  = "grid"
)

// Style carries the layout and jitter parameters of a render request.
// Sizes are in pixels.
type Style struct {
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FontSize     int    `json:"font_size"`
	LineSpacing  int    `json:"line_spacing"`
	WordSpacing  int    `json:"word_spacing"`
	LeftMargin   int    `json:"left_margin"`
	TopMargin    int    `json:"top_margin"`
	RightMargin  int    `json:"right_margin"`
	BottomMargin int    `json:"bottom_margin"`
	Fill         string `json:"fill,omitempty"`
	Paper        string `json:"paper,omitempty"`
	Font         string `json:"font,omitempty"`

	LineSpacingSigma  float64 `json:"line_spacing_sigma"`
	FontSizeSigma     float64 `json:"font_size_sigma"`
	WordSpacingSigma  float64 `json:"word_spacing_sigma"`
	PerturbXSigma     float64 `json:"perturb_x_sigma"`
	PerturbYSigma     float64 `json:"perturb_y_sigma"`
	PerturbThetaSigma float64 `json:"perturb_theta_sigma"`
}

// DefaultStyle is an A4 page at 300 dpi with lined paper.
func DefaultStyle() Style {
	return Style{
		Width:             2480,
		Height:            3508,
		FontSize:          90,
		LineSpacing:       120,
		WordSpacing:       1,
		LeftMargin:        150,
		TopMargin:         200,
		RightMargin:       150,
		BottomMargin:      200,
		Fill:              "#000000",
		Paper:             PaperLined,
		LineSpacingSigma:  2,
		FontSizeSigma:     2,
		WordSpacingSigma:  1,
		PerturbXSigma:     1,
		PerturbYSigma:     1,
		PerturbThetaSigma: 0.05,
	}
}

// WithDefaults fills zero-valued layout fields from DefaultStyle.
func (s Style) WithDefaults() Style {
	d := DefaultStyle()
	if s.Width == 0 {
		s.Width = d.Width
	}
	if s.Height == 0 {
		s.Height = d.Height
	}
	if s.FontSize == 0 {
		s.FontSize = d.FontSize
	}
	if s.LineSpacing == 0 {
		s.LineSpacing = d.LineSpacing
	}
	if s.Fill == "" {
		s.Fill = d.Fill
	}
	if s.Paper == "" {
		s.Paper = d.Paper
	}
	return s
}

// Validate rejects layouts that cannot hold a single glyph.
func (s Style) Validate() error {
	switch {
	case s.Width <= 0 || s.Height <= 0:
		return herrors.Validation("render", "page size must be positive, got %dx%d", s.Width, s.Height)
	case s.Width > 10000 || s.Height > 10000:
		return herrors.Validation("render", "page size %dx%d is too large", s.Width, s.Height)
	case s.FontSize <= 0:
		return herrors.Validation("render", "font_size must be positive")
	case s.LineSpacing < s.FontSize:
		return herrors.Validation("render", "line_spacing must be at least font_size")
	case s.LeftMargin < 0 || s.RightMargin < 0 || s.TopMargin < 0 || s.BottomMargin < 0:
		return herrors.Validation("render", "margins must not be negative")
	case s.LeftMargin+s.RightMargin+s.FontSize > s.Width:
		return herrors.Validation("render", "horizontal margins leave no room for text")
	case s.TopMargin+s.BottomMargin+s.LineSpacing > s.Height:
		return herrors.Validation("render", "vertical margins leave no room for text")
	}
	switch s.Paper {
	case "", PaperPlain, PaperLined, PaperGrid:
	default:
		return herrors.Validation("render", "unknown paper %q", s.Paper)
	}
	return nil
}

// Page is one rendered page as an encoded image.
type Page struct {
	Data   []byte
	Format string // "png" or "jpeg"
	Width  int
	Height int
}

// NewPage decodes the header of data to fill in the page size and format.
func NewPage(data []byte) (Page, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Page{}, fmt.Errorf("decode page image: %w", err)
	}
	return Page{Data: data, Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}
