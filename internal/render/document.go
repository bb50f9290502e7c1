package render

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-pdf/fpdf"
)

// pageDPI converts page pixels to PDF points.
const pageDPI = 300.0

// PDF lays out one page per image, each page sized to its image.
func PDF(pages []Page) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages to package")
	}

	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           fpdf.SizeType{Wd: toPoints(pages[0].Width), Ht: toPoints(pages[0].Height)},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCreator("handwrite", true)

	for i, p := range pages {
		w, h := toPoints(p.Width), toPoints(p.Height)
		pdf.AddPageFormat("P", fpdf.SizeType{Wd: w, Ht: h})

		name := fmt.Sprintf("page_%d", i+1)
		opts := fpdf.ImageOptions{ImageType: imageType(p.Format)}
		pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(p.Data))
		pdf.ImageOptions(name, 0, 0, w, h, false, opts, 0, "")
		if err := pdf.Error(); err != nil {
			return nil, fmt.Errorf("add page %d: %w", i+1, err)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// WritePages writes pages into dir as page_1.png, page_2.png and so on.
func WritePages(dir string, pages []Page) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	for i, p := range pages {
		ext := "png"
		if p.Format == "jpeg" {
			ext = "jpg"
		}
		path := filepath.Join(dir, fmt.Sprintf("page_%d.%s", i+1, ext))
		if err := os.WriteFile(path, p.Data, 0o600); err != nil {
			return fmt.Errorf("write page %d: %w", i+1, err)
		}
	}
	return nil
}

func toPoints(px int) float64 {
	return float64(px) * 72.0 / pageDPI
}

func imageType(format string) string {
	if format == "jpeg" {
		return "JPG"
	}
	return "PNG"
}
