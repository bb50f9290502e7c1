// Package orchestrator runs a generation request end to end: it checks the
// entitlement, renders the text, stores the output as an artifact and only
// then charges the entitlement.
package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rcourtman/handwrite/internal/artifact"
	"github.com/rcourtman/handwrite/internal/clock"
	herrors "github.com/rcourtman/handwrite/internal/errors"
	"github.com/rcourtman/handwrite/internal/hwmetrics"
	"github.com/rcourtman/handwrite/internal/ledger"
	"github.com/rcourtman/handwrite/internal/logging"
	"github.com/rcourtman/handwrite/internal/render"
)

// Output formats.
const (
	FormatPDF = "pdf"
	FormatZip = "zip"

	formatPreview = "preview"
)

const (
	DefaultMaxTextLength = 10000

	pdfName = "handwriting.pdf"
	zipName = "images.zip"
)

// Request is one generation request.
type Request struct {
	Text   string       `json:"text"`
	Code   string       `json:"code,omitempty"`
	Format string       `json:"format,omitempty"`
	Style  render.Style `json:"style"`
}

// Result is returned to the caller after a successful generation.
type Result struct {
	ArtifactID  string `json:"artifact_id"`
	DownloadURL string `json:"download_url"`
	FileType    string `json:"file_type"`
	Pages       int    `json:"pages"`
	ExpiresIn   int    `json:"expires_in"`
	// Remaining is the entitlement balance after this request. It is nil
	// in free mode.
	Remaining *int `json:"remaining,omitempty"`
	FreeMode  bool `json:"free_mode,omitempty"`
}

// PreviewPage is one rendered page as a data URI.
type PreviewPage struct {
	Image  string `json:"image"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// PreviewResult carries inline pages. Nothing is stored or charged.
type PreviewResult struct {
	Pages       []PreviewPage `json:"pages"`
	PageCount   int           `json:"page_count"`
	Watermarked bool          `json:"watermarked"`
	// Remaining is the untouched balance of the supplied code, if any.
	Remaining *int `json:"remaining,omitempty"`
	FreeMode  bool `json:"free_mode,omitempty"`
}

// Options wires an Orchestrator.
type Options struct {
	Ledger    ledger.Ledger
	Store     *artifact.Store
	Renderer  render.Renderer
	Admission *Admission
	Clock     clock.Clock

	// MaxTextLength is counted in characters.
	MaxTextLength int
	// FreeMode is consulted per request so the flag can change at runtime.
	FreeMode func() bool
}

// Orchestrator composes the ledger, the artifact store and a renderer.
type Orchestrator struct {
	ledger    ledger.Ledger
	store     *artifact.Store
	renderer  render.Renderer
	admission *Admission
	clock     clock.Clock
	maxText   int
	freeMode  func() bool
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		ledger:    opts.Ledger,
		store:     opts.Store,
		renderer:  opts.Renderer,
		admission: opts.Admission,
		clock:     opts.Clock,
		maxText:   opts.MaxTextLength,
		freeMode:  opts.FreeMode,
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.maxText <= 0 {
		o.maxText = DefaultMaxTextLength
	}
	if o.freeMode == nil {
		o.freeMode = func() bool { return false }
	}
	if o.admission == nil {
		o.admission = NewAdmission(AdmissionOptions{})
	}
	return o
}

// Generate validates req, checks the entitlement, renders, persists the
// output and consumes one unit. A render failure consumes nothing and
// stores nothing. If the consume step fails after persisting, the artifact
// is evicted and the consume error is returned.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (result *Result, err error) {
	start := time.Now()
	free := o.freeMode()
	req.Format = strings.ToLower(strings.TrimSpace(req.Format))
	if req.Format == "" {
		req.Format = FormatPDF
	}
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(herrors.TypeOf(err))
		}
		hwmetrics.GenerationsTotal.WithLabelValues(req.Format, outcome).Inc()
		if err == nil {
			hwmetrics.GenerationDuration.WithLabelValues(req.Format).Observe(time.Since(start).Seconds())
		}
	}()

	if err := o.validate(req, free); err != nil {
		return nil, err
	}

	release, err := o.admission.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if !free {
		rec, err := o.ledger.Verify(ctx, req.Code)
		if err != nil {
			return nil, err
		}
		if err := ledger.CheckConsumable(rec, 1, o.clock.Now()); err != nil {
			return nil, err
		}
	}

	pages, err := o.render(ctx, req, free)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := o.persist(req.Format, pages)
	if err != nil {
		return nil, err
	}

	res := &Result{
		ArtifactID:  h.ID,
		DownloadURL: "/artifact/" + h.ID,
		FileType:    req.Format,
		Pages:       len(pages),
		ExpiresIn:   int(h.ExpiresAt.Sub(h.CreatedAt).Seconds()),
		FreeMode:    free,
	}
	if free {
		return res, nil
	}

	rec, err := o.ledger.Consume(ctx, req.Code, 1)
	if err != nil {
		if evictErr := o.store.Evict(h.ID); evictErr != nil {
			logging.FromContext(ctx).Warn().Err(evictErr).Str("artifact_id", h.ID).Msg("Failed to evict unpaid artifact")
		}
		return nil, err
	}
	remaining := rec.RemainingUnits
	res.Remaining = &remaining

	o.recordUsage(ctx, req)
	return res, nil
}

// Preview renders req and returns the pages inline. It stores nothing and
// charges nothing. A code is optional; when one is given it must be
// consumable, and pages are watermarked unless it is.
func (o *Orchestrator) Preview(ctx context.Context, req Request) (result *PreviewResult, err error) {
	start := time.Now()
	free := o.freeMode()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(herrors.TypeOf(err))
		}
		hwmetrics.GenerationsTotal.WithLabelValues(formatPreview, outcome).Inc()
		if err == nil {
			hwmetrics.GenerationDuration.WithLabelValues(formatPreview).Observe(time.Since(start).Seconds())
		}
	}()

	if err := o.validateText("preview", req.Text); err != nil {
		return nil, err
	}
	withCode := !free && req.Code != ""
	if withCode && !ledger.ValidCode(req.Code) {
		return nil, herrors.Validation("preview", "code must be 6 digits")
	}

	release, err := o.admission.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	res := &PreviewResult{FreeMode: free}
	if withCode {
		rec, err := o.ledger.Verify(ctx, req.Code)
		if err != nil {
			return nil, err
		}
		if err := ledger.CheckConsumable(rec, 1, o.clock.Now()); err != nil {
			return nil, err
		}
		remaining := rec.RemainingUnits
		res.Remaining = &remaining
	}

	pages, err := o.render(ctx, req, !withCode)
	if err != nil {
		return nil, err
	}
	res.Watermarked = !withCode
	res.Pages = make([]PreviewPage, len(pages))
	for i, p := range pages {
		res.Pages[i] = PreviewPage{
			Image:  "data:image/" + p.Format + ";base64," + base64.StdEncoding.EncodeToString(p.Data),
			Width:  p.Width,
			Height: p.Height,
		}
	}
	res.PageCount = len(pages)

	if withCode {
		o.logUsage(ctx, ledger.Usage{Code: req.Code, Action: ledger.ActionPreview, CharCount: CountChars(req.Text)})
	}
	return res, nil
}

// render runs the renderer and optionally watermarks the pages.
func (o *Orchestrator) render(ctx context.Context, req Request, watermark bool) ([]render.Page, error) {
	pages, err := o.renderer.Render(ctx, req.Text, req.Style)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var se *herrors.ServiceError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, herrors.WrapRenderError("render", err)
	}
	if len(pages) == 0 {
		return nil, herrors.WrapRenderError("render", errors.New("renderer returned no pages"))
	}
	if watermark {
		if pages, err = render.Watermark(pages); err != nil {
			return nil, herrors.WrapRenderError("watermark", err)
		}
	}
	return pages, nil
}

func (o *Orchestrator) validateText(op, text string) error {
	if strings.TrimSpace(text) == "" {
		return herrors.Validation(op, "text must not be empty")
	}
	if n := utf8.RuneCountInString(text); n > o.maxText {
		return herrors.Validation(op, "text is %d characters, the limit is %d", n, o.maxText)
	}
	return nil
}

func (o *Orchestrator) validate(req Request, free bool) error {
	if err := o.validateText("generate", req.Text); err != nil {
		return err
	}
	switch req.Format {
	case FormatPDF, FormatZip:
	default:
		return herrors.Validation("generate", "unsupported format %q", req.Format)
	}
	if !free && !ledger.ValidCode(req.Code) {
		return herrors.Validation("generate", "a 6-digit code is required")
	}
	return nil
}

func (o *Orchestrator) persist(format string, pages []render.Page) (*artifact.Handle, error) {
	if format == FormatPDF {
		doc, err := render.PDF(pages)
		if err != nil {
			return nil, herrors.WrapRenderError("package", err)
		}
		return o.store.Register(doc, artifact.Meta{MimeType: "application/pdf", Name: pdfName})
	}

	dir, err := os.MkdirTemp(o.store.Root(), ".incoming-pages-")
	if err != nil {
		return nil, herrors.WrapStorageError("persist", "", err)
	}
	if err := render.WritePages(dir, pages); err != nil {
		_ = os.RemoveAll(dir)
		return nil, herrors.WrapStorageError("persist", "", err)
	}
	h, err := o.store.RegisterDir(dir, artifact.Meta{MimeType: "application/zip", Name: zipName})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return h, nil
}

// recordUsage writes the usage log entry. Failures are logged only.
func (o *Orchestrator) recordUsage(ctx context.Context, req Request) {
	action := ledger.ActionGeneratePDF
	if req.Format == FormatZip {
		action = ledger.ActionGenerateZip
	}
	o.logUsage(ctx, ledger.Usage{Code: req.Code, Action: action, CharCount: CountChars(req.Text)})
}

func (o *Orchestrator) logUsage(ctx context.Context, u ledger.Usage) {
	if err := o.ledger.RecordUsage(context.WithoutCancel(ctx), u); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("code", u.Code).Msg("Failed to record usage")
	}
}

// CountChars counts the characters of text, ignoring whitespace.
func CountChars(text string) int {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
