package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	herrors "github.com/rcourtman/handwrite/internal/errors"
)

const maxRenderResponseBytes = 256 << 20

var errNoPages = errors.New("renderer returned no pages")

// HTTPRenderer delegates rendering to an external service. The service
// accepts {"text", "style"} and answers {"pages": [base64 image, ...]}.
type HTTPRenderer struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPRenderer creates a renderer posting to endpoint.
func NewHTTPRenderer(endpoint string, timeout time.Duration) *HTTPRenderer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPRenderer{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type renderRequest struct {
	Text  string `json:"text"`
	Style Style  `json:"style"`
}

type renderResponse struct {
	Pages []string `json:"pages"`
	Error string   `json:"error,omitempty"`
}

// Render sends text to the render service. Every failure is reported as a
// render error.
func (r *HTTPRenderer) Render(ctx context.Context, text string, style Style) ([]Page, error) {
	body, err := json.Marshal(renderRequest{Text: text, Style: style})
	if err != nil {
		return nil, herrors.WrapRenderError("render", fmt.Errorf("marshal render request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, herrors.WrapRenderError("render", fmt.Errorf("create render request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, herrors.WrapRenderError("render", fmt.Errorf("render request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRenderResponseBytes))
	if err != nil {
		return nil, herrors.WrapRenderError("render", fmt.Errorf("read render response: %w", err))
	}

	var out renderResponse
	if resp.StatusCode != http.StatusOK {
		_ = json.Unmarshal(respBody, &out)
		return nil, herrors.WrapRenderError("render", fmt.Errorf("render service error (HTTP %d): %s", resp.StatusCode, out.Error))
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, herrors.WrapRenderError("render", fmt.Errorf("decode render response: %w", err))
	}
	if len(out.Pages) == 0 {
		return nil, herrors.WrapRenderError("render", errNoPages)
	}

	pages := make([]Page, 0, len(out.Pages))
	for i, encoded := range out.Pages {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, herrors.WrapRenderError("render", fmt.Errorf("page %d: %w", i+1, err))
		}
		page, err := NewPage(data)
		if err != nil {
			return nil, herrors.WrapRenderError("render", fmt.Errorf("page %d: %w", i+1, err))
		}
		pages = append(pages, page)
	}
	return pages, nil
}
