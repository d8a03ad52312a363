package treatmentplan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxRenderedSize caps the document accepted from the renderer.
const maxRenderedSize = 32 << 20

// Renderer turns an approved snapshot into a printable document.
type Renderer interface {
	Render(ctx context.Context, v *PlanVersion) (contentType string, body []byte, err error)
}

// HTTPRenderer posts the snapshot as JSON to an external rendering service
// and returns whatever document it answers with.
type HTTPRenderer struct {
	url    string
	client *http.Client
}

func NewHTTPRenderer(url string, timeout time.Duration) *HTTPRenderer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRenderer{url: url, client: &http.Client{Timeout: timeout}}
}

func (r *HTTPRenderer) Render(ctx context.Context, v *PlanVersion) (string, []byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("encode snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return "", nil, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("render plan %s v%d: %w", v.PlanID, v.Version, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRenderedSize))
	if err != nil {
		return "", nil, fmt.Errorf("read rendered document: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("renderer returned %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/pdf"
	}
	return contentType, body, nil
}
