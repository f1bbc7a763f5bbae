package gesture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClassifier posts frames to a hand-pose classification endpoint that
// returns {"label": "...", "confidence": 0.93}.
type HTTPClassifier struct {
	HTTPClient *http.Client
	Endpoint   string
}

func NewHTTPClassifier(endpoint string) *HTTPClassifier {
	return &HTTPClassifier{
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		Endpoint:   endpoint,
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, jpeg []byte) (Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(jpeg))
	if err != nil {
		return Sample{}, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Sample{}, fmt.Errorf("gesture classify: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Sample{}, fmt.Errorf("gesture classify: status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Sample{}, fmt.Errorf("gesture classify: decode: %w", err)
	}
	return Sample{Label: out.Label, Confidence: out.Confidence}, nil
}
