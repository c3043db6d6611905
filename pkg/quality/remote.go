package quality

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"

	"github.com/anthonynsimon/bild/imgio"
)

type remoteRequest struct {
	Metric string `json:"metric"`
	Image  string `json:"image"`
}

type remoteResponse struct {
	Score *float64 `json:"score"`
	Error string   `json:"error"`
}

// remote asks the IQA service to evaluate a deep-learning metric.
func (s *Scorer) remote(ctx context.Context, img image.Image) (float64, error) {
	var buf bytes.Buffer
	if err := imgio.JPEGEncoder(90)(&buf, img); err != nil {
		return 0, fmt.Errorf("encode: %w", err)
	}

	body, err := json.Marshal(remoteRequest{
		Metric: string(s.algo),
		Image:  base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serviceURL+"/score", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("iqa service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("iqa service returned %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}

	var r remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return 0, fmt.Errorf("decode: %w", err)
	}
	if r.Error != "" {
		return 0, fmt.Errorf("iqa service: %s", r.Error)
	}
	if r.Score == nil {
		return 0, fmt.Errorf("iqa service returned no score")
	}
	return *r.Score, nil
}
