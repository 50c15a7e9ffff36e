// ABOUTME: OCR service client for burned-in PHI detection, plus region merge with padding.
// ABOUTME: Detected PHI regions become synthesized alter_pixels operations during anonymization.
package anon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

// Finding is one OCR-detected text region.
type Finding struct {
	Region Region `json:"region"`
	Text   string `json:"text"`
	IsPHI  bool   `json:"is_phi"`
}

// OCRClient detects text regions in a DICOM instance's pixel data.
type OCRClient interface {
	DetectRegions(ctx context.Context, path string) ([]Finding, error)
}

// HTTPOCRClient posts instances to an external OCR service.
type HTTPOCRClient struct {
	URL    string
	Client *http.Client
}

var _ OCRClient = (*HTTPOCRClient)(nil)

func NewHTTPOCRClient(url string) *HTTPOCRClient {
	return &HTTPOCRClient{
		URL:    strings.TrimRight(url, "/"),
		Client: &http.Client{Timeout: 60 * time.Second},
	}
}

// DetectRegions uploads the instance and decodes the findings list.
func (c *HTTPOCRClient) DetectRegions(ctx context.Context, path string) ([]Finding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/detect", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dicom")

	rsp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr detect: %w", err)
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(rsp.Body, 1024))
		return nil, fmt.Errorf("ocr detect: %s: %s", rsp.Status, strings.TrimSpace(string(body)))
	}

	var out struct {
		Findings []Finding `json:"findings"`
	}
	if err := json.NewDecoder(rsp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ocr response: %w", err)
	}
	return out.Findings, nil
}

// MergeRegions pads every region and coalesces overlapping boxes into their
// bounding rectangles, so adjacent text lines redact as one block.
func MergeRegions(regions []Region, padding int) []Region {
	if len(regions) == 0 {
		return nil
	}
	padded := make([]Region, len(regions))
	for i, r := range regions {
		padded[i] = Region{
			X: r.X - padding,
			Y: r.Y - padding,
			W: r.W + 2*padding,
			H: r.H + 2*padding,
		}
		if padded[i].X < 0 {
			padded[i].W += padded[i].X
			padded[i].X = 0
		}
		if padded[i].Y < 0 {
			padded[i].H += padded[i].Y
			padded[i].Y = 0
		}
	}

	merged := []Region{}
	for len(padded) > 0 {
		cur := padded[0]
		padded = padded[1:]
		changed := true
		for changed {
			changed = false
			rest := padded[:0]
			for _, r := range padded {
				if overlaps(cur, r) {
					cur = bound(cur, r)
					changed = true
				} else {
					rest = append(rest, r)
				}
			}
			padded = rest
		}
		merged = append(merged, cur)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Y != merged[j].Y {
			return merged[i].Y < merged[j].Y
		}
		return merged[i].X < merged[j].X
	})
	return merged
}

func overlaps(a, b Region) bool {
	return a.X < b.X+b.W && b.X < a.X+a.W && a.Y < b.Y+b.H && b.Y < a.Y+a.H
}

func bound(a, b Region) Region {
	x1 := min(a.X, b.X)
	y1 := min(a.Y, b.Y)
	x2 := max(a.X+a.W, b.X+b.W)
	y2 := max(a.Y+a.H, b.Y+b.H)
	return Region{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}
