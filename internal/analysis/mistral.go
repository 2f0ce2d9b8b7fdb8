package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackzampolin/folio/internal/blob"
	"github.com/jackzampolin/folio/internal/chunk"
)

const (
	MistralName    = "mistral"
	MistralBaseURL = "https://api.mistral.ai/v1"
	MistralModel   = "mistral-ocr-latest"

	// DefaultRequestsPerMinute matches Mistral's default OCR quota.
	DefaultRequestsPerMinute = 360
)

// MistralConfig holds configuration for the Mistral OCR client.
type MistralConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration

	// RequestsPerMinute caps the request rate (default 360)
	RequestsPerMinute int

	// Documents resolves locations that are not http(s) URLs.
	// Required to analyze documents held in the blob store.
	Documents blob.Reader

	Logger *slog.Logger
}

// MistralClient implements Service with the Mistral OCR API.
//
// URL documents are sent by reference with the range's page indices. Stored
// documents are cut down to the requested pages and sent inline, so a chunk
// never uploads the whole file.
type MistralClient struct {
	apiKey    string
	baseURL   string
	model     string
	documents blob.Reader
	limiter   *RateLimiter
	client    *http.Client
	logger    *slog.Logger
}

// NewMistralClient creates a new Mistral OCR client.
func NewMistralClient(cfg MistralConfig) (*MistralClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("mistral API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = MistralBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = MistralModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &MistralClient{
		apiKey:    cfg.APIKey,
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		documents: cfg.Documents,
		limiter:   NewRateLimiter(cfg.RequestsPerMinute),
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger.With("service", MistralName),
	}, nil
}

// Analyze runs OCR over the pages in r.
func (c *MistralClient) Analyze(ctx context.Context, location string, r chunk.Range) ([]PageRecord, error) {
	req := ocrRequest{Model: c.model}
	offset := 0

	if IsRemote(location) {
		req.Document = ocrDocument{Type: "document_url", DocumentURL: location}
		req.Pages = make([]int, 0, r.Len())
		for _, p := range r.Pages() {
			req.Pages = append(req.Pages, p-1)
		}
		offset = 1
	} else {
		if c.documents == nil {
			return nil, &APIError{StatusCode: http.StatusBadRequest, Message: "no document store configured for " + location}
		}
		data, _, err := c.documents.Read(ctx, location)
		if err != nil {
			return nil, fmt.Errorf("failed to read document %s: %w", location, err)
		}
		slice, err := SlicePages(data, r)
		if err != nil {
			return nil, err
		}
		req.Document = ocrDocument{
			Type:        "document_url",
			DocumentURL: "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(slice),
		}
		offset = r.Start
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.doRequest(ctx, "/ocr", req)
	if err != nil {
		return nil, err
	}

	pages := make([]PageRecord, 0, len(resp.Pages))
	for _, page := range resp.Pages {
		pages = append(pages, PageRecord{
			PageNumber: page.Index + offset,
			Content:    page.Markdown,
			Metadata:   pageMetadata(resp, page),
		})
	}

	logger := c.logger.With("location", location, "range", r.String())
	if resp.UsageInfo != nil {
		logger = logger.With("pages_processed", resp.UsageInfo.PagesProcessed)
	}
	limits := c.limiter.Status()
	logger.Debug("ocr complete",
		"pages", len(pages),
		"duration", time.Since(start),
		"tokens_available", limits.TokensAvailable,
		"rate_limit_waited", limits.TotalWaited)
	return pages, nil
}

func pageMetadata(resp *ocrResponse, page ocrPage) map[string]any {
	metadata := map[string]any{
		"model": resp.Model,
		"dimensions": map[string]any{
			"width":  page.Dimensions.Width,
			"height": page.Dimensions.Height,
			"dpi":    page.Dimensions.DPI,
		},
	}
	if len(page.Images) > 0 {
		images := make([]map[string]any, len(page.Images))
		for i, img := range page.Images {
			images[i] = map[string]any{
				"id":             img.ID,
				"top_left_x":     img.TopLeftX,
				"top_left_y":     img.TopLeftY,
				"bottom_right_x": img.BottomRightX,
				"bottom_right_y": img.BottomRightY,
			}
		}
		metadata["images"] = images
	}
	return metadata
}

func (c *MistralClient) doRequest(ctx context.Context, path string, body any) (*ocrResponse, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			c.limiter.Throttled()
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var errResp ocrErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			apiErr.Message = errResp.Error.Message
		}
		return nil, apiErr
	}

	var out ocrResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &out, nil
}

// APIError is a non-200 answer from the analysis API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("analysis API error (status %d): %s", e.StatusCode, e.Message)
}

// Permanent reports whether the request should not be retried.
// 4xx answers are permanent except 408 and 429.
func (e *APIError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

type ocrRequest struct {
	Model              string      `json:"model"`
	Document           ocrDocument `json:"document"`
	Pages              []int       `json:"pages,omitempty"`
	IncludeImageBase64 bool        `json:"include_image_base64,omitempty"`
}

type ocrDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url,omitempty"`
}

type ocrResponse struct {
	Model     string        `json:"model"`
	Pages     []ocrPage     `json:"pages"`
	UsageInfo *ocrUsageInfo `json:"usage_info,omitempty"`
}

type ocrPage struct {
	Index      int               `json:"index"`
	Markdown   string            `json:"markdown"`
	Images     []ocrImage        `json:"images,omitempty"`
	Dimensions ocrPageDimensions `json:"dimensions"`
}

type ocrImage struct {
	ID           string `json:"id"`
	TopLeftX     int    `json:"top_left_x"`
	TopLeftY     int    `json:"top_left_y"`
	BottomRightX int    `json:"bottom_right_x"`
	BottomRightY int    `json:"bottom_right_y"`
}

type ocrPageDimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	DPI    int `json:"dpi"`
}

type ocrUsageInfo struct {
	PagesProcessed int `json:"pages_processed"`
	DocSizeBytes   int `json:"doc_size_bytes,omitempty"`
}

type ocrErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

var _ Service = (*MistralClient)(nil)
