package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// OCRResult is what the recognition service returns.
type OCRResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Recognizer turns an image into text.
type Recognizer interface {
	Recognize(ctx context.Context, img Image) (OCRResult, error)
}

// OCRClient posts images to {base}/api/ocr as a multipart "file" field.
type OCRClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOCRClient creates a client. A zero timeout uses five seconds.
func NewOCRClient(baseURL string, timeout time.Duration) *OCRClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OCRClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *OCRClient) Recognize(ctx context.Context, img Image) (OCRResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "captcha"+extensionFor(img.ContentType))
	if err != nil {
		return OCRResult{}, err
	}
	if _, err := part.Write(img.Data); err != nil {
		return OCRResult{}, err
	}
	if err := mw.Close(); err != nil {
		return OCRResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ocr", &body)
	if err != nil {
		return OCRResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return OCRResult{}, fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return OCRResult{}, fmt.Errorf("ocr request: service returned %s", resp.Status)
	}

	var out OCRResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return OCRResult{}, fmt.Errorf("decode ocr result: %w", err)
	}
	return out, nil
}

func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "svg"):
		return ".svg"
	case strings.Contains(contentType, "jpeg"):
		return ".jpg"
	case strings.Contains(contentType, "gif"):
		return ".gif"
	default:
		return ".png"
	}
}
