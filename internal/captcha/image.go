package captcha

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxImageBytes = 2 << 20

// ErrImageSource is returned when a captcha URL cannot be turned into bytes.
var ErrImageSource = errors.New("captcha: unreadable image source")

// Image is a raw captcha image and its media type.
type Image struct {
	Data        []byte
	ContentType string
}

// Fetcher loads captcha images from data URLs or over HTTP.
type Fetcher struct {
	httpClient *http.Client
}

// NewFetcher creates a fetcher using hc for remote images.
func NewFetcher(hc *http.Client) *Fetcher {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Fetcher{httpClient: hc}
}

// Fetch resolves src, which is either a data: URL or an http(s) URL.
func (f *Fetcher) Fetch(ctx context.Context, src string) (Image, error) {
	if strings.HasPrefix(src, "data:") {
		return decodeDataURL(src)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrImageSource, err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("fetch captcha image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("%w: image host returned %s", ErrImageSource, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return Image{}, fmt.Errorf("read captcha image: %w", err)
	}
	return Image{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

func decodeDataURL(src string) (Image, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(src, "data:"), ",")
	if !ok {
		return Image{}, fmt.Errorf("%w: data URL without payload", ErrImageSource)
	}
	mediaType := header
	isBase64 := false
	if strings.HasSuffix(header, ";base64") {
		mediaType = strings.TrimSuffix(header, ";base64")
		isBase64 = true
	}
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}

	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return Image{}, fmt.Errorf("%w: %v", ErrImageSource, err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return Image{}, fmt.Errorf("%w: %v", ErrImageSource, err)
		}
		data = []byte(unescaped)
	}
	return Image{Data: data, ContentType: mediaType}, nil
}

// DataURL renders img back into a base64 data URL.
func (img Image) DataURL() string {
	ct := img.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
