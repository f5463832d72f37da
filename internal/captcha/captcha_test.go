package captcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"promo-code-engine/internal/logging"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x%4 == 0 {
				img.Set(x, y, color.Black)
			} else {
				img.Set(x, y, color.RGBA{R: 200, G: 200, B: 200, A: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestFetcher_DataURL(t *testing.T) {
	f := NewFetcher(nil)
	svg := `<svg xmlns="http://www.w3.org/2000/svg"></svg>`
	src := "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg))

	img, err := f.Fetch(context.Background(), src)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if img.ContentType != "image/svg+xml" || string(img.Data) != svg {
		t.Errorf("Unexpected image: %s %q", img.ContentType, img.Data)
	}

	if _, err := f.Fetch(context.Background(), "data:image/png;base64"); !errors.Is(err, ErrImageSource) {
		t.Errorf("Expected ErrImageSource, got %v", err)
	}
}

func TestFetcher_HTTP(t *testing.T) {
	data := pngBytes(t, 10, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	defer srv.Close()

	img, err := NewFetcher(srv.Client()).Fetch(context.Background(), srv.URL+"/c.png")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !bytes.Equal(img.Data, data) {
		t.Error("Expected fetched bytes to match")
	}
}

func TestRasterPreprocessor(t *testing.T) {
	p := NewRasterPreprocessor()

	out, err := p.Process(Image{Data: pngBytes(t, 120, 30), ContentType: "image/png"})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(out.Data))
	if err != nil {
		t.Fatalf("output is not a png: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 250 || b.Dy() != 100 {
		t.Errorf("Expected 250x100 canvas, got %dx%d", b.Dx(), b.Dy())
	}
	for _, pt := range []image.Point{{0, 0}, {125, 50}, {249, 99}} {
		y := color.GrayModel.Convert(decoded.At(pt.X, pt.Y)).(color.Gray).Y
		if y != 0 && y != 0xff {
			t.Errorf("Expected binary pixel at %v, got %d", pt, y)
		}
	}
	// Letterbox bands stay white.
	if y := color.GrayModel.Convert(decoded.At(125, 0)).(color.Gray).Y; y != 0xff {
		t.Errorf("Expected white letterbox, got %d", y)
	}

	if _, err := p.Process(Image{Data: []byte("not an image"), ContentType: "image/png"}); !errors.Is(err, ErrUnsupportedImage) {
		t.Errorf("Expected ErrUnsupportedImage, got %v", err)
	}
}

// captchaSVG is a 150x50 captcha: transparent background, one dark bar in the
// left half.
const captchaSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="150" height="50" viewBox="0 0 150 50">` +
	`<path d="M10 10 L70 10 L70 40 L10 40 Z" fill="#222"/></svg>`

func TestRasterPreprocessor_SVG(t *testing.T) {
	out, err := NewRasterPreprocessor().Process(Image{Data: []byte(captchaSVG), ContentType: "image/svg+xml"})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if out.ContentType != "image/png" {
		t.Fatalf("Expected a png, got %s", out.ContentType)
	}
	decoded, err := png.Decode(bytes.NewReader(out.Data))
	if err != nil {
		t.Fatalf("output is not a png: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 250 || b.Dy() != 100 {
		t.Fatalf("Expected 250x100 canvas, got %dx%d", b.Dx(), b.Dy())
	}

	// 150x50 scales to 250x83, so the bar spans x 17..117 and y 25..75.
	gray := func(x, y int) uint8 {
		return color.GrayModel.Convert(decoded.At(x, y)).(color.Gray).Y
	}
	if v := gray(60, 50); v != 0 {
		t.Errorf("Expected the bar to rasterize black, got %d", v)
	}
	if v := gray(200, 50); v != 0xff {
		t.Errorf("Expected the transparent background to flatten white, got %d", v)
	}
	if v := gray(125, 2); v != 0xff {
		t.Errorf("Expected white letterbox, got %d", v)
	}
}

func TestOCRClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ocr" {
			http.NotFound(w, r)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("expected multipart file: %v", err)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		if string(b) != "img" || hdr.Filename != "captcha.png" {
			t.Errorf("unexpected upload %q %s", b, hdr.Filename)
		}
		json.NewEncoder(w).Encode(OCRResult{Text: " ab12 ", Confidence: 97})
	}))
	defer srv.Close()

	res, err := NewOCRClient(srv.URL+"/", time.Second).Recognize(context.Background(), Image{Data: []byte("img"), ContentType: "image/png"})
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if res.Text != " ab12 " || res.Confidence != 97 {
		t.Errorf("Unexpected result %+v", res)
	}
}

func TestNormalize(t *testing.T) {
	if got, err := Normalize("  ab12 "); err != nil || got != "AB12" {
		t.Errorf("Expected AB12, got %q (%v)", got, err)
	}
	if _, err := Normalize("ab1"); !errors.Is(err, ErrInvalidCaptcha) {
		t.Errorf("Expected ErrInvalidCaptcha, got %v", err)
	}
}

type fakeRecognizer struct {
	text string
	err  error
}

func (f fakeRecognizer) Recognize(ctx context.Context, img Image) (OCRResult, error) {
	return OCRResult{Text: f.text}, f.err
}

func svgURL() string {
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(captchaSVG))
}

type capturingRecognizer struct {
	got *Image
}

func (c capturingRecognizer) Recognize(ctx context.Context, img Image) (OCRResult, error) {
	*c.got = img
	return OCRResult{Text: "k3p9"}, nil
}

func TestOCRSolver_RasterizesSVGDataURL(t *testing.T) {
	var seen Image
	s := NewOCRSolver(NewFetcher(nil), capturingRecognizer{got: &seen}, logging.Discard())

	got, err := s.Solve(context.Background(), "alpha", svgURL())
	if err != nil || got != "K3P9" {
		t.Fatalf("Expected K3P9, got %q (%v)", got, err)
	}
	if seen.ContentType != "image/png" {
		t.Fatalf("Expected OCR to receive a png, got %s", seen.ContentType)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(seen.Data))
	if err != nil || cfg.Width != 250 || cfg.Height != 100 {
		t.Errorf("Expected a 250x100 png, got %+v (%v)", cfg, err)
	}
}

func TestOCRSolver(t *testing.T) {
	ctx := context.Background()

	s := NewOCRSolver(NewFetcher(nil), fakeRecognizer{text: "wxyz"}, logging.Discard())
	got, err := s.Solve(ctx, "alpha", svgURL())
	if err != nil || got != "WXYZ" {
		t.Fatalf("Expected WXYZ, got %q (%v)", got, err)
	}

	short := NewOCRSolver(NewFetcher(nil), fakeRecognizer{text: "ab"}, logging.Discard())
	if _, err := short.Solve(ctx, "alpha", svgURL()); !errors.Is(err, ErrInvalidCaptcha) {
		t.Errorf("Expected ErrInvalidCaptcha, got %v", err)
	}
}

func TestOCRSolver_HumanFallback(t *testing.T) {
	ctx := context.Background()
	var q *HumanQueue
	q = NewHumanQueue(time.Second, func(c Challenge) {
		go q.Answer(c.ID, " qr7s ")
	})

	enabled := true
	s := NewOCRSolver(NewFetcher(nil), fakeRecognizer{err: errors.New("ocr down")}, logging.Discard(),
		WithHumanFallback(q, func() bool { return enabled }))

	got, err := s.Solve(ctx, "alpha", svgURL())
	if err != nil || got != "QR7S" {
		t.Fatalf("Expected human answer QR7S, got %q (%v)", got, err)
	}

	enabled = false
	if _, err := s.Solve(ctx, "alpha", svgURL()); err == nil {
		t.Error("Expected OCR error when the fallback is disabled")
	}
}

func TestHumanQueue(t *testing.T) {
	q := NewHumanQueue(50*time.Millisecond, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := q.Ask(ctx, "alpha", Image{Data: []byte("x"), ContentType: "image/png"})
		done <- err
	}()

	if err := <-done; !errors.Is(err, ErrHumanTimeout) {
		t.Errorf("Expected ErrHumanTimeout, got %v", err)
	}
	if len(q.Pending()) != 0 {
		t.Error("Expected timed out challenge to be removed")
	}
	if err := q.Answer("missing", "abcd"); !errors.Is(err, ErrUnknownChallenge) {
		t.Errorf("Expected ErrUnknownChallenge, got %v", err)
	}
}

func TestHumanQueue_PendingAndAnswer(t *testing.T) {
	asked := make(chan Challenge, 1)
	q := NewHumanQueue(time.Second, func(c Challenge) { asked <- c })

	result := make(chan string, 1)
	go func() {
		ans, _ := q.Ask(context.Background(), "alpha", Image{Data: []byte("x"), ContentType: "image/png"})
		result <- ans
	}()

	c := <-asked
	pending := q.Pending()
	if len(pending) != 1 || pending[0].ID != c.ID || pending[0].Site != "alpha" {
		t.Fatalf("Expected the challenge to be pending, got %+v", pending)
	}
	if err := q.Answer(c.ID, "abcd"); err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if got := <-result; got != "abcd" {
		t.Errorf("Expected abcd, got %q", got)
	}
}
