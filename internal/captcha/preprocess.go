package captcha

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

// ErrUnsupportedImage is returned for captcha bytes that are neither SVG nor
// a decodable raster format.
var ErrUnsupportedImage = errors.New("captcha: unsupported image")

// Preprocessor normalizes a captcha image before OCR.
type Preprocessor interface {
	Process(img Image) (Image, error)
}

var sharpenKernel = [9]float64{
	0, -1, 0,
	-1, 5, -1,
	0, -1, 0,
}

// RasterPreprocessor rasterizes SVG captchas, letterboxes to a fixed canvas
// on white, converts to grayscale, thresholds, then sharpens.
type RasterPreprocessor struct {
	Width     int
	Height    int
	Threshold uint8
}

// NewRasterPreprocessor returns the 250x100, threshold 180 pipeline.
func NewRasterPreprocessor() *RasterPreprocessor {
	return &RasterPreprocessor{Width: 250, Height: 100, Threshold: 180}
}

func (p *RasterPreprocessor) Process(in Image) (Image, error) {
	src, err := p.decode(in)
	if err != nil {
		return Image{}, err
	}

	canvas := imaging.New(p.Width, p.Height, color.White)
	canvas = imaging.OverlayCenter(canvas, p.fit(src), 1.0)
	gray := imaging.Grayscale(canvas)
	bw := imaging.AdjustFunc(gray, func(c color.NRGBA) color.NRGBA {
		v := uint8(0)
		if c.R >= p.Threshold {
			v = 0xff
		}
		return color.NRGBA{R: v, G: v, B: v, A: 0xff}
	})
	out := imaging.Convolve3x3(bw, sharpenKernel, nil)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return Image{}, err
	}
	return Image{Data: buf.Bytes(), ContentType: "image/png"}, nil
}

func (p *RasterPreprocessor) decode(in Image) (image.Image, error) {
	if isSVG(in) {
		return p.rasterizeSVG(in.Data)
	}
	img, err := imaging.Decode(bytes.NewReader(in.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return img, nil
}

// fit scales src up or down to the largest size that fits the canvas.
func (p *RasterPreprocessor) fit(src image.Image) image.Image {
	w, h := p.fitSize(float64(src.Bounds().Dx()), float64(src.Bounds().Dy()))
	if w == src.Bounds().Dx() && h == src.Bounds().Dy() {
		return src
	}
	return imaging.Resize(src, w, h, imaging.Lanczos)
}

func (p *RasterPreprocessor) fitSize(w, h float64) (int, int) {
	if w <= 0 || h <= 0 {
		return p.Width, p.Height
	}
	scale := float64(p.Width) / w
	if s := float64(p.Height) / h; s < scale {
		scale = s
	}
	return max(1, int(w*scale)), max(1, int(h*scale))
}

// rasterizeSVG draws the icon straight at its fitted canvas size. An SVG
// without a view box fills the whole canvas.
func (p *RasterPreprocessor) rasterizeSVG(data []byte) (image.Image, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data), oksvg.WarnErrorMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	w, h := p.fitSize(icon.ViewBox.W, icon.ViewBox.H)
	icon.SetTarget(0, 0, float64(w), float64(h))

	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	scanner := rasterx.NewScannerGV(w, h, rgba, rgba.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1.0)
	return rgba, nil
}

func isSVG(in Image) bool {
	return strings.Contains(in.ContentType, "svg") || bytes.HasPrefix(bytes.TrimSpace(in.Data), []byte("<"))
}
