package captcha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// MinAnswerLength is the shortest answer worth submitting.
const MinAnswerLength = 4

// ErrInvalidCaptcha is returned when the decoded answer is too short.
var ErrInvalidCaptcha = errors.New("captcha: invalid captcha answer")

// Solver turns a captcha URL into an answer.
type Solver interface {
	Solve(ctx context.Context, site, captchaURL string) (string, error)
}

// OCRSolver fetches, preprocesses and recognizes a captcha, optionally
// handing failures to a human.
type OCRSolver struct {
	fetcher      *Fetcher
	preprocessor Preprocessor
	recognizer   Recognizer
	human        *HumanQueue
	humanEnabled func() bool
	logger       *slog.Logger
}

// SolverOption configures an OCRSolver.
type SolverOption func(*OCRSolver)

// WithHumanFallback asks q whenever OCR fails and enabled reports true.
func WithHumanFallback(q *HumanQueue, enabled func() bool) SolverOption {
	return func(s *OCRSolver) {
		s.human = q
		s.humanEnabled = enabled
	}
}

// WithPreprocessor replaces the default raster preprocessor.
func WithPreprocessor(p Preprocessor) SolverOption {
	return func(s *OCRSolver) {
		s.preprocessor = p
	}
}

// NewOCRSolver wires a solver.
func NewOCRSolver(fetcher *Fetcher, recognizer Recognizer, logger *slog.Logger, opts ...SolverOption) *OCRSolver {
	if logger == nil {
		logger = slog.Default()
	}
	s := &OCRSolver{
		fetcher:      fetcher,
		preprocessor: NewRasterPreprocessor(),
		recognizer:   recognizer,
		logger:       logger.With("component", "captcha"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OCRSolver) Solve(ctx context.Context, site, captchaURL string) (string, error) {
	raw, err := s.fetcher.Fetch(ctx, captchaURL)
	if err != nil {
		return "", err
	}
	img, err := s.preprocessor.Process(raw)
	if err != nil {
		return "", fmt.Errorf("preprocess captcha: %w", err)
	}

	answer, err := s.recognize(ctx, img)
	if err == nil {
		return answer, nil
	}
	if s.human == nil || s.humanEnabled == nil || !s.humanEnabled() {
		return "", err
	}

	s.logger.Info("asking a human for captcha", "site", site, "ocr_error", err)
	text, herr := s.human.Ask(ctx, site, img)
	if herr != nil {
		return "", herr
	}
	return Normalize(text)
}

func (s *OCRSolver) recognize(ctx context.Context, img Image) (string, error) {
	res, err := s.recognizer.Recognize(ctx, img)
	if err != nil {
		return "", err
	}
	answer, err := Normalize(res.Text)
	if err != nil {
		s.logger.Warn("ocr answer rejected", "text", res.Text, "confidence", res.Confidence)
		return "", err
	}
	return answer, nil
}

// Normalize trims and upper-cases an answer and enforces MinAnswerLength.
func Normalize(text string) (string, error) {
	answer := strings.ToUpper(strings.TrimSpace(text))
	if len([]rune(answer)) < MinAnswerLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidCaptcha, answer)
	}
	return answer, nil
}
