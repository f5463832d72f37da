package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"promo-code-engine/internal/models"
)

const (
	// DefaultTimeout bounds every partner call.
	DefaultTimeout  = 8 * time.Second
	maxResponseBody = 1 << 20
	userAgent       = "Mozilla/5.0 (Linux; Android 13; SM-S911B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.6367.118 Mobile Safari/537.36"
)

var (
	// ErrMissingChallenge is returned when the captcha endpoint omits captchaUrl or token.
	ErrMissingChallenge = errors.New("partner: verification response is missing captchaUrl or token")
	// ErrBadResponse is returned when a body cannot be decoded.
	ErrBadResponse = errors.New("partner: undecodable response")
)

// Challenge is a captcha image plus the token that correlates its answer.
type Challenge struct {
	CaptchaURL string `json:"captchaUrl"`
	Token      string `json:"token"`
}

// SubmitRequest redeems a promo code against a solved captcha.
type SubmitRequest struct {
	PromoCode   string
	Key         string
	CaptchaCode string
	Token       string
}

// SendRequest applies an already-redeemed code to one player.
type SendRequest struct {
	Player    string
	PromoCode string
	Key       string
	Token     string
}

// API is the partner redemption surface the pipeline depends on.
type API interface {
	VerificationCode(ctx context.Context, site models.Site) (Challenge, error)
	Submit(ctx context.Context, site models.Site, req SubmitRequest) (Response, error)
	SendToPlayer(ctx context.Context, site models.Site, req SendRequest) (Response, error)
}

// Client talks to partner endpoints over HTTP.
type Client struct {
	httpClient *http.Client
}

// NewClient configures a client with the given timeout, or DefaultTimeout when zero.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewClientWithHTTP wraps an existing http.Client.
func NewClientWithHTTP(hc *http.Client) *Client {
	return &Client{httpClient: hc}
}

// VerificationCode fetches a captcha challenge for site.
func (c *Client) VerificationCode(ctx context.Context, site models.Site) (Challenge, error) {
	query := make(url.Values)
	query.Set("site", site.Name)
	endpoint := fmt.Sprintf("%s/api/get-verification-code?%s", strings.TrimRight(site.Endpoint, "/"), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Challenge{}, err
	}
	setSiteHeaders(req, site)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Challenge{}, fmt.Errorf("get verification code: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Challenge{}, fmt.Errorf("get verification code: partner returned %s", resp.Status)
	}

	var challenge Challenge
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&challenge); err != nil {
		return Challenge{}, fmt.Errorf("decode verification code: %w", err)
	}
	if challenge.CaptchaURL == "" || challenge.Token == "" {
		return Challenge{}, ErrMissingChallenge
	}
	return challenge, nil
}

// Submit posts the encrypted code and captcha answer.
func (c *Client) Submit(ctx context.Context, site models.Site, in SubmitRequest) (Response, error) {
	query := make(url.Values)
	query.Set("promo_code", in.PromoCode)
	query.Set("site", site.Name)
	endpoint := fmt.Sprintf("%s/client/get-code?%s", strings.TrimRight(site.Endpoint, "/"), query.Encode())

	body := map[string]string{
		"key":         in.Key,
		"captchaCode": in.CaptchaCode,
		"token":       in.Token,
	}
	return c.post(ctx, site, endpoint, in.Token, body)
}

// SendToPlayer applies a redeemed code to one player.
func (c *Client) SendToPlayer(ctx context.Context, site models.Site, in SendRequest) (Response, error) {
	query := make(url.Values)
	query.Set("player_id", in.Player)
	query.Set("promo_code", strings.TrimSpace(in.PromoCode))
	query.Set("site", site.Name)
	endpoint := fmt.Sprintf("%s/client?%s", strings.TrimRight(site.Endpoint, "/"), query.Encode())

	return c.post(ctx, site, endpoint, in.Token, map[string]string{"key": in.Key})
}

// post sends a JSON body and decodes the partner envelope regardless of HTTP status;
// the partner reports outcomes in status_code, not in the HTTP status line.
func (c *Client) post(ctx context.Context, site models.Site, endpoint, token string, body any) (Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	setSiteHeaders(req, site)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)
	if site.TokenCookie {
		req.Header.Set("Cookie", "token="+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Response{}, fmt.Errorf("read partner response: %w", err)
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("%w (http %s): %v", ErrBadResponse, resp.Status, err)
	}
	out.Raw = raw
	return out, nil
}

func setSiteHeaders(req *http.Request, site models.Site) {
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("User-Agent", userAgent)
	if site.HostURL != "" {
		host := strings.TrimRight(site.HostURL, "/")
		req.Header.Set("Origin", host)
		req.Header.Set("Referer", host+"/")
	}
}
