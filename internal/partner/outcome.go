package partner

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Markers the partner embeds in text_mess.th.
const (
	ServerBusyMarker = "ระบบมีผู้ใช้งานจำนวนมาก"
	TryAgainMarker   = "กรุณาลองใหม่อีกครั้ง"
)

// Kind is the closed set of normalized partner outcomes.
type Kind int

const (
	// KindUnmapped is any status the engine has no rule for.
	KindUnmapped Kind = iota
	// KindAccepted means the code was redeemed.
	KindAccepted
	// KindRetryableRejected is "already used": the code is dropped, nothing is retried.
	KindRetryableRejected
	// KindTerminalRejected is an invalid code or a player the code does not apply to.
	KindTerminalRejected
	// KindRateLimited asks the caller to requeue the code.
	KindRateLimited
	// KindLockable blocks the player for LockDuration.
	KindLockable
	// KindServerBusy is retried with backoff inside the submission gate.
	KindServerBusy
)

func (k Kind) String() string {
	switch k {
	case KindAccepted:
		return "accepted"
	case KindRetryableRejected:
		return "retryable_rejected"
	case KindTerminalRejected:
		return "terminal_rejected"
	case KindRateLimited:
		return "rate_limited"
	case KindLockable:
		return "lockable"
	case KindServerBusy:
		return "server_busy"
	default:
		return "unmapped"
	}
}

// Outcome is a partner response reduced to what the pipeline acts on.
type Outcome struct {
	Kind         Kind
	StatusCode   int
	Points       float64
	LockDuration time.Duration
	Message      string
}

// Localized is a message the partner returns per language.
type Localized struct {
	TH string `json:"th"`
	EN string `json:"en"`
}

// Points accepts both JSON numbers and numeric strings.
type Points float64

func (p *Points) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*p = Points(f)
	return nil
}

// Response is the body shared by the submit and send-to-player endpoints.
type Response struct {
	StatusCode      *int      `json:"status_code"`
	StatusCodeAlias *int      `json:"ststus_code"`
	Valid           bool      `json:"valid"`
	Point           *Points   `json:"point"`
	Detail          *Detail   `json:"detail"`
	TextMess        Localized `json:"text_mess"`
	TitleMess       Localized `json:"title_mess"`

	Raw json.RawMessage `json:"-"`
}

// Detail carries the reward of a submitted code.
type Detail struct {
	Point *Points `json:"point"`
}

// Code returns status_code, then the misspelled ststus_code, then 0.
func (r Response) Code() int {
	if r.StatusCode != nil {
		return *r.StatusCode
	}
	if r.StatusCodeAlias != nil {
		return *r.StatusCodeAlias
	}
	return 0
}

// Reward returns detail.point, falling back to a top-level point.
func (r Response) Reward() float64 {
	if r.Detail != nil && r.Detail.Point != nil {
		return float64(*r.Detail.Point)
	}
	if r.Point != nil {
		return float64(*r.Point)
	}
	return 0
}

// Message returns the Thai text message, or the title when the text is empty.
func (r Response) Message() string {
	if r.TextMess.TH != "" {
		return r.TextMess.TH
	}
	return r.TitleMess.TH
}

// LockTable maps partner error codes to how long a player stays locked.
type LockTable map[int]time.Duration

// DefaultLockDuration applies to lockable send codes missing from the table.
const DefaultLockDuration = 30 * time.Minute

// DefaultLockTable returns the built-in lock durations.
func DefaultLockTable() LockTable {
	return LockTable{
		0:    30 * time.Minute,
		403:  30 * time.Minute,
		9002: 30 * time.Minute,
		9003: 30 * time.Minute,
		9004: 3 * time.Minute,
		9007: 30 * time.Minute,
		4044: 30 * 24 * time.Hour,
	}
}

// WithOverrides returns a copy of t with overrides applied on top.
func (t LockTable) WithOverrides(overrides map[int]time.Duration) LockTable {
	out := make(LockTable, len(t)+len(overrides))
	for code, d := range t {
		out[code] = d
	}
	for code, d := range overrides {
		if d > 0 {
			out[code] = d
		}
	}
	return out
}

// Duration looks up code.
func (t LockTable) Duration(code int) (time.Duration, bool) {
	d, ok := t[code]
	return d, ok
}

// sendLockCodes always lock the player on send, table entry or not.
var sendLockCodes = map[int]bool{9001: true, 9002: true, 9010: true, 4044: true}

// ClassifySubmit normalizes a code submission response.
func ClassifySubmit(r Response) Outcome {
	code := r.Code()
	msg := r.Message()
	out := Outcome{StatusCode: code, Message: msg}

	switch {
	case code == 500 && strings.Contains(msg, ServerBusyMarker):
		out.Kind = KindServerBusy
	case code == 502 || strings.Contains(msg, TryAgainMarker):
		out.Kind = KindRetryableRejected
	case code == 429 || code == 400:
		out.Kind = KindRateLimited
	case code == 9001:
		out.Kind = KindTerminalRejected
	case code == 200 && r.Valid:
		out.Kind = KindAccepted
		out.Points = r.Reward()
	default:
		out.Kind = KindUnmapped
	}
	return out
}

// ClassifySend normalizes a send-to-player response against a lock table.
func ClassifySend(r Response, table LockTable) Outcome {
	code := r.Code()
	out := Outcome{StatusCode: code, Message: r.Message()}

	switch {
	case code == 200 && r.Valid:
		out.Kind = KindAccepted
		out.Points = r.Reward()
	case code == 200:
		out.Kind = KindTerminalRejected
	case code == 502:
		out.Kind = KindRetryableRejected
	case code == 429:
		out.Kind = KindRateLimited
	default:
		d, ok := table.Duration(code)
		if !ok && sendLockCodes[code] {
			d, ok = DefaultLockDuration, true
		}
		if ok {
			out.Kind = KindLockable
			out.LockDuration = d
		} else {
			out.Kind = KindUnmapped
		}
	}
	return out
}
