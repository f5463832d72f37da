package intake

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"promo-code-engine/internal/cache"
	"promo-code-engine/internal/clock"
	"promo-code-engine/internal/logging"
	"promo-code-engine/internal/models"
)

func tenCodes() []string {
	return []string{
		"AB12CD34", "EF56GH78", "IJ90KL12", "MN34OP56", "QR78ST90",
		"UV12WX34", "YZ56AB78", "CD90EF12", "GH34IJ56", "KL78MN90",
	}
}

func TestParseCodes(t *testing.T) {
	text := "🎁 แจกโค้ด #promo @admin https://example.com/x " + strings.Join(tenCodes(), "\n") +
		" Official FACEBOOK 789BETlucky (ABC12345) STAR1234* `QQ11WW22` abc"

	got := ParseCodes(text)
	want := append(tenCodes(), "QQ11WW22")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestParseCodes_TooFew(t *testing.T) {
	text := strings.Join(tenCodes()[:9], " ")
	if got := ParseCodes(text); got != nil {
		t.Errorf("Expected nil for 9 codes, got %v", got)
	}
}

func TestParseCodes_StripsEmoji(t *testing.T) {
	codes := tenCodes()
	codes[0] = "😀" + codes[0] + "🚀"
	got := ParseCodes(strings.Join(codes, " "))
	if len(got) != 10 || got[0] != "AB12CD34" {
		t.Errorf("Expected emoji to be stripped, got %v", got)
	}
}

func TestDetector(t *testing.T) {
	sites := []models.Site{
		{Name: "thai_jun88k36", Priority: 1, Keywords: []string{"jun88"}, ChatIDs: []string{"-1002519263985"}},
		{Name: "thai_789bet", Priority: 2, Keywords: []string{"789bet", "jun88"}, ChatIDs: []string{"-1002040396559"}},
	}
	d := NewDetector(sites)

	if s, ok := d.Detect("anything", "-1002040396559"); !ok || s.Name != "thai_789bet" {
		t.Errorf("Expected chat id match, got %v %v", s.Name, ok)
	}
	if s, ok := d.Detect("Codes for JUN88 and 789BET", "other"); !ok || s.Name != "thai_jun88k36" {
		t.Errorf("Expected highest priority keyword match, got %v %v", s.Name, ok)
	}
	if _, ok := d.Detect("nothing here", "other"); ok {
		t.Error("Expected no match")
	}
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls map[string][][]string
	err   error
}

func (f *fakeSubmitter) Submit(site string, codes []string) (models.EnqueueCodesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.EnqueueCodesResponse{}, f.err
	}
	if f.calls == nil {
		f.calls = make(map[string][][]string)
	}
	f.calls[site] = append(f.calls[site], append([]string(nil), codes...))
	return models.EnqueueCodesResponse{Site: site, Enqueued: len(codes), Started: true}, nil
}

func setupIntake(t *testing.T, sub Submitter, opts ...Option) (*Intake, *clock.Manual, *cache.InMemoryCache) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	c := cache.NewInMemoryCacheWithClock(clk)
	d := NewDetector([]models.Site{{Name: "alpha", Keywords: []string{"alpha"}, ChatIDs: []string{"-100"}}})
	opts = append([]Option{WithShuffle(func([]string) {})}, opts...)
	return New(d, sub, c, logging.Discard(), opts...), clk, c
}

func TestOnCandidateMessage(t *testing.T) {
	sub := &fakeSubmitter{}
	in, _, _ := setupIntake(t, sub)
	msg := models.Message{Text: strings.Join(tenCodes(), " "), ChannelID: "-100"}

	res, err := in.OnCandidateMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("OnCandidateMessage failed: %v", err)
	}
	if res.Site != "alpha" || res.Enqueued != 10 || res.Ignored != "" {
		t.Errorf("Unexpected result %+v", res)
	}
	if got := sub.calls["alpha"]; len(got) != 1 || !reflect.DeepEqual(got[0], tenCodes()) {
		t.Errorf("Expected the codes to be submitted once, got %v", got)
	}
}

func TestOnCandidateMessage_Dedupe(t *testing.T) {
	sub := &fakeSubmitter{}
	in, clk, c := setupIntake(t, sub)
	ctx := context.Background()
	msg := models.Message{Text: strings.Join(tenCodes(), " "), ChannelID: "-100"}

	in.OnCandidateMessage(ctx, msg)
	upper := models.Message{Text: strings.ToUpper(msg.Text), ChannelID: "-100"}
	res, _ := in.OnCandidateMessage(ctx, upper)
	if !res.Duplicate {
		t.Errorf("Expected a case-insensitive duplicate, got %+v", res)
	}

	other := models.Message{Text: msg.Text, ChannelID: "-200"}
	if res, _ := in.OnCandidateMessage(ctx, other); res.Duplicate {
		t.Error("Expected another channel not to be a duplicate")
	}

	clk.Advance(61 * time.Second)
	c.Sweep()
	if res, _ := in.OnCandidateMessage(ctx, msg); res.Duplicate {
		t.Error("Expected the dedupe window to expire")
	}
	// The -200 copy has no site, so only the first and the expired repeat are submitted.
	if n := len(sub.calls["alpha"]); n != 2 {
		t.Errorf("Expected 2 submissions, got %d", n)
	}
}

func TestOnCandidateMessage_Ignored(t *testing.T) {
	sub := &fakeSubmitter{}
	in, _, _ := setupIntake(t, sub, WithAllowedChannels([]string{"-100", "-300"}))
	ctx := context.Background()

	tests := []struct {
		name string
		msg  models.Message
		want string
	}{
		{name: "empty", msg: models.Message{ChannelID: "-100"}, want: IgnoredEmpty},
		{name: "not allowed", msg: models.Message{Text: "x", ChannelID: "-200"}, want: IgnoredChannel},
		{name: "too few", msg: models.Message{Text: "AB12CD34", ChannelID: "-100"}, want: IgnoredTooFewCodes},
		{name: "unknown source", msg: models.Message{Text: strings.Join(tenCodes(), " "), ChannelID: "-300"}, want: IgnoredUnknownSource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := in.OnCandidateMessage(ctx, tt.msg)
			if err != nil || res.Ignored != tt.want {
				t.Errorf("Expected %s, got %+v (%v)", tt.want, res, err)
			}
		})
	}
	if len(sub.calls) != 0 {
		t.Errorf("Expected nothing submitted, got %v", sub.calls)
	}
}

func TestOnCandidateMessage_SubmitError(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("closed")}
	in, _, _ := setupIntake(t, sub)

	_, err := in.OnCandidateMessage(context.Background(), models.Message{Text: strings.Join(tenCodes(), " "), ChannelID: "-100"})
	if err == nil {
		t.Error("Expected submit error to propagate")
	}
}

func TestRun_ConsumesInbox(t *testing.T) {
	sub := &fakeSubmitter{}
	in, _, _ := setupIntake(t, sub)
	inbox := NewInbox(1)

	if err := inbox.Submit(models.Message{Text: strings.Join(tenCodes(), " "), ChannelID: "-100"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := inbox.Submit(models.Message{Text: "x", ChannelID: "-100"}); !errors.Is(err, ErrInboxFull) {
		t.Errorf("Expected ErrInboxFull, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx, inbox) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sub.mu.Lock()
		n := len(sub.calls["alpha"])
		sub.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Expected clean exit, got %v", err)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.calls["alpha"]) != 1 {
		t.Errorf("Expected the inbox message to be submitted, got %v", sub.calls)
	}
}
