package captcha

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHumanTimeout is how long a human has to answer a challenge.
const DefaultHumanTimeout = 2 * time.Minute

var (
	// ErrUnknownChallenge is returned when answering an id that is not pending.
	ErrUnknownChallenge = errors.New("captcha: unknown or expired challenge")
	// ErrHumanTimeout is returned when nobody answers in time.
	ErrHumanTimeout = errors.New("captcha: no human answer before timeout")
)

// Challenge is a captcha waiting for a human answer.
type Challenge struct {
	ID        string    `json:"id"`
	Site      string    `json:"site"`
	Image     string    `json:"image"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type pendingChallenge struct {
	Challenge
	answer chan string
}

// HumanQueue parks challenges until an operator answers them.
type HumanQueue struct {
	mu      sync.Mutex
	pending map[string]*pendingChallenge
	timeout time.Duration
	onAsk   func(Challenge)
}

// NewHumanQueue creates a queue. onAsk, if set, is called for each new challenge.
func NewHumanQueue(timeout time.Duration, onAsk func(Challenge)) *HumanQueue {
	if timeout <= 0 {
		timeout = DefaultHumanTimeout
	}
	return &HumanQueue{
		pending: make(map[string]*pendingChallenge),
		timeout: timeout,
		onAsk:   onAsk,
	}
}

// Ask registers img and blocks until it is answered, the timeout passes or ctx ends.
func (q *HumanQueue) Ask(ctx context.Context, site string, img Image) (string, error) {
	now := time.Now().UTC()
	pc := &pendingChallenge{
		Challenge: Challenge{
			ID:        uuid.NewString(),
			Site:      site,
			Image:     img.DataURL(),
			CreatedAt: now,
			ExpiresAt: now.Add(q.timeout),
		},
		answer: make(chan string, 1),
	}

	q.mu.Lock()
	q.pending[pc.ID] = pc
	q.mu.Unlock()
	defer q.remove(pc.ID)

	if q.onAsk != nil {
		q.onAsk(pc.Challenge)
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case ans := <-pc.answer:
		return ans, nil
	case <-timer.C:
		return "", ErrHumanTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Answer resolves a pending challenge.
func (q *HumanQueue) Answer(id, answer string) error {
	q.mu.Lock()
	pc, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if !ok {
		return ErrUnknownChallenge
	}
	pc.answer <- answer
	return nil
}

// Pending lists open challenges, oldest first.
func (q *HumanQueue) Pending() []Challenge {
	q.mu.Lock()
	out := make([]Challenge, 0, len(q.pending))
	for _, pc := range q.pending {
		out = append(out, pc.Challenge)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (q *HumanQueue) remove(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}
