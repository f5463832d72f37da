package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"promo-code-engine/internal/models"
	"promo-code-engine/internal/pipeline"
)

// DefaultDrainWait is how long an empty queue waits for new codes before its loop ends.
const DefaultDrainWait = time.Second

// Mode decides whether site loops may run side by side.
type Mode string

const (
	// ModeIndependent runs every site loop on its own.
	ModeIndependent Mode = "independent"
	// ModeExclusive aborts any other processing site when a site starts.
	ModeExclusive Mode = "exclusive"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeIndependent || m == ModeExclusive
}

var (
	// ErrUnknownSite is returned for sites missing from the registry.
	ErrUnknownSite = errors.New("scheduler: unknown site")
	// ErrClosed is returned once the scheduler has shut down.
	ErrClosed = errors.New("scheduler: closed")
)

// Sites resolves a site by name.
type Sites interface {
	Site(name string) (models.Site, bool)
}

// Processor runs one code through the redemption pipeline.
type Processor interface {
	NewRun(ctx context.Context, site models.Site) (*pipeline.Run, error)
	Process(ctx context.Context, run *pipeline.Run, code string) models.Decision
}

type siteState struct {
	queue      []string
	processing bool
	canceled   bool
	wake       chan struct{}
}

func (st *siteState) signal() {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

// Scheduler owns one work queue per site and at most one loop draining each.
type Scheduler struct {
	sites     Sites
	processor Processor
	mode      Mode
	drainWait time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	states map[string]*siteState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMode sets the site mode. Unknown modes are ignored.
func WithMode(m Mode) Option {
	return func(s *Scheduler) {
		if m.Valid() {
			s.mode = m
		}
	}
}

// WithDrainWait overrides DefaultDrainWait.
func WithDrainWait(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.drainWait = d
		}
	}
}

// New creates a Scheduler. Loops run until Shutdown.
func New(sites Sites, processor Processor, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sites:     sites,
		processor: processor,
		mode:      ModeIndependent,
		drainWait: DefaultDrainWait,
		logger:    logger.With("component", "scheduler"),
		states:    make(map[string]*siteState),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode returns the configured site mode.
func (s *Scheduler) Mode() Mode {
	return s.mode
}

func (s *Scheduler) stateLocked(site string) *siteState {
	st, ok := s.states[site]
	if !ok {
		st = &siteState{wake: make(chan struct{}, 1)}
		s.states[site] = st
	}
	return st
}

// Enqueue puts codes not already queued for site at the front of its queue,
// keeping their order, and returns how many were added.
func (s *Scheduler) Enqueue(site string, codes []string) (int, error) {
	if _, ok := s.sites.Site(site); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSite, site)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	st := s.stateLocked(site)

	seen := make(map[string]bool, len(st.queue)+len(codes))
	for _, c := range st.queue {
		seen[c] = true
	}
	fresh := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	st.queue = append(fresh, st.queue...)
	st.signal()
	return len(fresh), nil
}

// Start launches the loop for site unless one is already draining it.
// A loop that was asked to abort but has not exited yet is revived instead.
func (s *Scheduler) Start(site string) (bool, error) {
	if _, ok := s.sites.Site(site); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSite, site)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	if s.mode == ModeExclusive {
		for name, other := range s.states {
			if name != site && other.processing && !other.canceled {
				s.logger.Info("aborting active site", "site", name, "next_site", site)
				other.canceled = true
				other.signal()
			}
		}
	}

	st := s.stateLocked(site)
	if st.processing {
		if st.canceled {
			st.canceled = false
			s.logger.Info("revived site loop before it exited", "site", site)
		}
		return false, nil
	}

	st.processing = true
	st.canceled = false
	s.wg.Add(1)
	go s.loop(site, st)
	return true, nil
}

// Submit enqueues codes and starts the site loop.
func (s *Scheduler) Submit(site string, codes []string) (models.EnqueueCodesResponse, error) {
	n, err := s.Enqueue(site, codes)
	if err != nil {
		return models.EnqueueCodesResponse{}, err
	}
	started, err := s.Start(site)
	if err != nil {
		return models.EnqueueCodesResponse{}, err
	}
	return models.EnqueueCodesResponse{Site: site, Enqueued: n, Started: started}, nil
}

// Abort asks the site loop to stop at its next iteration. The loop will
// not restart itself afterwards even if codes remain.
func (s *Scheduler) Abort(site string) error {
	if _, ok := s.sites.Site(site); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSite, site)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[site]
	if !ok || !st.processing {
		return nil
	}
	st.canceled = true
	st.signal()
	return nil
}

// Status reports the queue state of site.
func (s *Scheduler) Status(site string) (models.QueueStatus, error) {
	if _, ok := s.sites.Site(site); !ok {
		return models.QueueStatus{}, fmt.Errorf("%w: %s", ErrUnknownSite, site)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	status := models.QueueStatus{Site: site, Pending: []string{}}
	if st, ok := s.states[site]; ok {
		status.Pending = append(status.Pending, st.queue...)
		status.Processing = st.processing
		status.Canceled = st.canceled
	}
	return status, nil
}

// Shutdown stops every loop and waits for them, or for ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(name string, st *siteState) {
	defer s.wg.Done()
	logger := s.logger.With("site", name)

	site, _ := s.sites.Site(name)
	run, err := s.processor.NewRun(s.ctx, site)
	if err != nil {
		logger.Error("failed to start site loop", "error", err)
		s.mu.Lock()
		st.processing = false
		s.mu.Unlock()
		return
	}
	logger.Info("site loop started", "run_id", run.ID)

	for {
		s.drain(run, st, logger)

		s.mu.Lock()
		if !st.canceled && len(st.queue) > 0 && s.ctx.Err() == nil {
			s.mu.Unlock()
			logger.Info("codes arrived after drain, continuing")
			continue
		}
		canceled := st.canceled
		st.processing = false
		s.mu.Unlock()

		logger.Info("site loop stopped", "run_id", run.ID, "canceled", canceled)
		return
	}
}

func (s *Scheduler) drain(run *pipeline.Run, st *siteState, logger *slog.Logger) {
	for {
		code, ok := s.next(st)
		if !ok {
			return
		}
		decision := s.process(run, code, logger)
		logger.Debug("code processed", "promo_code", code, "decision", decision.String())
		if decision == models.DecisionRequeue {
			s.requeue(st, code)
		}
	}
}

// process never lets a panic escape the loop iteration.
func (s *Scheduler) process(run *pipeline.Run, code string, logger *slog.Logger) (decision models.Decision) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing code", "promo_code", code, "panic", r)
			decision = models.DecisionDrop
		}
	}()
	return s.processor.Process(s.ctx, run, code)
}

// next pops the front code. On an empty queue it waits up to drainWait for
// an arrival before giving up. It returns false once the site is canceled.
func (s *Scheduler) next(st *siteState) (string, bool) {
	var timer *time.Timer
	expired := false
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		s.mu.Lock()
		if st.canceled || s.ctx.Err() != nil {
			s.mu.Unlock()
			return "", false
		}
		if len(st.queue) > 0 {
			code := st.queue[0]
			st.queue = st.queue[1:]
			s.mu.Unlock()
			return code, true
		}
		s.mu.Unlock()

		if expired {
			return "", false
		}
		if timer == nil {
			timer = time.NewTimer(s.drainWait)
		}
		select {
		case <-st.wake:
		case <-timer.C:
			expired = true
		case <-s.ctx.Done():
			return "", false
		}
	}
}

// requeue puts code back at the front.
func (s *Scheduler) requeue(st *siteState, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rest := st.queue[:0:0]
	for _, c := range st.queue {
		if c != code {
			rest = append(rest, c)
		}
	}
	st.queue = append([]string{code}, rest...)
}
