package async

import (
	"context"
	"sync"
	"time"

	"github.com/yungbote/supplements-backend/internal/platform/logger"
)

// InlineScheduler delivers polls from in-process timers. It keeps nothing
// across restarts and suits development and tests.
type InlineScheduler struct {
	log    *logger.Logger
	driver *Driver

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	wg      sync.WaitGroup
	stopped bool
}

func NewInlineScheduler(baseLog *logger.Logger, driver *Driver) *InlineScheduler {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &InlineScheduler{
		log:    baseLog.With("component", "InlineScheduler"),
		driver: driver,
		timers: map[*time.Timer]struct{}{},
	}
}

func (s *InlineScheduler) Schedule(ctx context.Context, delay time.Duration, args PollArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return context.Canceled
	}
	s.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, t)
		s.mu.Unlock()
		s.deliver(args)
	})
	s.timers[t] = struct{}{}
	return nil
}

func (s *InlineScheduler) deliver(args PollArgs) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	retryIn, done, err := s.driver.Attempt(ctx, args)
	if err != nil {
		s.log.Warn("inline poll ended with error", "action_id", args.ActionID, "error", err)
	}
	if done {
		return
	}
	if err := s.Schedule(ctx, retryIn, args.Next()); err != nil {
		s.log.Warn("inline poll reschedule failed", "action_id", args.ActionID, "error", err)
	}
}

// Stop cancels pending timers and waits for running deliveries.
func (s *InlineScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, t)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
