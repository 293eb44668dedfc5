package checkpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the timeout sweep as a single scheduled recurring task,
// not one timer per checkpoint.
type Sweeper struct {
	manager *Manager

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func newSweeper(m *Manager) *Sweeper {
	return &Sweeper{manager: m}
}

// Start schedules the sweep at the given interval (default 30s).
func (s *Sweeper) Start(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		s.manager.SweepOnce()
	})
	if err != nil {
		return fmt.Errorf("schedule checkpoint sweep: %w", err)
	}
	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts the sweep; a sweep in flight finishes first.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
}
