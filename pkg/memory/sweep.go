package memory

import (
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the retention sweep on a fixed schedule, deleting
// expired entries.
type Sweeper struct {
	store *Store
	cron  *cron.Cron
}

// NewSweeper creates a sweeper for the given store.
func NewSweeper(store *Store) *Sweeper {
	return &Sweeper{
		store: store,
		cron:  cron.New(),
	}
}

// Start schedules the sweep. Standard cron expressions and @every
// syntax are accepted, e.g. "@every 1m".
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = "@every 1m"
	}
	_, err := s.cron.AddFunc(schedule, func() {
		if removed := s.store.RemoveExpired(); removed > 0 {
			log.Printf("[MEMORY] retention sweep removed %d expired entries", removed)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the sweep schedule. Running sweeps finish first.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
