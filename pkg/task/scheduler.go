package task

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jcputter/resoto/pkg/log"
)

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron checks a 5-field cron expression and reports ErrParse when it
// is malformed.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w: invalid cron expression %q: %v", ErrParse, expr, err)
	}
	return nil
}

// Scheduler registers time triggers with a cron runner. Entries are keyed so
// descriptor updates can replace their schedules.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	logger  zerolog.Logger
}

// NewScheduler creates a stopped scheduler; call Start to begin firing.
func NewScheduler() *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithParser(cronParser)),
		entries: make(map[string]cron.EntryID),
		logger:  log.WithComponent("scheduler"),
	}
}

// Start begins the cron runner.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron runner and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Schedule registers fn under id with the given cron expression, replacing a
// previous registration of the same id. Malformed expressions fail with
// ErrParse.
func (s *Scheduler) Schedule(id, expr string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[id]; ok {
		s.cron.Remove(existing)
		delete(s.entries, id)
	}
	entryID, err := s.cron.AddFunc(expr, fn)
	if err != nil {
		return fmt.Errorf("%w: invalid cron expression %q: %v", ErrParse, expr, err)
	}
	s.entries[id] = entryID
	s.logger.Debug().Str("schedule_id", id).Str("cron", expr).Msg("Schedule registered")
	return nil
}

// Unschedule removes the registration under id, if any.
func (s *Scheduler) Unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}
