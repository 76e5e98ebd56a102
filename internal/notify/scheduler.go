package notify

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule is used when no schedule is configured.
const DefaultSchedule = "@every 1m"

// Scheduler kicks a Dispatcher on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler registers d on spec. An empty spec uses DefaultSchedule.
func NewScheduler(spec string, d *Dispatcher) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, d.Kick); err != nil {
		return nil, fmt.Errorf("parsing notify schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c}, nil
}

// Start starts the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for a running kick to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
