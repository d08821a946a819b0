// Package keepalive schedules periodic pings on a replicated session so
// idle intermediaries do not drop the websocket while nobody is typing.
package keepalive

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/robfig/cron/v3"
)

// Pinger is pinged on every tick. A ping on a disconnected session must
// be a no-op.
type Pinger interface {
	Ping()
}

// Scheduler runs the ping job.
type Scheduler struct {
	cron  *cron.Cron
	every time.Duration
}

// Start schedules p.Ping every interval. Intervals are rounded to whole
// seconds by the scheduler; anything below one second is rejected.
func Start(p Pinger, every time.Duration) (*Scheduler, error) {
	if every < time.Second {
		return nil, fmt.Errorf("keepalive interval %s is below one second", every)
	}
	logger := cron.PrintfLogger(log.New(os.Stderr, "[keepalive] ", log.LstdFlags))
	c := cron.New(cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))
	if _, err := c.AddFunc("@every "+every.String(), p.Ping); err != nil {
		return nil, fmt.Errorf("schedule keepalive: %w", err)
	}
	c.Start()
	log.Printf("[keepalive] pinging every %s", every)
	return &Scheduler{cron: c, every: every}, nil
}

// Stop halts the schedule and waits for a running ping to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Next returns when the next ping is due.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
