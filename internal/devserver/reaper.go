package devserver

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultReapSchedule runs the lease reaper twice a minute.
const DefaultReapSchedule = "@every 30s"

// Reaper periodically expires quota leases whose holders stopped
// heartbeating, so a vanished client cannot block the queue.
type Reaper struct {
	cron *cron.Cron
}

// StartReaper schedules the reaper and starts it.
func StartReaper(db *gorm.DB, ttl time.Duration, schedule string, log *zap.Logger) (*Reaper, error) {
	if db == nil {
		return nil, fmt.Errorf("devserver: reaper: db is required")
	}
	if schedule == "" {
		schedule = DefaultReapSchedule
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		n, err := ExpireStaleLeases(db, ttl)
		if err != nil {
			log.Warn("lease reap failed", zap.Error(err))
			return
		}
		if n > 0 {
			log.Info("expired stale leases", zap.Int64("count", n))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("devserver: reaper: schedule %q: %w", schedule, err)
	}
	c.Start()
	return &Reaper{cron: c}, nil
}

// Stop stops the schedule and waits for a running reap to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}
