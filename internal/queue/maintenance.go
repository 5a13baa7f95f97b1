package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/labstack/gommon/log"
)

// Task is a housekeeping step run by the Maintainer.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Maintainer runs its tasks whenever the cron schedule is due.
type Maintainer struct {
	schedule string
	tasks    []Task
	logger   *log.Logger
	now      func() time.Time
}

func NewMaintainer(schedule string, logger *log.Logger, tasks ...Task) (*Maintainer, error) {
	if !gronx.IsValid(schedule) {
		return nil, fmt.Errorf("invalid maintenance schedule: %q", schedule)
	}
	return &Maintainer{
		schedule: schedule,
		tasks:    tasks,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// PurgeTask deletes completed jobs older than retention.
func (q *Queue) PurgeTask(retention time.Duration) Task {
	return Task{
		Name: "purge completed jobs",
		Run: func(ctx context.Context) (int64, error) {
			return q.store.PurgeComplete(ctx, q.now().Add(-retention).UnixMilli())
		},
	}
}

// Run checks the schedule once a minute until ctx is done.
func (m *Maintainer) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gron := gronx.New()
			due, err := gron.IsDue(m.schedule, m.now().Truncate(time.Minute))
			if err != nil {
				m.logger.Errorf("checking maintenance schedule: %v", err)
				continue
			}
			if due {
				m.RunOnce(ctx)
			}
		}
	}
}

func (m *Maintainer) RunOnce(ctx context.Context) {
	for _, task := range m.tasks {
		n, err := task.Run(ctx)
		if err != nil {
			m.logger.Errorf("%s: %v", task.Name, err)
			continue
		}
		if n > 0 {
			m.logger.Infof("%s: %d removed", task.Name, n)
		}
	}
}
