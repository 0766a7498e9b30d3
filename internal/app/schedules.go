package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"metrofleet/internal/config"
	"metrofleet/internal/operations"
	"metrofleet/internal/partition"
)

// Partition selectors of a schedule
const (
	PartitionCurrent  = "current"
	PartitionPrevious = "previous"
)

// Enqueuer is the part of the scheduler cron jobs use
type Enqueuer interface {
	Graph() *operations.Graph
	Calendar() *partition.Calendar
	Enqueue(asset string, partitions ...string) error
}

// scheduleJob enqueues the assets of one schedule when cron fires
type scheduleJob struct {
	schedule config.ScheduleConfig
	target   Enqueuer
	now      func() time.Time
	logger   *slog.Logger
}

// Run implements cron.Job
func (j *scheduleJob) Run() {
	key := j.partitionKey()
	logger := j.logger.With(slog.String("schedule", j.schedule.Name))

	for _, name := range j.schedule.Assets {
		asset, ok := j.target.Graph().Asset(name)
		if !ok {
			logger.Error("scheduled asset not in graph", slog.String("asset", name))
			continue
		}

		var err error
		if asset.Partitioned() {
			if !j.target.Calendar().Contains(key) {
				logger.Warn("scheduled partition outside calendar",
					slog.String("asset", name),
					slog.String("partition", key))
				continue
			}
			err = j.target.Enqueue(name, key)
		} else {
			err = j.target.Enqueue(name)
		}
		if err != nil {
			logger.Error("scheduled enqueue failed",
				slog.String("asset", name),
				slog.String("error", err.Error()))
			continue
		}
		logger.Info("schedule fired", slog.String("asset", name), slog.String("partition", key))
	}
}

func (j *scheduleJob) partitionKey() string {
	now := j.now().UTC()
	if j.schedule.Partition == PartitionPrevious {
		now = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	}
	return partition.KeyFor(now)
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{slog.String("error", err.Error())}, keysAndValues...)...)
}

// NewCron registers every schedule on a UTC cron. The returned cron is not
// started. Overlapping firings of the same schedule are skipped.
func NewCron(schedules []config.ScheduleConfig, target Enqueuer, logger *slog.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "cron"))
	cl := cronLogger{logger: logger}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	for _, s := range schedules {
		if len(s.Assets) == 0 {
			return nil, fmt.Errorf("schedule %s has no assets", s.Name)
		}
		for _, name := range s.Assets {
			if _, ok := target.Graph().Asset(name); !ok {
				return nil, fmt.Errorf("schedule %s: %w: %s", s.Name, operations.ErrUnknownAsset, name)
			}
		}
		job := &scheduleJob{schedule: s, target: target, now: time.Now, logger: logger}
		if _, err := c.AddJob(s.Spec, job); err != nil {
			return nil, fmt.Errorf("schedule %s: invalid spec %q: %w", s.Name, s.Spec, err)
		}
		logger.Info("schedule registered",
			slog.String("schedule", s.Name),
			slog.String("spec", s.Spec),
			slog.Any("assets", s.Assets))
	}
	return c, nil
}
