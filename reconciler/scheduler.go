package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Intervals struct {
	Overdue  time.Duration
	Presence time.Duration
	Repair   time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{Overdue: 15 * time.Minute, Presence: time.Minute, Repair: 10 * time.Minute}
}

// Scheduler fires the sweeps on independent timers.
type Scheduler struct {
	c    *cron.Cron
	rec  *Reconciler
	log  *zap.Logger
	base context.Context
	stop context.CancelFunc
}

func NewScheduler(rec *Reconciler, iv Intervals, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{log: log.Named("cron")}
	base, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		c:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		rec:  rec,
		log:  log,
		base: base,
		stop: stop,
	}
	for job, every := range map[Job]time.Duration{
		JobOverdue:  iv.Overdue,
		JobPresence: iv.Presence,
		JobRepair:   iv.Repair,
	} {
		if every <= 0 {
			log.Info("sweep disabled", zap.String("job", string(job)))
			continue
		}
		if _, err := s.c.AddFunc(fmt.Sprintf("@every %s", every), s.tick(job, every)); err != nil {
			stop()
			return nil, fmt.Errorf("schedule %s sweep: %w", job, err)
		}
	}
	return s, nil
}

func (s *Scheduler) tick(job Job, every time.Duration) func() {
	return func() {
		ctx, cancel := context.WithTimeout(s.base, every)
		defer cancel()
		if _, err := s.rec.Run(ctx, job); err != nil {
			if errors.Is(err, ErrBusy) {
				s.log.Warn("previous sweep still running, skipping tick", zap.String("job", string(job)))
				return
			}
			s.log.Error("sweep failed", zap.String("job", string(job)), zap.Error(err))
		}
	}
}

func (s *Scheduler) Start() { s.c.Start() }

// Stop cancels running sweeps and waits for them to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stop()
	done := s.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's own logging into zap.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, zap.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, zap.Error(err), zap.Any("kv", keysAndValues))
}
