// Package reconciler runs the time-driven sweeps. Each sweep only selects
// candidates; every mutation goes through the same lending primitives the
// HTTP handlers use.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"equipment_lending/apperrors"
	"equipment_lending/models"

	"go.uber.org/zap"
)

// Engine is the part of lending.Engine the sweeps drive.
type Engine interface {
	OverdueCandidates(ctx context.Context) ([]models.Transaction, error)
	MarkOverdue(ctx context.Context, txID string) (bool, error)
	TrackedUnits(ctx context.Context) ([]models.Equipment, error)
	MarkTrackerSilent(ctx context.Context, unitID string) (bool, error)
	ProvisionalLeftovers(ctx context.Context) ([]models.Transaction, error)
	RepairProvisional(ctx context.Context, txID string) (bool, error)
	StrandedUnits(ctx context.Context) ([]models.Equipment, error)
	ReleaseStranded(ctx context.Context, unitID string) (bool, error)
	Now() time.Time
}

type Job string

const (
	JobOverdue  Job = "overdue"
	JobPresence Job = "presence"
	JobRepair   Job = "repair"
)

func ParseJob(s string) (Job, error) {
	switch Job(s) {
	case JobOverdue, JobPresence, JobRepair:
		return Job(s), nil
	}
	return "", fmt.Errorf("unknown sweep %q (want overdue, presence or repair)", s)
}

type Report struct {
	Job       Job           `json:"job"`
	Scanned   int           `json:"scanned"`
	Changed   int           `json:"changed"`
	Failed    int           `json:"failed"`
	Took      time.Duration `json:"took"`
	StartedAt time.Time     `json:"startedAt"`

	began time.Time
}

type Reconciler struct {
	eng Engine
	log *zap.Logger

	// one run per job at a time; a slow run makes the next tick skip
	mu      sync.Mutex
	running map[Job]bool
}

func New(eng Engine, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{eng: eng, log: log, running: map[Job]bool{}}
}

var ErrBusy = errors.New("sweep already running")

func (r *Reconciler) Run(ctx context.Context, job Job) (Report, error) {
	r.mu.Lock()
	if r.running[job] {
		r.mu.Unlock()
		return Report{Job: job}, ErrBusy
	}
	r.running[job] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, job)
		r.mu.Unlock()
	}()

	switch job {
	case JobOverdue:
		return r.OverdueSweep(ctx)
	case JobPresence:
		return r.PresenceSweep(ctx)
	case JobRepair:
		return r.RepairSweep(ctx)
	}
	return Report{Job: job}, fmt.Errorf("unknown sweep %q", job)
}

// begin stamps the report with the engine's clock; Took is wall time.
func (r *Reconciler) begin(job Job) Report {
	return Report{Job: job, StartedAt: r.eng.Now().UTC(), began: time.Now()}
}

// OverdueSweep marks every open loan past its due time, once.
func (r *Reconciler) OverdueSweep(ctx context.Context) (Report, error) {
	rep := r.begin(JobOverdue)
	cands, err := r.eng.OverdueCandidates(ctx)
	if err != nil {
		return rep, err
	}
	rep.Scanned = len(cands)
	for _, t := range cands {
		if ctx.Err() != nil {
			break
		}
		r.step(&rep, "transaction", t.ID, func() (bool, error) { return r.eng.MarkOverdue(ctx, t.ID) })
	}
	return r.finish(rep), ctx.Err()
}

// PresenceSweep moves quiet trackers to Unknown.
func (r *Reconciler) PresenceSweep(ctx context.Context) (Report, error) {
	rep := r.begin(JobPresence)
	units, err := r.eng.TrackedUnits(ctx)
	if err != nil {
		return rep, err
	}
	for _, u := range units {
		if u.TrackingStatus == models.TrackingUnknown || u.TrackingStatus == models.TrackingLost {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		rep.Scanned++
		r.step(&rep, "unit", u.ID, func() (bool, error) { return r.eng.MarkTrackerSilent(ctx, u.ID) })
	}
	return r.finish(rep), ctx.Err()
}

// RepairSweep cleans up after sagas that died half way: Provisional records
// first, then units left CheckedOut with nobody holding them.
func (r *Reconciler) RepairSweep(ctx context.Context) (Report, error) {
	rep := r.begin(JobRepair)
	left, err := r.eng.ProvisionalLeftovers(ctx)
	if err != nil {
		return rep, err
	}
	rep.Scanned = len(left)
	for _, t := range left {
		if ctx.Err() != nil {
			break
		}
		r.step(&rep, "transaction", t.ID, func() (bool, error) { return r.eng.RepairProvisional(ctx, t.ID) })
	}
	if ctx.Err() != nil {
		return r.finish(rep), ctx.Err()
	}

	stranded, err := r.eng.StrandedUnits(ctx)
	if err != nil {
		return r.finish(rep), err
	}
	rep.Scanned += len(stranded)
	for _, u := range stranded {
		if ctx.Err() != nil {
			break
		}
		r.step(&rep, "unit", u.ID, func() (bool, error) { return r.eng.ReleaseStranded(ctx, u.ID) })
	}
	return r.finish(rep), ctx.Err()
}

// step runs one mutation. A failure on one record never stops the sweep.
func (r *Reconciler) step(rep *Report, kind, id string, fn func() (bool, error)) {
	changed, err := fn()
	switch {
	case err == nil && changed:
		rep.Changed++
	case err != nil && apperrors.Expected(err):
		r.log.Debug("sweep skipped record", zap.String("job", string(rep.Job)), zap.String(kind, id), zap.Error(err))
	case err != nil:
		rep.Failed++
		r.log.Error("sweep step failed", zap.String("job", string(rep.Job)), zap.String(kind, id), zap.Error(err))
	}
}

func (r *Reconciler) finish(rep Report) Report {
	rep.Took = time.Since(rep.began)
	if rep.Changed > 0 || rep.Failed > 0 {
		r.log.Info("sweep finished",
			zap.String("job", string(rep.Job)),
			zap.Int("scanned", rep.Scanned),
			zap.Int("changed", rep.Changed),
			zap.Int("failed", rep.Failed),
			zap.Duration("took", rep.Took),
		)
	}
	return rep
}
