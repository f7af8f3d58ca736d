package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"equipment_lending/apperrors"
	"equipment_lending/db"
	"equipment_lending/models"

	"go.uber.org/zap"
)

// The primitives below are what the scheduled sweeps call. They re-read the
// record and re-check the trigger, so a stale candidate list is harmless.

// OverdueCandidates lists loans still in hand that the overdue sweep has not marked.
func (e *Engine) OverdueCandidates(ctx context.Context) ([]models.Transaction, error) {
	ts, err := e.loans.ListTransactions(ctx, db.TransactionFilter{
		Statuses:        models.OverdueCandidateStatuses,
		OverdueUnmarked: true,
	})
	if err != nil {
		return nil, apperrors.Infra(err, "list overdue candidates")
	}
	now := e.clock.Now()
	out := ts[:0]
	for _, t := range ts {
		if now.After(t.ExpectedReturnTime) {
			out = append(out, t)
		}
	}
	return out, nil
}

// MarkOverdue sets the overdue marker and applies the standing penalty,
// once per transaction. A CheckedOut loan becomes Overdue; a PendingReturn
// loan keeps its status and only gains the marker.
func (e *Engine) MarkOverdue(ctx context.Context, txID string) (bool, error) {
	policy, err := e.loadPolicy(ctx)
	if err != nil {
		return false, err
	}
	var marked *models.Transaction
	var prev, next int
	err = e.retry(ctx, "mark overdue", func(ctx context.Context) error {
		t, err := e.findTransaction(ctx, txID)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if t.OverdueMarkedAt != nil || !t.Status.In(models.OverdueCandidateStatuses) || !now.After(t.ExpectedReturnTime) {
			return nil
		}
		to := t.Status
		if to == models.LoanCheckedOut {
			to = models.LoanOverdue
		}
		if err := e.loans.MarkTransactionOverdue(ctx, t.ID, t.Status, to, now); err != nil {
			return err
		}
		p, n, err := e.adjustScore(ctx, t.UserID, -policy.OverdueSweepPenalty)
		if err != nil {
			unmark := *t
			e.compensate("unmark overdue", func() error {
				return e.loans.UpdateTransaction(context.WithoutCancel(ctx), &unmark, to)
			})
			if errors.Is(err, db.ErrStale) {
				return apperrors.Conflict(apperrors.ReasonTransient, "score update raced")
			}
			return apperrors.Infra(err, "apply overdue penalty")
		}
		t.Status = to
		t.OverdueMarkedAt = &now
		marked, prev, next = t, p, n
		return nil
	})
	if err != nil || marked == nil {
		return false, err
	}
	e.log.Info("loan overdue", zap.String("transaction", marked.ID), zap.String("user", marked.UserID),
		zap.Int("score_from", prev), zap.Int("score_to", next))
	e.record(ctx, models.AuditLoanOverdue, "", fmt.Sprintf("transaction %s overdue since %s, score %d -> %d",
		marked.ID, marked.ExpectedReturnTime.Format(time.RFC3339), prev, next))
	e.tell(ctx, marked.UserID, "Equipment overdue",
		fmt.Sprintf("Your loan was due %s. Please return it as soon as possible.", marked.ExpectedReturnTime.Format(time.RFC1123)),
		models.SeverityWarning, marked.ID)
	return true, nil
}

// TrackedUnits lists every live unit carrying a tracking tag.
func (e *Engine) TrackedUnits(ctx context.Context) ([]models.Equipment, error) {
	units, err := e.assets.ListTrackedEquipment(ctx)
	if err != nil {
		return nil, apperrors.Infra(err, "list tracked units")
	}
	return units, nil
}

// Silent reports whether a tracker has been quiet for longer than timeout.
// A tracker that never reported is always silent.
func Silent(u *models.Equipment, now time.Time, timeout time.Duration) bool {
	if u.LastSeenAt == nil {
		return true
	}
	return now.Sub(*u.LastSeenAt) > timeout
}

// MarkTrackerSilent moves a quiet tracker to Unknown and alerts staff.
// Units already Unknown or Lost are left alone; Lost only comes from the device.
func (e *Engine) MarkTrackerSilent(ctx context.Context, unitID string) (bool, error) {
	policy, err := e.loadPolicy(ctx)
	if err != nil {
		return false, err
	}
	var unit *models.Equipment
	err = e.retry(ctx, "mark tracker silent", func(ctx context.Context) error {
		u, err := e.assets.FindEquipment(ctx, unitID)
		if err != nil {
			return err
		}
		if !u.Tracked() || u.RemovedAt != nil {
			return nil
		}
		if u.TrackingStatus == models.TrackingUnknown || u.TrackingStatus == models.TrackingLost {
			return nil
		}
		if !Silent(u, e.clock.Now(), policy.PresenceTimeout()) {
			return nil
		}
		if err := e.assets.TransitionTrackingStatus(ctx, u.ID, u.TrackingStatus, models.TrackingUnknown); err != nil {
			return err
		}
		u.TrackingStatus = models.TrackingUnknown
		unit = u
		return nil
	})
	if err != nil || unit == nil {
		return false, err
	}
	last := "never"
	if unit.LastSeenAt != nil {
		last = unit.LastSeenAt.Format(time.RFC3339)
	}
	e.log.Warn("tracker offline", zap.String("unit", unit.ID), zap.String("tag", *unit.TrackingTag), zap.String("last_seen", last))
	e.record(ctx, models.AuditIoTOffline, "", fmt.Sprintf("%s (%s) tag %s silent, last seen %s", unit.Name, unit.Serial, *unit.TrackingTag, last))
	e.escalate(ctx, models.CapReceiveAlerts, "Tracker offline",
		fmt.Sprintf("%s (%s) has not reported since %s.", unit.Name, unit.Serial, last), models.SeverityWarning, unit.ID)
	return true, nil
}

type TrackerReport struct {
	Tag      string
	Status   models.TrackingStatus
	Battery  *int
	Location string
	Lat      *float64
	Lng      *float64
	// RecordSeen stores the heartbeat even when the status does not change.
	RecordSeen bool
}

type TrackerOutcome struct {
	Unit     *models.Equipment
	Changed  bool
	Recorded bool
}

// ReportTracker applies a device report. Lost and recovery transitions are
// always written; plain heartbeats only when RecordSeen is set.
func (e *Engine) ReportTracker(ctx context.Context, rep TrackerReport) (*TrackerOutcome, error) {
	if rep.Tag == "" {
		return nil, apperrors.Validation("deviceId is required")
	}
	if rep.Status == "" {
		rep.Status = models.TrackingSafe
	}
	if rep.Status == models.TrackingUnknown || !rep.Status.Valid() {
		return nil, apperrors.Validation("status must be Safe or Lost")
	}
	out := &TrackerOutcome{}
	var from models.TrackingStatus
	err := e.retry(ctx, "tracker report", func(ctx context.Context) error {
		u, err := e.assets.FindEquipmentByTag(ctx, rep.Tag)
		if errors.Is(err, db.ErrNotFound) {
			return apperrors.NotFound("no unit carries tag %s", rep.Tag)
		}
		if err != nil {
			return err
		}
		from = u.TrackingStatus
		change := from != rep.Status && (rep.Status == models.TrackingLost || from != models.TrackingSafe)
		if change {
			if err := e.assets.TransitionTrackingStatus(ctx, u.ID, from, rep.Status); err != nil {
				return err
			}
			u.TrackingStatus = rep.Status
		}
		if change || rep.RecordSeen {
			now := e.clock.Now()
			hb := db.Heartbeat{SeenAt: now, Battery: rep.Battery, Location: rep.Location, Lat: rep.Lat, Lng: rep.Lng}
			if err := e.assets.RecordHeartbeat(ctx, u.ID, hb); err != nil {
				return apperrors.Infra(err, "record heartbeat")
			}
			u.LastSeenAt = &now
			out.Recorded = true
		}
		out.Unit, out.Changed = u, change
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !out.Changed {
		return out, nil
	}
	u := out.Unit
	switch rep.Status {
	case models.TrackingLost:
		e.log.Warn("tracker reported lost", zap.String("unit", u.ID), zap.String("tag", rep.Tag))
		e.record(ctx, models.AuditIoTLost, "", fmt.Sprintf("%s (%s) reported LOST at %s", u.Name, u.Serial, u.Location))
		e.escalate(ctx, models.CapReceiveAlerts, "Equipment reported lost",
			fmt.Sprintf("%s (%s) reported lost near %s.", u.Name, u.Serial, u.Location), models.SeverityError, u.ID)
	case models.TrackingSafe:
		e.record(ctx, models.AuditIoTRecovered, "", fmt.Sprintf("%s (%s) back online, was %s", u.Name, u.Serial, from))
		if from == models.TrackingLost {
			e.escalate(ctx, models.CapReceiveAlerts, "Equipment recovered",
				fmt.Sprintf("%s (%s) is reporting again.", u.Name, u.Serial), models.SeveritySuccess, u.ID)
		}
	}
	return out, nil
}

// provisionalSince is when the record went Provisional. Rows written before
// the marker existed fall back to creation time.
func provisionalSince(t *models.Transaction) time.Time {
	if t.ProvisionalSince != nil {
		return *t.ProvisionalSince
	}
	return t.CreatedAt
}

// ProvisionalLeftovers lists records that have been Provisional for longer
// than ProvisionalTTL.
func (e *Engine) ProvisionalLeftovers(ctx context.Context) ([]models.Transaction, error) {
	ts, err := e.loans.ListTransactions(ctx, db.TransactionFilter{Statuses: []models.LoanStatus{models.LoanProvisional}})
	if err != nil {
		return nil, apperrors.Infra(err, "list provisional")
	}
	cutoff := e.clock.Now().Add(-ProvisionalTTL)
	out := ts[:0]
	for i := range ts {
		if provisionalSince(&ts[i]).Before(cutoff) {
			out = append(out, ts[i])
		}
	}
	return out, nil
}

// RepairProvisional cleans up after a checkout, approval or pickup that died
// half way. The possession index allows no other holder while the record
// exists, so a CheckedOut unit is safe to release. A fresh checkout record is
// dropped; an approval or pickup goes back to Pending or Reserved.
func (e *Engine) RepairProvisional(ctx context.Context, txID string) (bool, error) {
	t, err := e.findTransaction(ctx, txID)
	if err != nil {
		return false, err
	}
	if t.Status != models.LoanProvisional || !provisionalSince(t).Before(e.clock.Now().Add(-ProvisionalTTL)) {
		return false, nil
	}
	err = e.assets.TransitionUnitStatus(ctx, t.EquipmentID, models.UnitCheckedOut, models.UnitAvailable)
	if err != nil && !errors.Is(err, db.ErrStale) && !errors.Is(err, db.ErrNotFound) {
		return false, e.surface("repair provisional", err)
	}

	outcome := "dropped"
	if t.ProvisionalFrom == "" {
		if err := e.loans.DeleteTransaction(ctx, t.ID); err != nil {
			return false, e.surface("repair provisional", err)
		}
	} else {
		outcome = "back to " + string(t.ProvisionalFrom)
		t.Status = t.ProvisionalFrom
		t.ProvisionalFrom = ""
		t.ProvisionalSince = nil
		if err := e.loans.UpdateTransaction(ctx, t, models.LoanProvisional); err != nil {
			if errors.Is(err, db.ErrStale) {
				return false, nil
			}
			return false, e.surface("repair provisional", err)
		}
	}
	e.log.Warn("repaired provisional transaction",
		zap.String("transaction", t.ID), zap.String("unit", t.EquipmentID), zap.String("outcome", outcome))
	e.record(ctx, models.AuditProvisionalRepaired, "", fmt.Sprintf("transaction %s on unit %s %s", t.ID, t.EquipmentID, outcome))
	return true, nil
}

// lastTouched is the latest engine-clock timestamp on t.
func lastTouched(t *models.Transaction) time.Time {
	at := t.CreatedAt
	for _, ts := range []*time.Time{t.CheckoutTime, t.ReturnTime, t.ProvisionalSince} {
		if ts != nil && ts.After(at) {
			at = *ts
		}
	}
	return at
}

// stranded reports whether a CheckedOut unit has lost its holder: no
// possession record and no loan activity within ProvisionalTTL. A checkin
// closes the record before releasing the unit, and this is what it leaves
// if it dies in between. last is the most recent return, if any.
func (e *Engine) stranded(ctx context.Context, unitID string) (ok bool, last *models.Transaction, err error) {
	ts, err := e.loans.ListTransactions(ctx, db.TransactionFilter{EquipmentID: unitID, Newest: true})
	if err != nil {
		return false, nil, apperrors.Infra(err, "list unit history")
	}
	cutoff := e.clock.Now().Add(-ProvisionalTTL)
	for i := range ts {
		t := &ts[i]
		if t.Status.In(models.PossessionStatuses) || !lastTouched(t).Before(cutoff) {
			return false, nil, nil
		}
		if t.Status == models.LoanReturned && t.ReturnTime != nil && (last == nil || t.ReturnTime.After(*last.ReturnTime)) {
			last = t
		}
	}
	return true, last, nil
}

// StrandedUnits lists CheckedOut units that nobody holds.
func (e *Engine) StrandedUnits(ctx context.Context) ([]models.Equipment, error) {
	units, err := e.assets.ListEquipmentByStatus(ctx, models.UnitCheckedOut)
	if err != nil {
		return nil, apperrors.Infra(err, "list checked out units")
	}
	out := units[:0]
	for _, u := range units {
		ok, _, err := e.stranded(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// ReleaseStranded finishes the unit half of an interrupted checkin, using the
// condition recorded on the last return. The score change of that checkin is
// not replayed.
func (e *Engine) ReleaseStranded(ctx context.Context, unitID string) (bool, error) {
	ok, last, err := e.stranded(ctx, unitID)
	if err != nil || !ok {
		return false, err
	}
	target := models.UnitAvailable
	var cond models.Condition
	if last != nil {
		cond = last.ReturnCondition
	}
	if cond == models.ConditionDamaged {
		target = models.UnitDamaged
	}
	err = e.assets.TransitionUnitStatus(ctx, unitID, models.UnitCheckedOut, target)
	if errors.Is(err, db.ErrStale) || errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, e.surface("release stranded unit", err)
	}
	if cond != "" {
		if err := e.assets.SetUnitCondition(ctx, unitID, cond); err != nil {
			e.log.Warn("stranded unit released without condition", zap.String("unit", unitID), zap.Error(err))
		}
	}
	detail := fmt.Sprintf("unit %s released to %s", unitID, target)
	if last != nil {
		detail += fmt.Sprintf(" after transaction %s", last.ID)
	}
	e.log.Warn("released stranded unit", zap.String("unit", unitID), zap.String("status", string(target)))
	e.record(ctx, models.AuditStrandedReleased, "", detail)
	return true, nil
}
