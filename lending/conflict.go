package lending

import (
	"context"
	"time"

	"equipment_lending/apperrors"
	"equipment_lending/db"
	"equipment_lending/models"
)

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Overlaps reports s1 < e2 && s2 < e1. Back-to-back windows do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// occupied is the window a transaction blocks. A unit still in someone's
// hands blocks until it comes back, so a late loan stretches to now.
func occupied(t *models.Transaction, now time.Time) Window {
	w := Window{Start: t.StartTime, End: t.ExpectedReturnTime}
	if t.Status.In(models.PossessionStatuses) && now.After(w.End) {
		w.End = now
	}
	return w
}

// HasConflict reports whether any occupying transaction on the unit
// overlaps w. excludeID skips the caller's own record.
func (e *Engine) HasConflict(ctx context.Context, unitID string, w Window, excludeID string) (bool, error) {
	_, found, err := e.firstConflict(ctx, unitID, w, excludeID)
	return found, err
}

func (e *Engine) firstConflict(ctx context.Context, unitID string, w Window, excludeID string) (*models.Transaction, bool, error) {
	ts, err := e.loans.ListTransactions(ctx, db.TransactionFilter{
		EquipmentID: unitID,
		Statuses:    models.OccupyingStatuses,
	})
	if err != nil {
		return nil, false, apperrors.Infra(err, "scan unit schedule")
	}
	now := e.clock.Now()
	for i := range ts {
		if ts[i].ID == excludeID {
			continue
		}
		if occupied(&ts[i], now).Overlaps(w) {
			return &ts[i], true, nil
		}
	}
	return nil, false, nil
}

// ensureFree rejects w when it overlaps a booking. For a hand-over starting
// now, overlapping someone who holds the unit means the unit is taken.
func (e *Engine) ensureFree(ctx context.Context, unitID string, w Window, excludeID string, handover bool) error {
	t, found, err := e.firstConflict(ctx, unitID, w, excludeID)
	if err != nil {
		return err
	}
	if found && handover && t.Status.In(models.PossessionStatuses) {
		return apperrors.Conflict(apperrors.ReasonUnavailable, "unit is already handed out")
	}
	if found {
		return apperrors.Schedule("unit is booked from %s to %s",
			t.StartTime.Format(time.RFC3339), t.ExpectedReturnTime.Format(time.RFC3339))
	}
	return nil
}
