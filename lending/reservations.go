package lending

import (
	"context"
	"fmt"
	"strings"
	"time"

	"equipment_lending/apperrors"
	"equipment_lending/models"

	"github.com/google/uuid"
)

type ReserveRequest struct {
	TargetUserID string
	EquipmentID  string
	Start        time.Time
	// End defaults to Start + DefaultReservation.
	End         time.Time
	Destination string
	Purpose     string
}

// Reserve books a future window. The unit status is not touched; the window
// only blocks overlapping bookings and checkouts.
func (e *Engine) Reserve(ctx context.Context, caller *models.User, req ReserveRequest) (*models.Transaction, error) {
	now := e.clock.Now()
	if req.EquipmentID == "" || req.Start.IsZero() {
		return nil, apperrors.Validation("equipmentId and start are required")
	}
	if strings.TrimSpace(req.Destination) == "" || strings.TrimSpace(req.Purpose) == "" {
		return nil, apperrors.Validation("destination and purpose are required")
	}
	w := Window{Start: req.Start.UTC(), End: req.End.UTC()}
	if req.End.IsZero() {
		w.End = w.Start.Add(DefaultReservation)
	}
	if !w.Start.After(now) {
		return nil, apperrors.New(apperrors.KindValidation, apperrors.ReasonPastWindow, "reservation must start in the future")
	}
	if !w.End.After(w.Start) {
		return nil, apperrors.Validation("reservation end must be after its start")
	}

	policy, err := e.loadPolicy(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkDuration(w, policy); err != nil {
		return nil, err
	}
	borrower, err := e.borrowerFor(ctx, caller, req.TargetUserID)
	if err != nil {
		return nil, err
	}

	t := &models.Transaction{
		UserID:             borrower.ID,
		CreatedBy:          caller.ID,
		StartTime:          w.Start,
		ExpectedReturnTime: w.End,
		Destination:        strings.TrimSpace(req.Destination),
		Purpose:            strings.TrimSpace(req.Purpose),
	}
	err = e.retry(ctx, "reserve", func(ctx context.Context) error {
		return e.reserveOnce(ctx, t, req.EquipmentID)
	})
	if err != nil {
		return nil, err
	}
	e.record(ctx, models.AuditLoanReserved, caller.ID, fmt.Sprintf("%s reserved unit %s from %s to %s",
		borrower.Username, t.EquipmentID, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339)))
	return t, nil
}

// reserveOnce inserts first and then advances the unit's booking sequence
// from the value read before the conflict scan. Losing that CAS means a
// concurrent booking may overlap, so the insert is undone and rechecked.
func (e *Engine) reserveOnce(ctx context.Context, t *models.Transaction, unitID string) error {
	unit, err := e.findUnit(ctx, unitID)
	if err != nil {
		return err
	}
	if unit.Status == models.UnitLost {
		return apperrors.Conflict(apperrors.ReasonUnavailable, "%s is reported lost", unit.Name)
	}
	seq := unit.BookingSeq
	if err := e.ensureFree(ctx, unit.ID, Window{Start: t.StartTime, End: t.ExpectedReturnTime}, "", false); err != nil {
		return err
	}

	t.ID = uuid.NewString()
	t.EquipmentID = unit.ID
	t.Status = models.LoanReserved
	t.CreatedAt = e.clock.Now()
	if err := e.loans.CreateTransaction(ctx, t); err != nil {
		return apperrors.Infra(err, "create reservation")
	}
	if err := e.assets.BumpBookingSeq(ctx, unit.ID, seq); err != nil {
		e.compensate("delete reservation", func() error {
			return e.loans.DeleteTransaction(context.WithoutCancel(ctx), t.ID)
		})
		return err
	}
	return nil
}

// Cancel withdraws a reservation. Owner or staff only.
func (e *Engine) Cancel(ctx context.Context, caller *models.User, txID string) (*models.Transaction, error) {
	var out *models.Transaction
	err := e.retry(ctx, "cancel", func(ctx context.Context) error {
		t, err := e.findTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if t.UserID != caller.ID && !caller.Can(models.CapApproveLoans) {
			return apperrors.Forbidden("only the owner or staff can cancel this reservation")
		}
		if t.Status != models.LoanReserved {
			return apperrors.Conflict(apperrors.ReasonWrongState, "transaction is %s, not Reserved", t.Status)
		}
		t.Status = models.LoanCancelled
		if err := e.loans.UpdateTransaction(ctx, t, models.LoanReserved); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.record(ctx, models.AuditLoanCancelled, caller.ID, fmt.Sprintf("reservation %s cancelled", out.ID))
	if out.UserID != caller.ID {
		e.tell(ctx, out.UserID, "Reservation cancelled", "Staff cancelled your reservation.", models.SeverityWarning, out.ID)
	}
	return out, nil
}

// Pickup turns a Reserved window that has started into a checkout.
func (e *Engine) Pickup(ctx context.Context, caller *models.User, txID string) (*models.Transaction, error) {
	if !caller.Can(models.CapCheckin) {
		return nil, apperrors.Forbidden("handing out equipment requires staff rights")
	}
	var out *models.Transaction
	err := e.retry(ctx, "pickup", func(ctx context.Context) error {
		t, err := e.pickupOnce(ctx, txID)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	e.record(ctx, models.AuditReservationPickup, caller.ID, fmt.Sprintf("reservation %s picked up, due %s", out.ID, out.ExpectedReturnTime.Format(time.RFC3339)))
	return out, nil
}

func (e *Engine) pickupOnce(ctx context.Context, txID string) (*models.Transaction, error) {
	t, err := e.findTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.LoanReserved {
		return nil, apperrors.Conflict(apperrors.ReasonWrongState, "transaction is %s, not Reserved", t.Status)
	}
	now := e.clock.Now()
	if now.Before(t.StartTime) {
		return nil, apperrors.Conflict(apperrors.ReasonWrongState, "reservation starts at %s", t.StartTime.Format(time.RFC3339))
	}
	if !now.Before(t.ExpectedReturnTime) {
		return nil, apperrors.New(apperrors.KindValidation, apperrors.ReasonPastWindow, "reservation window has ended")
	}
	borrower, err := e.findUser(ctx, t.UserID)
	if err != nil {
		return nil, err
	}
	if err := checkScore(borrower); err != nil {
		return nil, err
	}
	unit, err := e.findUnit(ctx, t.EquipmentID)
	if err != nil {
		return nil, err
	}
	if unit.Status != models.UnitAvailable {
		return nil, apperrors.Conflict(apperrors.ReasonUnavailable, "%s is %s", unit.Name, unit.Status)
	}
	seq := unit.BookingSeq
	if err := e.ensureFree(ctx, unit.ID, Window{Start: now, End: t.ExpectedReturnTime}, t.ID, true); err != nil {
		return nil, err
	}

	unhold, err := e.hold(ctx, t, now)
	if err != nil {
		return nil, err
	}
	if err := e.assets.TransitionUnitStatus(ctx, unit.ID, models.UnitAvailable, models.UnitCheckedOut); err != nil {
		unhold()
		return nil, err
	}
	release := func() {
		e.compensate("release unit", func() error {
			return e.assets.TransitionUnitStatus(context.WithoutCancel(ctx), unit.ID, models.UnitCheckedOut, models.UnitAvailable)
		})
	}
	if err := e.assets.BumpBookingSeq(ctx, unit.ID, seq); err != nil {
		release()
		unhold()
		return nil, err
	}
	t.Status = models.LoanCheckedOut
	t.ProvisionalFrom = ""
	t.ProvisionalSince = nil
	t.CheckoutTime = &now
	if err := e.loans.UpdateTransaction(ctx, t, models.LoanProvisional); err != nil {
		release()
		unhold()
		return nil, err
	}
	return t, nil
}
