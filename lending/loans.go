package lending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"equipment_lending/apperrors"
	"equipment_lending/db"
	"equipment_lending/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type LoanRequest struct {
	// TargetUserID borrows on someone's behalf; empty means the caller.
	TargetUserID string
	EquipmentID  string
	// Start defaults to now. Loans start immediately; future windows go through Reserve.
	Start       time.Time
	End         time.Time
	Destination string
	Purpose     string
}

// startSkew tolerates client clocks that run slightly ahead.
const startSkew = time.Minute

func (e *Engine) borrowerFor(ctx context.Context, caller *models.User, target string) (*models.User, error) {
	if target == "" || target == caller.ID {
		return caller, nil
	}
	if !caller.Can(models.CapActOnBehalf) {
		return nil, apperrors.Forbidden("only staff may act on behalf of another user")
	}
	return e.findUser(ctx, target)
}

// SubmitLoan creates a Pending request, or checks the unit out right away
// when staff initiate it and no predicate asks for review.
func (e *Engine) SubmitLoan(ctx context.Context, caller *models.User, req LoanRequest) (*models.Transaction, error) {
	now := e.clock.Now()
	if req.EquipmentID == "" {
		return nil, apperrors.Validation("equipmentId is required")
	}
	if strings.TrimSpace(req.Destination) == "" || strings.TrimSpace(req.Purpose) == "" {
		return nil, apperrors.Validation("destination and purpose are required")
	}
	if !req.Start.IsZero() && req.Start.After(now.Add(startSkew)) {
		return nil, apperrors.Validation("loan must start now; use a reservation for a future window")
	}
	w := Window{Start: now, End: req.End}
	if !w.End.After(w.Start) {
		return nil, apperrors.Validation("expected return time must be after the start")
	}

	policy, err := e.loadPolicy(ctx)
	if err != nil {
		return nil, err
	}
	borrower, err := e.borrowerFor(ctx, caller, req.TargetUserID)
	if err != nil {
		return nil, err
	}
	if err := checkScore(borrower); err != nil {
		e.log.Info("loan denied", zap.String("user", borrower.ID), zap.Int("score", borrower.ResponsibilityScore))
		e.record(ctx, models.AuditLoanDenied, caller.ID,
			fmt.Sprintf("low score %d for %s on unit %s", borrower.ResponsibilityScore, borrower.Username, req.EquipmentID))
		return nil, err
	}
	if err := checkDuration(w, policy); err != nil {
		return nil, err
	}
	unit, err := e.findUnit(ctx, req.EquipmentID)
	if err != nil {
		return nil, err
	}
	if unit.Status != models.UnitAvailable {
		return nil, apperrors.Conflict(apperrors.ReasonUnavailable, "%s is %s", unit.Name, unit.Status)
	}

	lc := &LoanContext{
		Caller: caller, Borrower: borrower, Unit: unit, Window: w,
		Destination: req.Destination, Purpose: req.Purpose, Policy: policy,
	}
	d, err := e.evaluate(ctx, lc)
	if err != nil {
		return nil, err
	}
	if d.Verdict == Deny {
		return nil, apperrors.Policy(d.Reason, "%s", d.Note)
	}

	t := &models.Transaction{
		UserID:             borrower.ID,
		EquipmentID:        unit.ID,
		CreatedBy:          caller.ID,
		StartTime:          w.Start,
		ExpectedReturnTime: w.End,
		Destination:        strings.TrimSpace(req.Destination),
		Purpose:            strings.TrimSpace(req.Purpose),
	}
	if d.Verdict == ForcePending && d.Note != "" {
		t.Purpose += " " + d.Note
	}

	immediate := caller.Can(models.CapActOnBehalf) && d.Verdict == Allow
	if !immediate {
		return e.createRequest(ctx, caller, borrower, unit, t)
	}
	err = e.retry(ctx, "checkout", func(ctx context.Context) error {
		return e.checkout(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	e.record(ctx, models.AuditLoanCheckedOut, caller.ID,
		fmt.Sprintf("%s checked out to %s until %s", unit.Serial, borrower.Username, t.ExpectedReturnTime.Format(time.RFC3339)))
	if borrower.ID != caller.ID {
		e.tell(ctx, borrower.ID, "Equipment checked out",
			fmt.Sprintf("%s is checked out to you until %s.", unit.Name, t.ExpectedReturnTime.Format(time.RFC1123)),
			models.SeveritySuccess, t.ID)
	}
	return t, nil
}

func (e *Engine) createRequest(ctx context.Context, caller, borrower *models.User, unit *models.Equipment, t *models.Transaction) (*models.Transaction, error) {
	existing, err := e.loans.ListTransactions(ctx, db.TransactionFilter{
		UserID: borrower.ID, EquipmentID: unit.ID, Statuses: []models.LoanStatus{models.LoanPending},
	})
	if err != nil {
		return nil, apperrors.Infra(err, "check pending requests")
	}
	if len(existing) > 0 {
		return nil, apperrors.Conflict(apperrors.ReasonDuplicateRequest, "a request for %s is already waiting for approval", unit.Name)
	}
	if err := e.ensureFree(ctx, unit.ID, Window{Start: t.StartTime, End: t.ExpectedReturnTime}, "", true); err != nil {
		return nil, err
	}

	t.ID = uuid.NewString()
	t.Status = models.LoanPending
	t.CreatedAt = e.clock.Now()
	if err := e.loans.CreateTransaction(ctx, t); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, apperrors.Conflict(apperrors.ReasonDuplicateRequest, "a request for %s is already waiting for approval", unit.Name)
		}
		return nil, e.surface("create request", err)
	}
	e.record(ctx, models.AuditLoanRequested, caller.ID, fmt.Sprintf("%s requested %s", borrower.Username, unit.Serial))
	e.escalate(ctx, models.CapApproveLoans, "New equipment request",
		fmt.Sprintf("%s requested %s for %s.", borrower.FullName, unit.Name, t.Destination), models.SeverityInfo, t.ID)
	return t, nil
}

// checkout is one attempt of the immediate checkout saga:
// Provisional record, booking sequence, unit claim, then CheckedOut.
func (e *Engine) checkout(ctx context.Context, t *models.Transaction) error {
	unit, err := e.findUnit(ctx, t.EquipmentID)
	if err != nil {
		return err
	}
	if unit.Status != models.UnitAvailable {
		return apperrors.Conflict(apperrors.ReasonUnavailable, "%s is %s", unit.Name, unit.Status)
	}
	seq := unit.BookingSeq
	if err := e.ensureFree(ctx, unit.ID, Window{Start: t.StartTime, End: t.ExpectedReturnTime}, "", true); err != nil {
		return err
	}

	now := e.clock.Now()
	t.ID = uuid.NewString()
	t.Status = models.LoanProvisional
	t.ProvisionalSince = &now
	t.CreatedAt = now
	t.CheckoutTime = nil
	if err := e.loans.CreateTransaction(ctx, t); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return apperrors.Conflict(apperrors.ReasonUnavailable, "%s is already checked out", unit.Name)
		}
		return apperrors.Infra(err, "create transaction")
	}
	undoCreate := func() {
		e.compensate("delete provisional", func() error {
			return e.loans.DeleteTransaction(context.WithoutCancel(ctx), t.ID)
		})
	}

	if err := e.assets.BumpBookingSeq(ctx, unit.ID, seq); err != nil {
		undoCreate()
		return err
	}
	if err := e.assets.TransitionUnitStatus(ctx, unit.ID, models.UnitAvailable, models.UnitCheckedOut); err != nil {
		undoCreate()
		return err
	}

	t.Status = models.LoanCheckedOut
	t.CheckoutTime = &now
	t.ProvisionalSince = nil
	if err := e.loans.UpdateTransaction(ctx, t, models.LoanProvisional); err != nil {
		e.compensate("release unit", func() error {
			return e.assets.TransitionUnitStatus(context.WithoutCancel(ctx), unit.ID, models.UnitCheckedOut, models.UnitAvailable)
		})
		undoCreate()
		t.Status = models.LoanProvisional
		return err
	}
	return nil
}

// Approve hands a Pending request over. The requested duration is kept but
// restarts at approval time.
func (e *Engine) Approve(ctx context.Context, caller *models.User, txID, note string) (*models.Transaction, error) {
	if !caller.Can(models.CapApproveLoans) {
		return nil, apperrors.Forbidden("approving requests requires staff rights")
	}
	var out *models.Transaction
	err := e.retry(ctx, "approve", func(ctx context.Context) error {
		t, err := e.approveOnce(ctx, txID, note)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	e.record(ctx, models.AuditLoanApproved, caller.ID, fmt.Sprintf("transaction %s approved until %s", out.ID, out.ExpectedReturnTime.Format(time.RFC3339)))
	e.tell(ctx, out.UserID, "Request approved",
		fmt.Sprintf("Your request was approved. Please return by %s.", out.ExpectedReturnTime.Format(time.RFC1123)),
		models.SeveritySuccess, out.ID)
	return out, nil
}

func (e *Engine) approveOnce(ctx context.Context, txID, note string) (*models.Transaction, error) {
	t, err := e.findTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.LoanPending {
		return nil, apperrors.Conflict(apperrors.ReasonWrongState, "transaction is %s, not Pending", t.Status)
	}
	unit, err := e.findUnit(ctx, t.EquipmentID)
	if err != nil {
		return nil, err
	}
	if unit.Status != models.UnitAvailable {
		return nil, apperrors.Conflict(apperrors.ReasonUnavailable, "%s is %s", unit.Name, unit.Status)
	}

	now := e.clock.Now()
	dur := t.ExpectedReturnTime.Sub(t.CreatedAt)
	if dur <= 0 {
		dur = approvalFloor
	}
	due := now.Add(dur)
	seq := unit.BookingSeq
	if err := e.ensureFree(ctx, unit.ID, Window{Start: now, End: due}, t.ID, true); err != nil {
		return nil, err
	}

	// Pending -> Provisional -> unit claim -> CheckedOut
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
	t.ExpectedReturnTime = due
	if note != "" {
		t.DecisionNote = note
	}
	if err := e.loans.UpdateTransaction(ctx, t, models.LoanProvisional); err != nil {
		release()
		unhold()
		return nil, err
	}
	return t, nil
}

// Deny closes a Pending request. Pending never claims the unit, so there is
// nothing to release.
func (e *Engine) Deny(ctx context.Context, caller *models.User, txID, reason string) (*models.Transaction, error) {
	if !caller.Can(models.CapApproveLoans) {
		return nil, apperrors.Forbidden("denying requests requires staff rights")
	}
	var out *models.Transaction
	err := e.retry(ctx, "deny", func(ctx context.Context) error {
		t, err := e.findTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if t.Status != models.LoanPending {
			return apperrors.Conflict(apperrors.ReasonWrongState, "transaction is %s, not Pending", t.Status)
		}
		t.Status = models.LoanDenied
		t.DecisionNote = strings.TrimSpace(reason)
		if err := e.loans.UpdateTransaction(ctx, t, models.LoanPending); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	msg := "Your equipment request was denied."
	if out.DecisionNote != "" {
		msg = "Your equipment request was denied: " + out.DecisionNote
	}
	e.record(ctx, models.AuditLoanDenied, caller.ID, fmt.Sprintf("transaction %s denied: %s", out.ID, out.DecisionNote))
	e.tell(ctx, out.UserID, "Request denied", msg, models.SeverityError, out.ID)
	return out, nil
}

// RequestReturn flags the caller's own loan for staff check-in.
func (e *Engine) RequestReturn(ctx context.Context, caller *models.User, txID string) (*models.Transaction, error) {
	var out *models.Transaction
	err := e.retry(ctx, "request return", func(ctx context.Context) error {
		t, err := e.findTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if t.UserID != caller.ID {
			return apperrors.Forbidden("only the borrower can request a return")
		}
		if t.Status != models.LoanCheckedOut && t.Status != models.LoanOverdue {
			return apperrors.Conflict(apperrors.ReasonWrongState, "transaction is %s", t.Status)
		}
		prev := t.Status
		t.Status = models.LoanPendingReturn
		if err := e.loans.UpdateTransaction(ctx, t, prev); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.record(ctx, models.AuditReturnRequested, caller.ID, fmt.Sprintf("transaction %s", out.ID))
	e.escalate(ctx, models.CapCheckin, "Return requested",
		fmt.Sprintf("%s wants to return equipment (transaction %s).", caller.FullName, out.ID), models.SeverityInfo, out.ID)
	return out, nil
}
