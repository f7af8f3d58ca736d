package lending

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"equipment_lending/apperrors"
	"equipment_lending/db"
	"equipment_lending/models"

	"go.uber.org/zap"
)

type CheckinRequest struct {
	TransactionID string
	// UserID and EquipmentID locate the open loan when TransactionID is empty.
	UserID      string
	EquipmentID string
	Condition   models.Condition
	Note        string
}

type CheckinResult struct {
	Transaction *models.Transaction `json:"transaction"`
	Late        bool                `json:"late"`
	DaysLate    int                 `json:"daysLate"`
	ScoreDelta  int                 `json:"scoreDelta"`
	NewScore    int                 `json:"newScore"`
}

// DaysLate rounds the lateness up to whole days. Zero means on time.
func DaysLate(due, returned time.Time) int {
	if !returned.After(due) {
		return 0
	}
	return int(math.Ceil(returned.Sub(due).Hours() / 24))
}

// Checkin closes an open loan, releases the unit and settles the score.
// The transaction flip to Returned is the serialization point: whoever wins
// it is the only caller that touches the unit and the score.
func (e *Engine) Checkin(ctx context.Context, caller *models.User, req CheckinRequest) (*CheckinResult, error) {
	if !caller.Can(models.CapCheckin) {
		return nil, apperrors.Forbidden("check-in requires staff rights")
	}
	if req.Condition != "" && !req.Condition.Valid() {
		return nil, apperrors.Validation("unknown condition %q", req.Condition)
	}
	if req.TransactionID == "" && (req.UserID == "" || req.EquipmentID == "") {
		return nil, apperrors.Validation("transactionId or userId and equipmentId are required")
	}

	var res *CheckinResult
	err := e.retry(ctx, "checkin", func(ctx context.Context) error {
		r, err := e.checkinOnce(ctx, req)
		res = r
		return err
	})
	if err != nil {
		return nil, err
	}

	t := res.Transaction
	detail := fmt.Sprintf("transaction %s returned in %s condition", t.ID, t.ReturnCondition)
	if res.Late {
		detail += fmt.Sprintf(", %d day(s) late, score %+d to %d", res.DaysLate, res.ScoreDelta, res.NewScore)
	}
	e.record(ctx, models.AuditLoanReturned, caller.ID, detail)
	if res.Late {
		e.tell(ctx, t.UserID, "Late return",
			fmt.Sprintf("Returned %d day(s) late. Your responsibility score is now %d.", res.DaysLate, res.NewScore),
			models.SeverityWarning, t.ID)
	} else {
		e.tell(ctx, t.UserID, "Return confirmed",
			fmt.Sprintf("Thanks for returning on time. Your responsibility score is now %d.", res.NewScore),
			models.SeveritySuccess, t.ID)
	}
	return res, nil
}

func (e *Engine) openLoanFor(ctx context.Context, req CheckinRequest) (*models.Transaction, error) {
	if req.TransactionID != "" {
		t, err := e.findTransaction(ctx, req.TransactionID)
		if err != nil {
			return nil, err
		}
		if !t.Status.In(models.CheckinStatuses) {
			return nil, apperrors.Conflict(apperrors.ReasonNoOpenLoan, "transaction is %s", t.Status)
		}
		return t, nil
	}
	ts, err := e.loans.ListTransactions(ctx, db.TransactionFilter{
		UserID: req.UserID, EquipmentID: req.EquipmentID, Statuses: models.CheckinStatuses,
	})
	if err != nil {
		return nil, apperrors.Infra(err, "find open loan")
	}
	if len(ts) == 0 {
		return nil, apperrors.Conflict(apperrors.ReasonNoOpenLoan, "no open loan for this user and unit")
	}
	return &ts[0], nil
}

func (e *Engine) checkinOnce(ctx context.Context, req CheckinRequest) (*CheckinResult, error) {
	policy, err := e.loadPolicy(ctx)
	if err != nil {
		return nil, err
	}
	t, err := e.openLoanFor(ctx, req)
	if err != nil {
		return nil, err
	}
	unit, err := e.assets.FindEquipment(ctx, t.EquipmentID)
	if err != nil {
		return nil, err
	}
	cond := req.Condition
	if cond == "" {
		cond = unit.Condition
	}

	now := e.clock.Now()
	before := *t
	t.Status = models.LoanReturned
	t.ReturnTime = &now
	t.ReturnCondition = cond
	if req.Note != "" {
		t.DecisionNote = req.Note
	}
	if err := e.loans.UpdateTransaction(ctx, t, before.Status); err != nil {
		return nil, err
	}
	bg := context.WithoutCancel(ctx)
	reopen := func() {
		e.compensate("reopen transaction", func() error {
			return e.loans.UpdateTransaction(bg, &before, models.LoanReturned)
		})
	}

	target := models.UnitAvailable
	if cond == models.ConditionDamaged {
		target = models.UnitDamaged
	}
	released := true
	err = e.assets.TransitionUnitStatus(ctx, unit.ID, models.UnitCheckedOut, target)
	switch {
	case errors.Is(err, db.ErrStale):
		// staff moved the unit by hand (Lost, Maintenance); keep their status
		released = false
		e.log.Warn("unit not CheckedOut at checkin", zap.String("unit", unit.ID), zap.String("transaction", t.ID))
	case err != nil:
		reopen()
		return nil, apperrors.Infra(err, "release unit")
	}
	unrelease := func() {
		if released {
			e.compensate("reclaim unit", func() error {
				return e.assets.TransitionUnitStatus(bg, unit.ID, target, models.UnitCheckedOut)
			})
		}
	}
	if err := e.assets.SetUnitCondition(ctx, unit.ID, cond); err != nil {
		unrelease()
		reopen()
		return nil, apperrors.Infra(err, "update unit condition")
	}
	restoreCondition := func() {
		e.compensate("restore condition", func() error {
			return e.assets.SetUnitCondition(bg, unit.ID, unit.Condition)
		})
	}

	res := &CheckinResult{Transaction: t}
	res.DaysLate = DaysLate(before.ExpectedReturnTime, now)
	res.Late = res.DaysLate > 0
	delta := onTimeBonus
	if res.Late {
		delta = -res.DaysLate * policy.LatePenaltyPerDay
	}
	prev, next, err := e.adjustScore(ctx, t.UserID, delta)
	if err != nil {
		restoreCondition()
		unrelease()
		reopen()
		if errors.Is(err, db.ErrStale) {
			return nil, apperrors.Conflict(apperrors.ReasonTransient, "score update raced, please retry")
		}
		return nil, apperrors.Infra(err, "update score")
	}
	res.ScoreDelta = next - prev
	res.NewScore = next
	return res, nil
}
