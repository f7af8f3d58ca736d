package lending

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"equipment_lending/apperrors"
	"equipment_lending/db"
	"equipment_lending/models"

	"github.com/google/uuid"
)

// RegisterUnit adds a new unit to the registry in the Available state.
func (e *Engine) RegisterUnit(ctx context.Context, caller *models.User, u *models.Equipment) (*models.Equipment, error) {
	if !caller.Can(models.CapManageEquipment) {
		return nil, apperrors.Forbidden("registering equipment requires equipment rights")
	}
	u.Serial = strings.TrimSpace(u.Serial)
	u.Name = strings.TrimSpace(u.Name)
	if u.Serial == "" || u.Name == "" || u.Category == "" {
		return nil, apperrors.Validation("serial, name and category are required")
	}
	if u.Condition != "" && !u.Condition.Valid() {
		return nil, apperrors.Validation("unknown condition %q", u.Condition)
	}
	if u.TrackingTag != nil && strings.TrimSpace(*u.TrackingTag) == "" {
		u.TrackingTag = nil
	}
	u.ID = uuid.NewString()
	u.Status = models.UnitAvailable
	u.TrackingStatus = models.TrackingUnknown
	u.AddedBy = caller.ID
	u.RemovedAt = nil
	if err := e.assets.CreateEquipment(ctx, u); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, apperrors.Conflict(apperrors.ReasonDuplicate, "serial %s or its tracking tag is already registered", u.Serial)
		}
		return nil, e.surface("register unit", err)
	}
	return u, nil
}

// ChangeUnitStatus is the manual override for staff (repairs, write-offs).
// CheckedOut is reserved to the loan flow, and a unit somebody holds can
// only come back through check-in.
func (e *Engine) ChangeUnitStatus(ctx context.Context, caller *models.User, unitID string, from, to models.UnitStatus) (*models.Equipment, error) {
	if !caller.Can(models.CapManageEquipment) {
		return nil, apperrors.Forbidden("changing unit status requires equipment rights")
	}
	if !from.Valid() || !to.Valid() {
		return nil, apperrors.Validation("unknown unit status")
	}
	if to == models.UnitCheckedOut {
		return nil, apperrors.Validation("units are checked out through loans only")
	}
	if from == to {
		return nil, apperrors.Validation("status is unchanged")
	}
	unit, err := e.findUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if from == models.UnitCheckedOut && to == models.UnitAvailable {
		held, err := e.loans.ListTransactions(ctx, db.TransactionFilter{EquipmentID: unit.ID, Statuses: models.PossessionStatuses})
		if err != nil {
			return nil, apperrors.Infra(err, "check holders")
		}
		if len(held) > 0 {
			return nil, apperrors.Conflict(apperrors.ReasonWrongState, "unit is on loan; check it in instead")
		}
	}
	if err := e.assets.TransitionUnitStatus(ctx, unit.ID, from, to); err != nil {
		if errors.Is(err, db.ErrStale) {
			return nil, apperrors.Conflict(apperrors.ReasonWrongState, "unit is no longer %s", from)
		}
		return nil, e.surface("change unit status", err)
	}
	unit.Status = to
	e.record(ctx, models.AuditUnitStatus, caller.ID, fmt.Sprintf("%s: %s -> %s", unit.Serial, from, to))
	return unit, nil
}

// RemoveUnit soft-removes a unit nobody holds, requests or has booked.
func (e *Engine) RemoveUnit(ctx context.Context, caller *models.User, unitID string) error {
	if !caller.Can(models.CapManageEquipment) {
		return apperrors.Forbidden("removing equipment requires equipment rights")
	}
	unit, err := e.findUnit(ctx, unitID)
	if err != nil {
		return err
	}
	open, err := e.loans.ListTransactions(ctx, db.TransactionFilter{
		EquipmentID: unit.ID,
		Statuses:    append([]models.LoanStatus{models.LoanPending}, models.OccupyingStatuses...),
	})
	if err != nil {
		return apperrors.Infra(err, "check open transactions")
	}
	if len(open) > 0 {
		return apperrors.Conflict(apperrors.ReasonWrongState, "unit still has %d open transaction(s)", len(open))
	}
	if err := e.assets.SoftRemoveEquipment(ctx, unit.ID, e.clock.Now()); err != nil {
		if errors.Is(err, db.ErrStale) {
			return apperrors.NotFound("equipment %s has been removed", unit.ID)
		}
		return e.surface("remove unit", err)
	}
	e.record(ctx, models.AuditUnitStatus, caller.ID, fmt.Sprintf("%s removed from the registry", unit.Serial))
	return nil
}
