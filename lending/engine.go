// Package lending is the loan lifecycle: the reservation conflict checker,
// the transaction state machine and the primitives the scheduled sweeps use.
//
// There are no multi-row transactions here. Every write is a compare-and-set
// against the stores, and multi-write operations undo their earlier writes
// when a later one fails.
package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"equipment_lending/apperrors"
	"equipment_lending/clock"
	"equipment_lending/db"
	"equipment_lending/models"

	"go.uber.org/zap"
)

// AssetRegistry holds equipment units and their status.
type AssetRegistry interface {
	CreateEquipment(ctx context.Context, e *models.Equipment) error
	FindEquipment(ctx context.Context, id string) (*models.Equipment, error)
	FindEquipmentByTag(ctx context.Context, tag string) (*models.Equipment, error)
	ListTrackedEquipment(ctx context.Context) ([]models.Equipment, error)
	ListEquipmentByStatus(ctx context.Context, s models.UnitStatus) ([]models.Equipment, error)
	TransitionUnitStatus(ctx context.Context, id string, from, to models.UnitStatus) error
	SetUnitCondition(ctx context.Context, id string, c models.Condition) error
	BumpBookingSeq(ctx context.Context, id string, seen int64) error
	TransitionTrackingStatus(ctx context.Context, id string, from, to models.TrackingStatus) error
	RecordHeartbeat(ctx context.Context, id string, hb db.Heartbeat) error
	SoftRemoveEquipment(ctx context.Context, id string, at time.Time) error
}

// LoanStore is the transaction ledger.
type LoanStore interface {
	CreateTransaction(ctx context.Context, t *models.Transaction) error
	FindTransaction(ctx context.Context, id string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, f db.TransactionFilter) ([]models.Transaction, error)
	UpdateTransaction(ctx context.Context, t *models.Transaction, expected models.LoanStatus) error
	MarkTransactionOverdue(ctx context.Context, id string, from, to models.LoanStatus, at time.Time) error
	DeleteTransaction(ctx context.Context, id string) error
}

type UserStore interface {
	FindUserByID(ctx context.Context, id string) (*models.User, error)
	CompareAndSetScore(ctx context.Context, userID string, prev, next int) error
}

type PolicySource interface {
	Policy(ctx context.Context) (models.LendingPolicy, error)
}

type ClassroomFinder interface {
	FindClassroomByName(ctx context.Context, name string) (*models.Classroom, error)
}

// Auditor appends to the audit log. Failures are logged, never returned to callers.
type Auditor interface {
	AppendAudit(ctx context.Context, action, actorID, detail string) error
}

// Notifier is fire-and-forget.
type Notifier interface {
	Send(ctx context.Context, userID, title, message string, sev models.Severity, relatedID string)
	Escalate(ctx context.Context, c models.Capability, title, message string, sev models.Severity, relatedID string)
}

type Deps struct {
	Assets   AssetRegistry
	Loans    LoanStore
	Users    UserStore
	Policy   PolicySource
	Rooms    ClassroomFinder
	Audit    Auditor
	Notify   Notifier
	Clock    clock.Clock
	Log      *zap.Logger
	Policies []Predicate // nil means DefaultPredicates
}

type Engine struct {
	assets     AssetRegistry
	loans      LoanStore
	users      UserStore
	policy     PolicySource
	audit      Auditor
	notify     Notifier
	clock      clock.Clock
	log        *zap.Logger
	predicates []Predicate
}

const (
	// MinScore is the responsibility score a borrower needs to take a unit.
	MinScore = 60
	// DefaultReservation is the window used when only a start is given.
	DefaultReservation = 2 * time.Hour
	// approvalFloor replaces a non-positive requested duration on approval.
	approvalFloor = 2 * time.Hour
	// ProvisionalTTL is how long a saga may leave a Provisional record (or a
	// released unit still marked CheckedOut) behind before repair steps in.
	ProvisionalTTL = 10 * time.Minute
	onTimeBonus    = 2
	scoreAttempts  = 5
)

func NewEngine(d Deps) *Engine {
	e := &Engine{
		assets:     d.Assets,
		loans:      d.Loans,
		users:      d.Users,
		policy:     d.Policy,
		audit:      d.Audit,
		notify:     d.Notify,
		clock:      d.Clock,
		log:        d.Log,
		predicates: d.Policies,
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.predicates == nil {
		e.predicates = DefaultPredicates(d.Rooms)
	}
	return e
}

func (e *Engine) Now() time.Time { return e.clock.Now() }

func (e *Engine) loadPolicy(ctx context.Context) (models.LendingPolicy, error) {
	p, err := e.policy.Policy(ctx)
	if err != nil {
		return models.LendingPolicy{}, apperrors.Infra(err, "load lending policy")
	}
	return p, nil
}

// retry runs attempt, and once more with fresh reads if it lost a
// compare-and-set. A second loss is reported as transient.
func (e *Engine) retry(ctx context.Context, op string, attempt func(ctx context.Context) error) error {
	err := attempt(ctx)
	if !errors.Is(err, db.ErrStale) {
		return e.surface(op, err)
	}
	e.log.Debug("lost compare-and-set, retrying", zap.String("op", op), zap.Error(err))
	err = attempt(ctx)
	if errors.Is(err, db.ErrStale) {
		e.log.Info("lost compare-and-set twice", zap.String("op", op))
		return apperrors.Conflict(apperrors.ReasonTransient, "%s raced with another update, please retry", op)
	}
	return e.surface(op, err)
}

// surface turns leftover store errors into the public taxonomy.
func (e *Engine) surface(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		if ae.Kind == apperrors.KindInfrastructure {
			e.log.Error("operation failed", zap.String("op", op), zap.Error(err))
		}
		return err
	}
	if errors.Is(err, db.ErrNotFound) {
		return apperrors.NotFound("%s: record not found", op)
	}
	e.log.Error("operation failed", zap.String("op", op), zap.Error(err))
	return apperrors.Infra(err, op)
}

func (e *Engine) findUnit(ctx context.Context, id string) (*models.Equipment, error) {
	u, err := e.assets.FindEquipment(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperrors.NotFound("equipment %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Infra(err, "load equipment")
	}
	if u.RemovedAt != nil {
		return nil, apperrors.NotFound("equipment %s has been removed", id)
	}
	return u, nil
}

func (e *Engine) findUser(ctx context.Context, id string) (*models.User, error) {
	u, err := e.users.FindUserByID(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperrors.NotFound("user %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Infra(err, "load user")
	}
	return u, nil
}

func (e *Engine) findTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	t, err := e.loans.FindTransaction(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperrors.NotFound("transaction %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Infra(err, "load transaction")
	}
	return t, nil
}

// adjustScore applies delta with a read-CAS loop so concurrent penalties
// are never lost. The result is clamped to [0,100].
func (e *Engine) adjustScore(ctx context.Context, userID string, delta int) (prev, next int, err error) {
	for i := 0; i < scoreAttempts; i++ {
		u, err := e.users.FindUserByID(ctx, userID)
		if err != nil {
			return 0, 0, err
		}
		prev = u.ResponsibilityScore
		next = models.ClampScore(prev + delta)
		err = e.users.CompareAndSetScore(ctx, userID, prev, next)
		if err == nil {
			return prev, next, nil
		}
		if !errors.Is(err, db.ErrStale) {
			return 0, 0, err
		}
	}
	return 0, 0, fmt.Errorf("score for %s kept changing: %w", userID, db.ErrStale)
}

// restoreScore undoes adjustScore by the exact amount it moved the score.
func (e *Engine) restoreScore(ctx context.Context, userID string, prev, next int) {
	if _, _, err := e.adjustScore(ctx, userID, prev-next); err != nil {
		e.log.Error("score compensation failed", zap.String("user", userID), zap.Int("delta", prev-next), zap.Error(err))
	}
}

func (e *Engine) record(ctx context.Context, action, actorID, detail string) {
	if e.audit == nil {
		return
	}
	if err := e.audit.AppendAudit(context.WithoutCancel(ctx), action, actorID, detail); err != nil {
		e.log.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}

func (e *Engine) tell(ctx context.Context, userID, title, message string, sev models.Severity, relatedID string) {
	if e.notify == nil {
		return
	}
	e.notify.Send(ctx, userID, title, message, sev, relatedID)
}

func (e *Engine) escalate(ctx context.Context, c models.Capability, title, message string, sev models.Severity, relatedID string) {
	if e.notify == nil {
		return
	}
	e.notify.Escalate(ctx, c, title, message, sev, relatedID)
}

// compensate runs an undo step and logs when it fails. The Provisional
// repair sweep picks up what is left.
func (e *Engine) compensate(what string, undo func() error) {
	if err := undo(); err != nil {
		e.log.Error("compensation failed", zap.String("step", what), zap.Error(err))
	}
}

// hold parks an existing record as Provisional ahead of a unit claim, so a
// saga that dies half way leaves something the repair sweep can find. The
// returned undo puts the record back as it was.
func (e *Engine) hold(ctx context.Context, t *models.Transaction, now time.Time) (func(), error) {
	prior := *t
	t.Status = models.LoanProvisional
	t.ProvisionalFrom = prior.Status
	t.ProvisionalSince = &now
	if err := e.loans.UpdateTransaction(ctx, t, prior.Status); err != nil {
		*t = prior
		if errors.Is(err, db.ErrDuplicate) {
			return nil, apperrors.Conflict(apperrors.ReasonUnavailable, "unit is already handed out")
		}
		return nil, err
	}
	return func() {
		e.compensate("restore "+string(prior.Status), func() error {
			return e.loans.UpdateTransaction(context.WithoutCancel(ctx), &prior, models.LoanProvisional)
		})
	}, nil
}
