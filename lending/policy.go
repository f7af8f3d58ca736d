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
)

type Verdict int

const (
	Allow Verdict = iota
	ForcePending
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case ForcePending:
		return "force-pending"
	case Deny:
		return "deny"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

type Decision struct {
	Verdict Verdict
	Reason  apperrors.Reason
	// Note is appended to the purpose on ForcePending and shown to the caller on Deny.
	Note string
}

// LoanContext is what a predicate may look at. It must not be modified.
type LoanContext struct {
	Caller      *models.User
	Borrower    *models.User
	Unit        *models.Equipment
	Window      Window
	Destination string
	Purpose     string
	Policy      models.LendingPolicy
}

// Predicate is one pluggable rule, evaluated after the base checks.
type Predicate interface {
	Name() string
	Evaluate(ctx context.Context, lc *LoanContext) (Decision, error)
}

func DefaultPredicates(rooms ClassroomFinder) []Predicate {
	if rooms == nil {
		return []Predicate{}
	}
	return []Predicate{RoomScreenPolicy{Rooms: rooms}}
}

// RoomScreenPolicy sends a projector headed for a room that already has a
// fixed screen to staff review.
type RoomScreenPolicy struct {
	Rooms ClassroomFinder
}

func (RoomScreenPolicy) Name() string { return "room-screen" }

func (p RoomScreenPolicy) Evaluate(ctx context.Context, lc *LoanContext) (Decision, error) {
	if lc.Unit.Category != models.CategoryProjector || strings.TrimSpace(lc.Destination) == "" {
		return Decision{Verdict: Allow}, nil
	}
	room, err := p.Rooms.FindClassroomByName(ctx, lc.Destination)
	if errors.Is(err, db.ErrNotFound) {
		return Decision{Verdict: Allow}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	if !room.HasScreen {
		return Decision{Verdict: Allow}, nil
	}
	return Decision{
		Verdict: ForcePending,
		Reason:  apperrors.ReasonRoomPolicy,
		Note:    fmt.Sprintf("[Policy: %s already has a fixed screen; staff review required]", room.Name),
	}, nil
}

// evaluate runs the predicates in order. The first Deny wins; ForcePending
// notes accumulate.
func (e *Engine) evaluate(ctx context.Context, lc *LoanContext) (Decision, error) {
	out := Decision{Verdict: Allow}
	var notes []string
	for _, p := range e.predicates {
		d, err := p.Evaluate(ctx, lc)
		if err != nil {
			return Decision{}, apperrors.Infra(err, "policy "+p.Name())
		}
		switch d.Verdict {
		case Deny:
			return d, nil
		case ForcePending:
			out.Verdict = ForcePending
			out.Reason = d.Reason
			if d.Note != "" {
				notes = append(notes, d.Note)
			}
		}
	}
	out.Note = strings.Join(notes, " ")
	return out, nil
}

func checkScore(u *models.User) error {
	if u.ResponsibilityScore < MinScore {
		return apperrors.Policy(apperrors.ReasonLowScore,
			"responsibility score %d is below the required %d", u.ResponsibilityScore, MinScore)
	}
	return nil
}

func checkDuration(w Window, p models.LendingPolicy) error {
	if w.Duration() > p.MaxLoanDuration() {
		return apperrors.Policy(apperrors.ReasonDurationPolicy,
			"requested %s exceeds the %d hour limit", w.Duration().Round(time.Second), p.MaxLoanHours)
	}
	return nil
}
