package lending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"equipment_lending/apperrors"
	"equipment_lending/db"
	"equipment_lending/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaffCheckoutAndOnTimeReturn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tx := f.checkout(t, 2*time.Hour)
	assert.Equal(t, models.LoanCheckedOut, tx.Status)
	require.NotNil(t, tx.CheckoutTime)
	assert.Equal(t, models.UnitCheckedOut, f.reloadUnit(t, f.unit.ID).Status)

	f.clk.Advance(time.Hour)
	res, err := f.eng.Checkin(ctx, f.staff, CheckinRequest{TransactionID: tx.ID, Condition: models.ConditionGood})
	require.NoError(t, err)
	assert.False(t, res.Late)
	assert.Equal(t, 100, res.NewScore)
	assert.Equal(t, 0, res.ScoreDelta)

	got := f.reloadTx(t, tx.ID)
	assert.Equal(t, models.LoanReturned, got.Status)
	require.NotNil(t, got.ReturnTime)
	assert.Equal(t, models.UnitAvailable, f.reloadUnit(t, f.unit.ID).Status)
	assert.Equal(t, 100, f.reloadUser(t, f.student.ID).ResponsibilityScore)
}

func TestLateReturnPenalizesRoundedUpDays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setScore(t, f.student, 100)

	tx := f.checkout(t, 2*time.Hour)
	f.clk.Advance(2*time.Hour + 26*time.Hour)

	res, err := f.eng.Checkin(ctx, f.staff, CheckinRequest{UserID: f.student.ID, EquipmentID: f.unit.ID, Condition: models.ConditionFair})
	require.NoError(t, err)
	assert.Equal(t, tx.ID, res.Transaction.ID)
	assert.True(t, res.Late)
	assert.Equal(t, 2, res.DaysLate)
	assert.Equal(t, 90, res.NewScore)
	assert.Equal(t, 90, f.reloadUser(t, f.student.ID).ResponsibilityScore)
	assert.Equal(t, models.ConditionFair, f.reloadUnit(t, f.unit.ID).Condition)
}

func TestOnTimeReturnAddsBonusBelowCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setScore(t, f.student, 80)

	tx := f.checkout(t, 4*time.Hour)
	res, err := f.eng.Checkin(ctx, f.staff, CheckinRequest{TransactionID: tx.ID})
	require.NoError(t, err)
	assert.Equal(t, 82, res.NewScore)
	assert.Equal(t, 2, res.ScoreDelta)
}

func TestCheckinTwiceScoresOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setScore(t, f.student, 70)
	tx := f.checkout(t, time.Hour)

	_, err := f.eng.Checkin(ctx, f.staff, CheckinRequest{TransactionID: tx.ID})
	require.NoError(t, err)
	_, err = f.eng.Checkin(ctx, f.staff, CheckinRequest{TransactionID: tx.ID})
	requireReason(t, err, apperrors.KindStateConflict, apperrors.ReasonNoOpenLoan)

	assert.Equal(t, 72, f.reloadUser(t, f.student.ID).ResponsibilityScore)
}

func TestDamagedReturnMovesUnitToDamaged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.checkout(t, time.Hour)

	_, err := f.eng.Checkin(ctx, f.staff, CheckinRequest{TransactionID: tx.ID, Condition: models.ConditionDamaged})
	require.NoError(t, err)
	u := f.reloadUnit(t, f.unit.ID)
	assert.Equal(t, models.UnitDamaged, u.Status)
	assert.Equal(t, models.ConditionDamaged, u.Condition)
}

func TestLowScoreIsRejectedWithoutWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setScore(t, f.student, 55)

	_, err := f.eng.SubmitLoan(ctx, f.student, LoanRequest{
		EquipmentID: f.unit.ID, End: f.clk.Now().Add(2 * time.Hour), Destination: "Lab", Purpose: "Project",
	})
	requireReason(t, err, apperrors.KindPolicyDenied, apperrors.ReasonLowScore)

	ts, err := f.repo.ListTransactions(ctx, db.TransactionFilter{EquipmentID: f.unit.ID})
	require.NoError(t, err)
	assert.Empty(t, ts)
	assert.Equal(t, models.UnitAvailable, f.reloadUnit(t, f.unit.ID).Status)
}

func TestDurationPolicy(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.SubmitLoan(context.Background(), f.student, LoanRequest{
		EquipmentID: f.unit.ID, End: f.clk.Now().Add(25 * time.Hour), Destination: "Lab", Purpose: "Project",
	})
	requireReason(t, err, apperrors.KindPolicyDenied, apperrors.ReasonDurationPolicy)
}

func TestSubmitRejectsFutureStart(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.SubmitLoan(context.Background(), f.student, LoanRequest{
		EquipmentID: f.unit.ID, Start: f.clk.Now().Add(3 * time.Hour), End: f.clk.Now().Add(5 * time.Hour),
		Destination: "Lab", Purpose: "Project",
	})
	requireReason(t, err, apperrors.KindValidation, "")
}

func TestStudentCannotActOnBehalf(t *testing.T) {
	f := newFixture(t)
	other := f.user(t, models.RoleStudent)
	_, err := f.eng.SubmitLoan(context.Background(), f.student, LoanRequest{
		TargetUserID: other.ID, EquipmentID: f.unit.ID, End: f.clk.Now().Add(time.Hour), Destination: "Lab", Purpose: "x",
	})
	requireReason(t, err, apperrors.KindForbidden, apperrors.ReasonForbidden)
}

func TestStudentRequestApprovePreservesDuration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req, err := f.eng.SubmitLoan(ctx, f.student, LoanRequest{
		EquipmentID: f.unit.ID, End: f.clk.Now().Add(3 * time.Hour), Destination: "Lab 2", Purpose: "Robotics",
	})
	require.NoError(t, err)
	assert.Equal(t, models.LoanPending, req.Status)
	assert.Equal(t, models.UnitAvailable, f.reloadUnit(t, f.unit.ID).Status)
	assert.Contains(t, f.notes.titles(), "New equipment request")

	_, err = f.eng.SubmitLoan(ctx, f.student, LoanRequest{
		EquipmentID: f.unit.ID, End: f.clk.Now().Add(time.Hour), Destination: "Lab 2", Purpose: "again",
	})
	requireReason(t, err, apperrors.KindStateConflict, apperrors.ReasonDuplicateRequest)

	_, err = f.eng.Approve(ctx, f.student, req.ID, "")
	requireReason(t, err, apperrors.KindForbidden, "")

	f.clk.Advance(30 * time.Minute)
	approved, err := f.eng.Approve(ctx, f.staff, req.ID, "ok")
	require.NoError(t, err)
	assert.Equal(t, models.LoanCheckedOut, approved.Status)
	require.NotNil(t, approved.CheckoutTime)
	assert.True(t, approved.CheckoutTime.Equal(f.clk.Now()))
	assert.WithinDuration(t, f.clk.Now().Add(3*time.Hour), approved.ExpectedReturnTime, time.Millisecond)
	assert.Equal(t, models.UnitCheckedOut, f.reloadUnit(t, f.unit.ID).Status)

	_, err = f.eng.Approve(ctx, f.staff, req.ID, "")
	requireReason(t, err, apperrors.KindStateConflict, apperrors.ReasonWrongState)
}

func TestDenyLeavesUnitAvailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req, err := f.eng.SubmitLoan(ctx, f.student, LoanRequest{
		EquipmentID: f.unit.ID, End: f.clk.Now().Add(time.Hour), Destination: "Lab", Purpose: "Demo",
	})
	require.NoError(t, err)

	denied, err := f.eng.Deny(ctx, f.staff, req.ID, "needed for exams")
	require.NoError(t, err)
	assert.Equal(t, models.LoanDenied, denied.Status)
	assert.Equal(t, "needed for exams", f.reloadTx(t, req.ID).DecisionNote)
	assert.Equal(t, models.UnitAvailable, f.reloadUnit(t, f.unit.ID).Status)

	_, err = f.eng.Deny(ctx, f.staff, req.ID, "")
	requireReason(t, err, apperrors.KindStateConflict, apperrors.ReasonWrongState)

	// a denied request no longer blocks a new one
	_, err = f.eng.SubmitLoan(ctx, f.student, LoanRequest{
		EquipmentID: f.unit.ID, End: f.clk.Now().Add(time.Hour), Destination: "Lab", Purpose: "Demo",
	})
	require.NoError(t, err)
}

func TestRequestReturnOwnerOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.checkout(t, time.Hour)
	other := f.user(t, models.RoleStudent)

	_, err := f.eng.RequestReturn(ctx, other, tx.ID)
	requireReason(t, err, apperrors.KindForbidden, "")

	got, err := f.eng.RequestReturn(ctx, f.student, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanPendingReturn, got.Status)
	assert.Equal(t, models.UnitCheckedOut, f.reloadUnit(t, f.unit.ID).Status)

	_, err = f.eng.RequestReturn(ctx, f.student, tx.ID)
	requireReason(t, err, apperrors.KindStateConflict, apperrors.ReasonWrongState)

	res, err := f.eng.Checkin(ctx, f.staff, CheckinRequest{TransactionID: tx.ID})
	require.NoError(t, err)
	assert.Equal(t, models.LoanReturned, res.Transaction.Status)
}

func TestSecondCheckoutOfSameUnitIsUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.checkout(t, time.Hour)

	_, err := f.eng.SubmitLoan(ctx, f.staff, LoanRequest{
		EquipmentID: f.unit.ID, End: f.clk.Now().Add(time.Hour), Destination: "Hall", Purpose: "Event",
	})
	requireReason(t, err, apperrors.KindStateConflict, apperrors.ReasonUnavailable)
}

func TestConcurrentCheckoutsClaimOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		kinds []apperrors.Kind
	)
	for i := 0; i < n; i++ {
		borrower := f.user(t, models.RoleStudent)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.eng.SubmitLoan(ctx, f.staff, LoanRequest{
				TargetUserID: borrower.ID, EquipmentID: f.unit.ID, End: f.clk.Now().Add(time.Hour),
				Destination: "Hall", Purpose: "Event",
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			kinds = append(kinds, apperrors.KindOf(err))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	for _, k := range kinds {
		assert.Equal(t, apperrors.KindStateConflict, k)
	}
	held, err := f.repo.ListTransactions(ctx, db.TransactionFilter{EquipmentID: f.unit.ID, Statuses: models.PossessionStatuses})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, models.LoanCheckedOut, held[0].Status)
	assert.Equal(t, models.UnitCheckedOut, f.reloadUnit(t, f.unit.ID).Status)
}

func TestConcurrentApprovalsClaimOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 6
	reqs := make([]*models.Transaction, 0, n)
	for i := 0; i < n; i++ {
		borrower := f.user(t, models.RoleStudent)
		req, err := f.eng.SubmitLoan(ctx, borrower, LoanRequest{
			EquipmentID: f.unit.ID, End: f.clk.Now().Add(time.Hour), Destination: "Hall", Purpose: "Event",
		})
		require.NoError(t, err)
		require.Equal(t, models.LoanPending, req.Status)
		reqs = append(reqs, req)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner string
		wins   int
		kinds  []apperrors.Kind
	)
	for _, req := range reqs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.eng.Approve(ctx, f.staff, id, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				winner = id
				return
			}
			kinds = append(kinds, apperrors.KindOf(err))
		}(req.ID)
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Len(t, kinds, n-1)
	for _, k := range kinds {
		assert.Equal(t, apperrors.KindStateConflict, k)
	}
	held, err := f.repo.ListTransactions(ctx, db.TransactionFilter{EquipmentID: f.unit.ID, Statuses: models.PossessionStatuses})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, winner, held[0].ID)
	assert.Equal(t, models.LoanCheckedOut, held[0].Status)
	for _, req := range reqs {
		if req.ID != winner {
			assert.Equal(t, models.LoanPending, f.reloadTx(t, req.ID).Status)
		}
	}
	assert.Equal(t, models.UnitCheckedOut, f.reloadUnit(t, f.unit.ID).Status)
}

func TestCheckoutRollsBackWhenUnitClaimFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	eng := f.engine(&flakyAssets{Repo: f.repo, failTransition: errors.New("connection reset")})

	_, err := eng.SubmitLoan(ctx, f.staff, LoanRequest{
		TargetUserID: f.student.ID, EquipmentID: f.unit.ID, End: f.clk.Now().Add(time.Hour),
		Destination: "Hall", Purpose: "Event",
	})
	requireReason(t, err, apperrors.KindInfrastructure, "")
	assert.NotContains(t, apperrors.PublicMessage(err), "connection reset")

	ts, err := f.repo.ListTransactions(ctx, db.TransactionFilter{EquipmentID: f.unit.ID})
	require.NoError(t, err)
	assert.Empty(t, ts)
	assert.Equal(t, models.UnitAvailable, f.reloadUnit(t, f.unit.ID).Status)
}

func TestCheckinCompensatesWhenScoreWriteFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.checkout(t, time.Hour)

	eng := NewEngine(Deps{
		Assets: f.repo, Loans: f.repo, Users: &flakyScores{Repo: f.repo, err: errors.New("disk full")},
		Policy: f.repo, Rooms: f.repo, Audit: f.repo, Notify: f.notes, Clock: f.clk,
	})
	_, err := eng.Checkin(ctx, f.staff, CheckinRequest{TransactionID: tx.ID, Condition: models.ConditionPoor})
	requireReason(t, err, apperrors.KindInfrastructure, "")

	got := f.reloadTx(t, tx.ID)
	assert.Equal(t, models.LoanCheckedOut, got.Status)
	assert.Nil(t, got.ReturnTime)
	u := f.reloadUnit(t, f.unit.ID)
	assert.Equal(t, models.UnitCheckedOut, u.Status)
	assert.Equal(t, models.ConditionGood, u.Condition)
	assert.Equal(t, 100, f.reloadUser(t, f.student.ID).ResponsibilityScore)
}

func TestCheckinKeepsManualUnitStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.checkout(t, time.Hour)
	admin := f.user(t, models.RoleAdmin)

	_, err := f.eng.ChangeUnitStatus(ctx, admin, f.unit.ID, models.UnitCheckedOut, models.UnitLost)
	require.NoError(t, err)

	_, err = f.eng.Checkin(ctx, f.staff, CheckinRequest{TransactionID: tx.ID})
	require.NoError(t, err)
	assert.Equal(t, models.UnitLost, f.reloadUnit(t, f.unit.ID).Status)
}

func TestProjectorToScreenRoomIsForcedPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.repo.CreateClassroom(ctx, &models.Classroom{ID: "b1b1b1b1-0000-0000-0000-000000000001", Name: "Room 204", HasScreen: true}))
	projector := f.equipment(t, models.CategoryProjector)

	tx, err := f.eng.SubmitLoan(ctx, f.staff, LoanRequest{
		TargetUserID: f.student.ID, EquipmentID: projector.ID, End: f.clk.Now().Add(2 * time.Hour),
		Destination: "room 204", Purpose: "Lecture",
	})
	require.NoError(t, err)
	assert.Equal(t, models.LoanPending, tx.Status)
	assert.Contains(t, tx.Purpose, "Lecture [Policy:")
	assert.Equal(t, models.UnitAvailable, f.reloadUnit(t, projector.ID).Status)

	// other rooms and other categories go straight out
	tx, err = f.eng.SubmitLoan(ctx, f.staff, LoanRequest{
		TargetUserID: f.student.ID, EquipmentID: f.unit.ID, End: f.clk.Now().Add(2 * time.Hour),
		Destination: "Room 204", Purpose: "Lecture",
	})
	require.NoError(t, err)
	assert.Equal(t, models.LoanCheckedOut, tx.Status)
}

type denyAll struct{}

func (denyAll) Name() string { return "deny-all" }
func (denyAll) Evaluate(context.Context, *LoanContext) (Decision, error) {
	return Decision{Verdict: Deny, Reason: apperrors.ReasonRoomPolicy, Note: "closed for exams"}, nil
}

func TestPredicateDenyStopsLoan(t *testing.T) {
	f := newFixture(t)
	eng := NewEngine(Deps{
		Assets: f.repo, Loans: f.repo, Users: f.repo, Policy: f.repo, Audit: f.repo,
		Notify: f.notes, Clock: f.clk, Policies: []Predicate{denyAll{}},
	})
	_, err := eng.SubmitLoan(context.Background(), f.staff, LoanRequest{
		EquipmentID: f.unit.ID, End: f.clk.Now().Add(time.Hour), Destination: "Hall", Purpose: "Event",
	})
	requireReason(t, err, apperrors.KindPolicyDenied, apperrors.ReasonRoomPolicy)
	assert.Equal(t, "closed for exams", apperrors.PublicMessage(err))
}

func TestDaysLate(t *testing.T) {
	due := monday
	cases := []struct {
		after time.Duration
		want  int
	}{
		{-time.Hour, 0},
		{0, 0},
		{time.Second, 1},
		{24 * time.Hour, 1},
		{24*time.Hour + time.Minute, 2},
		{26 * time.Hour, 2},
		{72 * time.Hour, 3},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DaysLate(due, due.Add(tc.after)), tc.after.String())
	}
}
