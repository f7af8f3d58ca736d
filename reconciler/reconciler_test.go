package reconciler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"equipment_lending/clock"
	"equipment_lending/db"
	"equipment_lending/lending"
	"equipment_lending/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type quietNotifier struct{}

func (quietNotifier) Send(context.Context, string, string, string, models.Severity, string) {}
func (quietNotifier) Escalate(context.Context, models.Capability, string, string, models.Severity, string) {
}

type env struct {
	repo *db.Repo
	clk  *clock.FakeClock
	eng  *lending.Engine
	rec  *Reconciler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "sweep_test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	repo := db.NewRepo(gdb)
	clk := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	eng := lending.NewEngine(lending.Deps{
		Assets: repo, Loans: repo, Users: repo, Policy: repo, Rooms: repo, Audit: repo,
		Notify: quietNotifier{}, Clock: clk, Log: zap.NewNop(),
	})
	return &env{repo: repo, clk: clk, eng: eng, rec: New(eng, zap.NewNop())}
}

func (e *env) user(t *testing.T, role models.Role) *models.User {
	t.Helper()
	name := uuid.NewString()[:8]
	u := &models.User{ID: uuid.NewString(), Username: name, FullName: name, Email: name + "@campus.test", Role: role, ResponsibilityScore: 100}
	require.NoError(t, e.repo.CreateUser(context.Background(), u))
	return u
}

func (e *env) unit(t *testing.T, tag string, tracking models.TrackingStatus, lastSeen *time.Time) *models.Equipment {
	t.Helper()
	u := &models.Equipment{
		ID: uuid.NewString(), Serial: "SN-" + uuid.NewString()[:8], Name: "Projector", Category: models.CategoryProjector,
		TrackingStatus: tracking, LastSeenAt: lastSeen,
	}
	if tag != "" {
		u.TrackingTag = &tag
	}
	require.NoError(t, e.repo.CreateEquipment(context.Background(), u))
	return u
}

func (e *env) lend(t *testing.T, staff, borrower *models.User, unit *models.Equipment, d time.Duration) *models.Transaction {
	t.Helper()
	tx, err := e.eng.SubmitLoan(context.Background(), staff, lending.LoanRequest{
		TargetUserID: borrower.ID, EquipmentID: unit.ID, End: e.clk.Now().Add(d), Destination: "Hall", Purpose: "Talk",
	})
	require.NoError(t, err)
	return tx
}

func TestOverdueSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	staff := e.user(t, models.RoleStaff)
	alice, bob := e.user(t, models.RoleStudent), e.user(t, models.RoleStudent)

	late := e.lend(t, staff, alice, e.unit(t, "", models.TrackingUnknown, nil), time.Hour)
	onTime := e.lend(t, staff, bob, e.unit(t, "", models.TrackingUnknown, nil), 8*time.Hour)

	e.clk.Advance(2 * time.Hour)
	first, err := e.rec.Run(ctx, JobOverdue)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Scanned)
	assert.Equal(t, 1, first.Changed)

	second, err := e.rec.Run(ctx, JobOverdue)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Changed)

	got, err := e.repo.FindTransaction(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanOverdue, got.Status)
	got, err = e.repo.FindTransaction(ctx, onTime.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanCheckedOut, got.Status)

	a, err := e.repo.FindUserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 98, a.ResponsibilityScore)
	b, err := e.repo.FindUserByID(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, b.ResponsibilityScore)
}

func TestOverdueSweepUsesConfiguredPenalty(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := models.DefaultPolicy()
	p.OverdueSweepPenalty = 7
	_, err := e.repo.SavePolicy(ctx, p)
	require.NoError(t, err)

	staff, alice := e.user(t, models.RoleStaff), e.user(t, models.RoleStudent)
	e.lend(t, staff, alice, e.unit(t, "", models.TrackingUnknown, nil), time.Hour)
	e.clk.Advance(90 * time.Minute)

	_, err = e.rec.OverdueSweep(ctx)
	require.NoError(t, err)
	a, err := e.repo.FindUserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 93, a.ResponsibilityScore)
}

func TestPresenceSweep(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := e.clk.Now()
	recent, stale := now.Add(-time.Minute), now.Add(-6*time.Minute)

	online := e.unit(t, "TAG-1", models.TrackingSafe, &recent)
	offline := e.unit(t, "TAG-2", models.TrackingSafe, &stale)
	lost := e.unit(t, "TAG-3", models.TrackingLost, &stale)
	untracked := e.unit(t, "", models.TrackingSafe, nil)

	rep, err := e.rec.Run(ctx, JobPresence)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Scanned)
	assert.Equal(t, 1, rep.Changed)

	status := func(id string) models.TrackingStatus {
		u, err := e.repo.FindEquipment(ctx, id)
		require.NoError(t, err)
		return u.TrackingStatus
	}
	assert.Equal(t, models.TrackingSafe, status(online.ID))
	assert.Equal(t, models.TrackingUnknown, status(offline.ID))
	assert.Equal(t, models.TrackingLost, status(lost.ID))
	assert.Equal(t, models.TrackingSafe, status(untracked.ID))

	e.clk.Advance(10 * time.Minute)
	rep, err = e.rec.Run(ctx, JobPresence)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Changed)
	assert.Equal(t, models.TrackingUnknown, status(online.ID))
}

func TestRepairSweep(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, models.RoleStudent)
	unit := e.unit(t, "", models.TrackingUnknown, nil)
	now := e.clk.Now()
	require.NoError(t, e.repo.CreateTransaction(ctx, &models.Transaction{
		ID: uuid.NewString(), UserID: u.ID, EquipmentID: unit.ID, StartTime: now, ExpectedReturnTime: now.Add(time.Hour),
		Status: models.LoanProvisional, Destination: "Hall", Purpose: "Talk", CreatedAt: now,
	}))
	require.NoError(t, e.repo.TransitionUnitStatus(ctx, unit.ID, models.UnitAvailable, models.UnitCheckedOut))

	rep, err := e.rec.Run(ctx, JobRepair)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Scanned)

	e.clk.Advance(lending.ProvisionalTTL + time.Second)
	rep, err = e.rec.Run(ctx, JobRepair)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Changed)
	assert.True(t, rep.StartedAt.Equal(e.clk.Now()), "report uses the engine clock")

	got, err := e.repo.FindEquipment(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UnitAvailable, got.Status)
}

func TestRepairSweepReleasesStrandedUnit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	staff, alice := e.user(t, models.RoleStaff), e.user(t, models.RoleStudent)
	unit := e.unit(t, "", models.TrackingUnknown, nil)
	tx := e.lend(t, staff, alice, unit, 2*time.Hour)

	// the record is closed but the unit was never released
	now := e.clk.Now()
	closed := *tx
	closed.Status = models.LoanReturned
	closed.ReturnTime = &now
	closed.ReturnCondition = models.ConditionGood
	require.NoError(t, e.repo.UpdateTransaction(ctx, &closed, models.LoanCheckedOut))

	rep, err := e.rec.RepairSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Changed)

	e.clk.Advance(lending.ProvisionalTTL + time.Second)
	rep, err = e.rec.RepairSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scanned)
	assert.Equal(t, 1, rep.Changed)
	assert.Equal(t, 0, rep.Failed)

	got, err := e.repo.FindEquipment(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UnitAvailable, got.Status)
}

func TestSweepReportsUseEngineClock(t *testing.T) {
	e := newEnv(t)
	for _, job := range []Job{JobOverdue, JobPresence, JobRepair} {
		rep, err := e.rec.Run(context.Background(), job)
		require.NoError(t, err)
		assert.True(t, rep.StartedAt.Equal(e.clk.Now()), string(job))
		assert.GreaterOrEqual(t, rep.Took, time.Duration(0))
	}
}

func TestParseJob(t *testing.T) {
	j, err := ParseJob("presence")
	require.NoError(t, err)
	assert.Equal(t, JobPresence, j)
	_, err = ParseJob("vacuum")
	assert.Error(t, err)
}

func TestSchedulerStartStop(t *testing.T) {
	e := newEnv(t)
	s, err := NewScheduler(e.rec, Intervals{Overdue: time.Hour, Presence: 0, Repair: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, s.c.Entries(), 2)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
