package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"equipment_lending/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	gdb, err := OpenSQLite(filepath.Join(t.TempDir(), "lending_test.db"))
	require.NoError(t, err)
	require.NoError(t, Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewRepo(gdb)
}

func seedUnit(t *testing.T, r *Repo) *models.Equipment {
	t.Helper()
	e := &models.Equipment{ID: uuid.NewString(), Serial: "SN-" + uuid.NewString()[:8], Name: "Laptop", Category: models.CategoryLaptop}
	require.NoError(t, r.CreateEquipment(context.Background(), e))
	return e
}

func seedUser(t *testing.T, r *Repo) *models.User {
	t.Helper()
	name := "u-" + uuid.NewString()[:8]
	u := &models.User{ID: uuid.NewString(), Username: name, FullName: name, Email: name + "@example.edu", ResponsibilityScore: 100}
	require.NoError(t, r.CreateUser(context.Background(), u))
	return u
}

func newTx(u *models.User, e *models.Equipment, status models.LoanStatus, start time.Time) *models.Transaction {
	return &models.Transaction{
		ID:                 uuid.NewString(),
		UserID:             u.ID,
		EquipmentID:        e.ID,
		StartTime:          start,
		ExpectedReturnTime: start.Add(2 * time.Hour),
		Status:             status,
		Destination:        "Lab 1",
		Purpose:            "class",
	}
}

func TestTransitionUnitStatusIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	e := seedUnit(t, r)

	require.NoError(t, r.TransitionUnitStatus(ctx, e.ID, models.UnitAvailable, models.UnitCheckedOut))
	assert.ErrorIs(t, r.TransitionUnitStatus(ctx, e.ID, models.UnitAvailable, models.UnitCheckedOut), ErrStale)
	assert.ErrorIs(t, r.TransitionUnitStatus(ctx, uuid.NewString(), models.UnitAvailable, models.UnitCheckedOut), ErrNotFound)

	got, err := r.FindEquipment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UnitCheckedOut, got.Status)
}

func TestBumpBookingSeq(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	e := seedUnit(t, r)

	require.NoError(t, r.BumpBookingSeq(ctx, e.ID, 0))
	assert.ErrorIs(t, r.BumpBookingSeq(ctx, e.ID, 0), ErrStale)
	require.NoError(t, r.BumpBookingSeq(ctx, e.ID, 1))

	got, err := r.FindEquipment(ctx, e.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.BookingSeq)
}

func TestCompareAndSetScore(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	u := seedUser(t, r)

	require.NoError(t, r.CompareAndSetScore(ctx, u.ID, 100, 90))
	assert.ErrorIs(t, r.CompareAndSetScore(ctx, u.ID, 100, 80), ErrStale)

	got, err := r.FindUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 90, got.ResponsibilityScore)
}

func TestCreateUserKeepsExplicitZeroScore(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	u := &models.User{ID: uuid.NewString(), Username: "zero", FullName: "Zero", Email: "zero@example.edu"}
	require.NoError(t, r.CreateUser(ctx, u))

	got, err := r.FindUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ResponsibilityScore)
	assert.Equal(t, models.RoleStudent, got.Role)
}

func TestOnePossessionPerUnitIndex(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	e := seedUnit(t, r)
	a, b := seedUser(t, r), seedUser(t, r)
	now := time.Now().UTC()

	require.NoError(t, r.CreateTransaction(ctx, newTx(a, e, models.LoanCheckedOut, now)))
	err := r.CreateTransaction(ctx, newTx(b, e, models.LoanProvisional, now))
	assert.ErrorIs(t, err, ErrDuplicate)

	// reservations are not possession
	require.NoError(t, r.CreateTransaction(ctx, newTx(b, e, models.LoanReserved, now.Add(24*time.Hour))))
}

func TestOnePendingPerUserUnitIndex(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	e := seedUnit(t, r)
	u := seedUser(t, r)
	now := time.Now().UTC()

	first := newTx(u, e, models.LoanPending, now)
	require.NoError(t, r.CreateTransaction(ctx, first))
	assert.ErrorIs(t, r.CreateTransaction(ctx, newTx(u, e, models.LoanPending, now)), ErrDuplicate)

	first.Status = models.LoanDenied
	require.NoError(t, r.UpdateTransaction(ctx, first, models.LoanPending))
	require.NoError(t, r.CreateTransaction(ctx, newTx(u, e, models.LoanPending, now)))
}

func TestUpdateTransactionIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	e := seedUnit(t, r)
	u := seedUser(t, r)
	tx := newTx(u, e, models.LoanReserved, time.Now().UTC().Add(time.Hour))
	require.NoError(t, r.CreateTransaction(ctx, tx))

	cancelled := *tx
	cancelled.Status = models.LoanCancelled
	require.NoError(t, r.UpdateTransaction(ctx, &cancelled, models.LoanReserved))

	picked := *tx
	picked.Status = models.LoanCheckedOut
	assert.ErrorIs(t, r.UpdateTransaction(ctx, &picked, models.LoanReserved), ErrStale)

	got, err := r.FindTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanCancelled, got.Status)
}

func TestListTransactionsFilters(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	e := seedUnit(t, r)
	u := seedUser(t, r)
	now := time.Now().UTC()

	open := newTx(u, e, models.LoanCheckedOut, now)
	require.NoError(t, r.CreateTransaction(ctx, open))
	marked := newTx(u, e, models.LoanReserved, now.Add(48*time.Hour))
	marked.OverdueMarkedAt = &now
	require.NoError(t, r.CreateTransaction(ctx, marked))

	ts, err := r.ListTransactions(ctx, TransactionFilter{EquipmentID: e.ID, Statuses: models.OccupyingStatuses})
	require.NoError(t, err)
	assert.Len(t, ts, 2)

	ts, err = r.ListTransactions(ctx, TransactionFilter{EquipmentID: e.ID, OverdueUnmarked: true})
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, open.ID, ts[0].ID)
}

func TestPolicyDefaultsAndSave(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	p, err := r.Policy(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultPolicy().MaxLoanHours, p.MaxLoanHours)

	p.LatePenaltyPerDay = 7
	_, err = r.SavePolicy(ctx, p)
	require.NoError(t, err)
	p.MaxLoanHours = 48
	_, err = r.SavePolicy(ctx, p)
	require.NoError(t, err)

	got, err := r.Policy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, got.LatePenaltyPerDay)
	assert.Equal(t, 48, got.MaxLoanHours)
}

func TestClassroomLookupIgnoresCase(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	require.NoError(t, r.CreateClassroom(ctx, &models.Classroom{ID: uuid.NewString(), Name: "Room 204", HasScreen: true}))

	c, err := r.FindClassroomByName(ctx, "  room 204 ")
	require.NoError(t, err)
	assert.True(t, c.HasScreen)

	_, err = r.FindClassroomByName(ctx, "Room 999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNotificationsInbox(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	u := seedUser(t, r)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.CreateNotification(ctx, &models.Notification{
			ID: uuid.NewString(), RecipientID: u.ID, Title: "t", Message: "m", Severity: models.SeverityInfo,
		}))
	}
	list, err := r.ListNotifications(ctx, u.ID, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)

	require.NoError(t, r.MarkNotificationRead(ctx, u.ID, list[0].ID))
	assert.ErrorIs(t, r.MarkNotificationRead(ctx, uuid.NewString(), list[0].ID), ErrNotFound)

	n, err := r.MarkAllNotificationsRead(ctx, u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
