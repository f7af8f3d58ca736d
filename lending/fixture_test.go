package lending

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"equipment_lending/apperrors"
	"equipment_lending/clock"
	"equipment_lending/db"
	"equipment_lending/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var monday = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type sent struct {
	UserID   string
	Cap      models.Capability
	Title    string
	Severity models.Severity
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (n *recordingNotifier) Send(_ context.Context, userID, title, _ string, sev models.Severity, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{UserID: userID, Title: title, Severity: sev})
}

func (n *recordingNotifier) Escalate(_ context.Context, c models.Capability, title, _ string, sev models.Severity, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{Cap: c, Title: title, Severity: sev})
}

func (n *recordingNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Title)
	}
	return out
}

type fixture struct {
	repo    *db.Repo
	clk     *clock.FakeClock
	eng     *Engine
	notes   *recordingNotifier
	staff   *models.User
	student *models.User
	unit    *models.Equipment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "lending_test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	f := &fixture{repo: db.NewRepo(gdb), clk: clock.Fake(monday), notes: &recordingNotifier{}}
	f.eng = f.engine(nil)
	f.staff = f.user(t, models.RoleStaff)
	f.student = f.user(t, models.RoleStudent)
	f.unit = f.equipment(t, models.CategoryLaptop)
	return f
}

// engine builds an engine over the fixture stores; assets overrides the registry.
func (f *fixture) engine(assets AssetRegistry) *Engine {
	return f.engineOver(assets, nil)
}

func (f *fixture) engineOver(assets AssetRegistry, loans LoanStore) *Engine {
	if assets == nil {
		assets = f.repo
	}
	if loans == nil {
		loans = f.repo
	}
	return NewEngine(Deps{
		Assets: assets,
		Loans:  loans,
		Users:  f.repo,
		Policy: f.repo,
		Rooms:  f.repo,
		Audit:  f.repo,
		Notify: f.notes,
		Clock:  f.clk,
		Log:    zap.NewNop(),
	})
}

func (f *fixture) user(t *testing.T, role models.Role) *models.User {
	t.Helper()
	name := string(role) + "-" + uuid.NewString()[:8]
	u := &models.User{ID: uuid.NewString(), Username: name, FullName: name, Email: name + "@campus.test", Role: role, ResponsibilityScore: 100}
	require.NoError(t, f.repo.CreateUser(context.Background(), u))
	return u
}

func (f *fixture) equipment(t *testing.T, cat models.Category) *models.Equipment {
	t.Helper()
	u, err := f.eng.RegisterUnit(context.Background(), f.admin(t), &models.Equipment{
		Serial: "SN-" + uuid.NewString()[:8], Name: string(cat) + " unit", Category: cat,
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) admin(t *testing.T) *models.User {
	return &models.User{ID: uuid.NewString(), Role: models.RoleAdmin}
}

func (f *fixture) reloadUnit(t *testing.T, id string) *models.Equipment {
	t.Helper()
	u, err := f.repo.FindEquipment(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (f *fixture) reloadUser(t *testing.T, id string) *models.User {
	t.Helper()
	u, err := f.repo.FindUserByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (f *fixture) reloadTx(t *testing.T, id string) *models.Transaction {
	t.Helper()
	tx, err := f.repo.FindTransaction(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func (f *fixture) setScore(t *testing.T, u *models.User, score int) {
	t.Helper()
	cur := f.reloadUser(t, u.ID)
	require.NoError(t, f.repo.CompareAndSetScore(context.Background(), u.ID, cur.ResponsibilityScore, score))
	u.ResponsibilityScore = score
}

// checkout has staff hand the unit to the student for d.
func (f *fixture) checkout(t *testing.T, d time.Duration) *models.Transaction {
	t.Helper()
	tx, err := f.eng.SubmitLoan(context.Background(), f.staff, LoanRequest{
		TargetUserID: f.student.ID,
		EquipmentID:  f.unit.ID,
		End:          f.clk.Now().Add(d),
		Destination:  "Library",
		Purpose:      "Thesis work",
	})
	require.NoError(t, err)
	return tx
}

func requireReason(t *testing.T, err error, kind apperrors.Kind, reason apperrors.Reason) {
	t.Helper()
	require.Error(t, err)
	var ae *apperrors.Error
	require.True(t, errors.As(err, &ae), "want *apperrors.Error, got %T: %v", err, err)
	require.Equal(t, kind, ae.Kind, ae.Error())
	if reason != "" {
		require.Equal(t, reason, ae.Reason, ae.Error())
	}
}

// flakyAssets fails selected registry calls. failRelease only hits moves
// out of CheckedOut.
type flakyAssets struct {
	*db.Repo
	failTransition error
	failRelease    error
	failCondition  error
}

func (a *flakyAssets) TransitionUnitStatus(ctx context.Context, id string, from, to models.UnitStatus) error {
	if a.failTransition != nil {
		return a.failTransition
	}
	if a.failRelease != nil && from == models.UnitCheckedOut {
		return a.failRelease
	}
	return a.Repo.TransitionUnitStatus(ctx, id, from, to)
}

func (a *flakyAssets) SetUnitCondition(ctx context.Context, id string, c models.Condition) error {
	if a.failCondition != nil {
		return a.failCondition
	}
	return a.Repo.SetUnitCondition(ctx, id, c)
}

// flakyScores loses every score CAS.
type flakyScores struct {
	*db.Repo
	err error
}

func (s *flakyScores) CompareAndSetScore(context.Context, string, int, int) error { return s.err }

// flakyLoans fails every transaction update that expects status from, which
// is how a process that dies mid-saga looks from the outside.
type flakyLoans struct {
	*db.Repo
	from models.LoanStatus
	err  error
}

func (l *flakyLoans) UpdateTransaction(ctx context.Context, t *models.Transaction, expected models.LoanStatus) error {
	if expected == l.from {
		return l.err
	}
	return l.Repo.UpdateTransaction(ctx, t, expected)
}
