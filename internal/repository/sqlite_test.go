package repository

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaptive-therapy-server/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "therapy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testSession(therapistID, patientID string, games ...string) *domain.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.Session{
		ID:          uuid.New().String(),
		TherapistID: therapistID,
		PatientID:   patientID,
		Title:       "Sesión de prueba",
		StartTime:   now.Add(time.Hour),
		Status:      domain.StatusScheduled,
		Games:       games,
		Location:    "Sala 2",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func testOutcome(patientID string, sessionID *string, game string, accuracy, avgTime float64) *domain.PlayOutcome {
	return &domain.PlayOutcome{
		ID:        uuid.New().String(),
		PatientID: patientID,
		SessionID: sessionID,
		GameName:  game,
		Accuracy:  accuracy,
		AvgTime:   avgTime,
		Label:     domain.MAINTAIN,
		CreatedAt: time.Now().UTC(),
	}
}

func TestSQLiteSessionRepository_CreateAndGet(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteSessionRepository(db)
	ctx := context.Background()

	session := testSession("t1", "p1", "memoria", "atencion")
	require.NoError(t, repo.Create(ctx, session))

	got, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, "t1", got.TherapistID)
	assert.Equal(t, "p1", got.PatientID)
	assert.Equal(t, domain.StatusScheduled, got.Status)
	assert.Equal(t, []string{"memoria", "atencion"}, got.Games, "game order is preserved")
	assert.Nil(t, got.EndTime)
}

func TestSQLiteSessionRepository_GetMissing(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteSessionRepository(db)

	_, err := repo.GetByID(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteSessionRepository_Update(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteSessionRepository(db)
	ctx := context.Background()

	session := testSession("t1", "p1", "memoria")
	require.NoError(t, repo.Create(ctx, session))

	end := time.Now().UTC().Truncate(time.Second)
	session.Status = domain.StatusCompleted
	session.EndTime = &end
	require.NoError(t, repo.Update(ctx, session))

	got, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.EndTime)
	assert.True(t, got.EndTime.Equal(end))

	missing := testSession("t1", "p1")
	assert.ErrorIs(t, repo.Update(ctx, missing), domain.ErrNotFound)
}

func TestSQLiteSessionRepository_SetGames(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteSessionRepository(db)
	ctx := context.Background()

	session := testSession("t1", "p1", "memoria")
	require.NoError(t, repo.Create(ctx, session))

	require.NoError(t, repo.SetGames(ctx, session.ID, []string{"calculo", "atencion"}))
	got, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"calculo", "atencion"}, got.Games)

	// Clearing is a valid replacement.
	require.NoError(t, repo.SetGames(ctx, session.ID, nil))
	got, err = repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Games)

	assert.ErrorIs(t, repo.SetGames(ctx, uuid.New().String(), []string{"x"}), domain.ErrNotFound)
}

func TestSQLiteSessionRepository_DeleteCascadesOutcomes(t *testing.T) {
	db := openTestDB(t)
	sessions := NewSQLiteSessionRepository(db)
	outcomes := NewSQLiteOutcomeRepository(db)
	ctx := context.Background()

	session := testSession("t1", "p1", "memoria")
	require.NoError(t, sessions.Create(ctx, session))
	require.NoError(t, outcomes.Create(ctx, testOutcome("p1", &session.ID, "memoria", 80, 1.2)))
	require.NoError(t, outcomes.Create(ctx, testOutcome("p1", nil, "memoria", 70, 1.5)))

	require.NoError(t, sessions.Delete(ctx, session.ID))

	_, err := sessions.GetByID(ctx, session.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	count, err := outcomes.CountBySession(ctx, session.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	// The untagged outcome survives.
	total, err := outcomes.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestSQLiteSessionRepository_Listing(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteSessionRepository(db)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	starts := []time.Time{base.Add(2 * time.Hour), base.Add(26 * time.Hour), base.Add(-2 * time.Hour)}
	for _, start := range starts {
		s := testSession("t1", "p1", "memoria")
		s.StartTime = start
		require.NoError(t, repo.Create(ctx, s))
	}
	other := testSession("t2", "p2")
	other.StartTime = base.Add(2 * time.Hour)
	require.NoError(t, repo.Create(ctx, other))

	listed, err := repo.ListByTherapist(ctx, "t1", base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, []string{"memoria"}, listed[0].Games)

	// The patient sees the same sessions keyed on their own column.
	byPatient, err := repo.ListByPatient(ctx, "p1", base.Add(-24*time.Hour), base.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, byPatient, 3)
	assert.Equal(t, "p1", byPatient[0].PatientID)

	byPatient, err = repo.ListByPatient(ctx, "p2", base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, byPatient, 1)
	assert.Equal(t, "t2", byPatient[0].TherapistID)

	upcoming, err := repo.ListUpcoming(ctx, "t1", base, 10)
	require.NoError(t, err)
	require.Len(t, upcoming, 2)
	assert.True(t, upcoming[0].StartTime.Before(upcoming[1].StartTime))

	// Upcoming works from the patient side of the relation too.
	upcoming, err = repo.ListUpcoming(ctx, "p1", base, 10)
	require.NoError(t, err)
	assert.Len(t, upcoming, 2)

	limited, err := repo.ListUpcoming(ctx, "t1", base, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteOutcomeRepository_CountsAndObservations(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteOutcomeRepository(db)
	ctx := context.Background()

	sid := uuid.New().String()
	require.NoError(t, repo.Create(ctx, testOutcome("p1", &sid, "memoria", 90, 1.0)))
	require.NoError(t, repo.Create(ctx, testOutcome("p1", &sid, "atencion", 60, 2.0)))
	require.NoError(t, repo.Create(ctx, testOutcome("p2", nil, "memoria", 40, 3.0)))

	bySession, err := repo.CountBySession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bySession)

	total, err := repo.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	listed, err := repo.ListBySession(ctx, sid)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.NotNil(t, listed[0].SessionID)
	assert.Equal(t, sid, *listed[0].SessionID)

	obs, err := repo.AllObservations(ctx)
	require.NoError(t, err)
	require.Len(t, obs, 3)
	// Reaction time comes back in milliseconds.
	for _, o := range obs {
		assert.GreaterOrEqual(t, o.AvgTimeMS, 1000.0)
	}
}

func TestSQLiteOutcomeRepository_StatsByPatient(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteOutcomeRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testOutcome("p1", nil, "memoria", 90, 1.0)))
	require.NoError(t, repo.Create(ctx, testOutcome("p1", nil, "memoria", 70, 2.0)))
	require.NoError(t, repo.Create(ctx, testOutcome("p1", nil, "atencion", 50, 3.0)))
	require.NoError(t, repo.Create(ctx, testOutcome("p2", nil, "memoria", 10, 4.0)))

	stats, err := repo.StatsByPatient(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Plays)
	assert.InDelta(t, 70, stats.AvgAccuracy, 1e-9)
	assert.InDelta(t, 2.0, stats.AvgTime, 1e-9)
	require.NotNil(t, stats.LastPlayed)

	require.Len(t, stats.PerGame, 2)
	assert.Equal(t, "atencion", stats.PerGame[0].GameName)
	assert.Equal(t, int64(1), stats.PerGame[0].Plays)
	assert.Equal(t, "memoria", stats.PerGame[1].GameName)
	assert.InDelta(t, 80, stats.PerGame[1].AvgAccuracy, 1e-9)

	// Unknown patient: empty aggregate, no error.
	empty, err := repo.StatsByPatient(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.Plays)
	assert.Nil(t, empty.LastPlayed)
}

func TestSQLiteProfileRepository(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteProfileRepository(db)
	ctx := context.Background()

	got, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, got, "no profile until the first session close")

	profile := &domain.PatientProfile{
		PatientID: "p1",
		History: []domain.PlayRecord{
			{GameName: "memoria", Accuracy: 88, AvgTimeMS: 1100, Label: domain.ADVANCE, Date: time.Now().UTC().Truncate(time.Second)},
		},
		KPIs:      domain.ProfileKPIs{AvgAccuracy: 88, AvgTimeMS: 1100, Plays: 1},
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, repo.Save(ctx, profile))

	got, err = repo.Get(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.History, 1)
	assert.Equal(t, "memoria", got.History[0].GameName)
	assert.Equal(t, 1, got.KPIs.Plays)

	// Upsert replaces KPIs and history wholesale.
	profile.History = append(profile.History, domain.PlayRecord{GameName: "atencion", Accuracy: 60, AvgTimeMS: 2000, Label: domain.MAINTAIN, Date: time.Now().UTC()})
	profile.KPIs = domain.ProfileKPIs{AvgAccuracy: 74, AvgTimeMS: 1550, Plays: 2}
	require.NoError(t, repo.Save(ctx, profile))

	got, err = repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, got.History, 2)
	assert.Equal(t, 2, got.KPIs.Plays)
}
