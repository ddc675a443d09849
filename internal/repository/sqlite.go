// Package repository provides the persistence implementations for sessions,
// play outcomes and patient profiles. SQLite backs the default single-file
// deployment; PostgreSQL backs multi-instance ones.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adaptive-therapy-server/internal/domain"
)

// OpenSQLite opens (creating if needed) the SQLite database file, enables WAL
// mode and ensures the schema exists.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL for better concurrency between the write path and stats reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := createSQLiteSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

func createSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		therapist_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		title TEXT DEFAULT '',
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		status TEXT NOT NULL DEFAULT 'scheduled',
		location TEXT DEFAULT '',
		notes TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS session_games (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		game_name TEXT NOT NULL,
		PRIMARY KEY (session_id, position)
	);

	CREATE TABLE IF NOT EXISTS play_outcomes (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		session_id TEXT,
		game_name TEXT NOT NULL,
		accuracy REAL NOT NULL,
		avg_time REAL NOT NULL,
		label INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS patient_profiles (
		patient_id TEXT PRIMARY KEY,
		history TEXT NOT NULL DEFAULT '[]',
		avg_accuracy REAL NOT NULL DEFAULT 0,
		avg_time_ms REAL NOT NULL DEFAULT 0,
		plays INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_therapist ON sessions(therapist_id, start_time);
	CREATE INDEX IF NOT EXISTS idx_outcomes_session ON play_outcomes(session_id);
	CREATE INDEX IF NOT EXISTS idx_outcomes_patient ON play_outcomes(patient_id, created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(s scanner) (*domain.Session, error) {
	session := &domain.Session{}
	var endTime sql.NullTime

	err := s.Scan(
		&session.ID, &session.TherapistID, &session.PatientID, &session.Title,
		&session.StartTime, &endTime, &session.Status,
		&session.Location, &session.Notes, &session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		session.EndTime = &endTime.Time
	}
	return session, nil
}

func scanOutcome(s scanner) (*domain.PlayOutcome, error) {
	outcome := &domain.PlayOutcome{}
	var sessionID sql.NullString

	err := s.Scan(
		&outcome.ID, &outcome.PatientID, &sessionID, &outcome.GameName,
		&outcome.Accuracy, &outcome.AvgTime, &outcome.Label, &outcome.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		outcome.SessionID = &sessionID.String
	}
	return outcome, nil
}

// SQLiteSessionRepository implements domain.SessionRepository on SQLite.
type SQLiteSessionRepository struct {
	db *sql.DB
}

// NewSQLiteSessionRepository creates a SQLite-backed session repository.
func NewSQLiteSessionRepository(db *sql.DB) *SQLiteSessionRepository {
	return &SQLiteSessionRepository{db: db}
}

// Create persists a new session together with its assigned games.
func (r *SQLiteSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, therapist_id, patient_id, title, start_time, end_time,
			status, location, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID, session.TherapistID, session.PatientID, session.Title,
		session.StartTime, session.EndTime, string(session.Status),
		session.Location, session.Notes, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	if err := replaceGamesTx(ctx, tx, session.ID, session.Games); err != nil {
		return err
	}
	return tx.Commit()
}

// GetByID loads a session and its assigned-game set.
func (r *SQLiteSessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, therapist_id, patient_id, title, start_time, end_time,
			status, location, notes, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`, id)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	session.Games, err = r.loadGames(ctx, id)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (r *SQLiteSessionRepository) loadGames(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT game_name FROM session_games WHERE session_id = ? ORDER BY position", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session games: %w", err)
	}
	defer rows.Close()

	var games []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("failed to scan game: %w", err)
		}
		games = append(games, g)
	}
	return games, rows.Err()
}

// Update persists the session's mutable fields. The assigned-game set is
// managed separately through SetGames.
func (r *SQLiteSessionRepository) Update(ctx context.Context, session *domain.Session) error {
	session.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			title = ?, start_time = ?, end_time = ?, status = ?,
			location = ?, notes = ?, updated_at = ?
		WHERE id = ?
	`,
		session.Title, session.StartTime, session.EndTime, string(session.Status),
		session.Location, session.Notes, session.UpdatedAt, session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a session, its game assignments and, in cascade, the play
// outcomes tagged to it.
func (r *SQLiteSessionRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM play_outcomes WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session outcomes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM session_games WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session games: %w", err)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit()
}

// SetGames replaces the session's assigned-game set verbatim.
func (r *SQLiteSessionRepository) SetGames(ctx context.Context, id string, games []string) error {
	var exists int
	err := r.db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := replaceGamesTx(ctx, tx, id, games); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE sessions SET updated_at = ? WHERE id = ?", time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return tx.Commit()
}

func replaceGamesTx(ctx context.Context, tx *sql.Tx, sessionID string, games []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM session_games WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to clear session games: %w", err)
	}
	for i, g := range games {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO session_games (session_id, position, game_name) VALUES (?, ?, ?)",
			sessionID, i, g,
		); err != nil {
			return fmt.Errorf("failed to insert session game: %w", err)
		}
	}
	return nil
}

// ListByTherapist returns the therapist's sessions starting in [from, to],
// ordered by start time.
func (r *SQLiteSessionRepository) ListByTherapist(ctx context.Context, therapistID string, from, to time.Time) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, therapist_id, patient_id, title, start_time, end_time,
			status, location, notes, created_at, updated_at
		FROM sessions
		WHERE therapist_id = ? AND start_time >= ? AND start_time <= ?
		ORDER BY start_time
	`, therapistID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	return r.collectSessions(ctx, rows)
}

// ListByPatient returns the patient's sessions starting in [from, to],
// ordered by start time.
func (r *SQLiteSessionRepository) ListByPatient(ctx context.Context, patientID string, from, to time.Time) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, therapist_id, patient_id, title, start_time, end_time,
			status, location, notes, created_at, updated_at
		FROM sessions
		WHERE patient_id = ? AND start_time >= ? AND start_time <= ?
		ORDER BY start_time
	`, patientID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	return r.collectSessions(ctx, rows)
}

// ListUpcoming returns the user's next scheduled sessions after now, on
// either side of the therapist-patient relation.
func (r *SQLiteSessionRepository) ListUpcoming(ctx context.Context, userID string, now time.Time, limit int) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, therapist_id, patient_id, title, start_time, end_time,
			status, location, notes, created_at, updated_at
		FROM sessions
		WHERE (therapist_id = ? OR patient_id = ?) AND status = 'scheduled' AND start_time > ?
		ORDER BY start_time
		LIMIT ?
	`, userID, userID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query upcoming sessions: %w", err)
	}
	defer rows.Close()

	return r.collectSessions(ctx, rows)
}

func (r *SQLiteSessionRepository) collectSessions(ctx context.Context, rows *sql.Rows) ([]*domain.Session, error) {
	var sessions []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, s := range sessions {
		games, err := r.loadGames(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		s.Games = games
	}
	return sessions, nil
}

// SQLiteOutcomeRepository implements domain.OutcomeRepository on SQLite.
type SQLiteOutcomeRepository struct {
	db *sql.DB
}

// NewSQLiteOutcomeRepository creates a SQLite-backed outcome repository.
func NewSQLiteOutcomeRepository(db *sql.DB) *SQLiteOutcomeRepository {
	return &SQLiteOutcomeRepository{db: db}
}

// Create appends a play outcome. Outcomes are never updated.
func (r *SQLiteOutcomeRepository) Create(ctx context.Context, outcome *domain.PlayOutcome) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO play_outcomes (
			id, patient_id, session_id, game_name, accuracy, avg_time, label, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		outcome.ID, outcome.PatientID, outcome.SessionID, outcome.GameName,
		outcome.Accuracy, outcome.AvgTime, int(outcome.Label), outcome.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}
	return nil
}

// CountBySession returns how many outcomes are tagged to the session.
func (r *SQLiteOutcomeRepository) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM play_outcomes WHERE session_id = ?", sessionID).Scan(&count)
	return count, err
}

// ListBySession returns the outcomes tagged to the session in insertion order.
func (r *SQLiteOutcomeRepository) ListBySession(ctx context.Context, sessionID string) ([]*domain.PlayOutcome, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, patient_id, session_id, game_name, accuracy, avg_time, label, created_at
		FROM play_outcomes
		WHERE session_id = ?
		ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []*domain.PlayOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// CountAll returns the global outcome count driving the retrain cadence.
func (r *SQLiteOutcomeRepository) CountAll(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM play_outcomes").Scan(&count)
	return count, err
}

// AllObservations returns every recorded (accuracy, reaction time) pair with
// the reaction time converted to milliseconds.
func (r *SQLiteOutcomeRepository) AllObservations(ctx context.Context) ([]domain.Observation, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT accuracy, avg_time * 1000 FROM play_outcomes ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	var observations []domain.Observation
	for rows.Next() {
		var obs domain.Observation
		if err := rows.Scan(&obs.Accuracy, &obs.AvgTimeMS); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

// StatsByPatient aggregates the patient's outcomes overall and per game.
func (r *SQLiteOutcomeRepository) StatsByPatient(ctx context.Context, patientID string) (*domain.PatientStats, error) {
	stats := &domain.PatientStats{}

	var lastPlayed sql.NullTime
	var avgAcc, avgTime sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(accuracy), AVG(avg_time), MAX(created_at)
		FROM play_outcomes
		WHERE patient_id = ?
	`, patientID).Scan(&stats.Plays, &avgAcc, &avgTime, &lastPlayed)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate outcomes: %w", err)
	}
	stats.AvgAccuracy = avgAcc.Float64
	stats.AvgTime = avgTime.Float64
	if lastPlayed.Valid {
		stats.LastPlayed = &lastPlayed.Time
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT game_name, COUNT(*), AVG(accuracy), AVG(avg_time)
		FROM play_outcomes
		WHERE patient_id = ?
		GROUP BY game_name
		ORDER BY game_name
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate per-game stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g domain.GameStats
		if err := rows.Scan(&g.GameName, &g.Plays, &g.AvgAccuracy, &g.AvgTime); err != nil {
			return nil, fmt.Errorf("failed to scan game stats: %w", err)
		}
		stats.PerGame = append(stats.PerGame, g)
	}
	return stats, rows.Err()
}

// SQLiteProfileRepository implements domain.ProfileRepository on SQLite. The
// history is stored as a JSON document; profiles are replaced wholesale.
type SQLiteProfileRepository struct {
	db *sql.DB
}

// NewSQLiteProfileRepository creates a SQLite-backed profile repository.
func NewSQLiteProfileRepository(db *sql.DB) *SQLiteProfileRepository {
	return &SQLiteProfileRepository{db: db}
}

// Get returns the patient's profile, or nil when none has been created yet.
func (r *SQLiteProfileRepository) Get(ctx context.Context, patientID string) (*domain.PatientProfile, error) {
	profile := &domain.PatientProfile{PatientID: patientID}
	var history string

	err := r.db.QueryRowContext(ctx, `
		SELECT history, avg_accuracy, avg_time_ms, plays, updated_at
		FROM patient_profiles
		WHERE patient_id = ?
	`, patientID).Scan(&history, &profile.KPIs.AvgAccuracy, &profile.KPIs.AvgTimeMS,
		&profile.KPIs.Plays, &profile.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan profile: %w", err)
	}

	if err := json.Unmarshal([]byte(history), &profile.History); err != nil {
		return nil, fmt.Errorf("failed to decode profile history: %w", err)
	}
	return profile, nil
}

// Save upserts the profile.
func (r *SQLiteProfileRepository) Save(ctx context.Context, profile *domain.PatientProfile) error {
	history, err := json.Marshal(profile.History)
	if err != nil {
		return fmt.Errorf("failed to encode profile history: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO patient_profiles (patient_id, history, avg_accuracy, avg_time_ms, plays, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(patient_id) DO UPDATE SET
			history = excluded.history,
			avg_accuracy = excluded.avg_accuracy,
			avg_time_ms = excluded.avg_time_ms,
			plays = excluded.plays,
			updated_at = excluded.updated_at
	`, profile.PatientID, string(history), profile.KPIs.AvgAccuracy,
		profile.KPIs.AvgTimeMS, profile.KPIs.Plays, profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}
