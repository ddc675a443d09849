package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/adaptive-therapy-server/internal/domain"
)

// PostgresSessionRepository implements domain.SessionRepository on PostgreSQL.
type PostgresSessionRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPostgresSessionRepository creates a PostgreSQL-backed session repository.
func NewPostgresSessionRepository(db *pgxpool.Pool, logger *logrus.Logger) *PostgresSessionRepository {
	return &PostgresSessionRepository{
		db:  db,
		log: logger,
	}
}

// Create inserts a new session together with its assigned games.
func (r *PostgresSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO sessions (
			id, therapist_id, patient_id, title, start_time, end_time,
			status, location, notes, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)`

	_, err = tx.Exec(ctx, query,
		session.ID,
		session.TherapistID,
		session.PatientID,
		session.Title,
		session.StartTime,
		session.EndTime,
		string(session.Status),
		session.Location,
		session.Notes,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"session_id": session.ID,
			"error":      err,
		}).Error("Failed to create session")
		return fmt.Errorf("creating session: %w", err)
	}

	if err := r.replaceGames(ctx, tx, session.ID, session.Games); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing session: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"session_id":   session.ID,
		"therapist_id": session.TherapistID,
		"patient_id":   session.PatientID,
	}).Info("Session created successfully")

	return nil
}

// GetByID retrieves a session and its assigned-game set.
func (r *PostgresSessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	query := `
		SELECT id, therapist_id, patient_id, title, start_time, end_time,
			   status, location, notes, created_at, updated_at
		FROM sessions
		WHERE id = $1`

	session, err := r.scanSessionRow(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"session_id": id,
			"error":      err,
		}).Error("Failed to get session by ID")
		return nil, fmt.Errorf("getting session by ID: %w", err)
	}

	session.Games, err = r.loadGames(ctx, id)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (r *PostgresSessionRepository) scanSessionRow(row pgx.Row) (*domain.Session, error) {
	var session domain.Session
	var status string
	err := row.Scan(
		&session.ID,
		&session.TherapistID,
		&session.PatientID,
		&session.Title,
		&session.StartTime,
		&session.EndTime,
		&status,
		&session.Location,
		&session.Notes,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.Status = domain.SessionStatus(status)
	return &session, nil
}

func (r *PostgresSessionRepository) loadGames(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		"SELECT game_name FROM session_games WHERE session_id = $1 ORDER BY position", sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying session games: %w", err)
	}
	defer rows.Close()

	var games []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scanning game row: %w", err)
		}
		games = append(games, g)
	}
	return games, rows.Err()
}

// Update persists the session's mutable fields.
func (r *PostgresSessionRepository) Update(ctx context.Context, session *domain.Session) error {
	query := `
		UPDATE sessions
		SET title = $2, start_time = $3, end_time = $4, status = $5,
			location = $6, notes = $7, updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query,
		session.ID,
		session.Title,
		session.StartTime,
		session.EndTime,
		string(session.Status),
		session.Location,
		session.Notes,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"session_id": session.ID,
			"error":      err,
		}).Error("Failed to update session")
		return fmt.Errorf("updating session: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes a session, its game assignments and, in cascade, the play
// outcomes tagged to it.
func (r *PostgresSessionRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM play_outcomes WHERE session_id = $1", id); err != nil {
		return fmt.Errorf("deleting session outcomes: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM session_games WHERE session_id = $1", id); err != nil {
		return fmt.Errorf("deleting session games: %w", err)
	}

	result, err := tx.Exec(ctx, "DELETE FROM sessions WHERE id = $1", id)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"session_id": id,
			"error":      err,
		}).Error("Failed to delete session")
		return fmt.Errorf("deleting session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"session_id": id,
	}).Info("Session deleted successfully")

	return nil
}

// SetGames replaces the session's assigned-game set verbatim.
func (r *PostgresSessionRepository) SetGames(ctx context.Context, id string, games []string) error {
	var exists bool
	err := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking session: %w", err)
	}
	if !exists {
		return fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.replaceGames(ctx, tx, id, games); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "UPDATE sessions SET updated_at = NOW() WHERE id = $1", id); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing games: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepository) replaceGames(ctx context.Context, tx pgx.Tx, sessionID string, games []string) error {
	if _, err := tx.Exec(ctx, "DELETE FROM session_games WHERE session_id = $1", sessionID); err != nil {
		return fmt.Errorf("clearing session games: %w", err)
	}
	for i, g := range games {
		if _, err := tx.Exec(ctx,
			"INSERT INTO session_games (session_id, position, game_name) VALUES ($1, $2, $3)",
			sessionID, i, g,
		); err != nil {
			return fmt.Errorf("inserting session game: %w", err)
		}
	}
	return nil
}

// ListByTherapist returns the therapist's sessions starting in [from, to].
func (r *PostgresSessionRepository) ListByTherapist(ctx context.Context, therapistID string, from, to time.Time) ([]*domain.Session, error) {
	query := `
		SELECT id, therapist_id, patient_id, title, start_time, end_time,
			   status, location, notes, created_at, updated_at
		FROM sessions
		WHERE therapist_id = $1 AND start_time >= $2 AND start_time <= $3
		ORDER BY start_time`

	rows, err := r.db.Query(ctx, query, therapistID, from, to)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"therapist_id": therapistID,
			"error":        err,
		}).Error("Failed to list sessions")
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	return r.collectSessions(ctx, rows)
}

// ListByPatient returns the patient's sessions starting in [from, to].
func (r *PostgresSessionRepository) ListByPatient(ctx context.Context, patientID string, from, to time.Time) ([]*domain.Session, error) {
	query := `
		SELECT id, therapist_id, patient_id, title, start_time, end_time,
			   status, location, notes, created_at, updated_at
		FROM sessions
		WHERE patient_id = $1 AND start_time >= $2 AND start_time <= $3
		ORDER BY start_time`

	rows, err := r.db.Query(ctx, query, patientID, from, to)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to list sessions")
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	return r.collectSessions(ctx, rows)
}

// ListUpcoming returns the user's next scheduled sessions after now, on
// either side of the therapist-patient relation.
func (r *PostgresSessionRepository) ListUpcoming(ctx context.Context, userID string, now time.Time, limit int) ([]*domain.Session, error) {
	query := `
		SELECT id, therapist_id, patient_id, title, start_time, end_time,
			   status, location, notes, created_at, updated_at
		FROM sessions
		WHERE (therapist_id = $1 OR patient_id = $1) AND status = 'scheduled' AND start_time > $2
		ORDER BY start_time
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, userID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing upcoming sessions: %w", err)
	}
	defer rows.Close()

	return r.collectSessions(ctx, rows)
}

func (r *PostgresSessionRepository) collectSessions(ctx context.Context, rows pgx.Rows) ([]*domain.Session, error) {
	var sessions []*domain.Session
	for rows.Next() {
		session, err := r.scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
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

// PostgresOutcomeRepository implements domain.OutcomeRepository on PostgreSQL.
type PostgresOutcomeRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPostgresOutcomeRepository creates a PostgreSQL-backed outcome repository.
func NewPostgresOutcomeRepository(db *pgxpool.Pool, logger *logrus.Logger) *PostgresOutcomeRepository {
	return &PostgresOutcomeRepository{
		db:  db,
		log: logger,
	}
}

// Create appends a play outcome. Outcomes are never updated.
func (r *PostgresOutcomeRepository) Create(ctx context.Context, outcome *domain.PlayOutcome) error {
	query := `
		INSERT INTO play_outcomes (
			id, patient_id, session_id, game_name, accuracy, avg_time, label, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)`

	_, err := r.db.Exec(ctx, query,
		outcome.ID,
		outcome.PatientID,
		outcome.SessionID,
		outcome.GameName,
		outcome.Accuracy,
		outcome.AvgTime,
		int(outcome.Label),
		outcome.CreatedAt,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"outcome_id": outcome.ID,
			"patient_id": outcome.PatientID,
			"error":      err,
		}).Error("Failed to create outcome")
		return fmt.Errorf("creating outcome: %w", err)
	}
	return nil
}

// CountBySession returns how many outcomes are tagged to the session.
func (r *PostgresOutcomeRepository) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM play_outcomes WHERE session_id = $1", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting session outcomes: %w", err)
	}
	return count, nil
}

// ListBySession returns the outcomes tagged to the session in insertion order.
func (r *PostgresOutcomeRepository) ListBySession(ctx context.Context, sessionID string) ([]*domain.PlayOutcome, error) {
	query := `
		SELECT id, patient_id, session_id, game_name, accuracy, avg_time, label, created_at
		FROM play_outcomes
		WHERE session_id = $1
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing session outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []*domain.PlayOutcome
	for rows.Next() {
		var outcome domain.PlayOutcome
		var label int
		err := rows.Scan(
			&outcome.ID,
			&outcome.PatientID,
			&outcome.SessionID,
			&outcome.GameName,
			&outcome.Accuracy,
			&outcome.AvgTime,
			&label,
			&outcome.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning outcome row: %w", err)
		}
		outcome.Label = domain.DifficultyLabel(label)
		outcomes = append(outcomes, &outcome)
	}
	return outcomes, rows.Err()
}

// CountAll returns the global outcome count driving the retrain cadence.
func (r *PostgresOutcomeRepository) CountAll(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM play_outcomes").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting outcomes: %w", err)
	}
	return count, nil
}

// AllObservations returns every recorded (accuracy, reaction time) pair with
// the reaction time converted to milliseconds.
func (r *PostgresOutcomeRepository) AllObservations(ctx context.Context) ([]domain.Observation, error) {
	rows, err := r.db.Query(ctx,
		"SELECT accuracy, avg_time * 1000 FROM play_outcomes ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("querying observations: %w", err)
	}
	defer rows.Close()

	var observations []domain.Observation
	for rows.Next() {
		var obs domain.Observation
		if err := rows.Scan(&obs.Accuracy, &obs.AvgTimeMS); err != nil {
			return nil, fmt.Errorf("scanning observation: %w", err)
		}
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

// StatsByPatient aggregates the patient's outcomes overall and per game.
func (r *PostgresOutcomeRepository) StatsByPatient(ctx context.Context, patientID string) (*domain.PatientStats, error) {
	stats := &domain.PatientStats{}

	query := `
		SELECT COUNT(*), COALESCE(AVG(accuracy), 0), COALESCE(AVG(avg_time), 0), MAX(created_at)
		FROM play_outcomes
		WHERE patient_id = $1`

	err := r.db.QueryRow(ctx, query, patientID).Scan(
		&stats.Plays, &stats.AvgAccuracy, &stats.AvgTime, &stats.LastPlayed)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to aggregate patient outcomes")
		return nil, fmt.Errorf("aggregating outcomes: %w", err)
	}

	perGame := `
		SELECT game_name, COUNT(*), AVG(accuracy), AVG(avg_time)
		FROM play_outcomes
		WHERE patient_id = $1
		GROUP BY game_name
		ORDER BY game_name`

	rows, err := r.db.Query(ctx, perGame, patientID)
	if err != nil {
		return nil, fmt.Errorf("aggregating per-game stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g domain.GameStats
		if err := rows.Scan(&g.GameName, &g.Plays, &g.AvgAccuracy, &g.AvgTime); err != nil {
			return nil, fmt.Errorf("scanning game stats: %w", err)
		}
		stats.PerGame = append(stats.PerGame, g)
	}
	return stats, rows.Err()
}

// PostgresProfileRepository implements domain.ProfileRepository on
// PostgreSQL. The history is stored as a JSONB document.
type PostgresProfileRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPostgresProfileRepository creates a PostgreSQL-backed profile repository.
func NewPostgresProfileRepository(db *pgxpool.Pool, logger *logrus.Logger) *PostgresProfileRepository {
	return &PostgresProfileRepository{
		db:  db,
		log: logger,
	}
}

// Get returns the patient's profile, or nil when none has been created yet.
func (r *PostgresProfileRepository) Get(ctx context.Context, patientID string) (*domain.PatientProfile, error) {
	query := `
		SELECT history, avg_accuracy, avg_time_ms, plays, updated_at
		FROM patient_profiles
		WHERE patient_id = $1`

	profile := &domain.PatientProfile{PatientID: patientID}
	var history []byte

	err := r.db.QueryRow(ctx, query, patientID).Scan(
		&history, &profile.KPIs.AvgAccuracy, &profile.KPIs.AvgTimeMS,
		&profile.KPIs.Plays, &profile.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting profile: %w", err)
	}

	if err := json.Unmarshal(history, &profile.History); err != nil {
		return nil, fmt.Errorf("decoding profile history: %w", err)
	}
	return profile, nil
}

// Save upserts the profile.
func (r *PostgresProfileRepository) Save(ctx context.Context, profile *domain.PatientProfile) error {
	history, err := json.Marshal(profile.History)
	if err != nil {
		return fmt.Errorf("encoding profile history: %w", err)
	}

	query := `
		INSERT INTO patient_profiles (patient_id, history, avg_accuracy, avg_time_ms, plays, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (patient_id) DO UPDATE SET
			history = EXCLUDED.history,
			avg_accuracy = EXCLUDED.avg_accuracy,
			avg_time_ms = EXCLUDED.avg_time_ms,
			plays = EXCLUDED.plays,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.Exec(ctx, query,
		profile.PatientID, history, profile.KPIs.AvgAccuracy,
		profile.KPIs.AvgTimeMS, profile.KPIs.Plays, profile.UpdatedAt)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": profile.PatientID,
			"error":      err,
		}).Error("Failed to save profile")
		return fmt.Errorf("saving profile: %w", err)
	}
	return nil
}
