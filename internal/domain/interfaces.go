package domain

import (
	"context"
	"time"
)

// SessionRepository persists therapy sessions and their assigned-game sets.
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, session *Session) error
	// Delete removes a session and cascades to the play outcomes tagged to it.
	Delete(ctx context.Context, id string) error
	// SetGames replaces the assigned-game set verbatim, preserving order.
	SetGames(ctx context.Context, id string, games []string) error
	ListByTherapist(ctx context.Context, therapistID string, from, to time.Time) ([]*Session, error)
	ListByPatient(ctx context.Context, patientID string, from, to time.Time) ([]*Session, error)
	// ListUpcoming returns the user's next scheduled sessions, whether they
	// participate as therapist or as patient.
	ListUpcoming(ctx context.Context, userID string, now time.Time, limit int) ([]*Session, error)
}

// OutcomeRepository persists play outcomes. Outcomes are append-only.
type OutcomeRepository interface {
	Create(ctx context.Context, outcome *PlayOutcome) error
	CountBySession(ctx context.Context, sessionID string) (int64, error)
	ListBySession(ctx context.Context, sessionID string) ([]*PlayOutcome, error)
	CountAll(ctx context.Context) (int64, error)
	// AllObservations returns the full historical (accuracy, reaction time)
	// pool the classifier retrains on. Reaction times are in milliseconds.
	AllObservations(ctx context.Context) ([]Observation, error)
	StatsByPatient(ctx context.Context, patientID string) (*PatientStats, error)
}

// ProfileRepository persists per-patient game profiles.
type ProfileRepository interface {
	Get(ctx context.Context, patientID string) (*PatientProfile, error)
	Save(ctx context.Context, profile *PatientProfile) error
}

// Notifier dispatches fire-and-forget user notifications. Implementations
// must never block the write path on delivery.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// ConfigManager provides access to the application configuration.
type ConfigManager interface {
	GetConfig() *Config
	GetServerConfig() *ServerConfig
	GetDatabaseConfig() *DatabaseConfig
	GetEngineConfig() *EngineConfig
	Validate() error
}
