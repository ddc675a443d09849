// Package domain contains the core entities of the adaptive session engine:
// therapy sessions, per-round play outcomes and the difficulty-decision labels
// produced by the classifier.
package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DifficultyLabel is the classifier's difficulty-adjustment decision for a
// finished mini-game round. The integer codes are part of the persisted data
// and of the API contract, so they must not be renumbered.
type DifficultyLabel int

const (
	MAINTAIN DifficultyLabel = 0
	ADVANCE  DifficultyLabel = 1
	SUPPORT  DifficultyLabel = 2
)

// IsValid reports whether the label is one of the three known decisions.
func (l DifficultyLabel) IsValid() bool {
	switch l {
	case MAINTAIN, ADVANCE, SUPPORT:
		return true
	default:
		return false
	}
}

// String returns the label name for logging.
func (l DifficultyLabel) String() string {
	switch l {
	case MAINTAIN:
		return "MAINTAIN"
	case ADVANCE:
		return "ADVANCE"
	case SUPPORT:
		return "SUPPORT"
	default:
		return fmt.Sprintf("DifficultyLabel(%d)", int(l))
	}
}

// Recommendation returns the human-readable recommendation shown to
// therapists and patients. The wording is fixed; the front end renders these
// strings verbatim.
func (l DifficultyLabel) Recommendation() string {
	switch l {
	case ADVANCE:
		return "Avanzar Nivel"
	case SUPPORT:
		return "Retroceder/Apoyo"
	default:
		return "Mantener Nivel"
	}
}

// SessionStatus is the lifecycle state of a therapy session.
type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
)

// IsValid reports whether the status is a known lifecycle state.
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusScheduled, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Role is the caller's role attribute, resolved by the external auth layer.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleTherapist Role = "therapist"
	RolePatient   Role = "patient"
)

// Session is a scheduled therapist-patient activity window with a set of
// assigned mini-games and a lifecycle status. Status only ever moves
// scheduled -> completed or scheduled -> cancelled.
type Session struct {
	ID          string        `json:"id"`
	TherapistID string        `json:"therapist_id"`
	PatientID   string        `json:"patient_id"`
	Title       string        `json:"title,omitempty"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     *time.Time    `json:"end_time,omitempty"`
	Status      SessionStatus `json:"status"`
	Games       []string      `json:"games"`
	Location    string        `json:"location,omitempty"`
	Notes       string        `json:"notes,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Validate checks the invariants a session must hold before it is persisted.
func (s *Session) Validate() error {
	if s.TherapistID == "" {
		return &ValidationError{Field: "therapist_id", Message: "therapist is required"}
	}
	if s.PatientID == "" {
		return &ValidationError{Field: "patient_id", Message: "patient is required"}
	}
	if s.StartTime.IsZero() {
		return &ValidationError{Field: "start_time", Message: "start time is required"}
	}
	if s.Status != "" && !s.Status.IsValid() {
		return fmt.Errorf("session validation: %w", ErrInvalidStatus)
	}
	return nil
}

// PlayOutcome is one recorded result of a patient finishing a mini-game
// round. Outcomes are immutable once created; they are only deleted in
// cascade with the session that produced them.
type PlayOutcome struct {
	ID        string          `json:"id"`
	PatientID string          `json:"patient_id"`
	SessionID *string         `json:"session_id,omitempty"`
	GameName  string          `json:"game_name"`
	Accuracy  float64         `json:"accuracy"`
	AvgTime   float64         `json:"avg_time"` // mean per-item reaction time, seconds
	Label     DifficultyLabel `json:"prediction"`
	CreatedAt time.Time       `json:"created_at"`
}

// AvgTimeMS returns the reaction time in milliseconds, the unit the
// classifier trains and predicts on.
func (o *PlayOutcome) AvgTimeMS() float64 {
	return o.AvgTime * 1000
}

// Validate enforces the input ranges for a play outcome. Out-of-range or
// non-finite values are rejected outright, never clamped.
func (o *PlayOutcome) Validate() error {
	if o.PatientID == "" {
		return &ValidationError{Field: "patient_id", Message: "patient is required"}
	}
	if o.GameName == "" {
		return &ValidationError{Field: "game_name", Message: "game name is required"}
	}
	if math.IsNaN(o.Accuracy) || math.IsInf(o.Accuracy, 0) || o.Accuracy < 0 || o.Accuracy > 100 {
		return &ValidationError{Field: "accuracy", Message: "accuracy must be between 0 and 100", Value: o.Accuracy}
	}
	if math.IsNaN(o.AvgTime) || math.IsInf(o.AvgTime, 0) || o.AvgTime < 0 {
		return &ValidationError{Field: "avg_time", Message: "reaction time must be non-negative", Value: o.AvgTime}
	}
	if !o.Label.IsValid() {
		return fmt.Errorf("play outcome validation: %w", ErrInvalidLabel)
	}
	return nil
}

// Observation is a single (accuracy, reaction time) pair fed to retraining.
// Reaction time is in milliseconds.
type Observation struct {
	Accuracy  float64 `json:"accuracy"`
	AvgTimeMS float64 `json:"avg_time_ms"`
}

// PlayRecord is the per-round entry appended to a patient profile's history
// when a session is closed.
type PlayRecord struct {
	GameName  string          `json:"game_name"`
	Accuracy  float64         `json:"accuracy"`
	AvgTimeMS float64         `json:"avg_time_ms"`
	Label     DifficultyLabel `json:"prediction"`
	Date      time.Time       `json:"date"`
}

// ProfileKPIs are the rolling headline figures on a patient profile. They are
// replaced on every session close; History is only ever appended to.
type ProfileKPIs struct {
	AvgAccuracy float64 `json:"avg_accuracy"`
	AvgTimeMS   float64 `json:"avg_time_ms"`
	Plays       int     `json:"plays"`
}

// PatientProfile is the running per-patient game history, merged additively
// on every session close.
type PatientProfile struct {
	PatientID string       `json:"patient_id"`
	History   []PlayRecord `json:"history"`
	KPIs      ProfileKPIs  `json:"kpis"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// GameStats is a per-game aggregate over a patient's outcomes.
type GameStats struct {
	GameName    string  `json:"game_name"`
	Plays       int64   `json:"plays"`
	AvgAccuracy float64 `json:"avg_accuracy"`
	AvgTime     float64 `json:"avg_time"` // seconds
}

// PatientStats is the aggregate view of a patient's recorded outcomes.
type PatientStats struct {
	Plays       int64       `json:"plays"`
	AvgAccuracy float64     `json:"avg_accuracy"`
	AvgTime     float64     `json:"avg_time"` // seconds
	LastPlayed  *time.Time  `json:"last_played,omitempty"`
	PerGame     []GameStats `json:"per_game,omitempty"`
}

// Notification is a fire-and-forget message for a user. Delivery is
// best-effort; losing one must never fail the operation that produced it.
type Notification struct {
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Enum validation errors.
var (
	ErrInvalidStatus = errors.New("invalid session status")
	ErrInvalidLabel  = errors.New("invalid difficulty label")
)
