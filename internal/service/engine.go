package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/adaptive-therapy-server/internal/domain"
)

// Engine is the orchestration façade the transport layer talks to. It
// composes the classifier, the session lifecycle manager and the metrics
// recorder; handlers never reach past it into the parts.
type Engine struct {
	sessions   domain.SessionRepository
	outcomes   domain.OutcomeRepository
	classifier *DifficultyClassifier
	lifecycle  *LifecycleManager
	recorder   *Recorder
	notifier   domain.Notifier
	log        *logrus.Logger

	now func() time.Time
}

// NewEngine wires the engine façade from its parts.
func NewEngine(
	sessions domain.SessionRepository,
	outcomes domain.OutcomeRepository,
	classifier *DifficultyClassifier,
	lifecycle *LifecycleManager,
	recorder *Recorder,
	notifier domain.Notifier,
	logger *logrus.Logger,
) *Engine {
	return &Engine{
		sessions:   sessions,
		outcomes:   outcomes,
		classifier: classifier,
		lifecycle:  lifecycle,
		recorder:   recorder,
		notifier:   notifier,
		log:        logger,
		now:        time.Now,
	}
}

// PredictLevel runs a stateless difficulty prediction. Nothing is persisted.
func (e *Engine) PredictLevel(ctx context.Context, accuracy, avgTimeSec float64) (*Prediction, error) {
	return e.classifier.Predict(ctx, accuracy, avgTimeSec*1000)
}

// RecordPlay is the full write path for a finished round. When the play is
// tagged to a session the requester is authorized against it first; a denial
// leaves no trace. Untagged (free-play) rounds skip authorization.
func (e *Engine) RecordPlay(ctx context.Context, requesterID string, role domain.Role, patientID string, sessionID *string, gameName string, accuracy, avgTimeSec float64) (*domain.PlayOutcome, *Prediction, error) {
	if role == domain.RolePatient && patientID != requesterID {
		return nil, nil, domain.NewAuthzError(domain.DenyNotOwner, "cannot record plays for another patient")
	}
	if sessionID != nil {
		if err := e.lifecycle.AuthorizePlay(ctx, *sessionID, requesterID, role, gameName); err != nil {
			return nil, nil, err
		}
	}
	return e.recorder.RecordPlay(ctx, patientID, sessionID, gameName, accuracy, avgTimeSec)
}

// CreateSession schedules a new session owned by the requesting therapist.
func (e *Engine) CreateSession(ctx context.Context, requesterID string, role domain.Role, session *domain.Session) (*domain.Session, error) {
	if role == domain.RolePatient {
		return nil, domain.NewAuthzError(domain.DenyRoleForbidden, "patients cannot schedule sessions")
	}
	if role == domain.RoleTherapist {
		session.TherapistID = requesterID
	}

	now := e.now().UTC()
	session.ID = uuid.New().String()
	session.Status = domain.StatusScheduled
	session.CreatedAt = now
	session.UpdatedAt = now
	if err := session.Validate(); err != nil {
		return nil, err
	}
	if err := e.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"session_id":   session.ID,
		"therapist_id": session.TherapistID,
		"patient_id":   session.PatientID,
		"start_time":   session.StartTime,
	}).Info("Session scheduled")

	e.notifyUser(ctx, session.PatientID,
		fmt.Sprintf("Nueva sesión programada para el %s", session.StartTime.Format("02/01/2006 15:04")),
		"/patient/calendar")
	return session, nil
}

// GetSession fetches one session, visible only to its therapist, its patient
// or an admin.
func (e *Engine) GetSession(ctx context.Context, requesterID string, role domain.Role, sessionID string) (*domain.Session, error) {
	session, err := e.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !canSeeSession(session, requesterID, role) {
		return nil, domain.NewAuthzError(domain.DenyNotOwner, "session belongs to another user")
	}
	return session, nil
}

// DeleteSession removes a session and, in cascade, the outcomes tagged to
// it. Only the owning therapist or an admin may delete.
func (e *Engine) DeleteSession(ctx context.Context, requesterID string, role domain.Role, sessionID string) error {
	session, err := e.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if role != domain.RoleAdmin && session.TherapistID != requesterID {
		return domain.NewAuthzError(domain.DenyNotOwner, "session belongs to another therapist")
	}
	if err := e.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	e.log.WithField("session_id", sessionID).Info("Session deleted")
	return nil
}

// SessionUpdate carries the editable session fields; nil means keep.
type SessionUpdate struct {
	Title     *string
	StartTime *time.Time
	EndTime   *time.Time
	Location  *string
	Notes     *string
}

// UpdateSession edits a scheduled session's fields. Completed and cancelled
// sessions are frozen. Only the owning therapist or an admin may edit.
func (e *Engine) UpdateSession(ctx context.Context, requesterID string, role domain.Role, sessionID string, update SessionUpdate) (*domain.Session, error) {
	session, err := e.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if role != domain.RoleAdmin && session.TherapistID != requesterID {
		return nil, domain.NewAuthzError(domain.DenyNotOwner, "session belongs to another therapist")
	}
	if session.Status != domain.StatusScheduled {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, session.Status, domain.ErrInvalidTransition)
	}

	if update.Title != nil {
		session.Title = *update.Title
	}
	if update.StartTime != nil {
		session.StartTime = *update.StartTime
	}
	if update.EndTime != nil {
		session.EndTime = update.EndTime
	}
	if update.Location != nil {
		session.Location = *update.Location
	}
	if update.Notes != nil {
		session.Notes = *update.Notes
	}
	session.UpdatedAt = e.now().UTC()

	if err := session.Validate(); err != nil {
		return nil, err
	}
	if err := e.sessions.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}

	e.log.WithField("session_id", sessionID).Info("Session updated")
	return session, nil
}

// AssignGames replaces the session's assigned-game set. Only the owning
// therapist or an admin may assign.
func (e *Engine) AssignGames(ctx context.Context, requesterID string, role domain.Role, sessionID string, games []string) error {
	session, err := e.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if role != domain.RoleAdmin && session.TherapistID != requesterID {
		return domain.NewAuthzError(domain.DenyNotOwner, "session belongs to another therapist")
	}
	if err := e.lifecycle.AssignGames(ctx, sessionID, games); err != nil {
		return err
	}

	e.notifyUser(ctx, session.PatientID,
		"Tu terapeuta ha asignado nuevos juegos a tu sesión", "/patient/sessions")
	return nil
}

// AuthorizePlay checks, without side effects, whether the requester may
// record a play for the given game in the given session.
func (e *Engine) AuthorizePlay(ctx context.Context, requesterID string, role domain.Role, sessionID, gameName string) error {
	return e.lifecycle.AuthorizePlay(ctx, sessionID, requesterID, role, gameName)
}

// CompleteSession is the therapist's explicit close, returning the updated
// patient profile.
func (e *Engine) CompleteSession(ctx context.Context, requesterID string, sessionID string) (*domain.PatientProfile, error) {
	return e.lifecycle.CompleteNow(ctx, sessionID, requesterID)
}

// CancelSession moves a scheduled session to cancelled.
func (e *Engine) CancelSession(ctx context.Context, requesterID string, sessionID string) error {
	return e.lifecycle.Cancel(ctx, sessionID, requesterID)
}

// GameWindow reports whether the session's games are currently playable and
// returns the assigned set. Visible to the session's participants only.
func (e *Engine) GameWindow(ctx context.Context, requesterID string, role domain.Role, sessionID string) (bool, []string, error) {
	session, err := e.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return false, nil, err
	}
	if !canSeeSession(session, requesterID, role) {
		return false, nil, domain.NewAuthzError(domain.DenyNotOwner, "session belongs to another user")
	}
	return e.lifecycle.GameWindow(ctx, sessionID)
}

// PatientStats aggregates a patient's recorded outcomes. Patients may only
// read their own.
func (e *Engine) PatientStats(ctx context.Context, requesterID string, role domain.Role, patientID string) (*domain.PatientStats, error) {
	if role == domain.RolePatient && patientID != requesterID {
		return nil, domain.NewAuthzError(domain.DenyNotOwner, "stats belong to another patient")
	}
	stats, err := e.outcomes.StatsByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("aggregating patient stats: %w", err)
	}
	return stats, nil
}

// ListSessions returns the caller's sessions in the given window: a
// therapist sees the sessions they scheduled, a patient the ones scheduled
// for them.
func (e *Engine) ListSessions(ctx context.Context, requesterID string, role domain.Role, from, to time.Time) ([]*domain.Session, error) {
	if role == domain.RolePatient {
		return e.sessions.ListByPatient(ctx, requesterID, from, to)
	}
	return e.sessions.ListByTherapist(ctx, requesterID, from, to)
}

// ListUpcoming returns the caller's next scheduled sessions, on either side
// of the therapist-patient relation.
func (e *Engine) ListUpcoming(ctx context.Context, requesterID string, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 10
	}
	return e.sessions.ListUpcoming(ctx, requesterID, e.now().UTC(), limit)
}

func (e *Engine) notifyUser(ctx context.Context, userID, message, link string) {
	if e.notifier == nil {
		return
	}
	n := &domain.Notification{UserID: userID, Message: message, Link: link, CreatedAt: e.now().UTC()}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.log.WithFields(logrus.Fields{
			"user_id": userID,
			"error":   err,
		}).Warn("Notification dispatch failed")
	}
}

func canSeeSession(s *domain.Session, requesterID string, role domain.Role) bool {
	switch role {
	case domain.RoleAdmin:
		return true
	case domain.RoleTherapist:
		return s.TherapistID == requesterID
	default:
		return s.PatientID == requesterID
	}
}
