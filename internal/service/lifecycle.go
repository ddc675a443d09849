package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adaptive-therapy-server/internal/domain"
)

// sessionLockStripes bounds the memory used for per-session serialization.
const sessionLockStripes = 64

// LifecycleManager owns the session state machine: game assignment,
// play-window checks, per-play authorization, completion detection and
// cancellation. Status only ever moves scheduled -> completed or
// scheduled -> cancelled; terminal states are final.
type LifecycleManager struct {
	sessions domain.SessionRepository
	outcomes domain.OutcomeRepository
	profiles domain.ProfileRepository
	notifier domain.Notifier
	log      *logrus.Logger

	// strict rejects plays whose game name is not in the assigned set;
	// otherwise mismatches are only logged to tolerate legacy naming drift.
	strict      bool
	windowGrace time.Duration

	// locks serialize the count-then-compare-then-transition sequence per
	// session so concurrent submissions cannot race the completion check.
	locks [sessionLockStripes]sync.Mutex

	now func() time.Time
}

// NewLifecycleManager creates a lifecycle manager.
func NewLifecycleManager(
	sessions domain.SessionRepository,
	outcomes domain.OutcomeRepository,
	profiles domain.ProfileRepository,
	notifier domain.Notifier,
	cfg domain.EngineConfig,
	logger *logrus.Logger,
) *LifecycleManager {
	grace := cfg.GameWindowGrace
	if grace <= 0 {
		grace = 2 * time.Hour
	}
	return &LifecycleManager{
		sessions:    sessions,
		outcomes:    outcomes,
		profiles:    profiles,
		notifier:    notifier,
		log:         logger,
		strict:      cfg.StrictGameMatch,
		windowGrace: grace,
		now:         time.Now,
	}
}

func (m *LifecycleManager) sessionLock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &m.locks[h.Sum32()%sessionLockStripes]
}

// AssignGames replaces the session's assigned-game set verbatim. Last write
// wins; there are no merge semantics. Legal only while the session is still
// scheduled.
func (m *LifecycleManager) AssignGames(ctx context.Context, sessionID string, games []string) error {
	session, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != domain.StatusScheduled {
		return fmt.Errorf("assign games on %s session: %w", session.Status, domain.ErrInvalidTransition)
	}
	if err := m.sessions.SetGames(ctx, sessionID, games); err != nil {
		return fmt.Errorf("assigning games: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"games":      games,
	}).Info("Session games assigned")
	return nil
}

// AuthorizePlay decides whether the requester may record a play for the
// given game in the given session. Checks run in order: the session must
// exist; a patient requester must be the session's patient; the session must
// not already be completed; and the game name must match the assigned set
// when one exists (mismatch is logged, and denied only in strict mode). A
// denial has no side effects.
func (m *LifecycleManager) AuthorizePlay(ctx context.Context, sessionID, requesterID string, role domain.Role, gameName string) error {
	session, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}

	if role == domain.RolePatient && session.PatientID != requesterID {
		return domain.NewAuthzError(domain.DenyNotOwner, "session belongs to another patient")
	}

	if session.Status == domain.StatusCompleted {
		return domain.NewAuthzError(domain.DenyAlreadyCompleted, "session is already completed")
	}

	if len(session.Games) > 0 && !gameAssigned(session.Games, gameName) {
		m.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"game_name":  gameName,
			"assigned":   session.Games,
		}).Warn("Game mismatch: played game is not in the session's assigned set")
		if m.strict {
			return domain.NewAuthzError(domain.DenyGameNotAssigned, "game is not assigned to this session")
		}
	}

	return nil
}

// RecordCompletionCheck transitions the session to completed once the number
// of outcomes tagged to it reaches the number of assigned games. Sessions
// with no assigned games never auto-complete; they must be closed
// explicitly. The check is serialized per session and idempotent: once the
// session is terminal it is a no-op.
func (m *LifecycleManager) RecordCompletionCheck(ctx context.Context, sessionID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != domain.StatusScheduled {
		return nil
	}

	assigned := len(session.Games)
	if assigned == 0 {
		return nil
	}

	played, err := m.outcomes.CountBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("counting session outcomes: %w", err)
	}
	if played < int64(assigned) {
		return nil
	}

	now := m.now().UTC()
	session.Status = domain.StatusCompleted
	session.EndTime = &now
	if err := m.sessions.Update(ctx, session); err != nil {
		return fmt.Errorf("completing session: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"played":     played,
		"assigned":   assigned,
	}).Info("Session auto-completed")

	m.notify(ctx, session.TherapistID,
		fmt.Sprintf("Sesión %s completada por el paciente", sessionID), "/therapist/patients")
	return nil
}

// CompleteNow is the therapist's explicit close. It transitions a scheduled
// session to completed (an already-completed session is only re-aggregated)
// and merges the session's outcomes into the patient's running profile:
// history entries are appended, headline KPIs replaced. Cancelled sessions
// cannot be closed.
func (m *LifecycleManager) CompleteNow(ctx context.Context, sessionID, requesterID string) (*domain.PatientProfile, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.TherapistID != requesterID {
		return nil, domain.NewAuthzError(domain.DenyNotOwner, "session belongs to another therapist")
	}
	if session.Status == domain.StatusCancelled {
		return nil, fmt.Errorf("complete on cancelled session: %w", domain.ErrInvalidTransition)
	}

	if session.Status == domain.StatusScheduled {
		now := m.now().UTC()
		session.Status = domain.StatusCompleted
		session.EndTime = &now
		if err := m.sessions.Update(ctx, session); err != nil {
			return nil, fmt.Errorf("completing session: %w", err)
		}
	}

	profile, err := m.mergeSessionIntoProfile(ctx, session)
	if err != nil {
		return nil, err
	}

	m.notify(ctx, session.TherapistID,
		fmt.Sprintf("Sesión %s completada", sessionID), "/therapist/reports")
	m.notify(ctx, session.PatientID,
		"Sesión completada. ¡Buen trabajo!", "/patient/progress")
	return profile, nil
}

// Cancel moves a scheduled session to cancelled. Therapist-only; terminal
// states cannot be cancelled.
func (m *LifecycleManager) Cancel(ctx context.Context, sessionID, requesterID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.TherapistID != requesterID {
		return domain.NewAuthzError(domain.DenyNotOwner, "session belongs to another therapist")
	}
	if session.Status != domain.StatusScheduled {
		return fmt.Errorf("cancel on %s session: %w", session.Status, domain.ErrInvalidTransition)
	}

	session.Status = domain.StatusCancelled
	if err := m.sessions.Update(ctx, session); err != nil {
		return fmt.Errorf("cancelling session: %w", err)
	}

	m.notify(ctx, session.PatientID,
		fmt.Sprintf("Tu sesión programada (%s) ha sido cancelada.", session.Title), "/patient/calendar")
	return nil
}

// GameWindow reports whether the session's games are currently unlocked and
// returns the assigned set. A session with no explicit end time stays open
// for the configured grace period after its start.
func (m *LifecycleManager) GameWindow(ctx context.Context, sessionID string) (bool, []string, error) {
	session, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return false, nil, err
	}

	end := session.StartTime.Add(m.windowGrace)
	if session.EndTime != nil {
		end = *session.EndTime
	}
	now := m.now().UTC()
	enabled := session.Status == domain.StatusScheduled &&
		!now.Before(session.StartTime) && !now.After(end)

	return enabled, session.Games, nil
}

// mergeSessionIntoProfile aggregates the session's outcomes and merges them
// additively into the patient profile. A session without outcomes leaves the
// profile untouched.
func (m *LifecycleManager) mergeSessionIntoProfile(ctx context.Context, session *domain.Session) (*domain.PatientProfile, error) {
	metrics, err := m.outcomes.ListBySession(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("listing session outcomes: %w", err)
	}
	if len(metrics) == 0 {
		return nil, nil
	}

	var sumAcc, sumTimeMS float64
	records := make([]domain.PlayRecord, 0, len(metrics))
	for _, o := range metrics {
		sumAcc += o.Accuracy
		sumTimeMS += o.AvgTimeMS()
		records = append(records, domain.PlayRecord{
			GameName:  o.GameName,
			Accuracy:  o.Accuracy,
			AvgTimeMS: o.AvgTimeMS(),
			Label:     o.Label,
			Date:      o.CreatedAt,
		})
	}
	plays := len(metrics)

	profile, err := m.profiles.Get(ctx, session.PatientID)
	if err != nil {
		return nil, fmt.Errorf("loading patient profile: %w", err)
	}
	if profile == nil {
		profile = &domain.PatientProfile{PatientID: session.PatientID}
	}

	profile.History = append(profile.History, records...)
	profile.KPIs = domain.ProfileKPIs{
		AvgAccuracy: sumAcc / float64(plays),
		AvgTimeMS:   sumTimeMS / float64(plays),
		Plays:       plays,
	}
	profile.UpdatedAt = m.now().UTC()

	if err := m.profiles.Save(ctx, profile); err != nil {
		return nil, fmt.Errorf("saving patient profile: %w", err)
	}
	return profile, nil
}

func (m *LifecycleManager) notify(ctx context.Context, userID, message, link string) {
	if m.notifier == nil {
		return
	}
	n := &domain.Notification{UserID: userID, Message: message, Link: link, CreatedAt: m.now().UTC()}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.log.WithFields(logrus.Fields{
			"user_id": userID,
			"error":   err,
		}).Warn("Notification dispatch failed")
	}
}

// normalizeGameName folds a game identifier for comparison: lower case,
// ".html" removed, underscores as spaces. Tolerates the naming drift between
// uploaded game files and assigned titles.
func normalizeGameName(name string) string {
	n := strings.ToLower(name)
	n = strings.ReplaceAll(n, ".html", "")
	n = strings.ReplaceAll(n, "_", " ")
	return n
}

func gameAssigned(assigned []string, gameName string) bool {
	want := normalizeGameName(gameName)
	for _, g := range assigned {
		if normalizeGameName(g) == want {
			return true
		}
	}
	return false
}
