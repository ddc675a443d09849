package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adaptive-therapy-server/internal/domain"
)

// In-memory repositories backing the service tests. They honor the same
// contracts as the SQL implementations: copy-on-read sessions, append-only
// outcomes, cascade on delete.

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	outcomes *memOutcomeRepo
}

func newMemSessionRepo(outcomes *memOutcomeRepo) *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*domain.Session), outcomes: outcomes}
}

func copySession(s *domain.Session) *domain.Session {
	cp := *s
	cp.Games = append([]string(nil), s.Games...)
	if s.EndTime != nil {
		end := *s.EndTime
		cp.EndTime = &end
	}
	return &cp
}

func (r *memSessionRepo) Create(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = copySession(session)
	return nil
}

func (r *memSessionRepo) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copySession(s), nil
}

func (r *memSessionRepo) Update(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.ID]; !ok {
		return domain.ErrNotFound
	}
	r.sessions[session.ID] = copySession(session)
	return nil
}

func (r *memSessionRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.sessions, id)
	if r.outcomes != nil {
		r.outcomes.deleteBySession(id)
	}
	return nil
}

func (r *memSessionRepo) SetGames(ctx context.Context, id string, games []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Games = append([]string(nil), games...)
	return nil
}

func (r *memSessionRepo) ListByTherapist(ctx context.Context, therapistID string, from, to time.Time) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.sessions {
		if s.TherapistID == therapistID && !s.StartTime.Before(from) && !s.StartTime.After(to) {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *memSessionRepo) ListByPatient(ctx context.Context, patientID string, from, to time.Time) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.sessions {
		if s.PatientID == patientID && !s.StartTime.Before(from) && !s.StartTime.After(to) {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *memSessionRepo) ListUpcoming(ctx context.Context, userID string, now time.Time, limit int) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.sessions {
		if (s.TherapistID == userID || s.PatientID == userID) && s.Status == domain.StatusScheduled && s.StartTime.After(now) {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memOutcomeRepo struct {
	mu       sync.Mutex
	outcomes []*domain.PlayOutcome
}

func newMemOutcomeRepo() *memOutcomeRepo {
	return &memOutcomeRepo{}
}

func (r *memOutcomeRepo) Create(ctx context.Context, outcome *domain.PlayOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *outcome
	if outcome.SessionID != nil {
		sid := *outcome.SessionID
		cp.SessionID = &sid
	}
	r.outcomes = append(r.outcomes, &cp)
	return nil
}

func (r *memOutcomeRepo) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, o := range r.outcomes {
		if o.SessionID != nil && *o.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func (r *memOutcomeRepo) ListBySession(ctx context.Context, sessionID string) ([]*domain.PlayOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.PlayOutcome
	for _, o := range r.outcomes {
		if o.SessionID != nil && *o.SessionID == sessionID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memOutcomeRepo) CountAll(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.outcomes)), nil
}

func (r *memOutcomeRepo) AllObservations(ctx context.Context) ([]domain.Observation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obs := make([]domain.Observation, 0, len(r.outcomes))
	for _, o := range r.outcomes {
		obs = append(obs, domain.Observation{Accuracy: o.Accuracy, AvgTimeMS: o.AvgTimeMS()})
	}
	return obs, nil
}

func (r *memOutcomeRepo) StatsByPatient(ctx context.Context, patientID string) (*domain.PatientStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &domain.PatientStats{}
	perGame := make(map[string]*domain.GameStats)
	var sumAcc, sumTime float64
	for _, o := range r.outcomes {
		if o.PatientID != patientID {
			continue
		}
		stats.Plays++
		sumAcc += o.Accuracy
		sumTime += o.AvgTime
		if stats.LastPlayed == nil || o.CreatedAt.After(*stats.LastPlayed) {
			t := o.CreatedAt
			stats.LastPlayed = &t
		}
		g, ok := perGame[o.GameName]
		if !ok {
			g = &domain.GameStats{GameName: o.GameName}
			perGame[o.GameName] = g
		}
		g.Plays++
		g.AvgAccuracy += o.Accuracy
		g.AvgTime += o.AvgTime
	}
	if stats.Plays > 0 {
		stats.AvgAccuracy = sumAcc / float64(stats.Plays)
		stats.AvgTime = sumTime / float64(stats.Plays)
	}
	for _, g := range perGame {
		g.AvgAccuracy /= float64(g.Plays)
		g.AvgTime /= float64(g.Plays)
		stats.PerGame = append(stats.PerGame, *g)
	}
	sort.Slice(stats.PerGame, func(i, j int) bool { return stats.PerGame[i].GameName < stats.PerGame[j].GameName })
	return stats, nil
}

func (r *memOutcomeRepo) deleteBySession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.outcomes[:0]
	for _, o := range r.outcomes {
		if o.SessionID == nil || *o.SessionID != sessionID {
			kept = append(kept, o)
		}
	}
	r.outcomes = kept
}

type memProfileRepo struct {
	mu       sync.Mutex
	profiles map[string]*domain.PatientProfile
}

func newMemProfileRepo() *memProfileRepo {
	return &memProfileRepo{profiles: make(map[string]*domain.PatientProfile)}
}

func (r *memProfileRepo) Get(ctx context.Context, patientID string) (*domain.PatientProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[patientID]
	if !ok {
		return nil, nil
	}
	cp := *p
	cp.History = append([]domain.PlayRecord(nil), p.History...)
	return &cp, nil
}

func (r *memProfileRepo) Save(ctx context.Context, profile *domain.PatientProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *profile
	cp.History = append([]domain.PlayRecord(nil), profile.History...)
	r.profiles[profile.PatientID] = &cp
	return nil
}

// recordingNotifier captures notifications for assertion.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []*domain.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification *domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *recordingNotifier) forUser(userID string) []*domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*domain.Notification
	for _, s := range n.sent {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}
