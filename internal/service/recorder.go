package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/adaptive-therapy-server/internal/domain"
)

// Recorder is the metrics write path: it labels a finished round, persists
// the outcome, triggers the session completion check and fires retrains on
// the configured cadence. Recording must succeed even when everything past
// the insert fails.
type Recorder struct {
	outcomes   domain.OutcomeRepository
	lifecycle  *LifecycleManager
	classifier *DifficultyClassifier
	log        *logrus.Logger

	retrainEvery int
	// retrainGate throttles back-to-back retrains. The cadence is a
	// heuristic; skipping a tick costs nothing but a slightly staler model.
	retrainGate *rate.Limiter
	// retrainCh decouples refitting from the latency-sensitive write path:
	// RecordPlay only emits an event here; Run refits. Capacity one — a
	// pending retrain already covers every event raised before it starts.
	retrainCh chan int64

	now func() time.Time
}

// NewRecorder creates a metrics recorder.
func NewRecorder(
	outcomes domain.OutcomeRepository,
	lifecycle *LifecycleManager,
	classifier *DifficultyClassifier,
	cfg domain.EngineConfig,
	logger *logrus.Logger,
) *Recorder {
	every := cfg.RetrainEvery
	if every <= 0 {
		every = 5
	}
	minInterval := cfg.RetrainMinInterval
	if minInterval <= 0 {
		minInterval = time.Second
	}
	return &Recorder{
		outcomes:     outcomes,
		lifecycle:    lifecycle,
		classifier:   classifier,
		log:          logger,
		retrainEvery: every,
		retrainGate:  rate.NewLimiter(rate.Every(minInterval), 1),
		retrainCh:    make(chan int64, 1),
		now:          time.Now,
	}
}

// Run consumes retrain-due events until the context is cancelled. Callers
// start it once, in its own goroutine, alongside the server.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case count := <-r.retrainCh:
			r.runRetrain(ctx, count)
		}
	}
}

// RecordPlay classifies and persists one finished round. The label is always
// produced by a live prediction, never trusted from the caller. After the
// insert it runs the session completion check (when the play is tagged to a
// session) and, when the global outcome count hits the retrain cadence,
// emits a retrain-due event for the Run worker. Both follow-ups are
// best-effort: their failures are logged and the recorded outcome stands.
func (r *Recorder) RecordPlay(ctx context.Context, patientID string, sessionID *string, gameName string, accuracy, avgTimeSec float64) (*domain.PlayOutcome, *Prediction, error) {
	pred, err := r.classifier.Predict(ctx, accuracy, avgTimeSec*1000)
	if err != nil {
		return nil, nil, err
	}

	outcome := &domain.PlayOutcome{
		ID:        uuid.New().String(),
		PatientID: patientID,
		SessionID: sessionID,
		GameName:  gameName,
		Accuracy:  accuracy,
		AvgTime:   avgTimeSec,
		Label:     pred.Label,
		CreatedAt: r.now().UTC(),
	}
	if err := outcome.Validate(); err != nil {
		return nil, nil, err
	}
	if err := r.outcomes.Create(ctx, outcome); err != nil {
		return nil, nil, fmt.Errorf("persisting play outcome: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"patient_id": patientID,
		"game_name":  gameName,
		"accuracy":   accuracy,
		"label":      pred.Label.String(),
	}).Info("Play outcome recorded")

	if sessionID != nil {
		if err := r.lifecycle.RecordCompletionCheck(ctx, *sessionID); err != nil {
			r.log.WithFields(logrus.Fields{
				"session_id": *sessionID,
				"error":      err,
			}).Error("Session completion check failed")
		}
	}

	r.signalRetrain(ctx)

	return outcome, pred, nil
}

// signalRetrain emits a retrain-due event when the global outcome count is a
// positive multiple of the cadence. The event is dropped if one is already
// pending: the upcoming refit reads the full history anyway.
func (r *Recorder) signalRetrain(ctx context.Context) {
	count, err := r.outcomes.CountAll(ctx)
	if err != nil {
		r.log.WithField("error", err).Error("Counting outcomes for retrain cadence failed")
		return
	}
	if count == 0 || count%int64(r.retrainEvery) != 0 {
		return
	}
	select {
	case r.retrainCh <- count:
	default:
		r.log.WithField("count", count).Debug("Retrain already pending, event coalesced")
	}
}

// runRetrain performs one full refit. Never propagates an error: a failed or
// throttled retrain leaves the previous model serving.
func (r *Recorder) runRetrain(ctx context.Context, count int64) {
	if !r.retrainGate.Allow() {
		r.log.WithField("count", count).Debug("Retrain throttled")
		return
	}

	observations, err := r.outcomes.AllObservations(ctx)
	if err != nil {
		r.log.WithField("error", err).Error("Loading observations for retrain failed")
		return
	}
	if err := r.classifier.Retrain(ctx, observations); err != nil {
		r.log.WithFields(logrus.Fields{
			"count": count,
			"error": err,
		}).Error("Scheduled retrain failed, previous model kept")
		return
	}

	r.log.WithField("count", count).Info("Cadence retrain completed")
}
