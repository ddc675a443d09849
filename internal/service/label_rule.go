package service

import (
	"github.com/adaptive-therapy-server/internal/domain"
)

// Expert thresholds for the difficulty-decision rule. Accuracy is a
// percentage, reaction time is the mean per-item time in milliseconds.
const (
	advanceMinAccuracy = 80.0
	advanceMaxTimeMS   = 1500.0
	supportMaxAccuracy = 60.0
	supportMinTimeMS   = 2500.0
)

// ExpertLabel maps a round's (accuracy, reaction time) to a difficulty
// decision:
//
//	ADVANCE  — high accuracy and fast responses
//	SUPPORT  — low accuracy or slow responses
//	MAINTAIN — everything in between
//
// The ADVANCE condition is evaluated first, so an input that somehow
// satisfied both bounds resolves to ADVANCE. The rule is total and has no
// side effects. It doubles as the ground truth for synthetic bootstrap data
// and as the auto-labeling proxy for real observations; there is no
// human-in-the-loop correction, so the classifier learns to reproduce this
// rule rather than outgrow it. That is a known modeling limitation, kept
// deliberately.
func ExpertLabel(accuracy, avgTimeMS float64) domain.DifficultyLabel {
	if accuracy >= advanceMinAccuracy && avgTimeMS <= advanceMaxTimeMS {
		return domain.ADVANCE
	}
	if accuracy < supportMaxAccuracy || avgTimeMS > supportMinTimeMS {
		return domain.SUPPORT
	}
	return domain.MAINTAIN
}
