package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/adaptive-therapy-server/internal/domain"
)

func TestExpertLabel(t *testing.T) {
	tests := []struct {
		name      string
		accuracy  float64
		avgTimeMS float64
		expected  domain.DifficultyLabel
	}{
		{"high accuracy fast responses", 95, 700, domain.ADVANCE},
		{"advance boundary inclusive", 80, 1500, domain.ADVANCE},
		{"just under advance accuracy", 79.9, 1500, domain.MAINTAIN},
		{"just over advance time", 80, 1500.1, domain.MAINTAIN},
		{"low accuracy", 30, 1000, domain.SUPPORT},
		{"support accuracy boundary is exclusive", 60, 2000, domain.MAINTAIN},
		{"just under support accuracy", 59.9, 2000, domain.SUPPORT},
		{"slow responses", 70, 2600, domain.SUPPORT},
		{"support time boundary is exclusive", 70, 2500, domain.MAINTAIN},
		{"just over support time", 70, 2501, domain.SUPPORT},
		{"middle of the road", 70, 2000, domain.MAINTAIN},
		{"accurate but slow falls to support", 90, 2600, domain.SUPPORT},
		{"fast but inaccurate falls to support", 50, 1000, domain.SUPPORT},
		{"zero everything", 0, 0, domain.SUPPORT},
		{"perfect instant round", 100, 0, domain.ADVANCE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExpertLabel(tt.accuracy, tt.avgTimeMS))
		})
	}
}

// The rule must be total: every input in range maps to a valid label.
func TestExpertLabel_Total(t *testing.T) {
	for acc := 0.0; acc <= 100; acc += 5 {
		for ms := 0.0; ms <= 4000; ms += 100 {
			assert.True(t, ExpertLabel(acc, ms).IsValid(), "acc=%v ms=%v", acc, ms)
		}
	}
}
