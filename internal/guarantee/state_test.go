package guarantee

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mmeshcher/guarantee-service/internal/model"
)

func TestComputeState(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		elapsed time.Duration
		bestLen int
		status  model.EnrollmentStatus
		want    model.ComputedState
	}{
		{
			name:    "day 3 inside unconditional window",
			elapsed: 3 * day,
			status:  model.EnrollmentStatusActive,
			want:    model.StateUnconditionalWindow,
		},
		{
			name:    "exactly 7 days still unconditional",
			elapsed: 7 * day,
			status:  model.EnrollmentStatusActive,
			want:    model.StateUnconditionalWindow,
		},
		{
			name:    "start date in the future",
			elapsed: -2 * time.Hour,
			status:  model.EnrollmentStatusActive,
			want:    model.StateUnconditionalWindow,
		},
		{
			name:    "just after 7 days is conditional running",
			elapsed: 7*day + time.Second,
			bestLen: 7,
			status:  model.EnrollmentStatusActive,
			want:    model.StateConditionalRunning,
		},
		{
			name:    "day 10 with short streak",
			elapsed: 10 * day,
			bestLen: 5,
			status:  model.EnrollmentStatusActive,
			want:    model.StateConditionalRunning,
		},
		{
			name:    "day 15 with required streak",
			elapsed: 15 * day,
			bestLen: 21,
			status:  model.EnrollmentStatusActive,
			want:    model.StateConditionalMet,
		},
		{
			name:    "exactly 30 days still running",
			elapsed: 30 * day,
			bestLen: 20,
			status:  model.EnrollmentStatusActive,
			want:    model.StateConditionalRunning,
		},
		{
			name:    "day 40 without streak expires",
			elapsed: 40 * day,
			bestLen: 10,
			status:  model.EnrollmentStatusActive,
			want:    model.StateExpired,
		},
		{
			name:    "condition met before cutoff survives it",
			elapsed: 40 * day,
			bestLen: 22,
			status:  model.EnrollmentStatusActive,
			want:    model.StateConditionalMet,
		},
		{
			name:    "refunded overrides dates",
			elapsed: 2 * day,
			status:  model.EnrollmentStatusRefunded,
			want:    model.StateRefunded,
		},
		{
			name:    "denied overrides streak",
			elapsed: 15 * day,
			bestLen: 25,
			status:  model.EnrollmentStatusDenied,
			want:    model.StateDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeState(start.Add(tt.elapsed), start, tt.bestLen, tt.status)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeState_Scenario(t *testing.T) {
	start := time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)
	active := model.EnrollmentStatusActive

	assert.Equal(t, model.StateUnconditionalWindow, ComputeState(start.Add(3*day), start, 0, active))
	assert.Equal(t, model.StateConditionalRunning, ComputeState(start.Add(10*day), start, 5, active))
	assert.Equal(t, model.StateConditionalMet, ComputeState(start.Add(15*day), start, 21, active))
	assert.Equal(t, model.StateExpired, ComputeState(start.Add(40*day), start, 10, active))
}

func TestRefundEligible(t *testing.T) {
	eligible := map[model.ComputedState]bool{
		model.StateUnconditionalWindow: true,
		model.StateConditionalMet:      true,
	}

	for _, s := range model.ComputedStates {
		assert.Equal(t, eligible[s], RefundEligible(s), "state %s", s)
	}
}

func TestView(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := model.Enrollment{
		StartDate: start,
		Status:    model.EnrollmentStatusActive,
		BestLen:   4,
	}

	v := View(start.Add(3*day+12*time.Hour), e)
	assert.Equal(t, model.StateUnconditionalWindow, v.State)
	assert.Equal(t, 3, v.DaysElapsed)
	assert.Equal(t, 27, v.DaysRemaining)

	v = View(start.Add(45*day), e)
	assert.Equal(t, model.StateExpired, v.State)
	assert.Equal(t, 0, v.DaysRemaining)

	e.Status = model.EnrollmentStatusDenied
	v = View(start.Add(10*day), e)
	assert.Equal(t, model.StateDenied, v.State)
	assert.Equal(t, 0, v.DaysRemaining)
}
