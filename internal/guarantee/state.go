// Package guarantee вычисляет состояние гарантии возврата по датам и серии прослушиваний.
package guarantee

import (
	"time"

	"github.com/mmeshcher/guarantee-service/internal/model"
)

const (
	day = 24 * time.Hour

	// UnconditionalPeriod задаёт окно безусловного возврата от start_date.
	UnconditionalPeriod = 7 * day
	// WindowPeriod задаёт общее окно гарантии.
	WindowPeriod = 30 * day
	// RequiredStreak задаёт длину серии ежедневного использования для условного возврата.
	RequiredStreak = 21

	// RefundReason записывается в decision_reason при одобренном возврате.
	RefundReason = "guarantee refund approved"
)

// ComputeState возвращает вычисляемое состояние гарантии на момент now.
// Границы 7 и 30 дней включаются в предыдущий период.
func ComputeState(now, startDate time.Time, bestLen int, status model.EnrollmentStatus) model.ComputedState {
	switch status {
	case model.EnrollmentStatusRefunded:
		return model.StateRefunded
	case model.EnrollmentStatusDenied:
		return model.StateDenied
	}

	elapsed := now.Sub(startDate)

	if elapsed <= UnconditionalPeriod {
		return model.StateUnconditionalWindow
	}
	// best_len растёт только пока окно открыто (CheckUsageDay), поэтому выполненное условие
	// сохраняется и после него.
	if bestLen >= RequiredStreak {
		return model.StateConditionalMet
	}
	if elapsed <= WindowPeriod {
		return model.StateConditionalRunning
	}
	return model.StateExpired
}

// RefundEligible сообщает, допускает ли состояние одобрение возврата.
func RefundEligible(state model.ComputedState) bool {
	return state == model.StateUnconditionalWindow || state == model.StateConditionalMet
}

// View вычисляет состояние гарантии и счётчики дней для отображения.
func View(now time.Time, e model.Enrollment) model.EnrollmentView {
	elapsed := now.Sub(e.StartDate)
	if elapsed < 0 {
		elapsed = 0
	}

	remaining := WindowPeriod - elapsed
	if remaining < 0 || e.Status.IsTerminal() {
		remaining = 0
	}

	return model.EnrollmentView{
		Enrollment:    e,
		State:         ComputeState(now, e.StartDate, e.BestLen, e.Status),
		DaysElapsed:   int(elapsed / day),
		DaysRemaining: int((remaining + day - 1) / day),
	}
}
