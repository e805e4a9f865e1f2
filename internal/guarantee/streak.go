package guarantee

import (
	"errors"
	"time"

	"github.com/mmeshcher/guarantee-service/internal/model"
)

var (
	// ErrUsageOutsideWindow возвращается для дня использования вне окна гарантии или после его закрытия.
	ErrUsageOutsideWindow = errors.New("usage day outside guarantee window")
	// ErrUsageDayNotAllowed возвращается для дня в будущем или раньше вчерашнего.
	ErrUsageDayNotAllowed = errors.New("usage day must be today or yesterday")
)

// UsageBackfill задаёт, насколько день использования может отставать от текущего дня по UTC.
// Одного дня хватает, чтобы прослушивание около полуночи в часовом поясе клиента не потерялось.
const UsageBackfill = day

// Streak описывает текущую серию ежедневного использования и её максимум.
type Streak struct {
	Current  int
	Best     int
	LastDate *time.Time
}

// StreakOf извлекает серию из записи гарантии.
func StreakOf(e model.Enrollment) Streak {
	return Streak{
		Current:  e.CurrentLen,
		Best:     e.BestLen,
		LastDate: e.LastUsageDate,
	}
}

// Truncate приводит момент времени к началу календарного дня по UTC.
func Truncate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Advance учитывает использование в день usage. Повтор того же дня и дни раньше
// последнего учтённого серию не меняют, пропуск дня начинает серию заново.
// Best никогда не уменьшается.
func Advance(s Streak, usage time.Time) Streak {
	d := Truncate(usage)

	switch {
	case s.LastDate == nil:
		s.Current = 1
	case !d.After(Truncate(*s.LastDate)):
		return s
	case d.Sub(Truncate(*s.LastDate)) == day:
		s.Current++
	default:
		s.Current = 1
	}

	s.LastDate = &d
	if s.Current > s.Best {
		s.Best = s.Current
	}
	return s
}

// CheckUsageDay проверяет день использования на момент now. Принимается только сегодняшний
// или вчерашний день, пока окно гарантии открыто, и только внутри окна.
func CheckUsageDay(startDate, usage, now time.Time) error {
	d := Truncate(usage)
	today := Truncate(now)
	if d.After(today) || d.Before(today.Add(-UsageBackfill)) {
		return ErrUsageDayNotAllowed
	}

	if now.Sub(startDate) > WindowPeriod {
		return ErrUsageOutsideWindow
	}
	if d.Before(Truncate(startDate)) || d.After(startDate.Add(WindowPeriod)) {
		return ErrUsageOutsideWindow
	}
	return nil
}
