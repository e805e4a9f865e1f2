// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DayLayout задаёт формат дня использования в запросах.
const DayLayout = "2006-01-02"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Struct проверяет теги validate структуры и возвращает ошибку с описанием первого нарушения.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			return fmt.Errorf("%s is required", field)
		case "max":
			return fmt.Errorf("%s must be at most %s characters", field, fe.Param())
		default:
			return fmt.Errorf("%s is invalid", field)
		}
	}
	return err
}

// ParseEnrollmentID разбирает идентификатор гарантии из пути запроса.
func ParseEnrollmentID(raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, errors.New("enrollment id is required")
	}

	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, errors.New("enrollment id is invalid")
	}
	return id, nil
}

// ParseDay разбирает день в формате YYYY-MM-DD. Пустая строка означает день now по UTC.
func ParseDay(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}

	day, err := time.Parse(DayLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("day must be formatted as %s", DayLayout)
	}
	return day, nil
}
