// Package model содержит доменные сущности сервиса гарантий.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Role описывает роль пользователя в таблице profiles.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// EnrollmentStatus описывает хранимый статус гарантии.
type EnrollmentStatus string

const (
	EnrollmentStatusActive   EnrollmentStatus = "active"
	EnrollmentStatusRefunded EnrollmentStatus = "refunded"
	EnrollmentStatusDenied   EnrollmentStatus = "denied"
)

// IsTerminal сообщает, зафиксировано ли решение администратора.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentStatusRefunded || s == EnrollmentStatusDenied
}

// ComputedState описывает вычисляемое состояние гарантии. В базе не хранится.
type ComputedState string

const (
	StateUnconditionalWindow ComputedState = "unconditional_window"
	StateConditionalRunning  ComputedState = "conditional_running"
	StateConditionalMet      ComputedState = "conditional_met"
	StateExpired             ComputedState = "expired"
	StateRefunded            ComputedState = "refunded"
	StateDenied              ComputedState = "denied"
)

// ComputedStates перечисляет все вычисляемые состояния в порядке жизненного цикла.
var ComputedStates = []ComputedState{
	StateUnconditionalWindow,
	StateConditionalRunning,
	StateConditionalMet,
	StateExpired,
	StateRefunded,
	StateDenied,
}

// ParseComputedState возвращает состояние по строковому значению.
func ParseComputedState(v string) (ComputedState, bool) {
	for _, s := range ComputedStates {
		if string(s) == v {
			return s, true
		}
	}
	return "", false
}

// Enrollment описывает запись о гарантии, создаваемую на каждую покупку подписки.
type Enrollment struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	PurchaseID     string
	StartDate      time.Time
	Status         EnrollmentStatus
	BestLen        int
	CurrentLen     int
	LastUsageDate  *time.Time
	DecisionReason *string
	DecidedAt      *time.Time
	DecidedBy      *uuid.UUID
	CreatedAt      time.Time
}

// Subscriber связывает пользователя с идентификаторами клиента и подписки в Stripe.
type Subscriber struct {
	UserID               uuid.UUID
	StripeCustomerID     string
	StripeSubscriptionID string
	SubscriptionStatus   string
	Subscribed           bool
}

// RefundTarget содержит гарантию вместе с данными подписчика, необходимыми для возврата.
type RefundTarget struct {
	Enrollment Enrollment
	Subscriber Subscriber
}

// Decision описывает терминальное решение администратора.
type Decision struct {
	Status    EnrollmentStatus
	Reason    string
	DecidedAt time.Time
	DecidedBy uuid.UUID
}

// EnrollmentView содержит гарантию и её состояние на момент запроса.
type EnrollmentView struct {
	Enrollment    Enrollment
	State         ComputedState
	DaysElapsed   int
	DaysRemaining int
}

// NewPurchase описывает завершённую оплату, из которой создаётся гарантия.
type NewPurchase struct {
	UserID               uuid.UUID
	PurchaseID           string
	StripeCustomerID     string
	StripeSubscriptionID string
	StartDate            time.Time
}
