// Package service реализует бизнес-логику сервиса гарантий.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/guarantee-service/internal/events"
	"github.com/mmeshcher/guarantee-service/internal/guarantee"
	"github.com/mmeshcher/guarantee-service/internal/metrics"
	"github.com/mmeshcher/guarantee-service/internal/model"
	"github.com/mmeshcher/guarantee-service/internal/repository"
)

var (
	// ErrNotEligible возвращается при попытке возврата по гарантии в неподходящем состоянии.
	ErrNotEligible = errors.New("enrollment is not eligible for refund")
	// ErrAlreadyDecided возвращается, если по гарантии уже принято противоположное решение.
	ErrAlreadyDecided = errors.New("enrollment already has a terminal decision")
	// ErrBillingNotConfigured возвращается, если клиент Stripe не настроен.
	ErrBillingNotConfigured = errors.New("billing provider not configured")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	GetProfileRole(ctx context.Context, userID uuid.UUID) (model.Role, error)
	GetEnrollment(ctx context.Context, id uuid.UUID) (*model.Enrollment, error)
	GetLatestEnrollmentByUser(ctx context.Context, userID uuid.UUID) (*model.Enrollment, error)
	ListEnrollments(ctx context.Context) ([]model.Enrollment, error)
	GetRefundTarget(ctx context.Context, id uuid.UUID) (*model.RefundTarget, error)
	DecideEnrollment(ctx context.Context, id uuid.UUID, d model.Decision) error
	ApplyRefund(ctx context.Context, id, userID uuid.UUID, d model.Decision) error
	UpdateStreak(ctx context.Context, userID uuid.UUID, apply func(e *model.Enrollment) (bool, error)) (*model.Enrollment, error)
	CreateEnrollment(ctx context.Context, p model.NewPurchase) (*model.Enrollment, bool, error)
	CancelSubscriberBySubscription(ctx context.Context, subscriptionID string) (uuid.UUID, error)
}

// Billing описывает операции платёжного провайдера.
type Billing interface {
	RefundLatestPayment(ctx context.Context, subscriptionID string) (string, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// Service содержит бизнес-логику сервиса гарантий.
type Service struct {
	repo    Repository
	billing Billing
	bus     *events.Bus
	logger  *zap.Logger
	now     func() time.Time
}

// NewService создаёт новый сервис. billing может быть nil, тогда возвраты недоступны.
func NewService(repo Repository, billing Billing, bus *events.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		billing: billing,
		bus:     bus,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// IsAdmin сообщает, имеет ли пользователь роль администратора.
// Отсутствие профиля означает отсутствие прав.
func (s *Service) IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error) {
	role, err := s.repo.GetProfileRole(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrProfileNotFound) {
			return false, nil
		}
		return false, err
	}
	return role == model.RoleAdmin, nil
}

// DenyEnrollment отклоняет гарантию. Повторный отказ не меняет запись и возвращает true.
func (s *Service) DenyEnrollment(ctx context.Context, id, adminID uuid.UUID, reason string) (bool, error) {
	already, err := s.deny(ctx, id, adminID, reason)
	metrics.DecisionsTotal.WithLabelValues("deny", decisionOutcome(already, err)).Inc()
	return already, err
}

func (s *Service) deny(ctx context.Context, id, adminID uuid.UUID, reason string) (bool, error) {
	e, err := s.repo.GetEnrollment(ctx, id)
	if err != nil {
		return false, err
	}

	switch e.Status {
	case model.EnrollmentStatusDenied:
		return true, nil
	case model.EnrollmentStatusRefunded:
		return false, ErrAlreadyDecided
	}

	decision := model.Decision{
		Status:    model.EnrollmentStatusDenied,
		Reason:    reason,
		DecidedAt: s.now(),
		DecidedBy: adminID,
	}

	if err := s.repo.DecideEnrollment(ctx, id, decision); err != nil {
		if errors.Is(err, repository.ErrDecisionConflict) {
			return false, ErrAlreadyDecided
		}
		return false, err
	}

	s.logger.Info("guarantee denied",
		zap.String("enrollmentID", id.String()),
		zap.String("adminID", adminID.String()),
	)
	s.bus.Publish(events.Event{
		Kind:         events.KindEnrollmentDenied,
		EnrollmentID: id,
		UserID:       e.UserID,
		Status:       string(model.EnrollmentStatusDenied),
		OccurredAt:   decision.DecidedAt,
	})

	return false, nil
}

// RefundEnrollment возвращает оплату через Stripe, немедленно отменяет подписку и только затем
// фиксирует решение в базе. Ошибка Stripe оставляет локальные записи без изменений.
// Повторный возврат ничего не делает и возвращает true.
func (s *Service) RefundEnrollment(ctx context.Context, id, adminID uuid.UUID) (bool, error) {
	already, err := s.refund(ctx, id, adminID)
	metrics.DecisionsTotal.WithLabelValues("refund", decisionOutcome(already, err)).Inc()
	return already, err
}

func (s *Service) refund(ctx context.Context, id, adminID uuid.UUID) (bool, error) {
	target, err := s.repo.GetRefundTarget(ctx, id)
	if err != nil {
		return false, err
	}

	e := target.Enrollment
	switch e.Status {
	case model.EnrollmentStatusRefunded:
		return true, nil
	case model.EnrollmentStatusDenied:
		return false, ErrAlreadyDecided
	}

	now := s.now()
	if state := guarantee.ComputeState(now, e.StartDate, e.BestLen, e.Status); !guarantee.RefundEligible(state) {
		return false, fmt.Errorf("%w: state %s", ErrNotEligible, state)
	}

	if s.billing == nil {
		return false, ErrBillingNotConfigured
	}

	subscriptionID := target.Subscriber.StripeSubscriptionID

	refundID, err := s.billing.RefundLatestPayment(ctx, subscriptionID)
	if err != nil {
		return false, err
	}
	if refundID == "" {
		s.logger.Warn("latest invoice has no paid payment intent, nothing refunded",
			zap.String("enrollmentID", id.String()),
			zap.String("subscriptionID", subscriptionID),
		)
	}

	if err := s.billing.CancelSubscription(ctx, subscriptionID); err != nil {
		return false, err
	}

	decision := model.Decision{
		Status:    model.EnrollmentStatusRefunded,
		Reason:    guarantee.RefundReason,
		DecidedAt: now,
		DecidedBy: adminID,
	}

	if err := s.repo.ApplyRefund(ctx, id, e.UserID, decision); err != nil {
		s.logger.Error("stripe refund applied but enrollment was not updated",
			zap.String("enrollmentID", id.String()),
			zap.String("subscriptionID", subscriptionID),
			zap.String("refundID", refundID),
			zap.Error(err),
		)
		return false, fmt.Errorf("record refund: %w", err)
	}

	s.logger.Info("guarantee refunded",
		zap.String("enrollmentID", id.String()),
		zap.String("adminID", adminID.String()),
		zap.String("refundID", refundID),
	)
	s.bus.Publish(events.Event{
		Kind:         events.KindEnrollmentRefunded,
		EnrollmentID: id,
		UserID:       e.UserID,
		Status:       string(model.EnrollmentStatusRefunded),
		OccurredAt:   now,
	})

	return false, nil
}

func decisionOutcome(already bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case already:
		return "noop"
	default:
		return "applied"
	}
}

// GetEnrollment возвращает гарантию с состоянием на текущий момент.
func (s *Service) GetEnrollment(ctx context.Context, id uuid.UUID) (*model.EnrollmentView, error) {
	e, err := s.repo.GetEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	v := guarantee.View(s.now(), *e)
	return &v, nil
}

// ListFilter задаёт фильтр и страницу списка гарантий.
type ListFilter struct {
	State  *model.ComputedState
	Limit  int
	Offset int
}

// ListEnrollments возвращает страницу гарантий, отфильтрованных по вычисляемому состоянию,
// и общее число подходящих записей.
func (s *Service) ListEnrollments(ctx context.Context, f ListFilter) ([]model.EnrollmentView, int, error) {
	all, err := s.repo.ListEnrollments(ctx)
	if err != nil {
		return nil, 0, err
	}

	now := s.now()
	matched := make([]model.EnrollmentView, 0, len(all))
	for _, e := range all {
		v := guarantee.View(now, e)
		if f.State != nil && v.State != *f.State {
			continue
		}
		matched = append(matched, v)
	}

	total := len(matched)
	if f.Offset >= total {
		return []model.EnrollmentView{}, total, nil
	}

	end := total
	if f.Limit > 0 && f.Offset+f.Limit < total {
		end = f.Offset + f.Limit
	}

	return matched[f.Offset:end], total, nil
}

// Summary возвращает количество гарантий в каждом вычисляемом состоянии.
func (s *Service) Summary(ctx context.Context) (map[model.ComputedState]int, error) {
	all, err := s.repo.ListEnrollments(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	counts := make(map[model.ComputedState]int, len(model.ComputedStates))
	for _, st := range model.ComputedStates {
		counts[st] = 0
	}
	for _, e := range all {
		counts[guarantee.ComputeState(now, e.StartDate, e.BestLen, e.Status)]++
	}

	return counts, nil
}

// MyGuarantee возвращает последнюю гарантию пользователя.
func (s *Service) MyGuarantee(ctx context.Context, userID uuid.UUID) (*model.EnrollmentView, error) {
	e, err := s.repo.GetLatestEnrollmentByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	v := guarantee.View(s.now(), *e)
	return &v, nil
}

// RecordUsage учитывает день прослушивания в серии последней гарантии пользователя.
// День в будущем или раньше вчерашнего отклоняется с guarantee.ErrUsageDayNotAllowed.
// Дни вне окна гарантии, закрытое окно и гарантии с принятым решением серию не меняют.
func (s *Service) RecordUsage(ctx context.Context, userID uuid.UUID, day time.Time) (*model.EnrollmentView, error) {
	var changed bool
	now := s.now()

	e, err := s.repo.UpdateStreak(ctx, userID, func(e *model.Enrollment) (bool, error) {
		err := guarantee.CheckUsageDay(e.StartDate, day, now)
		if errors.Is(err, guarantee.ErrUsageDayNotAllowed) {
			return false, err
		}
		if err != nil || e.Status.IsTerminal() {
			return false, nil
		}

		before := guarantee.StreakOf(*e)
		after := guarantee.Advance(before, day)
		if after.Current == before.Current && after.Best == before.Best &&
			before.LastDate != nil && after.LastDate.Equal(*before.LastDate) {
			return false, nil
		}

		e.CurrentLen = after.Current
		e.BestLen = after.Best
		e.LastUsageDate = after.LastDate
		changed = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.bus.Publish(events.Event{
			Kind:         events.KindEnrollmentUsageRecorded,
			EnrollmentID: e.ID,
			UserID:       e.UserID,
			Status:       string(e.Status),
			BestLen:      e.BestLen,
			OccurredAt:   now,
		})
	}

	v := guarantee.View(now, *e)
	return &v, nil
}

// HandleCheckoutCompleted создаёт гарантию для завершённой покупки. Повторная доставка события
// не создаёт вторую запись.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, p model.NewPurchase) (*model.Enrollment, bool, error) {
	e, created, err := s.repo.CreateEnrollment(ctx, p)
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.Info("guarantee enrollment created",
			zap.String("enrollmentID", e.ID.String()),
			zap.String("userID", e.UserID.String()),
			zap.String("purchaseID", e.PurchaseID),
		)
		s.bus.Publish(events.Event{
			Kind:         events.KindEnrollmentCreated,
			EnrollmentID: e.ID,
			UserID:       e.UserID,
			Status:       string(e.Status),
			OccurredAt:   e.StartDate,
		})
	}

	return e, created, nil
}

// HandleSubscriptionDeleted помечает подписчика отменённым. Неизвестные подписки игнорируются.
func (s *Service) HandleSubscriptionDeleted(ctx context.Context, subscriptionID string) error {
	userID, err := s.repo.CancelSubscriberBySubscription(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriberNotFound) {
			s.logger.Info("subscription deleted for unknown subscriber", zap.String("subscriptionID", subscriptionID))
			return nil
		}
		return err
	}

	s.bus.Publish(events.Event{
		Kind:       events.KindSubscriberCanceled,
		UserID:     userID,
		Status:     "canceled",
		OccurredAt: s.now(),
	})
	return nil
}

// RefreshStateMetrics пересчитывает метрику числа гарантий по состояниям.
func (s *Service) RefreshStateMetrics(ctx context.Context) error {
	counts, err := s.Summary(ctx)
	if err != nil {
		return err
	}
	for state, n := range counts {
		metrics.EnrollmentsByState.WithLabelValues(string(state)).Set(float64(n))
	}
	return nil
}

// StartStateRefresh запускает фоновое обновление метрик состояний гарантий.
// Состояние зависит от времени, поэтому пересчитывается периодически, а не при записи.
func (s *Service) StartStateRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := s.RefreshStateMetrics(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("refresh enrollment state metrics", zap.Error(err))
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
