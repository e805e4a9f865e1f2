// Package handler содержит HTTP-обработчики API сервиса гарантий.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/guarantee-service/internal/billing"
	"github.com/mmeshcher/guarantee-service/internal/guarantee"
	"github.com/mmeshcher/guarantee-service/internal/middleware"
	"github.com/mmeshcher/guarantee-service/internal/model"
	"github.com/mmeshcher/guarantee-service/internal/repository"
	"github.com/mmeshcher/guarantee-service/internal/service"
	"github.com/mmeshcher/guarantee-service/internal/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error)
	DenyEnrollment(ctx context.Context, id, adminID uuid.UUID, reason string) (bool, error)
	RefundEnrollment(ctx context.Context, id, adminID uuid.UUID) (bool, error)
	GetEnrollment(ctx context.Context, id uuid.UUID) (*model.EnrollmentView, error)
	ListEnrollments(ctx context.Context, f service.ListFilter) ([]model.EnrollmentView, int, error)
	Summary(ctx context.Context) (map[model.ComputedState]int, error)
	MyGuarantee(ctx context.Context, userID uuid.UUID) (*model.EnrollmentView, error)
	RecordUsage(ctx context.Context, userID uuid.UUID, day time.Time) (*model.EnrollmentView, error)
	HandleCheckoutCompleted(ctx context.Context, p model.NewPurchase) (*model.Enrollment, bool, error)
	HandleSubscriptionDeleted(ctx context.Context, subscriptionID string) error
}

// Handler реализует HTTP-обработчики API сервиса гарантий.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	webhookSecret  string
	now            func() time.Time
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, webhookSecret string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		webhookSecret:  webhookSecret,
		now:            time.Now,
	}
}

type statusResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func writeStatus(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, statusResponse{OK: status == http.StatusOK, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError переводит ошибку сервиса в HTTP-статус. Сообщения зависимостей
// передаются клиенту без изменений.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string, id uuid.UUID) {
	switch {
	case errors.Is(err, repository.ErrEnrollmentNotFound), errors.Is(err, repository.ErrSubscriberNotFound):
		writeStatus(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrNotEligible), errors.Is(err, service.ErrAlreadyDecided):
		writeStatus(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error(op+" error", zap.Error(err), zap.String("enrollmentID", id.String()))

		message := err.Error()
		var perr *billing.ProviderError
		if errors.As(err, &perr) {
			message = perr.Message
		}
		writeStatus(w, http.StatusInternalServerError, message)
	}
}

type denyRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

// DenyEnrollment отклоняет гарантию с указанной причиной.
func (h *Handler) DenyEnrollment(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeStatus(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	id, err := validation.ParseEnrollmentID(chi.URLParam(r, "id"))
	if err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}

	var req denyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Reason = strings.TrimSpace(req.Reason)
	if err := validation.Struct(req); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}

	already, err := h.service.DenyEnrollment(r.Context(), id, adminID, req.Reason)
	if err != nil {
		h.writeServiceError(w, err, "deny enrollment", id)
		return
	}

	if already {
		writeStatus(w, http.StatusOK, "enrollment already denied")
		return
	}
	writeStatus(w, http.StatusOK, "enrollment denied")
}

// RefundEnrollment возвращает оплату по гарантии и отменяет подписку.
func (h *Handler) RefundEnrollment(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeStatus(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	id, err := validation.ParseEnrollmentID(chi.URLParam(r, "id"))
	if err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}

	already, err := h.service.RefundEnrollment(r.Context(), id, adminID)
	if err != nil {
		h.writeServiceError(w, err, "refund enrollment", id)
		return
	}

	if already {
		writeStatus(w, http.StatusOK, "enrollment already refunded")
		return
	}
	writeStatus(w, http.StatusOK, "refund issued and subscription canceled")
}

type enrollmentResponse struct {
	ID             string  `json:"id"`
	UserID         string  `json:"user_id"`
	PurchaseID     string  `json:"purchase_id"`
	StartDate      string  `json:"start_date"`
	Status         string  `json:"status"`
	BestLen        int     `json:"best_len"`
	CurrentLen     int     `json:"current_len"`
	LastUsageDate  *string `json:"last_usage_date,omitempty"`
	DecisionReason *string `json:"decision_reason,omitempty"`
	DecidedAt      *string `json:"decided_at,omitempty"`
	DecidedBy      *string `json:"decided_by,omitempty"`
	ComputedState  string  `json:"computed_state"`
	DaysElapsed    int     `json:"days_elapsed"`
	DaysRemaining  int     `json:"days_remaining"`
}

func toEnrollmentResponse(v model.EnrollmentView) enrollmentResponse {
	e := v.Enrollment
	resp := enrollmentResponse{
		ID:             e.ID.String(),
		UserID:         e.UserID.String(),
		PurchaseID:     e.PurchaseID,
		StartDate:      e.StartDate.Format(time.RFC3339),
		Status:         string(e.Status),
		BestLen:        e.BestLen,
		CurrentLen:     e.CurrentLen,
		DecisionReason: e.DecisionReason,
		ComputedState:  string(v.State),
		DaysElapsed:    v.DaysElapsed,
		DaysRemaining:  v.DaysRemaining,
	}

	if e.LastUsageDate != nil {
		s := e.LastUsageDate.Format(validation.DayLayout)
		resp.LastUsageDate = &s
	}
	if e.DecidedAt != nil {
		s := e.DecidedAt.Format(time.RFC3339)
		resp.DecidedAt = &s
	}
	if e.DecidedBy != nil {
		s := e.DecidedBy.String()
		resp.DecidedBy = &s
	}

	return resp
}

type listResponse struct {
	Items []enrollmentResponse `json:"items"`
	Total int                  `json:"total"`
}

// ListEnrollments возвращает страницу гарантий с вычисленными состояниями.
func (h *Handler) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter service.ListFilter

	if raw := q.Get("state"); raw != "" {
		state, ok := model.ParseComputedState(raw)
		if !ok {
			writeStatus(w, http.StatusBadRequest, "unknown state: "+raw)
			return
		}
		filter.State = &state
	}

	limit, err := queryInt(q.Get("limit"), defaultListLimit)
	if err != nil || limit <= 0 {
		writeStatus(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	filter.Limit = limit

	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeStatus(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	filter.Offset = offset

	views, total, err := h.service.ListEnrollments(r.Context(), filter)
	if err != nil {
		h.logger.Error("list enrollments error", zap.Error(err))
		writeStatus(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := listResponse{
		Items: make([]enrollmentResponse, 0, len(views)),
		Total: total,
	}
	for _, v := range views {
		resp.Items = append(resp.Items, toEnrollmentResponse(v))
	}

	writeJSON(w, http.StatusOK, resp)
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// GetSummary возвращает количество гарантий по вычисляемым состояниям.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.Summary(r.Context())
	if err != nil {
		h.logger.Error("enrollment summary error", zap.Error(err))
		writeStatus(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, counts)
}

// GetEnrollment возвращает одну гарантию.
func (h *Handler) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ParseEnrollmentID(chi.URLParam(r, "id"))
	if err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}

	v, err := h.service.GetEnrollment(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "get enrollment", id)
		return
	}

	writeJSON(w, http.StatusOK, toEnrollmentResponse(*v))
}

// GetMyGuarantee возвращает последнюю гарантию текущего пользователя.
func (h *Handler) GetMyGuarantee(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeStatus(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	v, err := h.service.MyGuarantee(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrEnrollmentNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.logger.Error("get guarantee error", zap.Error(err), zap.String("userID", userID.String()))
		writeStatus(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toEnrollmentResponse(*v))
}

type usageRequest struct {
	Day string `json:"day"`
}

// RecordUsage учитывает день прослушивания текущего пользователя.
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeStatus(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var req usageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}

	day, err := validation.ParseDay(req.Day, h.now())
	if err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}

	v, err := h.service.RecordUsage(r.Context(), userID, day)
	if err != nil {
		if errors.Is(err, repository.ErrEnrollmentNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if errors.Is(err, guarantee.ErrUsageDayNotAllowed) {
			writeStatus(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("record usage error", zap.Error(err), zap.String("userID", userID.String()))
		writeStatus(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toEnrollmentResponse(*v))
}

// Health проверяет доступность хранилища.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
