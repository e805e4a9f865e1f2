package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/mmeshcher/guarantee-service/internal/metrics"
	"github.com/mmeshcher/guarantee-service/internal/model"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

type checkoutSession struct {
	ID                string `json:"id"`
	Mode              string `json:"mode"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	ClientReferenceID string `json:"client_reference_id"`
}

type stripeSubscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

// StripeWebhook проверяет подпись Stripe и обрабатывает событие.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	}()

	if strings.TrimSpace(h.webhookSecret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	if err := h.handleStripeEvent(r.Context(), &event); err != nil {
		h.logger.Error("stripe webhook processing failed",
			zap.Error(err),
			zap.String("eventID", event.ID),
			zap.String("type", eventType),
		)
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func (h *Handler) handleStripeEvent(ctx context.Context, event *stripelib.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.handleCheckout(ctx, session, time.Unix(event.Created, 0).UTC())

	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.service.HandleSubscriptionDeleted(ctx, sub.ID)

	default:
		h.logger.Info("stripe webhook ignored",
			zap.String("type", string(event.Type)),
			zap.String("eventID", event.ID),
		)
		return nil
	}
}

func (h *Handler) handleCheckout(ctx context.Context, session checkoutSession, startDate time.Time) error {
	if session.Mode != "" && session.Mode != "subscription" {
		h.logger.Info("checkout session ignored", zap.String("sessionID", session.ID), zap.String("mode", session.Mode))
		return nil
	}

	// Повторная доставка бесполезна: без пользователя гарантию не к кому привязать.
	userID, err := uuid.Parse(strings.TrimSpace(session.ClientReferenceID))
	if err != nil || userID == uuid.Nil {
		h.logger.Warn("checkout session without user reference",
			zap.String("sessionID", session.ID),
			zap.String("clientReferenceID", session.ClientReferenceID),
		)
		return nil
	}

	_, created, err := h.service.HandleCheckoutCompleted(ctx, model.NewPurchase{
		UserID:               userID,
		PurchaseID:           session.ID,
		StripeCustomerID:     session.Customer,
		StripeSubscriptionID: session.Subscription,
		StartDate:            startDate,
	})
	if err != nil {
		return err
	}

	if !created {
		h.logger.Info("checkout session already enrolled", zap.String("sessionID", session.ID))
	}
	return nil
}
