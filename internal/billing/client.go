// Package billing предоставляет клиент платёжного провайдера Stripe.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/mmeshcher/guarantee-service/internal/metrics"
)

const invoicePaymentPaid = "paid"

// Client инкапсулирует вызовы Stripe, нужные для возврата по гарантии.
type Client struct {
	subscriptions subscription.Client
	refunds       refund.Client
}

// NewClient создаёт клиент Stripe с секретным ключом key.
// Если backend равен nil, используется стандартный API-бэкенд Stripe.
func NewClient(key string, backend stripe.Backend) *Client {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}

	return &Client{
		subscriptions: subscription.Client{B: backend, Key: key},
		refunds:       refund.Client{B: backend, Key: key},
	}
}

// RefundLatestPayment полностью возвращает оплату последнего счёта подписки.
// Возвращает идентификатор возврата или пустую строку, если у счёта нет оплаченного платежа.
func (c *Client) RefundLatestPayment(ctx context.Context, subscriptionID string) (string, error) {
	if c == nil {
		return "", errors.New("billing client not configured")
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("latest_invoice.payments")

	sub, err := c.subscriptions.Get(subscriptionID, params)
	metrics.StripeRequestsTotal.WithLabelValues("get_subscription", metrics.Outcome(err)).Inc()
	if err != nil {
		return "", fmt.Errorf("get subscription: %w", providerError(err))
	}

	paymentIntentID := latestPaymentIntent(sub)
	if paymentIntentID == "" {
		return "", nil
	}

	refundParams := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	refundParams.Context = ctx

	r, err := c.refunds.New(refundParams)
	metrics.StripeRequestsTotal.WithLabelValues("create_refund", metrics.Outcome(err)).Inc()
	if err != nil {
		return "", fmt.Errorf("refund payment intent %s: %w", paymentIntentID, providerError(err))
	}

	return r.ID, nil
}

// CancelSubscription немедленно отменяет подписку, не дожидаясь конца периода.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if c == nil {
		return errors.New("billing client not configured")
	}

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	_, err := c.subscriptions.Cancel(subscriptionID, params)
	metrics.StripeRequestsTotal.WithLabelValues("cancel_subscription", metrics.Outcome(err)).Inc()
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", providerError(err))
	}
	return nil
}

func latestPaymentIntent(sub *stripe.Subscription) string {
	if sub == nil || sub.LatestInvoice == nil || sub.LatestInvoice.Payments == nil {
		return ""
	}

	for _, p := range sub.LatestInvoice.Payments.Data {
		if p == nil || p.Payment == nil || p.Payment.PaymentIntent == nil {
			continue
		}
		if string(p.Status) != invoicePaymentPaid {
			continue
		}
		if p.Payment.PaymentIntent.ID != "" {
			return p.Payment.PaymentIntent.ID
		}
	}
	return ""
}

// ProviderError хранит сообщение Stripe без служебной обёртки.
type ProviderError struct {
	Message string
	Err     error
}

func (e *ProviderError) Error() string { return e.Message }

func (e *ProviderError) Unwrap() error { return e.Err }

func providerError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
		return &ProviderError{Message: stripeErr.Msg, Err: err}
	}
	return err
}
