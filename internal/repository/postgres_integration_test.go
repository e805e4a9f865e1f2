package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/guarantee-service/internal/model"
)

func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("DATABASE_URI")
	if dsn == "" {
		t.Skip("DATABASE_URI is not set")
	}

	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

func newTestPurchase() model.NewPurchase {
	return model.NewPurchase{
		UserID:               uuid.New(),
		PurchaseID:           "cs_test_" + uuid.NewString(),
		StripeCustomerID:     "cus_test",
		StripeSubscriptionID: "sub_" + uuid.NewString(),
		StartDate:            time.Now().UTC().Add(-2 * 24 * time.Hour).Truncate(time.Second),
	}
}

func testDecision(status model.EnrollmentStatus) model.Decision {
	return model.Decision{
		Status:    status,
		Reason:    "test decision",
		DecidedAt: time.Now().UTC().Truncate(time.Second),
		DecidedBy: uuid.New(),
	}
}

func TestCreateEnrollment_OnePerPurchase(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	p := newTestPurchase()

	first, created, err := repo.CreateEnrollment(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.EnrollmentStatusActive, first.Status)

	again := p
	again.StartDate = p.StartDate.Add(time.Hour)
	second, created, err := repo.CreateEnrollment(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.StartDate.Equal(second.StartDate))

	list, err := repo.ListEnrollments(ctx)
	require.NoError(t, err)
	n := 0
	for _, e := range list {
		if e.PurchaseID == p.PurchaseID {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestCreateEnrollment_RedeliveryKeepsCanceledSubscriber(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	p := newTestPurchase()

	e, _, err := repo.CreateEnrollment(ctx, p)
	require.NoError(t, err)
	require.NoError(t, repo.ApplyRefund(ctx, e.ID, p.UserID, testDecision(model.EnrollmentStatusRefunded)))

	_, created, err := repo.CreateEnrollment(ctx, p)
	require.NoError(t, err)
	assert.False(t, created)

	target, err := repo.GetRefundTarget(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentStatusRefunded, target.Enrollment.Status)
	assert.False(t, target.Subscriber.Subscribed)
	assert.Equal(t, "canceled", target.Subscriber.SubscriptionStatus)
}

func TestDecideEnrollment_FirstWriterWins(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	p := newTestPurchase()

	e, _, err := repo.CreateEnrollment(ctx, p)
	require.NoError(t, err)

	require.NoError(t, repo.ApplyRefund(ctx, e.ID, p.UserID, testDecision(model.EnrollmentStatusRefunded)))

	err = repo.DecideEnrollment(ctx, e.ID, testDecision(model.EnrollmentStatusDenied))
	assert.ErrorIs(t, err, ErrDecisionConflict)

	err = repo.DecideEnrollment(ctx, uuid.New(), testDecision(model.EnrollmentStatusDenied))
	assert.ErrorIs(t, err, ErrEnrollmentNotFound)

	got, err := repo.GetEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentStatusRefunded, got.Status)
	require.NotNil(t, got.DecisionReason)
	assert.Equal(t, "test decision", *got.DecisionReason)
}

func TestApplyRefund_ConflictRollsBack(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	p := newTestPurchase()

	e, _, err := repo.CreateEnrollment(ctx, p)
	require.NoError(t, err)

	deny := testDecision(model.EnrollmentStatusDenied)
	require.NoError(t, repo.DecideEnrollment(ctx, e.ID, deny))

	err = repo.ApplyRefund(ctx, e.ID, p.UserID, testDecision(model.EnrollmentStatusRefunded))
	assert.ErrorIs(t, err, ErrDecisionConflict)

	target, err := repo.GetRefundTarget(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentStatusDenied, target.Enrollment.Status)
	require.NotNil(t, target.Enrollment.DecidedAt)
	assert.True(t, deny.DecidedAt.Equal(*target.Enrollment.DecidedAt))
	assert.True(t, target.Subscriber.Subscribed)
	assert.Equal(t, "active", target.Subscriber.SubscriptionStatus)
}

func TestUpdateStreak_RejectedApplyLeavesRow(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	p := newTestPurchase()

	_, _, err := repo.CreateEnrollment(ctx, p)
	require.NoError(t, err)

	_, err = repo.UpdateStreak(ctx, p.UserID, func(e *model.Enrollment) (bool, error) {
		e.BestLen = 21
		return false, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	got, err := repo.GetLatestEnrollmentByUser(ctx, p.UserID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.BestLen)
}
