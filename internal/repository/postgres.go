// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/guarantee-service/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrProfileNotFound возвращается, если у пользователя нет записи в profiles.
var (
	ErrProfileNotFound = errors.New("profile not found")
	// ErrEnrollmentNotFound возвращается, если гарантия не найдена.
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	// ErrSubscriberNotFound возвращается, если для гарантии нет записи подписчика.
	ErrSubscriberNotFound = errors.New("subscriber not found")
	// ErrDecisionConflict возвращается, если по гарантии уже принято терминальное решение.
	ErrDecisionConflict = errors.New("enrollment already decided")
)

const enrollmentColumns = `e.id, e.user_id, e.purchase_id, e.start_date, e.status, e.best_len, e.current_len,
	e.last_usage_date, e.decision_reason, e.decided_at, e.decided_by, e.created_at`

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil || i == len(retryDelays) || !isRetryable(err) {
			return err
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность базы данных.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(row rowScanner, extra ...any) (model.Enrollment, error) {
	var (
		e         model.Enrollment
		status    string
		decidedBy pgtype.UUID
	)

	dest := []any{
		&e.ID, &e.UserID, &e.PurchaseID, &e.StartDate, &status, &e.BestLen, &e.CurrentLen,
		&e.LastUsageDate, &e.DecisionReason, &e.DecidedAt, &decidedBy, &e.CreatedAt,
	}
	dest = append(dest, extra...)

	if err := row.Scan(dest...); err != nil {
		return model.Enrollment{}, err
	}

	e.Status = model.EnrollmentStatus(status)
	if decidedBy.Valid {
		id := uuid.UUID(decidedBy.Bytes)
		e.DecidedBy = &id
	}

	return e, nil
}

// GetProfileRole возвращает роль пользователя из таблицы profiles.
func (r *PostgresRepository) GetProfileRole(ctx context.Context, userID uuid.UUID) (model.Role, error) {
	var role string
	err := r.pool.QueryRow(ctx, `SELECT role FROM profiles WHERE id = $1`, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrProfileNotFound
		}
		return "", fmt.Errorf("get profile role: %w", err)
	}
	return model.Role(role), nil
}

// GetEnrollment возвращает гарантию по идентификатору.
func (r *PostgresRepository) GetEnrollment(ctx context.Context, id uuid.UUID) (*model.Enrollment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM guarantee_enrollments e WHERE e.id = $1`,
		id,
	)

	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return &e, nil
}

// GetLatestEnrollmentByUser возвращает последнюю по дате начала гарантию пользователя.
func (r *PostgresRepository) GetLatestEnrollmentByUser(ctx context.Context, userID uuid.UUID) (*model.Enrollment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+`
		 FROM guarantee_enrollments e
		 WHERE e.user_id = $1
		 ORDER BY e.start_date DESC
		 LIMIT 1`,
		userID,
	)

	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("get latest enrollment: %w", err)
	}
	return &e, nil
}

// ListEnrollments возвращает все гарантии, начиная с самых новых.
func (r *PostgresRepository) ListEnrollments(ctx context.Context) ([]model.Enrollment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+enrollmentColumns+`
		 FROM guarantee_enrollments e
		 ORDER BY e.start_date DESC, e.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select enrollments: %w", err)
	}
	defer rows.Close()

	var res []model.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetRefundTarget возвращает гарантию вместе с идентификаторами Stripe её подписчика.
func (r *PostgresRepository) GetRefundTarget(ctx context.Context, id uuid.UUID) (*model.RefundTarget, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+`,
		        s.user_id, s.stripe_customer_id, s.stripe_subscription_id, s.subscription_status, s.subscribed
		 FROM guarantee_enrollments e
		 LEFT JOIN subscribers s ON s.user_id = e.user_id
		 WHERE e.id = $1`,
		id,
	)

	var (
		subUserID      pgtype.UUID
		customerID     *string
		subscriptionID *string
		subStatus      *string
		subscribed     *bool
	)

	e, err := scanEnrollment(row, &subUserID, &customerID, &subscriptionID, &subStatus, &subscribed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("get refund target: %w", err)
	}

	if !subUserID.Valid || subscriptionID == nil || *subscriptionID == "" {
		return nil, ErrSubscriberNotFound
	}

	target := &model.RefundTarget{
		Enrollment: e,
		Subscriber: model.Subscriber{
			UserID:               uuid.UUID(subUserID.Bytes),
			StripeSubscriptionID: *subscriptionID,
		},
	}
	if customerID != nil {
		target.Subscriber.StripeCustomerID = *customerID
	}
	if subStatus != nil {
		target.Subscriber.SubscriptionStatus = *subStatus
	}
	if subscribed != nil {
		target.Subscriber.Subscribed = *subscribed
	}

	return target, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// applyDecision фиксирует решение только для активной гарантии.
func applyDecision(ctx context.Context, q execer, id uuid.UUID, d model.Decision) error {
	cmdTag, err := q.Exec(ctx,
		`UPDATE guarantee_enrollments
		 SET status = $2, decision_reason = $3, decided_at = $4, decided_by = $5
		 WHERE id = $1 AND status = $6`,
		id, string(d.Status), d.Reason, d.DecidedAt, d.DecidedBy, string(model.EnrollmentStatusActive),
	)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM guarantee_enrollments WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check enrollment: %w", err)
	}
	if !exists {
		return ErrEnrollmentNotFound
	}
	return ErrDecisionConflict
}

// DecideEnrollment записывает терминальное решение по активной гарантии.
func (r *PostgresRepository) DecideEnrollment(ctx context.Context, id uuid.UUID, d model.Decision) error {
	return r.withRetry(ctx, func() error {
		return applyDecision(ctx, r.pool, id, d)
	})
}

// ApplyRefund в одной транзакции помечает гарантию возвращённой и отменяет подписку пользователя.
func (r *PostgresRepository) ApplyRefund(ctx context.Context, id, userID uuid.UUID, d model.Decision) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := applyDecision(ctx, tx, id, d); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE subscribers
			 SET subscription_status = 'canceled', subscribed = FALSE, updated_at = now()
			 WHERE user_id = $1`,
			userID,
		)
		if err != nil {
			return fmt.Errorf("cancel subscriber: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// UpdateStreak блокирует последнюю гарантию пользователя и сохраняет серию, изменённую apply.
// Если apply возвращает false, запись не обновляется.
func (r *PostgresRepository) UpdateStreak(
	ctx context.Context,
	userID uuid.UUID,
	apply func(e *model.Enrollment) (bool, error),
) (*model.Enrollment, error) {
	var result *model.Enrollment

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx,
			`SELECT `+enrollmentColumns+`
			 FROM guarantee_enrollments e
			 WHERE e.user_id = $1
			 ORDER BY e.start_date DESC
			 LIMIT 1
			 FOR UPDATE`,
			userID,
		)

		e, err := scanEnrollment(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrEnrollmentNotFound
			}
			return fmt.Errorf("lock enrollment: %w", err)
		}

		changed, err := apply(&e)
		if err != nil {
			return err
		}

		if changed {
			// GREATEST сохраняет best_len неубывающим даже при гонке с другим писателем.
			err = tx.QueryRow(ctx,
				`UPDATE guarantee_enrollments
				 SET current_len = $2, best_len = GREATEST(best_len, $3), last_usage_date = $4
				 WHERE id = $1
				 RETURNING best_len`,
				e.ID, e.CurrentLen, e.BestLen, e.LastUsageDate,
			).Scan(&e.BestLen)
			if err != nil {
				return fmt.Errorf("update streak: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = &e
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// CreateEnrollment создаёт гарантию для покупки и сохраняет подписчика.
// Повторный вызов с тем же purchase_id возвращает существующую запись и false, подписчик
// при этом не меняется.
func (r *PostgresRepository) CreateEnrollment(ctx context.Context, p model.NewPurchase) (*model.Enrollment, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`WITH inserted AS (
		     INSERT INTO guarantee_enrollments (user_id, purchase_id, start_date)
		     VALUES ($1, $2, $3)
		     ON CONFLICT (purchase_id) DO NOTHING
		     RETURNING *
		 )
		 SELECT `+enrollmentColumns+` FROM inserted e`,
		p.UserID, p.PurchaseID, p.StartDate,
	)

	e, err := scanEnrollment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		row = tx.QueryRow(ctx,
			`SELECT `+enrollmentColumns+` FROM guarantee_enrollments e WHERE e.purchase_id = $1`,
			p.PurchaseID,
		)
		e, err = scanEnrollment(row)
		if err != nil {
			return nil, false, fmt.Errorf("get enrollment by purchase: %w", err)
		}
		return &e, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert enrollment: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO subscribers (user_id, stripe_customer_id, stripe_subscription_id, subscription_status, subscribed)
		 VALUES ($1, $2, $3, 'active', TRUE)
		 ON CONFLICT (user_id) DO UPDATE
		 SET stripe_customer_id = EXCLUDED.stripe_customer_id,
		     stripe_subscription_id = EXCLUDED.stripe_subscription_id,
		     subscription_status = 'active',
		     subscribed = TRUE,
		     updated_at = now()`,
		p.UserID, p.StripeCustomerID, p.StripeSubscriptionID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert subscriber: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}

	return &e, true, nil
}

// CancelSubscriberBySubscription помечает подписчика отменённым по идентификатору подписки Stripe.
func (r *PostgresRepository) CancelSubscriberBySubscription(ctx context.Context, subscriptionID string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := r.pool.QueryRow(ctx,
		`UPDATE subscribers
		 SET subscription_status = 'canceled', subscribed = FALSE, updated_at = now()
		 WHERE stripe_subscription_id = $1
		 RETURNING user_id`,
		subscriptionID,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrSubscriberNotFound
		}
		return uuid.Nil, fmt.Errorf("cancel subscriber: %w", err)
	}
	return userID, nil
}
