package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abjerry97/go_hostel/api"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const paymentColumns = `id, student_id, amount::text, status, category, payment_date, payment_method,
	reference_number, month, checkout_request_id, transaction_code, result_desc`

func scanPayment(row pgx.Row) (*api.Payment, error) {
	var (
		p      api.Payment
		amount string
		status string
	)
	err := row.Scan(
		&p.ID,
		&p.StudentID,
		&amount,
		&status,
		&p.Category,
		&p.PaymentDate,
		&p.PaymentMethod,
		&p.ReferenceNumber,
		&p.Month,
		&p.CheckoutRequestID,
		&p.TransactionCode,
		&p.ResultDesc,
	)
	if err != nil {
		return nil, err
	}

	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	p.Status = api.PaymentStatus(status)
	return &p, nil
}

// HasActivePayment reports whether a pending or completed payment already
// covers the student's month for the category.
func (db *DatabaseService) HasActivePayment(ctx context.Context, studentID, month, category string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM payments
			WHERE student_id = $1 AND month = $2 AND category = $3 AND status <> 'failed'
		)
	`

	var exists bool
	err := db.Pool.QueryRow(ctx, query, studentID, month, category).Scan(&exists)
	return exists, err
}

// CreatePendingPayment inserts a pending row. For the room category the
// partial unique index makes the insert a no-op when another non-failed
// payment exists, which is reported as ErrDuplicatePayment.
func (db *DatabaseService) CreatePendingPayment(ctx context.Context, p *api.Payment) error {
	query := `
		INSERT INTO payments (
			id, student_id, amount, status, category, payment_date,
			payment_method, reference_number, month, checkout_request_id
		)
		VALUES ($1, $2, $3::numeric, 'pending', $4, NOW(), $5, $6, $7, $8)
		ON CONFLICT (student_id, month) WHERE category = 'room' AND status <> 'failed' DO NOTHING
		RETURNING payment_date
	`

	err := db.Pool.QueryRow(ctx, query,
		p.ID,
		p.StudentID,
		p.Amount.String(),
		p.Category,
		p.PaymentMethod,
		p.ReferenceNumber,
		p.Month,
		p.CheckoutRequestID,
	).Scan(&p.PaymentDate)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrDuplicatePayment
	case isUniqueViolation(err):
		return ErrReferenceConflict
	case err != nil:
		return err
	}

	p.Status = api.StatusPending
	return nil
}

// CompletePayment moves a pending payment to completed. It returns false when
// the row was already terminal, leaving it untouched.
func (db *DatabaseService) CompletePayment(ctx context.Context, id, transactionCode, resultDesc string) (bool, error) {
	query := `
		UPDATE payments
		SET status = 'completed',
		    transaction_code = $2,
		    result_desc = $3,
		    payment_date = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	result, err := db.Pool.Exec(ctx, query, id, transactionCode, resultDesc)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// FailPayment moves a pending payment to failed and clears its transaction code.
func (db *DatabaseService) FailPayment(ctx context.Context, id, resultDesc string) (bool, error) {
	query := `
		UPDATE payments
		SET status = 'failed',
		    transaction_code = NULL,
		    result_desc = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`

	result, err := db.Pool.Exec(ctx, query, id, resultDesc)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (db *DatabaseService) GetPayment(ctx context.Context, id string) (*api.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	p, err := scanPayment(db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

func (db *DatabaseService) ListPayments(ctx context.Context, filter api.PaymentFilter) ([]api.Payment, int, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.StudentID != "" {
		add("student_id = $%d", filter.StudentID)
	}
	if filter.Month != "" {
		add("month = $%d", filter.Month)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM payments"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	pageArgs := append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM payments%s ORDER BY payment_date DESC LIMIT $%d OFFSET $%d`,
		paymentColumns, where, len(args)+1, len(args)+2)

	rows, err := db.Pool.Query(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	payments := []api.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			log.Warnf("Skipping unreadable payment row: %v", err)
			continue
		}
		payments = append(payments, *p)
	}
	return payments, total, rows.Err()
}

// ListStalePending returns pending payments with a checkout handle whose
// polling window has long passed, so they can be reconciled again.
func (db *DatabaseService) ListStalePending(ctx context.Context, olderThan time.Duration) ([]api.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = 'pending'
		  AND checkout_request_id IS NOT NULL
		  AND created_at < NOW() - make_interval(secs => $1)
		ORDER BY created_at
		LIMIT 500`

	rows, err := db.Pool.Query(ctx, query, olderThan.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []api.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

type PaymentStats struct {
	TotalPayments     int             `json:"total_payments"`
	PendingPayments   int             `json:"pending_payments"`
	CompletedPayments int             `json:"completed_payments"`
	FailedPayments    int             `json:"failed_payments"`
	CompletedAmount   decimal.Decimal `json:"completed_amount"`
	PayingStudents    int             `json:"paying_students"`
}

func (db *DatabaseService) GetPaymentStats(ctx context.Context, month string) (*PaymentStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0)::text,
			COUNT(DISTINCT student_id) FILTER (WHERE status = 'completed')
		FROM payments
		WHERE ($1 = '' OR month = $1)
	`

	var (
		stats  PaymentStats
		amount string
	)
	err := db.Pool.QueryRow(ctx, query, month).Scan(
		&stats.TotalPayments,
		&stats.PendingPayments,
		&stats.CompletedPayments,
		&stats.FailedPayments,
		&amount,
		&stats.PayingStudents,
	)
	if err != nil {
		return nil, err
	}

	stats.CompletedAmount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
