package repo

import (
	"context"
	"database/sql"
	"errors"
	"storefront-checkout/internal/domain"
	"time"

	"github.com/google/uuid"
)

type PaymentRepo interface {
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	FindById(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.Payment, error)
	FindByProviderRef(ctx context.Context, ref string) (*domain.Payment, error)
	// FindPendingByOrder returns ErrPaymentNotFound when the order has no pending payment.
	FindPendingByOrder(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error)
	// SettlePayment moves a pending payment and its order to a terminal
	// payment status in one transaction. It reports false when the payment
	// was already settled.
	SettlePayment(ctx context.Context, p *domain.Payment, status domain.PaymentStatus, providerRef, resultDesc string) (bool, error)
	FindPendingBefore(ctx context.Context, method domain.PaymentMethod, before time.Time, limit int) ([]domain.Payment, error)
	// AttachRefs stores the provider handles of a pending payment.
	AttachRefs(ctx context.Context, p *domain.Payment) error
	// DiscardPending removes a pending payment the provider never accepted.
	DiscardPending(ctx context.Context, id uuid.UUID) error
}

type paymentRepo struct {
	db *sql.DB
}

func NewPaymentRepo(db *sql.DB) PaymentRepo {
	return &paymentRepo{db: db}
}

const paymentColumns = `id, order_id, method, amount, status, phone_number, checkout_request_id, merchant_request_id, provider_ref, result_desc, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(s scanner) (*domain.Payment, error) {
	var p domain.Payment
	err := s.Scan(
		&p.ID,
		&p.OrderID,
		&p.Method,
		&p.Amount,
		&p.Status,
		&p.PhoneNumber,
		&p.CheckoutRequestID,
		&p.MerchantRequestID,
		&p.ProviderRef,
		&p.ResultDesc,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *paymentRepo) CreatePayment(ctx context.Context, p *domain.Payment) error {
	query := `INSERT INTO payments (` + paymentColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.OrderID, p.Method, p.Amount, p.Status, p.PhoneNumber,
		p.CheckoutRequestID, p.MerchantRequestID, p.ProviderRef, p.ResultDesc,
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (r *paymentRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (r *paymentRepo) FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE checkout_request_id = $1`, checkoutRequestID)
	return scanPayment(row)
}

func (r *paymentRepo) FindByProviderRef(ctx context.Context, ref string) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_ref = $1`, ref)
	return scanPayment(row)
}

func (r *paymentRepo) FindPendingByOrder(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 AND status = 'pending'`, orderID)
	return scanPayment(row)
}

func (r *paymentRepo) SettlePayment(ctx context.Context, p *domain.Payment, status domain.PaymentStatus, providerRef, resultDesc string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now()
	query := `
		UPDATE payments
		SET status = $2,
		    provider_ref = COALESCE(NULLIF($3, ''), provider_ref),
		    result_desc = $4,
		    updated_at = $5
		WHERE id = $1 AND status = 'pending'
	`
	res, err := tx.ExecContext(ctx, query, p.ID, status, providerRef, resultDesc, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	// Orders leave pending once; a late settlement of another attempt is ignored.
	_, err = tx.ExecContext(ctx,
		`UPDATE orders SET payment_status = $1, updated_at = $2 WHERE id = $3 AND payment_status = 'pending'`,
		status, now, p.OrderID,
	)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *paymentRepo) FindPendingBefore(ctx context.Context, method domain.PaymentMethod, before time.Time, limit int) ([]domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + ` FROM payments
		WHERE status = 'pending'
		AND method = $1
		AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, method, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (r *paymentRepo) AttachRefs(ctx context.Context, p *domain.Payment) error {
	query := `
		UPDATE payments
		SET checkout_request_id = $2,
		    merchant_request_id = $3,
		    provider_ref = $4,
		    updated_at = $5
		WHERE id = $1 AND status = 'pending'
	`
	res, err := r.db.ExecContext(ctx, query, p.ID, p.CheckoutRequestID, p.MerchantRequestID, p.ProviderRef, time.Now())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

func (r *paymentRepo) DiscardPending(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM payments WHERE id = $1 AND status = 'pending'`, id)
	return err
}
