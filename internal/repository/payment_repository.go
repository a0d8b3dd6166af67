package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/uzpay/gateway-service/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payment_intents (
			order_id VARCHAR(100) PRIMARY KEY,
			gateway_name VARCHAR(50) NOT NULL,
			amount_tiyin BIGINT NOT NULL,
			currency VARCHAR(10) NOT NULL,
			reference_doctype VARCHAR(100),
			reference_docname VARCHAR(100),
			status VARCHAR(20) NOT NULL,
			gateway_txn_id VARCHAR(255),
			payment_url TEXT,
			redirect_url TEXT,
			notification_url TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_intents_status ON payment_intents(status)`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			fingerprint VARCHAR(64) PRIMARY KEY,
			result_status VARCHAR(20) NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS payment_notifications (
			id VARCHAR(36) PRIMARY KEY,
			order_id VARCHAR(100) NOT NULL,
			target_url TEXT NOT NULL,
			payload TEXT NOT NULL,
			status VARCHAR(30) NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMP NOT NULL,
			last_error TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_notifications_due ON payment_notifications(status, next_attempt_at)`,
		`CREATE TABLE IF NOT EXISTS gateway_credentials (
			gateway_name VARCHAR(50) PRIMARY KEY,
			merchant_id VARCHAR(255) NOT NULL,
			secret_key TEXT NOT NULL,
			extra TEXT
		)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func (r *PaymentRepository) InsertIntent(ctx context.Context, intent *models.PaymentIntent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_intents
			(order_id, gateway_name, amount_tiyin, currency, reference_doctype,
			 reference_docname, status, gateway_txn_id, payment_url, redirect_url, notification_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (order_id) DO NOTHING
	`, intent.OrderID, intent.GatewayName, intent.AmountTiyin, intent.Currency,
		intent.ReferenceDoctype, intent.ReferenceDocname, intent.Status,
		intent.GatewayTxnID, intent.PaymentURL, intent.RedirectURL, intent.NotificationURL)
	return err
}

func (r *PaymentRepository) GetIntent(ctx context.Context, orderID string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	var gatewayTxnID, paymentURL, redirectURL, notificationURL sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT order_id, gateway_name, amount_tiyin, currency, reference_doctype,
		       reference_docname, status, gateway_txn_id, payment_url, redirect_url,
		       notification_url, created_at, updated_at
		FROM payment_intents WHERE order_id = $1
	`, orderID).Scan(&intent.OrderID, &intent.GatewayName, &intent.AmountTiyin,
		&intent.Currency, &intent.ReferenceDoctype, &intent.ReferenceDocname,
		&intent.Status, &gatewayTxnID, &paymentURL, &redirectURL, &notificationURL,
		&intent.CreatedAt, &intent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	intent.GatewayTxnID = gatewayTxnID.String
	intent.PaymentURL = paymentURL.String
	intent.RedirectURL = redirectURL.String
	intent.NotificationURL = notificationURL.String
	return &intent, nil
}

func (r *PaymentRepository) TransitionStatus(ctx context.Context, orderID string, from, to models.PaymentStatus) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = $1, updated_at = NOW()
		WHERE order_id = $2 AND status = $3
	`, to, orderID, from)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *PaymentRepository) UpdateGatewayTxn(ctx context.Context, orderID, gatewayTxnID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payment_intents SET gateway_txn_id = $1, updated_at = NOW() WHERE order_id = $2`,
		gatewayTxnID, orderID)
	return err
}

func (r *PaymentRepository) UpdatePaymentURL(ctx context.Context, orderID, paymentURL string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payment_intents SET payment_url = $1, updated_at = NOW() WHERE order_id = $2`,
		paymentURL, orderID)
	return err
}

func (r *PaymentRepository) InsertNotification(ctx context.Context, n *models.Notification) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_notifications
			(id, order_id, target_url, payload, status, attempts, next_attempt_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, n.OrderID, n.TargetURL, string(n.Payload), n.Status, n.Attempts,
		n.NextAttemptAt, n.LastError)
	return err
}

func (r *PaymentRepository) DueNotifications(ctx context.Context, now time.Time, limit int) ([]*models.Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, target_url, payload, status, attempts, next_attempt_at,
		       COALESCE(last_error, ''), created_at, updated_at
		FROM payment_notifications
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at
		LIMIT $3
	`, models.NotificationQueued, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (r *PaymentRepository) MarkNotification(ctx context.Context, id, status string, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_notifications
		SET status = $1, attempts = $2, next_attempt_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $5
	`, status, attempts, nextAttemptAt, lastError, id)
	return err
}

func (r *PaymentRepository) FailedNotifications(ctx context.Context, limit int) ([]*models.Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, target_url, payload, status, attempts, next_attempt_at,
		       COALESCE(last_error, ''), created_at, updated_at
		FROM payment_notifications
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, models.NotificationFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func scanNotifications(rows *sql.Rows) ([]*models.Notification, error) {
	var out []*models.Notification
	for rows.Next() {
		var n models.Notification
		var payload string
		if err := rows.Scan(&n.ID, &n.OrderID, &n.TargetURL, &payload, &n.Status,
			&n.Attempts, &n.NextAttemptAt, &n.LastError, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		n.Payload = []byte(payload)
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (r *PaymentRepository) FetchCredential(ctx context.Context, gatewayName string) (*models.GatewayCredential, error) {
	var cred models.GatewayCredential
	var extra sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT gateway_name, merchant_id, secret_key, extra
		FROM gateway_credentials WHERE gateway_name = $1
	`, gatewayName).Scan(&cred.GatewayName, &cred.MerchantID, &cred.SecretKey, &extra)
	if err != nil {
		return nil, err
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &cred.Extra); err != nil {
			return nil, err
		}
	}
	return &cred, nil
}

func (r *PaymentRepository) UpsertCredential(ctx context.Context, cred *models.GatewayCredential) error {
	extra, err := json.Marshal(cred.Extra)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO gateway_credentials (gateway_name, merchant_id, secret_key, extra)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (gateway_name) DO UPDATE
		SET merchant_id = EXCLUDED.merchant_id,
		    secret_key = EXCLUDED.secret_key,
		    extra = EXCLUDED.extra
	`, cred.GatewayName, cred.MerchantID, cred.SecretKey, string(extra))
	return err
}
