package idempotency

import (
	"context"
	"database/sql"
	"time"

	"github.com/uzpay/gateway-service/internal/payerr"
)

// inProgress is the placeholder result a winner inserts before applying
// the state transition.
const inProgress = "in_progress"

// ResultProcessing is handed to a caller that lost the race and never
// saw the winner's result within the wait bound. The gateway is expected
// to retry the callback.
const ResultProcessing = "Processing"

// Outcome of a check-and-record. Seen=false means this caller won the
// race and must apply the transition, then call Complete (or Fail on an
// unexpected error so a later retry can re-run).
type Outcome struct {
	Seen   bool
	Result string
}

type Store interface {
	CheckAndRecord(ctx context.Context, fingerprint string) (*Outcome, error)
	Complete(ctx context.Context, fingerprint, result string) error
	Fail(ctx context.Context, fingerprint string) error
}

// Options bound the loser's wait for the winner's result. FailClosed
// switches the exhaustion behavior from a retryable "processing" answer
// to a hard error.
type Options struct {
	Wait         time.Duration
	PollInterval time.Duration
	FailClosed   bool
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Wait <= 0 {
		opts.Wait = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return opts
}

// PostgresStore makes the check-then-act atomic through the unique
// constraint on idempotency_records.fingerprint: two concurrent inserts
// can never both succeed.
type PostgresStore struct {
	db   *sql.DB
	opts Options
}

func NewPostgresStore(db *sql.DB, opts Options) *PostgresStore {
	return &PostgresStore{db: db, opts: opts.withDefaults()}
}

func (s *PostgresStore) CheckAndRecord(ctx context.Context, fingerprint string) (*Outcome, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (fingerprint, result_status)
		VALUES ($1, $2)
		ON CONFLICT (fingerprint) DO NOTHING
	`, fingerprint, inProgress)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 1 {
		return &Outcome{Seen: false}, nil
	}

	// Lost the race. Poll for the winner's result up to the wait bound.
	deadline := time.Now().Add(s.opts.Wait)
	for {
		var result string
		err := s.db.QueryRowContext(ctx,
			`SELECT result_status FROM idempotency_records WHERE fingerprint = $1`,
			fingerprint).Scan(&result)
		switch {
		case err == sql.ErrNoRows:
			// Winner failed and removed its placeholder; take over.
			return s.CheckAndRecord(ctx, fingerprint)
		case err != nil:
			return nil, err
		case result != inProgress:
			return &Outcome{Seen: true, Result: result}, nil
		}

		if time.Now().After(deadline) {
			if s.opts.FailClosed {
				return nil, payerr.New(payerr.CodeProcessingInFlight, "callback still being applied")
			}
			return &Outcome{Seen: true, Result: ResultProcessing}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.opts.PollInterval):
		}
	}
}

func (s *PostgresStore) Complete(ctx context.Context, fingerprint, result string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET result_status = $1, applied_at = NOW()
		WHERE fingerprint = $2
	`, result, fingerprint)
	return err
}

func (s *PostgresStore) Fail(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE fingerprint = $1 AND result_status = $2`,
		fingerprint, inProgress)
	return err
}
