package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/orderwire/go/internal/event"
)

// PostgresStore persists attempts in Postgres. ClaimDue uses
// FOR UPDATE SKIP LOCKED so multiple scheduler instances can share one
// table without double-claiming.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

const retrySchema = `
CREATE TABLE IF NOT EXISTS retry_attempts (
	id              UUID PRIMARY KEY,
	envelope        JSONB NOT NULL,
	recipient_id    TEXT NOT NULL DEFAULT '',
	recipient_role  TEXT NOT NULL DEFAULT '',
	channel         TEXT NOT NULL DEFAULT '',
	attempt_number  INT NOT NULL,
	status          TEXT NOT NULL,
	next_retry_at   TIMESTAMPTZ NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	idempotency_key UUID NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_retry_attempts_due
	ON retry_attempts (status, next_retry_at);
`

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect retry store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping retry store: %w", err)
	}
	if _, err := pool.Exec(ctx, retrySchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure retry schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

const attemptColumns = `id, envelope, recipient_id, recipient_role, channel,
	attempt_number, status, next_retry_at, last_error, idempotency_key,
	created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, a *Attempt) error {
	envelope, err := event.Encode(a.Envelope)
	if err != nil {
		return fmt.Errorf("encode attempt envelope: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO retry_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, envelope, a.Recipient.ID, string(a.Recipient.Role), a.Channel,
		a.AttemptNumber, string(a.Status), a.NextRetryAt, a.LastError,
		a.IdempotencyKey, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert retry attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, a *Attempt) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE retry_attempts
		SET attempt_number = $2, status = $3, next_retry_at = $4,
			last_error = $5, updated_at = $6
		WHERE id = $1`,
		a.ID, a.AttemptNumber, string(a.Status), a.NextRetryAt,
		a.LastError, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update retry attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Attempt, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM retry_attempts WHERE id = $1`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attempt{}, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE retry_attempts
		SET status = $3, updated_at = $1
		WHERE id IN (
			SELECT id FROM retry_attempts
			WHERE status = $4 AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+attemptColumns,
		now, limit, string(StatusInFlight), string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("claim due retry attempts: %w", err)
	}
	defer rows.Close()

	var claimed []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, a)
	}
	return claimed, rows.Err()
}

func (s *PostgresStore) NextDue(ctx context.Context) (time.Time, bool, error) {
	var next *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT min(next_retry_at) FROM retry_attempts WHERE status = $1`,
		string(StatusPending),
	).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query next due attempt: %w", err)
	}
	if next == nil {
		return time.Time{}, false, nil
	}
	return *next, true, nil
}

func (s *PostgresStore) RecoverInFlight(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE retry_attempts SET status = $1, updated_at = now()
		WHERE status = $2`,
		string(StatusPending), string(StatusInFlight),
	)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight attempts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) MarkDeadLettered(ctx context.Context, id uuid.UUID, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE retry_attempts
		SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1`,
		id, string(StatusDeadLettered), lastError,
	)
	if err != nil {
		return fmt.Errorf("mark attempt dead lettered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDeadLettered(ctx context.Context, limit int) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM retry_attempts
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2`,
		string(StatusDeadLettered), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead lettered attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttempt(row pgx.Row) (Attempt, error) {
	var (
		a        Attempt
		envelope []byte
		role     string
		status   string
	)
	err := row.Scan(
		&a.ID, &envelope, &a.Recipient.ID, &role, &a.Channel,
		&a.AttemptNumber, &status, &a.NextRetryAt, &a.LastError,
		&a.IdempotencyKey, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Attempt{}, err
	}
	a.Recipient.Role = event.Role(role)
	a.Status = Status(status)
	env, err := event.Decode(envelope)
	if err != nil {
		return Attempt{}, fmt.Errorf("decode attempt envelope: %w", err)
	}
	a.Envelope = env
	return a, nil
}
