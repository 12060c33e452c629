package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/orderwire/go/internal/event"
	"github.com/mcdev12/orderwire/go/internal/sqlutil"
)

// NotifyChannel is the Postgres NOTIFY channel new letters are announced
// on. The Listener subscribes to it so dashboards see letters the moment
// they are archived.
const NotifyChannel = "orderwire_dead_letters"

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id              UUID PRIMARY KEY,
    envelope        JSONB NOT NULL,
    recipient_id    TEXT NOT NULL DEFAULT '',
    recipient_role  TEXT NOT NULL DEFAULT '',
    channel         TEXT NOT NULL DEFAULT '',
    reason          TEXT NOT NULL,
    attempts        INT NOT NULL,
    last_error      TEXT NOT NULL DEFAULT '',
    payload         JSONB,
    created_at      TIMESTAMPTZ NOT NULL,
    resolved_at     TIMESTAMPTZ,
    resolved_by     TEXT
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_unresolved
    ON dead_letters (created_at DESC) WHERE resolved_at IS NULL;
`

const letterColumns = `id, envelope, recipient_id, recipient_role, channel, reason,
attempts, last_error, payload, created_at, resolved_at, resolved_by`

// Repository is the Postgres Store. Inserts NOTIFY in the same
// transaction, so listeners only hear about committed letters.
type Repository struct {
	db *sql.DB
}

var _ Store = (*Repository)(nil)

// NewRepository creates the schema if needed and returns the store.
func NewRepository(ctx context.Context, db *sql.DB) (*Repository, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping dead letter database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create dead letter schema: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Insert(ctx context.Context, letter DeadLetter) error {
	envelope, err := event.Encode(letter.Envelope)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	payload := pqtype.NullRawMessage{RawMessage: letter.Payload, Valid: len(letter.Payload) > 0}

	return sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letters (`+letterColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO NOTHING`,
			letter.ID, envelope, letter.RecipientID, string(letter.RecipientRole),
			letter.Channel, letter.Reason, letter.Attempts, letter.LastError,
			payload, letter.CreatedAt,
			sqlutil.ToSqlTime(letter.ResolvedAt), sqlutil.ToSqlString(letter.ResolvedBy),
		)
		if err != nil {
			return fmt.Errorf("failed to insert dead letter: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, letter.ID.String()); err != nil {
			return fmt.Errorf("failed to notify dead letter listeners: %w", err)
		}
		return nil
	})
}

func (r *Repository) List(ctx context.Context, filter ListFilter) ([]DeadLetter, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + letterColumns + ` FROM dead_letters`
	if filter.UnresolvedOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		letter, err := scanLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, letter)
	}
	return out, rows.Err()
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (DeadLetter, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+letterColumns+` FROM dead_letters WHERE id = $1`, id)
	letter, err := scanLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetter{}, ErrNotFound
	}
	return letter, err
}

func (r *Repository) Resolve(ctx context.Context, id uuid.UUID, by string) (DeadLetter, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE dead_letters
		SET resolved_at = $2, resolved_by = $3
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING `+letterColumns,
		id, time.Now().UTC(), by)

	letter, err := scanLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing letter from a doubly resolved one.
		if _, gerr := r.Get(ctx, id); gerr != nil {
			return DeadLetter{}, gerr
		}
		return DeadLetter{}, ErrAlreadyResolved
	}
	return letter, err
}

func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	var oldest sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE resolved_at IS NULL),
		       min(created_at) FILTER (WHERE resolved_at IS NULL)
		FROM dead_letters`).Scan(&stats.Total, &stats.Unresolved, &oldest)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count dead letters: %w", err)
	}
	stats.OldestUnresolved = sqlutil.FromSqlTime(oldest)
	return stats, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLetter(row scanner) (DeadLetter, error) {
	var (
		letter     DeadLetter
		envelope   []byte
		role       string
		payload    pqtype.NullRawMessage
		resolvedAt sql.NullTime
		resolvedBy sql.NullString
	)
	err := row.Scan(&letter.ID, &envelope, &letter.RecipientID, &role,
		&letter.Channel, &letter.Reason, &letter.Attempts, &letter.LastError,
		&payload, &letter.CreatedAt, &resolvedAt, &resolvedBy)
	if err != nil {
		return DeadLetter{}, err
	}

	letter.Envelope, err = event.Decode(envelope)
	if err != nil {
		return DeadLetter{}, fmt.Errorf("failed to decode archived envelope: %w", err)
	}
	letter.RecipientRole = event.Role(role)
	if payload.Valid {
		letter.Payload = payload.RawMessage
	}
	letter.ResolvedAt = sqlutil.FromSqlTime(resolvedAt)
	letter.ResolvedBy = sqlutil.FromSqlStringPtr(resolvedBy)
	return letter, nil
}
