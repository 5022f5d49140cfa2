package docstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"notemart/internal/apperr"
)

type postgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgres returns a Store over the documents and outbox tables created by
// the storage migrations.
func NewPostgres(pool *pgxpool.Pool, opts Options) *Store {
	return newStore(&postgresBackend{pool: pool}, opts)
}

func (p *postgresBackend) load(ctx context.Context, path string) (Snapshot, bool, error) {
	snap := Snapshot{Path: path}
	err := p.pool.QueryRow(ctx, `
		SELECT version, data, updated_at
		FROM documents
		WHERE path = $1`,
		path,
	).Scan(&snap.Version, &snap.Data, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, apperr.Upstream(err, "load "+path)
	}
	return snap, true, nil
}

func (p *postgresBackend) list(ctx context.Context, collection string) ([]Snapshot, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT path, version, data, updated_at
		FROM documents
		WHERE collection = $1`,
		collection,
	)
	if err != nil {
		return nil, apperr.Upstream(err, "list "+collection)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.Path, &s.Version, &s.Data, &s.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan document")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *postgresBackend) commit(ctx context.Context, reads map[string]int64, ops []op, events []pendingEvent) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperr.Upstream(err, "begin document transaction")
	}
	defer tx.Rollback(ctx)

	for _, path := range sortedReads(reads) {
		var current int64
		err := tx.QueryRow(ctx, `
			SELECT version
			FROM documents
			WHERE path = $1
			FOR UPDATE`,
			path,
		).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return classify(err, "lock "+path)
		}
		if current != reads[path] {
			return errConflict
		}
	}

	for _, o := range ops {
		if err := p.apply(ctx, tx, reads, o); err != nil {
			return err
		}
	}

	for _, e := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO outbox (event_id, event_type, payload)
			VALUES ($1, $2, $3)`,
			e.eventID, e.eventType, e.payload,
		)
		if err != nil {
			return classify(err, "insert outbox")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(err, "commit document transaction")
	}
	return nil
}

func (p *postgresBackend) apply(ctx context.Context, tx pgx.Tx, reads map[string]int64, o op) error {
	collection := Collection(o.path)
	readVersion, wasRead := reads[o.path]

	switch {
	case o.kind == opCreate:
		tag, err := tx.Exec(ctx, `
			INSERT INTO documents (path, collection, version, data)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (path) DO NOTHING`,
			o.path, collection, o.data,
		)
		if err != nil {
			return classify(err, "create "+o.path)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyExists
		}

	case o.kind == opSet && wasRead && readVersion == 0:
		// Read as missing: a concurrent insert surfaces as a unique violation.
		_, err := tx.Exec(ctx, `
			INSERT INTO documents (path, collection, version, data)
			VALUES ($1, $2, 1, $3)`,
			o.path, collection, o.data,
		)
		if err != nil {
			return classify(err, "insert "+o.path)
		}

	case o.kind == opSet:
		_, err := tx.Exec(ctx, `
			INSERT INTO documents (path, collection, version, data)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (path) DO UPDATE
			SET data = EXCLUDED.data, version = documents.version + 1, updated_at = NOW()`,
			o.path, collection, o.data,
		)
		if err != nil {
			return classify(err, "set "+o.path)
		}

	case o.kind == opMerge:
		_, err := tx.Exec(ctx, `
			INSERT INTO documents (path, collection, version, data)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (path) DO UPDATE
			SET data = documents.data || EXCLUDED.data, version = documents.version + 1, updated_at = NOW()`,
			o.path, collection, o.data,
		)
		if err != nil {
			return classify(err, "merge "+o.path)
		}

	case o.kind == opDelete:
		if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE path = $1`, o.path); err != nil {
			return classify(err, "delete "+o.path)
		}
	}
	return nil
}

// classify maps serialization failures, deadlocks and unique violations to
// a retryable conflict and everything else to an upstream failure.
func classify(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return errConflict
		}
	}
	return apperr.Upstream(err, msg)
}

func (p *postgresBackend) claimOutbox(ctx context.Context, limit int, lease time.Duration) ([]OutboxRecord, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event_id, event_type, payload, attempts
		FROM outbox
		WHERE status = 'pending' AND (next_retry IS NULL OR next_retry <= NOW())
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query outbox")
	}

	var items []OutboxRecord
	for rows.Next() {
		var r OutboxRecord
		if err := rows.Scan(&r.ID, &r.EventID, &r.EventType, &r.Payload, &r.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	releaseAt := time.Now().Add(lease)
	for _, r := range items {
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET next_retry = $2, updated_at = NOW()
			WHERE id = $1`,
			r.ID, releaseAt,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

func (p *postgresBackend) markSent(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'sent', updated_at = NOW()
		WHERE id = $1`,
		id,
	)
	return err
}

func (p *postgresBackend) markRetry(ctx context.Context, id int64, next time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1,
		    next_retry = $2,
		    updated_at = NOW()
		WHERE id = $1`,
		id, next,
	)
	if err != nil {
		return errors.Wrap(err, "update retry")
	}
	return nil
}
