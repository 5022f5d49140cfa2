// Package reporting answers read-only questions over the orders stored in
// the documents table: transaction history and stale pending orders.
package reporting

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

type Transaction struct {
	OrderID   string    `db:"order_id" json:"orderId"`
	BuyerID   string    `db:"buyer_id" json:"buyerId"`
	BuyerName string    `db:"buyer_name" json:"buyerName,omitempty"`
	ItemID    string    `db:"item_id" json:"itemId"`
	ItemTitle string    `db:"item_title" json:"itemTitle"`
	Amount    int64     `db:"amount" json:"amount"`
	Currency  string    `db:"currency" json:"currency"`
	Status    string    `db:"status" json:"status"`
	PaymentID string    `db:"payment_id" json:"paymentId,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Note is a purchased item as shown in the buyer's library.
type Note struct {
	ID          string `db:"id" json:"id"`
	Title       string `db:"title" json:"title"`
	Description string `db:"description" json:"description"`
	Category    string `db:"category" json:"category"`
	Subject     string `db:"subject" json:"subject"`
	Price       int64  `db:"price" json:"price"`
	DocumentURL string `db:"document_url" json:"pdfUrl"`
	CoverURL    string `db:"cover_url" json:"imageUrl"`
	MirrorURL   string `db:"mirror_url" json:"driveUrl,omitempty"`
}

type Repository struct {
	db *sqlx.DB
}

// New shares the pgx pool through database/sql so sqlx can map rows.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{db: sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")}
}

const selectTransactions = `
	SELECT o.data->>'orderId'                         AS order_id,
	       o.data->>'buyerId'                         AS buyer_id,
	       COALESCE(b.data->>'displayName', '')       AS buyer_name,
	       o.data->>'itemId'                          AS item_id,
	       COALESCE(n.data->>'title', 'Unknown')      AS item_title,
	       (o.data->>'amount')::BIGINT                AS amount,
	       o.data->>'currency'                        AS currency,
	       o.data->>'status'                          AS status,
	       COALESCE(o.data->>'paymentId', '')         AS payment_id,
	       o.created_at                               AS created_at
	FROM documents o
	LEFT JOIN documents b ON b.path = 'buyers/' || (o.data->>'buyerId')
	LEFT JOIN documents n ON n.collection LIKE 'categories/%/notes'
	                     AND n.data->>'id' = o.data->>'itemId'
	WHERE o.collection = 'orders'`

// BuyerTransactions lists one buyer's orders, newest first.
func (r *Repository) BuyerTransactions(ctx context.Context, buyerID string, limit int) ([]Transaction, error) {
	out := []Transaction{}
	err := r.db.SelectContext(ctx, &out, selectTransactions+`
		AND o.data->>'buyerId' = $1
		ORDER BY o.created_at DESC
		LIMIT $2`,
		buyerID, clampLimit(limit),
	)
	if err != nil {
		return nil, errors.Wrap(err, "select buyer transactions")
	}
	return out, nil
}

// AllTransactions lists every order, newest first.
func (r *Repository) AllTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	out := []Transaction{}
	err := r.db.SelectContext(ctx, &out, selectTransactions+`
		ORDER BY o.created_at DESC
		LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, errors.Wrap(err, "select transactions")
	}
	return out, nil
}

// StaleOrders lists orders still pending after olderThan. They usually mean
// the buyer abandoned checkout, but a paid one needs reconciling with the
// gateway.
func (r *Repository) StaleOrders(ctx context.Context, olderThan time.Duration) ([]Transaction, error) {
	out := []Transaction{}
	err := r.db.SelectContext(ctx, &out, selectTransactions+`
		AND o.data->>'status' = 'pending'
		AND o.created_at < $1
		ORDER BY o.created_at`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return nil, errors.Wrap(err, "select stale orders")
	}
	return out, nil
}

const selectNotes = `
	SELECT data->>'id'                                AS id,
	       COALESCE(data->>'title', '')               AS title,
	       COALESCE(data->>'description', '')         AS description,
	       COALESCE(data->>'category', '')            AS category,
	       COALESCE(data->>'subject', '')             AS subject,
	       COALESCE((data->>'price')::BIGINT, 0)      AS price,
	       COALESCE(data->'document'->>'url', '')     AS document_url,
	       COALESCE(data->'cover'->>'url', '')        AS cover_url,
	       COALESCE(data->'mirror'->>'url', '')       AS mirror_url
	FROM documents
	WHERE collection LIKE 'categories/%/notes'
	  AND data->>'id' IN (?)`

// Notes resolves item ids to their catalog entries, in the order given.
// Ids of items deleted since purchase are skipped.
func (r *Repository) Notes(ctx context.Context, ids []string) ([]Note, error) {
	out := []Note{}
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := notesQuery(ids)
	if err != nil {
		return nil, err
	}
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, errors.Wrap(err, "select notes")
	}
	return orderNotes(out, ids), nil
}

func notesQuery(ids []string) (string, []any, error) {
	query, args, err := sqlx.In(selectNotes, ids)
	if err != nil {
		return "", nil, errors.Wrap(err, "expand note ids")
	}
	return sqlx.Rebind(sqlx.DOLLAR, query), args, nil
}

func orderNotes(notes []Note, ids []string) []Note {
	byID := make(map[string]Note, len(notes))
	for _, n := range notes {
		byID[n.ID] = n
	}
	out := make([]Note, 0, len(notes))
	for _, id := range ids {
		if n, ok := byID[id]; ok {
			out = append(out, n)
			delete(byID, id)
		}
	}
	return out
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	}
	return limit
}
