package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// SQLResolver looks accounts up in a relational user store by their unique
// identifier column.
type SQLResolver struct {
	db    *sqlx.DB
	query string
}

// NewSQLResolver creates a SQLResolver querying the given table. The table
// must carry `uuid` and `email` columns.
func NewSQLResolver(db *sqlx.DB, table string) *SQLResolver {
	if table == "" {
		table = "users"
	}
	return &SQLResolver{
		db:    db,
		query: db.Rebind(fmt.Sprintf("SELECT email FROM %s WHERE uuid = ? LIMIT 1", table)),
	}
}

// Resolve fetches the mailbox address for accountID. A missing row is
// ErrNotFound; every other database failure is transient.
func (r *SQLResolver) Resolve(ctx context.Context, accountID string) (string, error) {
	slog.Debug("directory lookup", "account", accountID)

	var mailbox string
	err := r.db.GetContext(ctx, &mailbox, r.query, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	if err != nil {
		return "", fmt.Errorf("directory query failed: %w", err)
	}

	if mailbox == "" {
		return "", fmt.Errorf("%w: no email for %s", ErrNotFound, accountID)
	}
	return mailbox, nil
}
