package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Lookups sit on the hot apply path, so they get a short deadline
// rather than the connection default.
const dedupQueryTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker answers duplicate checks against the
// journaled command log. It backs the second dedup tier, behind the
// in-memory LRU.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether a command with this type and key has
// already been journaled.
func (pic *PostgresIdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dedupQueryTimeout)
	defer cancel()

	var exists bool
	err := pic.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM command_log.commands
			WHERE command_type = $1 AND idempotency_key = $2
		)
	`, commandType, idempotencyKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return exists, nil
}
