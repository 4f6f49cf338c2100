package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from the memories table. It lives in the
// postgres package (not the _test package) for access to the unexported db
// field, and stays exported so the postgres_test package can call it.
func (s *Store) TruncateForTest(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "TRUNCATE TABLE memories"); err != nil {
		return fmt.Errorf("postgres: failed to truncate memories: %w", err)
	}
	return nil
}
