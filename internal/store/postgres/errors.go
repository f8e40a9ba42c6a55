package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mealgrid/orchestrator/internal/store"
)

// mapPostgresError maps PostgreSQL-specific errors to sentinel errors.
// Returns the original error when it doesn't match a known pattern.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.InvalidTextRepresentation:
		// Malformed job id in a ::uuid cast; indistinguishable from an
		// unknown id as far as callers are concerned.
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, pgErr.Message)

	case pgerrcode.UniqueViolation:
		return fmt.Errorf("%w: %s", store.ErrDuplicateJob, pgErr.ConstraintName)

	case pgerrcode.CheckViolation:
		// Status, priority or progress constraint; the record write was
		// malformed rather than conflicting.
		return fmt.Errorf("constraint violation %s: %w", pgErr.ConstraintName, err)

	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return fmt.Errorf("transient conflict, retryable: %w", err)
	}

	return err
}
