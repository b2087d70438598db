package pg

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"grievdesk.org/internal/grievance"
)

const (
	pgErrUniqueViolation   = "23505"
	pgErrTooManyConnection = "53300"
)

// classify maps driver errors onto the grievance error set. Connection
// loss, timeouts and server shutdown become ErrStoreUnavailable so callers
// can retry; everything else passes through wrapped.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, grievance.ErrNotFound) || errors.Is(err, grievance.ErrVersionConflict) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgErrUniqueViolation:
			return fmt.Errorf("%s: %w", op, grievance.ErrAlreadyExists)
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08", // connection exception
			pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03", // shutdown
			pgErr.Code == pgErrTooManyConnection:
			return fmt.Errorf("%s: %w: %v", op, grievance.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		pgconn.Timeout(err) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", op, grievance.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
