// Package runner executes view-definition query plans against the document
// store. It provides the materialized fast path, the generated relational
// path with a TTL result cache, the recent-writes freshness path, and the
// hybrid serving layer that routes between them with fallback.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Error kinds. Callers match with errors.Is; the serving layer additionally
// matches NotMaterializedError with errors.As to trigger relational fallback.
var (
	// ErrViewNotFound is returned when the named view definition is absent.
	ErrViewNotFound = errors.New("view not found")

	// ErrInvalidInput is returned for malformed view definitions and
	// unsupported filter values. Not retryable.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransient is returned for timeouts, cancellations, and resource
	// exhaustion. The operation may succeed if retried.
	ErrTransient = errors.New("transient query failure")

	// ErrFatal is returned when the store is unreachable or the schema is
	// missing. Surfaces to process-level health.
	ErrFatal = errors.New("fatal query failure")
)

// NotMaterializedError reports that the target materialized view does not
// exist. The serving layer catches it and falls back to the relational
// runner; surfaced directly it means the caller bypassed the serving layer.
type NotMaterializedError struct {
	View string
}

func (e *NotMaterializedError) Error() string {
	return fmt.Sprintf("materialized view %q does not exist", e.View)
}

// IsNotMaterialized reports whether err carries a NotMaterializedError.
func IsNotMaterialized(err error) bool {
	var nm *NotMaterializedError

	return errors.As(err, &nm)
}

// PostgreSQL error classes used to map driver errors onto the error kinds.
const (
	pqClassConnection            = "08"
	pqClassInvalidTransaction    = "25"
	pqClassInvalidCatalog        = "3D"
	pqClassInvalidSchema         = "3F"
	pqClassTransactionRollback   = "40"
	pqClassSyntaxOrAccess        = "42"
	pqClassInsufficientResources = "53"
	pqClassOperatorIntervention  = "57"

	pqCodeUndefinedTable = "42P01"
)

// classifyQueryError wraps a driver error with the matching error kind.
// Cancellation and deadline expiry are transient; connection and catalog
// failures are fatal; undefined relations surface unchanged so the caller
// can translate them with view context.
func classifyQueryError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == pqCodeUndefinedTable {
			return err
		}

		switch pqErr.Code.Class() {
		case pqClassInsufficientResources, pqClassOperatorIntervention,
			pqClassTransactionRollback, pqClassInvalidTransaction:
			return fmt.Errorf("%w: %w", ErrTransient, err)
		case pqClassConnection, pqClassInvalidCatalog, pqClassInvalidSchema:
			return fmt.Errorf("%w: %w", ErrFatal, err)
		case pqClassSyntaxOrAccess:
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}

	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// isUndefinedTable reports whether err is the driver's undefined-relation
// error, which the materialized runner translates to NotMaterializedError.
func isUndefinedTable(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == pqCodeUndefinedTable
}
