package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the storage layer distinguishes. The schema carries no
// foreign keys (node rows reference their holder by soft key, so a holder
// row and its node set can be written independently), which leaves
// uniqueness races, transaction aborts and a missing schema as the error
// classes worth branching on.
const (
	codeUniqueViolation   = "23505"
	codeSerializationFail = "40001"
	codeDeadlockDetected  = "40P01"
	codeUndefinedTable    = "42P01"
)

// IsUniqueViolation reports whether err is a unique-constraint violation
// (SQLSTATE 23505). It fires when two instances race to insert the same
// group or track row; the API maps it to a conflict, not a server error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// IsTransientTxError reports whether err is a serialization failure or a
// deadlock abort. Saving a holder rewrites its whole node set, so two
// instances saving the same holder can abort each other; such a
// transaction is safe to rerun against the committed state.
func IsTransientTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFail || pgErr.Code == codeDeadlockDetected
}

// IsUndefinedTable reports whether err means a relation does not exist
// (SQLSTATE 42P01), which on a fresh database means migrations never ran.
func IsUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUndefinedTable
}
