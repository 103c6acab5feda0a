package sqlstore

import (
	"context"
	"errors"

	"github.com/warp/trip-ledger/ledger"
)

type errClass int

const (
	classOther errClass = iota
	classDuplicate
	classConflict
)

// dialect holds what differs between SQLite and PostgreSQL.
type dialect struct {
	name       string
	seqColumn  string
	lockSuffix string // appended to the participation read inside WithTx
	rebind     func(query string) string
	classify   func(err error) errClass
}

// wrap maps a driver error onto the ledger error taxonomy.
func (d *dialect) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch d.classify(err) {
	case classDuplicate:
		return ledger.ErrDuplicateIdempotencyKey
	case classConflict:
		return &ledger.ConcurrencyConflictError{Key: op, Err: err}
	}
	return &ledger.StorageError{Op: op, Err: err}
}
