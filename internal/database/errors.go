package database

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"
)

// ErrManagerClosed is returned by every operation after Close.
var ErrManagerClosed = errors.New("database: manager closed")

// IsTransient reports whether err looks like a connection-level failure that
// a retry, or ultimately a pool rebuild, could cure. Constraint, syntax, and
// validation errors from PostgreSQL are permanent and never retried, and a
// cancelled context belongs to the caller, not the connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrManagerClosed) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is every connection exception; the 57P0x codes are the
		// server going away; 53300 is the pool racing other clients for
		// connection slots.
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
		switch pgErr.Code {
		case "53300", "57P01", "57P02", "57P03":
			return true
		}
		return false
	}
	if errors.Is(err, puddle.ErrClosedPool) {
		// Mid-rebuild the old pool is closed under running operations.
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
