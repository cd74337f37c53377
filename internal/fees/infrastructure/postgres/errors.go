package postgres

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"

	fees "feesync/internal/fees/domain"
)

// classify wraps transient failures with fees.ErrTransientStorage so callers can retry them.
func classify(err error) error {
	if err == nil || errors.Is(err, fees.ErrTransientStorage) {
		return err
	}
	if IsTransient(err) {
		return fmt.Errorf("%w: %w", fees.ErrTransientStorage, err)
	}
	return err
}

// IsTransient reports whether err is a connection, timeout, serialization or deadlock failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		case pgErr.Code == "53300":
			return true
		}
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}
