package pgstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// maxTransientAttempts bounds the transient-retry loop at 3 total tries
// (1 initial + 2 retries), per spec §5.
const maxTransientAttempts = 3

// transientSQLStates are Postgres connection-exception codes (class 08)
// plus admin shutdown and connection-limit rejection — all conditions a
// retry of the same statement can plausibly ride out, as opposed to a
// constraint violation or syntax error.
var transientSQLStates = map[string]bool{
	"08000": true, // connection_exception
	"08001": true, // sqlclient_unable_to_establish_sqlconnection
	"08003": true, // connection_does_not_exist
	"08004": true, // sqlserver_rejected_establishment_of_sqlconnection
	"08006": true, // connection_failure
	"08007": true, // transaction_resolution_unknown
	"57P01": true, // admin_shutdown
	"53300": true, // too_many_connections
}

// isTransient reports whether err looks like a connection reset or
// timeout rather than a query or application error.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientSQLStates[pgErr.Code]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}

// withTransientRetry runs fn up to maxTransientAttempts times, backing
// off exponentially (100ms base, factor 2, jitter) between attempts
// whenever fn fails with a transient connection error. Any other error
// is returned after the first attempt.
func withTransientRetry(ctx context.Context, fn func() error) error {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 100 * time.Millisecond
	boff.Multiplier = 2

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(boff, maxTransientAttempts-1), ctx))
}
