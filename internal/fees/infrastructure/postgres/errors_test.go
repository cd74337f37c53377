package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fees "feesync/internal/fees/domain"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"bad conn", driver.ErrBadConn, true},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{"reset", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"plain", errors.New("boom"), false},
		{"cancelled", context.Canceled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestClassifyWrapsTransient(t *testing.T) {
	err := classify(&pgconn.PgError{Code: "40P01", Message: "deadlock detected"})
	require.ErrorIs(t, err, fees.ErrTransientStorage)
	assert.Contains(t, err.Error(), "deadlock detected")

	plain := errors.New("syntax error")
	assert.Same(t, plain, classify(plain))
	assert.NoError(t, classify(nil))
}

func TestDedupeEventsKeepsLastVersion(t *testing.T) {
	out := dedupeEvents([]fees.RawFeeEvent{
		{EventID: "a", FeeName: "first"},
		{EventID: "b"},
		{EventID: "a", FeeName: "second"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "second", out[0].FeeName)
	assert.Equal(t, "b", out[1].EventID)
}

func TestUpsertSuffixGuardsUpdatedAt(t *testing.T) {
	assert.Contains(t, upsertEventsSuffix, "ON CONFLICT (event_id) DO UPDATE SET")
	assert.Contains(t, upsertEventsSuffix, "synced_at = EXCLUDED.synced_at")
	assert.Contains(t, upsertEventsSuffix, "IS DISTINCT FROM")
	assert.Contains(t, upsertEventsSuffix, "ELSE fee_records.updated_at END")
}
