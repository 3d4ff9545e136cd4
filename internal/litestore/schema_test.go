package litestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SchemaMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "engine.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, "UPDATE schema_version SET version = ?", schemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, path)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

type codedErr int

func (c codedErr) Error() string { return "coded" }
func (c codedErr) Code() int     { return int(c) }

func TestIsSQLiteBusy(t *testing.T) {
	assert.False(t, isSQLiteBusy(nil))
	assert.True(t, isSQLiteBusy(codedErr(sqliteBusyCode)))
	assert.True(t, isSQLiteBusy(codedErr(sqliteBusyCode|0x100)))
	assert.True(t, isSQLiteBusy(errors.New("database is locked")))
	assert.False(t, isSQLiteBusy(errors.New("no such table")))
}

func TestRetryOnBusy(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := retryOnBusy(ctx, func() error {
		calls++
		if calls < 3 {
			return codedErr(sqliteBusyCode)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("boom")
	err = retryOnBusy(ctx, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "non-busy errors are not retried")

	calls = 0
	err = retryOnBusy(ctx, func() error {
		calls++
		return codedErr(sqliteBusyCode)
	})
	assert.Error(t, err)
	assert.Equal(t, busyRetryAttempts, calls)
}
