package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/umputun/tg-relay/app/storage/engine"
)

func newTestDB(t *testing.T) *engine.SQL {
	t.Helper()
	db, err := engine.NewSqlite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
