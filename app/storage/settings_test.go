package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_SetGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	settings, err := NewSettings(ctx, db)
	require.NoError(t, err)

	_, err = settings.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, settings.Set(ctx, "key1", "value1"))
	got, err := settings.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, "value1", got)

	require.NoError(t, settings.Set(ctx, "key1", "value2"))
	got, err = settings.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, "value2", got)
}

func TestSettings_Int(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	settings, err := NewSettings(ctx, db)
	require.NoError(t, err)

	require.NoError(t, settings.SetInt(ctx, SettingSpamThreadID, 4242))
	got, err := settings.GetInt(ctx, SettingSpamThreadID)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), got)

	require.NoError(t, settings.Set(ctx, "notnum", "abc"))
	_, err = settings.GetInt(ctx, "notnum")
	assert.Error(t, err)
}
