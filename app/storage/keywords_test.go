package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywords_AddListDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	keywords, err := NewKeywords(ctx, db)
	require.NoError(t, err)

	require.NoError(t, keywords.Add(ctx, `(?i)free\s+money`, "admin"))
	require.NoError(t, keywords.Add(ctx, "crypto", "admin"))
	require.NoError(t, keywords.Add(ctx, "crypto", "admin"), "duplicate add is a no-op")

	list, err := keywords.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, `(?i)free\s+money`, list[0].Pattern)
	assert.Equal(t, "admin", list[0].Author)

	patterns, err := keywords.Patterns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{`(?i)free\s+money`, "crypto"}, patterns)

	require.NoError(t, keywords.Delete(ctx, "crypto"))
	err = keywords.Delete(ctx, "crypto")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeywords_RejectsInvalidPattern(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	keywords, err := NewKeywords(ctx, db)
	require.NoError(t, err)

	err = keywords.Add(ctx, "[unclosed", "admin")
	assert.ErrorIs(t, err, ErrInvalidRule)
	err = keywords.Add(ctx, "", "admin")
	assert.ErrorIs(t, err, ErrInvalidRule)

	list, err := keywords.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "store unchanged after rejected writes")
}

func TestKeywords_Replace(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	keywords, err := NewKeywords(ctx, db)
	require.NoError(t, err)
	require.NoError(t, keywords.Add(ctx, "old", "admin"))

	err = keywords.Replace(ctx, []Keyword{{Pattern: "new1", Author: "import"}, {Pattern: "new2", Author: "import"}})
	require.NoError(t, err)

	patterns, err := keywords.Patterns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new1", "new2"}, patterns)
}
