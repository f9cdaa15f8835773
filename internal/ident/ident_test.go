package ident

import (
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandom(t *testing.T) {
	a, err := UUID{}.Random()
	require.NoError(t, err)
	b, err := UUID{}.Random()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
}

func TestOrderedSortsByCreation(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		id, err := UUID{}.Ordered()
		require.NoError(t, err)
		ids[i] = id
	}

	assert.True(t, sort.StringsAreSorted(ids))
	parsed, err := uuid.Parse(ids[0])
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}
