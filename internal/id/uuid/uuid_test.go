package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
	require.Less(t, id1, id2, "v7 ids are time ordered")
}

func TestValid(t *testing.T) {
	t.Parallel()

	require.True(t, Valid("0193a7a4-3b1e-7c2d-8e4f-123456789abc"))
	require.False(t, Valid("not-a-uuid"))
	require.False(t, Valid(""))
}
