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
	require.Equal(t, goUUID.Version(7), id1.Version())
	require.Negative(t, compareBytes(id1, id2), "v7 ids should sort by creation")
}

func TestParse(t *testing.T) {
	t.Parallel()

	id, err := Parse("0192f0a4-3c1e-7a8b-9c2d-0123456789ab")
	require.NoError(t, err)
	require.Equal(t, "0192f0a4-3c1e-7a8b-9c2d-0123456789ab", id.String())

	_, err = Parse("job-1")
	require.Error(t, err)
}

func compareBytes(a, b goUUID.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
