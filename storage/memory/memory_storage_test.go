package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kinship-auth/kinship"
	"github.com/kinship-auth/kinship/testsuite"
)

func TestMemoryWithTestSuite(t *testing.T) {
	storage := NewMemoryStorage()
	defer storage.Close()

	testsuite.RunTestAll(t, map[string]kinship.Storage{
		"memory": storage,
	})
}

func TestMemoryReadRequiresFilter(t *testing.T) {
	storage := NewMemoryStorage()
	defer storage.Close()

	_, err := storage.Read(context.Background(), kinship.TupleFilter{})
	require.Error(t, err)
}

func TestMemoryWriteIsIdempotent(t *testing.T) {
	storage := NewMemoryStorage()
	defer storage.Close()

	ctx := context.Background()
	tuple := kinship.TupleString("guild:acme#member@user:bob")
	require.NoError(t, storage.Write(ctx, tuple))
	require.NoError(t, storage.Write(ctx, tuple))

	tuples, cursor, err := storage.List(ctx, kinship.TupleFilter{}, kinship.Pagination{})
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	require.Equal(t, tuple, tuples[0])
	require.True(t, cursor.IsNil())
}

func BenchmarkMemory(b *testing.B) {
	storage := NewMemoryStorage()
	defer storage.Close()

	testsuite.RunBenchmarkAll(b, map[string]kinship.Storage{
		"memory": storage,
	})
}
