package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPostgresStore_Contract runs against a disposable database named by
// TEST_DATABASE_URL. The record tables are dropped before and after.
func TestPostgresStore_Contract(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	store, err := NewPostgresStore(ctx, url, 4, nil)
	require.NoError(t, err)
	require.NoError(t, store.Migrations().Rollback(ctx, 0))
	require.NoError(t, store.Initialize(ctx))
	t.Cleanup(func() {
		store.Migrations().Rollback(context.Background(), 0)
		store.Close()
	})

	runStoreContract(t, store)
}
