package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/store/memstore"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		g, err := Open(ctx, model.Config{Store: model.StoreConfig{Driver: "memory"}}, t.TempDir())
		require.NoError(t, err)
		assert.IsType(t, &memstore.Store{}, g)
	})

	t.Run("sqlite default path", func(t *testing.T) {
		dir := t.TempDir()
		g, err := Open(ctx, model.Config{Store: model.StoreConfig{Driver: "sqlite", DSNEnv: "COGNO_TEST_UNSET_DSN"}}, dir)
		require.NoError(t, err)
		defer g.Close()
		_, err = os.Stat(filepath.Join(dir, DefaultSQLitePath))
		assert.NoError(t, err)
	})

	t.Run("postgres without dsn", func(t *testing.T) {
		_, err := Open(ctx, model.Config{Store: model.StoreConfig{Driver: "postgres", DSNEnv: "COGNO_TEST_UNSET_DSN"}}, t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "COGNO_TEST_UNSET_DSN")
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := Open(ctx, model.Config{Store: model.StoreConfig{Driver: "mongo"}}, t.TempDir())
		assert.Error(t, err)
	})
}
