package app_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/app"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/imagestore"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/keypool"
	"github.com/lpding888/ai-fashion-studio-sub002/internal/queue"
)

func writeConfig(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "studio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return dir, path
}

func TestOpenMigratesAndWiresInline(t *testing.T) {
	dir, path := writeConfig(t, `
pool:
  secret_key: "unit-test-key"
queue:
  driver: inline
logging:
  level: warn
`)
	ctx := context.Background()
	a, err := app.Open(ctx, app.Options{ConfigPath: path, Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	_, err = os.Stat(filepath.Join(dir, ".studio", "studio.db"))
	require.NoError(t, err)
	bal, err := a.Engine.Billing.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, bal)

	require.NoError(t, a.Wire(ctx))
	assert.IsType(t, &queue.Inline{}, a.Engine.Dispatcher)
	store, ok := a.Engine.Images.(*imagestore.LocalStore)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, ".studio", "images"), store.Root)
	assert.Equal(t, "http://localhost:8080/v1/images/t1/s1.png", store.URL("t1/s1.png"))
	assert.IsType(t, &keypool.MemoryCursor{}, a.Keys.Cursor)
	assert.NotNil(t, a.Webhooks)
	assert.NotNil(t, a.Engine.Planner)
	assert.NotNil(t, a.Engine.Renderer)
	require.NoError(t, a.StartWorkers(ctx))
	require.NoError(t, a.StopWorkers(ctx))
}

func TestOpenKeysUsesRedisWhenConfigured(t *testing.T) {
	mr := miniredis.RunT(t)
	dir, path := writeConfig(t, fmt.Sprintf(`
pool:
  secret_key: "unit-test-key"
redis:
  addr: %q
  prefix: "t:"
`, mr.Addr()))
	ctx := context.Background()
	a, err := app.Open(ctx, app.Options{ConfigPath: path, Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	keys, err := a.OpenKeys(ctx)
	require.NoError(t, err)
	assert.IsType(t, keypool.RedisCursor{}, keys.Cursor)

	n, err := keys.Cursor.Next(ctx, "RENDERER")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, mr.Exists("t:pool:cursor:RENDERER"))
}

func TestOpenKeysNeedsSecretKey(t *testing.T) {
	dir, path := writeConfig(t, "logging:\n  level: error\n")
	a, err := app.Open(context.Background(), app.Options{ConfigPath: path, Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	_, err = a.OpenKeys(context.Background())
	assert.ErrorIs(t, err, keypool.ErrSealKey)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir, path := writeConfig(t, "queue:\n  driver: carrier-pigeon\n")
	_, err := app.Open(context.Background(), app.Options{ConfigPath: path, Workspace: dir})
	assert.ErrorContains(t, err, "queue.driver")
}
