package imagestore_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/imagestore"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := imagestore.NewLocalStore(t.TempDir(), "http://localhost:8080/images/")
	require.NoError(t, err)

	key := imagestore.NewKey("task-1", "shot-1", "image/png")
	assert.True(t, strings.HasPrefix(key, "task-1/shot-1/"))
	assert.True(t, strings.HasSuffix(key, ".png"))

	require.NoError(t, s.Save(ctx, key, []byte("\x89PNG\r\n\x1a\nbody"), "image/png"))
	rc, err := s.Open(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG\r\n\x1a\nbody", string(data))
	assert.Equal(t, "http://localhost:8080/images/"+key, s.URL(key))

	uri, err := imagestore.DataURI(ctx, s, key)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Open(ctx, key)
	assert.ErrorIs(t, err, imagestore.ErrNotFound)
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	root := t.TempDir()
	s, err := imagestore.NewLocalStore(root, "")
	require.NoError(t, err)
	assert.Error(t, s.Save(context.Background(), "", []byte("x"), ""))

	// Traversal is folded back under the root.
	require.NoError(t, s.Save(context.Background(), "../../outside.png", []byte("x"), ""))
	rc, err := s.Open(context.Background(), "outside.png")
	require.NoError(t, err)
	rc.Close()
}
