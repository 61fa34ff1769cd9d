package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutAndInspect(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()

	uri, err := store.PutObject(context.Background(), "screenshots/job-1.png", "image/png", []byte("png-bytes"))
	require.NoError(t, err)
	require.Equal(t, "memory://screenshots/job-1.png", uri)

	data, ok := store.Object("screenshots/job-1.png")
	require.True(t, ok)
	require.Equal(t, []byte("png-bytes"), data)
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), "", "image/png", []byte("x"))
	require.Error(t, err)
}

func TestBlobStoreCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	src := []byte("original")
	_, err := store.PutObject(context.Background(), "a", "", src)
	require.NoError(t, err)

	src[0] = 'X'
	data, ok := store.Object("a")
	require.True(t, ok)
	require.Equal(t, []byte("original"), data)
}
