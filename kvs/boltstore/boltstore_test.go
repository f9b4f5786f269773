package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertprovine/SilverKing/kvs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutThenGetSucceeds(t *testing.T) {
	s := openTestStore(t)
	ns, err := s.Namespace("dirs")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ns.Put(ctx, "/a", []byte("payload"), kvs.Metadata{Version: 7, CreatorID: "node-1"}))

	persp, err := ns.OpenAsyncPerspective(kvs.PerspectiveOptions{RetrieveMetadata: true})
	require.NoError(t, err)
	defer persp.Close()

	ret, err := persp.Get(ctx, []string{"/a", "/missing"})
	require.NoError(t, err)

	assert.Equal(t, kvs.Succeeded, ret.State("/a"))
	val, ok := ret.Value("/a")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), val.Value)
	assert.Equal(t, uint64(7), val.Metadata.Version)
	assert.Equal(t, "node-1", val.Metadata.CreatorID)

	assert.Equal(t, kvs.Failed, ret.State("/missing"))
	assert.Equal(t, kvs.NoSuchValue, ret.Cause("/missing"))
}

func TestGetAgainstEmptyNamespaceReportsNoSuchValue(t *testing.T) {
	s := openTestStore(t)
	ns, err := s.Namespace("dirs")
	require.NoError(t, err)
	persp, err := ns.OpenAsyncPerspective(kvs.PerspectiveOptions{})
	require.NoError(t, err)

	ret, err := persp.Get(context.Background(), []string{"/a"})
	require.NoError(t, err)
	assert.Equal(t, kvs.Failed, ret.State("/a"))
	assert.Equal(t, kvs.NoSuchValue, ret.Cause("/a"))
}

func TestWaitForActiveOpsReturnsAfterGets(t *testing.T) {
	s := openTestStore(t)
	ns, _ := s.Namespace("dirs")
	persp, _ := ns.OpenAsyncPerspective(kvs.PerspectiveOptions{})

	ctx := context.Background()
	_, err := persp.Get(ctx, []string{"/a"})
	require.NoError(t, err)

	require.NoError(t, persp.WaitForActiveOps(ctx))
}
