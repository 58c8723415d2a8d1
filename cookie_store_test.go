package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCookieStoreMergesEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache", "cookies.json")
	store := NewFileCookieStore(path)

	_, ok, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok, "missing file is an empty cache")

	require.NoError(t, store.Set(ctx, "a1", "SID=one"))
	// a second store over the same file must not clobber a1
	require.NoError(t, NewFileCookieStore(path).Set(ctx, "a2", "SID=two"))

	v, ok, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "SID=one", v)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]string
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, map[string]string{"a1": "SID=one", "a2": "SID=two"}, onDisk)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(cacheFileMode), info.Mode().Perm())
}

func TestFileCookieStoreRebuildsCorruptFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cookies.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))
	store := NewFileCookieStore(path)

	_, _, err := store.Get(ctx, "a1")
	assert.Error(t, err)

	require.NoError(t, store.Set(ctx, "a1", "SID=new"))
	v, ok, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "SID=new", v)
}

func TestFileCookieStoreEmptyValueIsMiss(t *testing.T) {
	ctx := context.Background()
	store := NewFileCookieStore(filepath.Join(t.TempDir(), "cookies.json"))
	require.NoError(t, store.Set(ctx, "a1", ""))

	_, ok, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Error(t, store.Set(ctx, "", "SID=x"))
}

func TestPersistSessionSkipsEmpty(t *testing.T) {
	store := newMemStore(nil)
	require.NoError(t, persistSession(context.Background(), store, "a1", ParseSession("")))
	require.NoError(t, persistSession(context.Background(), nil, "a1", ParseSession("SID=x")))
	assert.Empty(t, store.sets)

	require.NoError(t, persistSession(context.Background(), store, "a1", ParseSession("SID=x")))
	assert.Equal(t, "SID=x", store.value("a1"))
}

func TestOpenCookieStoreFileBackend(t *testing.T) {
	cfg := testConfig()
	cfg.CachePath = filepath.Join(t.TempDir(), "cookies.json")

	store, closer, err := openCookieStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &FileCookieStore{}, store)
	assert.NoError(t, closer())
}

// TestRedisCookieStore needs a live server: HCRENEW_TEST_REDIS=host:port.
func TestRedisCookieStore(t *testing.T) {
	addr := os.Getenv("HCRENEW_TEST_REDIS")
	if addr == "" {
		t.Skip("HCRENEW_TEST_REDIS not set")
	}
	ctx := context.Background()
	prefix := "hcrenew-test:" + strconv.Itoa(os.Getpid()) + ":"

	store, err := NewRedisCookieStore(ctx, addr, "", 0, prefix)
	require.NoError(t, err)
	defer store.Close()
	defer store.client.Del(ctx, prefix+"a1")

	_, ok, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "a1", "SID=redis"))
	v, ok, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "SID=redis", v)
}

func TestNewRedisCookieStoreUnreachable(t *testing.T) {
	_, err := NewRedisCookieStore(context.Background(), "127.0.0.1:1", "", 0, "x:")
	assert.Error(t, err)
}
