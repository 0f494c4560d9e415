package profile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilothouse-dev/pilothouse/internal/log"
)

const src = "/home/u/.config/google-chrome"

func seedSource(t *testing.T, fs afero.Fs) {
	t.Helper()
	files := map[string]string{
		"Local State":                                `{"os_crypt":{"encrypted_key":"k"}}`,
		"SingletonLock":                              "host-123",
		"Default/Cookies":                            "cookie-db",
		"Default/Preferences":                        `{"profile":{}}`,
		"Default/SingletonLock":                      "stale",
		"Default/Cache/data_0":                       "cache-junk",
		"Default/Code Cache/js/index":                "cache-junk",
		"Default/GPUCache/data_1":                    "cache-junk",
		"Default/Service Worker/CacheStorage/blob":   "cache-junk",
		"Default/Service Worker/Database/000003.log": "sw-registrations",
		"Default/optimization_guide_hints/store":     "cache-junk",
		"Default/Sessions/Tabs_1":                    "tabs",
	}
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, filepath.Join(src, filepath.FromSlash(name)), []byte(content), 0o600))
	}
}

func TestMirrorBuildCopiesProfile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	seedSource(t, fs)
	m := NewMirrorFs(fs, log.New())

	dst, err := m.Build(context.Background(), src, "Default")
	require.NoError(t, err)

	read := func(rel string) string {
		b, err := afero.ReadFile(fs, filepath.Join(dst, filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
		return string(b)
	}
	assert.Contains(t, read("Local State"), "os_crypt")
	assert.Equal(t, "cookie-db", read("Default/Cookies"))
	assert.Equal(t, "sw-registrations", read("Default/Service Worker/Database/000003.log"))
	assert.Equal(t, "tabs", read("Default/Sessions/Tabs_1"))

	for _, rel := range []string{
		"Default/Cache/data_0",
		"Default/Code Cache/js/index",
		"Default/GPUCache/data_1",
		"Default/Service Worker/CacheStorage/blob",
		"Default/optimization_guide_hints/store",
	} {
		ok, _ := afero.Exists(fs, filepath.Join(dst, filepath.FromSlash(rel)))
		assert.False(t, ok, "cache path %s must be excluded", rel)
	}

	for _, rel := range []string{"SingletonLock", "Default/SingletonLock"} {
		ok, _ := afero.Exists(fs, filepath.Join(dst, filepath.FromSlash(rel)))
		assert.False(t, ok, "lock %s must be stripped", rel)
	}
}

func TestMirrorBuildIsRerunnable(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	seedSource(t, fs)
	m := NewMirrorFs(fs, log.New())

	dst, err := m.Build(context.Background(), src, "Default")
	require.NoError(t, err)

	// Change one file, delete another, then rebuild.
	require.NoError(t, afero.WriteFile(fs, filepath.Join(src, "Default/Cookies"), []byte("cookie-db-v2"), 0o600))
	require.NoError(t, fs.Chtimes(filepath.Join(src, "Default/Cookies"), time.Now(), time.Now()))
	require.NoError(t, fs.Remove(filepath.Join(src, "Default/Sessions/Tabs_1")))

	dst2, err := m.Build(context.Background(), src, "Default")
	require.NoError(t, err)
	assert.Equal(t, dst, dst2, "shadow location must be stable per source")

	b, err := afero.ReadFile(fs, filepath.Join(dst, "Default/Cookies"))
	require.NoError(t, err)
	assert.Equal(t, "cookie-db-v2", string(b))

	ok, _ := afero.Exists(fs, filepath.Join(dst, "Default/Sessions/Tabs_1"))
	assert.False(t, ok, "files removed at the source must be pruned")
}

func TestMirrorBuildMissingSource(t *testing.T) {
	t.Parallel()

	m := NewMirrorFs(afero.NewMemMapFs(), log.New())
	_, err := m.Build(context.Background(), "/does/not/exist", "Default")
	require.Error(t, err)
}

func TestShadowPathStableAndDistinct(t *testing.T) {
	t.Parallel()

	a := ShadowPath("/home/a/.config/google-chrome")
	b := ShadowPath("/home/b/.config/google-chrome")
	assert.Equal(t, a, ShadowPath("/home/a/.config/google-chrome"))
	assert.NotEqual(t, a, b)
}

func TestRemoveSingletonLocks(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	for _, name := range []string{"SingletonLock", "SingletonCookie", "SingletonSocket"} {
		require.NoError(t, afero.WriteFile(fs, filepath.Join("/data", name), []byte("x"), 0o600))
		require.NoError(t, afero.WriteFile(fs, filepath.Join("/data/Default", name), []byte("x"), 0o600))
	}

	RemoveSingletonLocksFs(fs, "/data", "Default")

	for _, name := range []string{"SingletonLock", "SingletonCookie", "SingletonSocket"} {
		ok, _ := afero.Exists(fs, filepath.Join("/data", name))
		assert.False(t, ok)
		ok, _ = afero.Exists(fs, filepath.Join("/data/Default", name))
		assert.False(t, ok)
	}
}
