// Package profile builds shadow copies of the user's real Chromium
// profile so a debug-enabled browser can run with their cookies and
// sessions without the two instances corrupting each other's data dir.
package profile

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/pilothouse-dev/pilothouse/internal/log"
)

// Directories that are pure cache: large, churning, and rebuilt by the
// browser on demand. Mirroring them would dominate copy time for zero
// benefit.
var excludedDirs = map[string]struct{}{
	"Cache":            {},
	"Code Cache":       {},
	"GPUCache":         {},
	"ShaderCache":      {},
	"GrShaderCache":    {},
	"Safe Browsing":    {},
	"VideoDecodeStats": {},
	"BrowserMetrics":   {},
	"Crashpad":         {},
}

// Subpaths under a profile directory that are likewise cache-only.
var excludedSubpaths = []string{
	filepath.Join("Service Worker", "CacheStorage"),
	filepath.Join("Service Worker", "ScriptCache"),
}

// singletonLockNames are the files Chromium uses to enforce one process
// per data dir. A stale one from a killed process makes the next launch
// exit instantly and silently.
var singletonLockNames = []string{"SingletonLock", "SingletonCookie", "SingletonSocket"}

// Mirror copies a user data dir into a stable per-source shadow
// location. The same source always maps to the same destination, so
// repeated launches reuse (and incrementally refresh) one shadow
// instead of piling up temp dirs.
type Mirror struct {
	fs     afero.Fs
	logger *log.Logger
}

// NewMirror builds a mirror over the real filesystem.
func NewMirror(logger *log.Logger) *Mirror {
	return &Mirror{fs: afero.NewOsFs(), logger: logger}
}

// NewMirrorFs builds a mirror over the given filesystem, for tests.
func NewMirrorFs(fsys afero.Fs, logger *log.Logger) *Mirror {
	return &Mirror{fs: fsys, logger: logger}
}

// DefaultUserDataDir returns the platform-default Chrome user data
// directory.
func DefaultUserDataDir() (string, error) {
	return defaultUserDataDir(runtime.GOOS)
}

func defaultUserDataDir(goos string) (string, error) {
	cfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	switch goos {
	case "darwin":
		return filepath.Join(cfg, "Google", "Chrome"), nil
	case "windows":
		return filepath.Join(cfg, "Google", "Chrome", "User Data"), nil
	default:
		return filepath.Join(cfg, "google-chrome"), nil
	}
}

// ShadowPath returns the stable shadow destination for a source data
// dir. Keyed by a digest of the source path so distinct sources get
// distinct shadows.
func ShadowPath(src string) string {
	sum := sha1.Sum([]byte(src))
	return filepath.Join(os.TempDir(), "pilothouse-profile-"+hex.EncodeToString(sum[:8]))
}

// BuildShadow mirrors src into the shadow location and returns the
// shadow path. Only Local State plus the named profile subdirectory
// are mirrored; cache trees are skipped and files deleted at the
// source are deleted in the shadow.
func BuildShadow(ctx context.Context, src, profileName string, logger *log.Logger) (string, error) {
	return NewMirror(logger).Build(ctx, src, profileName)
}

// Build performs one mirror pass. Re-runnable: unchanged files are
// skipped by size+mtime, removed files are pruned.
func (m *Mirror) Build(ctx context.Context, src, profileName string) (string, error) {
	if ok, err := afero.DirExists(m.fs, src); err != nil || !ok {
		return "", fmt.Errorf("user data dir %q does not exist", src)
	}

	dst := ShadowPath(src)
	start := time.Now()
	if err := m.fs.MkdirAll(filepath.Join(dst, profileName), 0o700); err != nil {
		return "", fmt.Errorf("creating shadow dir: %w", err)
	}

	// Local State lives at the data dir root and holds the os_crypt
	// key; without it the copied cookies cannot be decrypted.
	if err := m.copyFile(filepath.Join(src, "Local State"), filepath.Join(dst, "Local State")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("copying Local State: %w", err)
	}
	if err := m.copyFile(filepath.Join(src, "First Run"), filepath.Join(dst, "First Run")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Debugf("profile", "copying First Run: %v", err)
	}

	copied, skipped, err := m.mirrorTree(ctx, filepath.Join(src, profileName), filepath.Join(dst, profileName))
	if err != nil {
		return "", err
	}
	if err := m.prune(ctx, filepath.Join(src, profileName), filepath.Join(dst, profileName)); err != nil {
		return "", err
	}

	RemoveSingletonLocksFs(m.fs, dst, profileName)

	m.logger.Infof("profile", "shadow %s ready: %d files copied, %d unchanged (%s)",
		dst, copied, skipped, time.Since(start).Round(time.Millisecond))
	return dst, nil
}

func (m *Mirror) mirrorTree(ctx context.Context, src, dst string) (copied, skipped int, err error) {
	err = afero.Walk(m.fs, src, func(path string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			// The browser may hold some files open or the walk may race
			// a deletion; skip rather than abort.
			m.logger.Debugf("profile", "walk %s: %v", path, walkErr)
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			if m.excluded(rel) {
				return filepath.SkipDir
			}
			return m.fs.MkdirAll(filepath.Join(dst, rel), 0o700)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		target := filepath.Join(dst, rel)
		if di, err := m.fs.Stat(target); err == nil &&
			di.Size() == info.Size() && di.ModTime().Equal(info.ModTime()) {
			skipped++
			return nil
		}
		if err := m.copyFileInfo(path, target, info); err != nil {
			// Locked database files (the browser is running) are
			// expected; the stale shadow copy stays in place.
			m.logger.Debugf("profile", "copy %s: %v", rel, err)
			return nil
		}
		copied++
		return nil
	})
	return copied, skipped, err
}

// prune removes shadow files whose source no longer exists, so deleted
// cookies do not resurrect on the next launch.
func (m *Mirror) prune(ctx context.Context, src, dst string) error {
	return afero.Walk(m.fs, dst, func(path string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil || info == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dst, path)
		if err != nil || rel == "." {
			return nil
		}
		if _, err := m.fs.Stat(filepath.Join(src, rel)); errors.Is(err, fs.ErrNotExist) {
			if info.IsDir() {
				if err := m.fs.RemoveAll(path); err == nil {
					return filepath.SkipDir
				}
				return nil
			}
			_ = m.fs.Remove(path)
		}
		return nil
	})
}

func (m *Mirror) excluded(rel string) bool {
	base := filepath.Base(rel)
	if _, ok := excludedDirs[base]; ok {
		return true
	}
	if strings.HasPrefix(base, "optimization_guide_") {
		return true
	}
	for _, sub := range excludedSubpaths {
		if rel == sub {
			return true
		}
	}
	return false
}

func (m *Mirror) copyFile(src, dst string) error {
	info, err := m.fs.Stat(src)
	if err != nil {
		return err
	}
	return m.copyFileInfo(src, dst, info)
}

func (m *Mirror) copyFileInfo(src, dst string, info fs.FileInfo) error {
	in, err := m.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := m.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// Mirror the source mtime so the next pass can skip the file.
	return m.fs.Chtimes(dst, time.Now(), info.ModTime())
}

// RemoveSingletonLocks deletes Chromium's singleton lock files from the
// data dir root and the profile subdirectory.
func RemoveSingletonLocks(dataDir, profileName string) {
	RemoveSingletonLocksFs(afero.NewOsFs(), dataDir, profileName)
}

// RemoveSingletonLocksFs is the filesystem-injectable form.
func RemoveSingletonLocksFs(fsys afero.Fs, dataDir, profileName string) {
	for _, name := range singletonLockNames {
		_ = fsys.Remove(filepath.Join(dataDir, name))
		if profileName != "" {
			_ = fsys.Remove(filepath.Join(dataDir, profileName, name))
		}
	}
}
