package foldersync

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSyncer(t *testing.T, source, replica string) *Syncer {
	t.Helper()
	return NewSyncer(Config{
		SourcePath:  source,
		ReplicaPath: replica,
		Interval:    time.Hour,
		Parallel:    4,
	})
}

// requireMirrored asserts that the replica tree is equal to the source tree
// in paths, kinds, content and tracked metadata.
func requireMirrored(t *testing.T, source, replica string) {
	t.Helper()

	seen := map[string]bool{}
	err := filepath.WalkDir(source, func(current string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		rel, err := filepath.Rel(source, current)
		require.NoError(t, err)
		if rel == "." {
			return nil
		}
		seen[rel] = true

		mirrored := filepath.Join(replica, rel)
		sfi, err := os.Lstat(current)
		require.NoError(t, err)
		rfi, err := os.Lstat(mirrored)
		require.NoError(t, err, "missing in replica: %v", rel)

		require.Equal(t, sfi.IsDir(), rfi.IsDir(), "kind mismatch for %v", rel)
		if sfi.Mode()&os.ModeSymlink != 0 {
			starget, _ := os.Readlink(current)
			rtarget, err := os.Readlink(mirrored)
			require.NoError(t, err)
			require.Equal(t, starget, rtarget, "link target mismatch for %v", rel)
			return nil
		}
		require.Equal(t, sfi.Mode().Perm(), rfi.Mode().Perm(), "permission mismatch for %v", rel)
		if !sfi.IsDir() {
			require.Equal(t, sfi.ModTime().UnixNano(), rfi.ModTime().UnixNano(), "mtime mismatch for %v", rel)
			want, err := os.ReadFile(current)
			require.NoError(t, err)
			got, err := os.ReadFile(mirrored)
			require.NoError(t, err)
			require.Equal(t, want, got, "content mismatch for %v", rel)
		}
		return nil
	})
	require.NoError(t, err)

	// nothing extra in the replica
	err = filepath.WalkDir(replica, func(current string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		rel, err := filepath.Rel(replica, current)
		require.NoError(t, err)
		if rel != "." {
			require.True(t, seen[rel], "replica has extra entry %v", rel)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRunOnceConvergesEmptyReplica(t *testing.T) {
	source := t.TempDir()
	replica := filepath.Join(t.TempDir(), "replica")

	require.NoError(t, os.MkdirAll(filepath.Join(source, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(source, "a", "b.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(source, "a", "c.txt"), []byte("c"), 0o600))

	s := newTestSyncer(t, source, replica)
	result, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Failures)

	requireMirrored(t, source, replica)

	// edit one file, delete the other, next pass converges again
	require.NoError(t, os.WriteFile(filepath.Join(source, "a", "b.txt"), []byte("y"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(source, "a", "c.txt")))

	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)

	requireMirrored(t, source, replica)
	content, err := os.ReadFile(filepath.Join(replica, "a", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), content)
	assert.NoFileExists(t, filepath.Join(replica, "a", "c.txt"))
}

func TestRunOnceStablePassIsEmpty(t *testing.T) {
	source := t.TempDir()
	replica := filepath.Join(t.TempDir(), "replica")
	require.NoError(t, os.WriteFile(filepath.Join(source, "f.txt"), []byte("stable"), 0o644))

	s := newTestSyncer(t, source, replica)
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	s.Perf.NextHistory()
	result, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Applied, "a second pass over unchanged trees must be a no-op")

	window := s.Perf.NextHistory()
	assert.Zero(t, window.Get(FilesCopied))
	assert.Zero(t, window.Get(FilesUpdated))
}

func TestRunOnceDeletionPropagation(t *testing.T) {
	source := t.TempDir()
	replica := filepath.Join(t.TempDir(), "replica")
	require.NoError(t, os.MkdirAll(filepath.Join(source, "sub", "deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(source, "sub", "deep", "f.txt"), []byte("f"), 0o644))

	s := newTestSyncer(t, source, replica)
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(replica, "sub", "deep", "f.txt"))

	require.NoError(t, os.RemoveAll(filepath.Join(source, "sub")))
	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.NoDirExists(t, filepath.Join(replica, "sub"))
}

func TestRunOnceMetadataOnlyChange(t *testing.T) {
	source := t.TempDir()
	replica := filepath.Join(t.TempDir(), "replica")
	file := filepath.Join(source, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("same"), 0o644))

	s := newTestSyncer(t, source, replica)
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	// touch timestamps and permission bits, leave content alone
	stamp := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(file, stamp, stamp))
	require.NoError(t, os.Chmod(file, 0o640))

	s.Perf.NextHistory()
	result, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Failures)

	window := s.Perf.NextHistory()
	assert.Zero(t, window.Get(FilesUpdated), "content must not be re-copied on a metadata-only change")
	assert.EqualValues(t, 1, window.Get(MetadataUpdated))

	requireMirrored(t, source, replica)
}

func TestRunOnceKindConflict(t *testing.T) {
	source := t.TempDir()
	replica := filepath.Join(t.TempDir(), "replica")

	// replica has a populated directory where the source has a file
	require.NoError(t, os.WriteFile(filepath.Join(source, "x"), []byte("file now"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(replica, "x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(replica, "x", "old.txt"), []byte("old"), 0o644))

	s := newTestSyncer(t, source, replica)
	result, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Failures)

	requireMirrored(t, source, replica)
}

func TestRunOnceReadOnlySourceDir(t *testing.T) {
	source := t.TempDir()
	replica := filepath.Join(t.TempDir(), "replica")

	ro := filepath.Join(source, "ro")
	require.NoError(t, os.Mkdir(ro, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ro, "f.txt"), []byte("locked in"), 0o644))
	require.NoError(t, os.Chmod(ro, 0o500))
	t.Cleanup(func() { os.Chmod(ro, 0o755) })

	s := newTestSyncer(t, source, replica)
	result, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Failures, "a read-only source directory must not block the copies into its replica twin")
	t.Cleanup(func() { os.Chmod(filepath.Join(replica, "ro"), 0o755) })

	requireMirrored(t, source, replica)

	// and the pass is stable, the next one has nothing to do
	result, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Applied)
	assert.Empty(t, result.Failures)
}

func TestRunOnceResilienceToUnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	source := t.TempDir()
	replica := filepath.Join(t.TempDir(), "replica")

	bad := filepath.Join(source, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("secret"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(source, "good.txt"), []byte("good"), 0o644))
	require.NoError(t, os.Chmod(bad, 0o000))
	t.Cleanup(func() { os.Chmod(bad, 0o644) })

	s := newTestSyncer(t, source, replica)
	result, err := s.RunOnce(context.Background())
	require.NoError(t, err, "an unreadable file is an item failure, not a fatal one")
	assert.Len(t, result.Failures, 1)

	content, err := os.ReadFile(filepath.Join(replica, "good.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("good"), content)
}

func TestRunOnceFatalMissingSource(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	s := newTestSyncer(t, missing, filepath.Join(t.TempDir(), "replica"))

	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), missing)
}

func TestRunFatalReplicaNotCreatable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	source := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(source, "f.txt"), []byte("x"), 0o644))

	parent := t.TempDir()
	require.NoError(t, os.Chmod(parent, 0o555))
	t.Cleanup(func() { os.Chmod(parent, 0o755) })

	s := newTestSyncer(t, source, filepath.Join(parent, "replica"))
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, s.State())
}

func TestRunInterruptibleSleep(t *testing.T) {
	source := t.TempDir()
	replica := filepath.Join(t.TempDir(), "replica")
	require.NoError(t, os.WriteFile(filepath.Join(source, "f.txt"), []byte("x"), 0o644))

	s := newTestSyncer(t, source, replica) // one hour interval
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	// let the first pass land, then cancel mid-sleep
	require.Eventually(t, func() bool {
		return s.State() == StateSleeping
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return promptly after cancellation")
	}
	assert.Equal(t, StateStopped, s.State())
	requireMirrored(t, source, replica)
}

func TestRunPeriodicPasses(t *testing.T) {
	source := t.TempDir()
	replica := filepath.Join(t.TempDir(), "replica")
	require.NoError(t, os.WriteFile(filepath.Join(source, "first.txt"), []byte("1"), 0o644))

	s := NewSyncer(Config{
		SourcePath:  source,
		ReplicaPath: replica,
		Interval:    50 * time.Millisecond,
		Parallel:    2,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(replica, "first.txt"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	// a file added between passes shows up after the next interval
	require.NoError(t, os.WriteFile(filepath.Join(source, "second.txt"), []byte("2"), 0o644))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(replica, "second.txt"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSyncerLock(t *testing.T) {
	source := t.TempDir()
	replica := filepath.Join(t.TempDir(), "replica")

	first := newTestSyncer(t, source, replica)
	require.NoError(t, first.Lock())
	defer first.Unlock()

	second := newTestSyncer(t, source, replica)
	err := second.Lock()
	require.Error(t, err, "two synchronizers must not share a replica")
	assert.Contains(t, err.Error(), "another process")
}

func TestSymlinkMirroring(t *testing.T) {
	source := t.TempDir()
	replica := filepath.Join(t.TempDir(), "replica")

	require.NoError(t, os.WriteFile(filepath.Join(source, "target.txt"), []byte("t"), 0o644))
	require.NoError(t, os.Symlink("target.txt", filepath.Join(source, "link")))

	s := newTestSyncer(t, source, replica)
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(replica, "link"))
	require.NoError(t, err)
	assert.Equal(t, "target.txt", target)

	// retarget the link, next pass recreates it
	require.NoError(t, os.Remove(filepath.Join(source, "link")))
	require.NoError(t, os.Symlink(".", filepath.Join(source, "link")))
	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)

	target, err = os.Readlink(filepath.Join(replica, "link"))
	require.NoError(t, err)
	assert.Equal(t, ".", target)
}
