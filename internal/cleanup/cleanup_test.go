package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepStaging_RemovesExpiredFiles(t *testing.T) {
	dir := t.TempDir()

	expired := filepath.Join(dir, "old.upload")
	require.NoError(t, os.WriteFile(expired, []byte("stale"), 0o644))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(expired, old, old))

	fresh := filepath.Join(dir, "new.upload")
	require.NoError(t, os.WriteFile(fresh, []byte("fresh"), 0o644))

	require.NoError(t, SweepStaging(context.Background(), dir, 24*time.Hour))

	_, err := os.Stat(expired)
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestSweepStaging_SkipsDirectories(t *testing.T) {
	dir := t.TempDir()

	sub := filepath.Join(dir, "subdir")
	require.NoError(t, os.Mkdir(sub, 0o755))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(sub, old, old))

	require.NoError(t, SweepStaging(context.Background(), dir, 24*time.Hour))

	_, err := os.Stat(sub)
	assert.NoError(t, err)
}

func TestSweepStaging_MissingDir(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "never-created")

	assert.NoError(t, SweepStaging(context.Background(), missing, time.Hour))
}
