package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	root := t.TempDir()
	w := New(filepath.Join(root, "uploads"), filepath.Join(root, "separated"), filepath.Join(root, "temp"))
	require.NoError(t, w.Prepare())
	return w
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"song.mp3":              "song.mp3",
		"My Song (live).WAV":    "My_Song_live.wav",
		"../../etc/passwd.mp3":  "passwd.mp3",
		`C:\music\track 1.flac`: "track_1.flac",
		".hidden.ogg":           "hidden.ogg",
		"ü.mp3":                 "upload.mp3",
		"":                      "upload",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), in)
	}
}

func TestExt(t *testing.T) {
	assert.Equal(t, "mp3", Ext("a.MP3"))
	assert.Equal(t, "", Ext("noext"))
	assert.Equal(t, "gz", Ext("a.tar.gz"))
}

func TestSaveUpload_WithinLimit(t *testing.T) {
	w := newTestWorkspace(t)
	path := w.UploadPath("job1", "a.mp3")

	n, err := w.SaveUpload(strings.NewReader("hello"), path, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestSaveUpload_TooLargeRemovesPartialFile(t *testing.T) {
	w := newTestWorkspace(t)
	path := w.UploadPath("job1", "a.mp3")

	_, err := w.SaveUpload(strings.NewReader("hello world"), path, 5)
	assert.True(t, errors.Is(err, ErrTooLarge))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemoveJobArtifacts(t *testing.T) {
	w := newTestWorkspace(t)
	require.NoError(t, os.WriteFile(w.UploadPath("job1", "a.mp3"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(w.UploadPath("job2", "b.mp3"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(w.JobOutputDir("job1"), "htdemucs_6s", "x"), 0o755))

	removed, err := w.RemoveJobArtifacts("job1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = os.Stat(w.JobOutputDir("job1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(w.UploadPath("job2", "b.mp3"))
	assert.NoError(t, err)

	_, err = w.RemoveJobArtifacts("../job2")
	assert.Error(t, err)
}

func TestClearDirAndStats(t *testing.T) {
	w := newTestWorkspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(w.Outputs, "job1", "htdemucs_6s"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(w.Outputs, "job1", "htdemucs_6s", "vocals.mp3"), []byte("12345"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(w.Outputs, "top.txt"), []byte("abc"), 0o644))

	stats := Stats(w.Outputs, true)
	assert.True(t, stats.Exists)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, int64(8), stats.SizeBytes)
	assert.Equal(t, []string{filepath.Join("job1", "htdemucs_6s", "vocals.mp3"), "top.txt"}, stats.Names)

	n, err := ClearDir(w.Outputs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, Stats(w.Outputs, false).Files)

	n, err = ClearDir(filepath.Join(w.Outputs, "missing"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, Stats(filepath.Join(w.Outputs, "missing"), false).Exists)
}

func TestDiskUsage(t *testing.T) {
	w := newTestWorkspace(t)
	du, err := DiskUsage(context.Background(), w.Outputs)
	require.NoError(t, err)
	assert.Greater(t, du.TotalBytes, uint64(0))
}
