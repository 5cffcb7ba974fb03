package core

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeZip creates an archive holding the named entries in order.
func writeZip(t *testing.T, entries ...[2]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e[0])
		require.NoError(t, err)
		_, err = w.Write([]byte(e[1]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestExtractArchivePrefersTrackLog(t *testing.T) {
	path := writeZip(t,
		[2]string{"readme.txt", "hello"},
		[2]string{"other.csv", "x,y,z\n"},
		[2]string{"logs/trackLog-2024.csv", "a,b,c\n1,2,3\n"},
	)

	csvPath, cleanup, err := ExtractArchive(path, t.TempDir())
	require.NoError(t, err)

	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t, "a,b,c\n1,2,3\n", string(data))
	assert.Equal(t, "trackLog-2024.csv", filepath.Base(csvPath))

	cleanup()
	_, err = os.Stat(filepath.Dir(csvPath))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractArchiveFallsBackToFirstCSV(t *testing.T) {
	path := writeZip(t,
		[2]string{"first.CSV", "1"},
		[2]string{"second.csv", "2"},
	)

	csvPath, cleanup, err := ExtractArchive(path, t.TempDir())
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, "first.CSV", filepath.Base(csvPath))
}

func TestExtractArchiveWithoutCSV(t *testing.T) {
	path := writeZip(t, [2]string{"photo.jpg", "xx"})

	_, cleanup, err := ExtractArchive(path, t.TempDir())
	assert.ErrorIs(t, err, ErrNoCSVInArchive)
	assert.Nil(t, cleanup)
	assert.Equal(t, "FILE001", MapError(err).Code)
}

func TestExtractArchiveRejectsTraversal(t *testing.T) {
	path := writeZip(t, [2]string{"../../evil.csv", "a,b,c\n"})
	dir := t.TempDir()

	_, _, err := ExtractArchive(path, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes extraction directory")

	left, _ := os.ReadDir(dir)
	assert.Empty(t, left, "extraction directory removed on error")
}

func TestExtractArchiveNotZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

	_, _, err := ExtractArchive(path, "")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "open zip archive"))
}

func TestIsArchive(t *testing.T) {
	assert.True(t, IsArchive("trip.zip"))
	assert.True(t, IsArchive("/tmp/TRIP.ZIP"))
	assert.False(t, IsArchive("trip.csv"))
	assert.False(t, IsArchive("zip"))
}

func TestChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b,c\n"), 0o644))

	sum, err := FileChecksum(path)
	require.NoError(t, err)
	assert.Len(t, sum, 16)

	again, err := ReaderChecksum(strings.NewReader("a,b,c\n"))
	require.NoError(t, err)
	assert.Equal(t, sum, again)

	other, err := ReaderChecksum(strings.NewReader("a,b,d\n"))
	require.NoError(t, err)
	assert.NotEqual(t, sum, other)

	_, err = FileChecksum(filepath.Join(t.TempDir(), "missing.csv"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestAnalyzeMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trackLog.csv")
	csv := torqueLog(catalystHeader, 61, catalystRow)
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	md, err := AnalyzeMetadata(context.Background(), path, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, md.ColumnCount)
	assert.Equal(t, 61, md.DataRowCount)
	assert.Equal(t, "GPS Time", md.Columns[0])
	assert.EqualValues(t, len(csv), md.FileSize)
	require.NotNil(t, md.StartTime)
	assert.True(t, md.StartTime.Equal(logStart))
	require.NotNil(t, md.DurationSeconds)
	assert.EqualValues(t, 60, *md.DurationSeconds)
}

func TestAnalyzeMetadataHeaderOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, []byte("GPS Time,Device Time,RPM\n"), 0o644))

	md, err := AnalyzeMetadata(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Zero(t, md.DataRowCount)
	assert.Nil(t, md.StartTime)
	assert.Nil(t, md.DurationSeconds)
}
