package core

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// MaxArchiveEntryBytes caps the decompressed size of one extracted file.
const MaxArchiveEntryBytes int64 = 4 << 30

// ErrNoCSVInArchive is returned when a ZIP bundle holds no CSV file.
var ErrNoCSVInArchive = errors.New("no csv file found in zip archive")

// trackLogMarker identifies the log file inside Torque Pro exports.
const trackLogMarker = "trackLog"

// IsArchive reports whether path names a ZIP bundle.
func IsArchive(p string) bool {
	return strings.EqualFold(filepath.Ext(p), ".zip")
}

// ExtractArchive copies the log CSV out of a ZIP bundle into a fresh
// directory under dir (the system temp directory when empty).
//
// The first CSV whose name contains "trackLog" wins, otherwise the first
// CSV. Only that entry is written. The returned cleanup removes the
// directory and must always be called when err is nil; on error nothing is
// left behind.
func ExtractArchive(archivePath, dir string) (csvPath string, cleanup func(), err error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", nil, fmt.Errorf("open zip archive: %w", err)
	}
	defer zr.Close()

	entry, err := pickCSV(zr.File)
	if err != nil {
		return "", nil, err
	}

	outDir, err := os.MkdirTemp(dir, "obd2-extract-*")
	if err != nil {
		return "", nil, fmt.Errorf("create extraction directory: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(outDir) }

	csvPath, err = extractEntry(entry, outDir)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return csvPath, cleanup, nil
}

func pickCSV(files []*zip.File) (*zip.File, error) {
	var fallback *zip.File
	for _, f := range files {
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Ext(f.Name), ".csv") {
			continue
		}
		if strings.Contains(path.Base(f.Name), trackLogMarker) {
			return f, nil
		}
		if fallback == nil {
			fallback = f
		}
	}
	if fallback == nil {
		return nil, ErrNoCSVInArchive
	}
	return fallback, nil
}

func extractEntry(f *zip.File, outDir string) (string, error) {
	name := filepath.FromSlash(f.Name)
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("zip entry %q escapes extraction directory", f.Name)
	}
	dest := filepath.Join(outDir, name)

	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return "", fmt.Errorf("create extraction directory: %w", err)
	}

	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}

	n, err := io.Copy(out, io.LimitReader(rc, MaxArchiveEntryBytes+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", f.Name, err)
	}
	if n > MaxArchiveEntryBytes {
		return "", fmt.Errorf("extract %s: file too large", f.Name)
	}
	return dest, nil
}
