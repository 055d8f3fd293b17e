package validate

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/quic-interop/satrunner/pkg/interop/spec"
)

// compareDownloads checks that every file served from the attempt's www tree
// was downloaded by the client with identical size and content. Extra files
// on the client side are tolerated.
func compareDownloads(logDir string) spec.ErrorCode {
	wwwDir := filepath.Join(logDir, "www")
	dlDir := filepath.Join(logDir, "downloads")

	var code spec.ErrorCode
	err := filepath.WalkDir(wwwDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(wwwDir, path)
		if err != nil {
			return err
		}
		want, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		got, err := os.ReadFile(filepath.Join(dlDir, rel))
		if errors.Is(err, fs.ErrNotExist) {
			code = spec.ErrMissingDownloadedFiles
			return fs.SkipAll
		}
		if err != nil {
			return err
		}
		if len(got) != len(want) {
			code = spec.ErrDownloadedFileSizeMismatch
			return fs.SkipAll
		}
		if !bytes.Equal(got, want) {
			code = spec.ErrDownloadedFileMismatch
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return spec.ErrMissingDownloadedFiles
	}
	return code
}

// DownloadedBytes sums the size of all files the client downloaded during an
// attempt. It is the payload byte count of a measurement sample.
func DownloadedBytes(logDir string) int64 {
	var total int64
	filepath.WalkDir(filepath.Join(logDir, "downloads"),
		func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
			return nil
		})
	return total
}

var errNoQlog = errors.New("no qlog files found")

// countKeyUpdates scans the attempt's qlog files for key_updated events.
func countKeyUpdates(logDir string) (int, error) {
	found := false
	count := 0
	err := filepath.WalkDir(filepath.Join(logDir, "logs"),
		func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			switch filepath.Ext(path) {
			case ".qlog", ".sqlog":
			default:
				return nil
			}
			found = true
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			count += bytes.Count(data, []byte("key_updated"))
			return nil
		})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errNoQlog
	}
	return count, nil
}
