package ingestion

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// IsSubmissionName reports whether name looks like a spooled submission.
func IsSubmissionName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.gz")
}

// ScanSpool lists submission files directly under dir, oldest first.
func ScanSpool(fs afero.Fs, dir string) ([]SubmissionFile, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, &FileError{Op: "scan", Path: dir, Err: err}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ModTime().Before(entries[j].ModTime())
	})

	files := make([]SubmissionFile, 0, len(entries))
	for _, e := range entries {
		if !e.Mode().IsRegular() || !IsSubmissionName(e.Name()) {
			continue
		}
		files = append(files, SubmissionFile{
			Path: filepath.Join(dir, e.Name()),
			Name: e.Name(),
			Size: e.Size(),
		})
	}
	return files, nil
}
