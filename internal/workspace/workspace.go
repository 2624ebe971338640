// Package workspace owns the on-disk folders for uploads, separation output
// and scratch files.
package workspace

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/makeasinger/stemsplit/internal/model"
)

// ErrTooLarge is returned when an upload exceeds the size limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// Workspace resolves every path the service writes.
type Workspace struct {
	Uploads string
	Outputs string
	Temp    string
}

func New(uploads, outputs, temp string) *Workspace {
	return &Workspace{Uploads: uploads, Outputs: outputs, Temp: temp}
}

// Prepare creates the folders.
func (w *Workspace) Prepare() error {
	for _, dir := range []string{w.Uploads, w.Outputs, w.Temp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	return nil
}

// UploadPath is where the upload for jobID is stored.
func (w *Workspace) UploadPath(jobID, filename string) string {
	return filepath.Join(w.Uploads, jobID+"_"+filename)
}

// JobOutputDir is the directory the separation tool writes into for jobID.
func (w *Workspace) JobOutputDir(jobID string) string {
	return filepath.Join(w.Outputs, jobID)
}

// SaveUpload streams r to path. When more than limit bytes arrive the
// partial file is removed and ErrTooLarge returned.
func (w *Workspace) SaveUpload(r io.Reader, path string, limit int64) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, errors.Wrap(err, "create upload file")
	}
	n, copyErr := io.Copy(f, io.LimitReader(r, limit+1))
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		os.Remove(path)
		return n, errors.Wrap(copyErr, "write upload file")
	case closeErr != nil:
		os.Remove(path)
		return n, errors.Wrap(closeErr, "close upload file")
	case n > limit:
		os.Remove(path)
		return n, ErrTooLarge
	}
	return n, nil
}

// RemoveJobArtifacts deletes the uploads and the output directory of jobID.
func (w *Workspace) RemoveJobArtifacts(jobID string) (int, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) {
		return 0, errors.Newf("invalid job id %q", jobID)
	}
	removed := 0
	uploads, err := filepath.Glob(filepath.Join(w.Uploads, jobID+"_*"))
	if err != nil {
		return 0, errors.Wrap(err, "match uploads")
	}
	var errs error
	for _, path := range uploads {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		removed++
	}
	outDir := w.JobOutputDir(jobID)
	if _, err := os.Stat(outDir); err == nil {
		if err := os.RemoveAll(outDir); err != nil {
			errs = errors.CombineErrors(errs, err)
		} else {
			removed++
		}
	}
	return removed, errs
}

// ClearDir removes everything inside dir and returns how many entries went.
func ClearDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", dir)
	}
	removed := 0
	var errs error
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

// Folders maps a report name to each folder.
func (w *Workspace) Folders() map[string]string {
	return map[string]string{
		"uploads":   w.Uploads,
		"separated": w.Outputs,
		"temp":      w.Temp,
	}
}

// Stats walks dir and counts regular files and bytes. withNames also lists
// the file paths relative to dir.
func Stats(dir string, withNames bool) model.FolderStats {
	stats := model.FolderStats{Path: dir}
	if _, err := os.Stat(dir); err != nil {
		return stats
	}
	stats.Exists = true
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		stats.Files++
		stats.SizeBytes += info.Size()
		if withNames {
			if rel, err := filepath.Rel(dir, path); err == nil {
				stats.Names = append(stats.Names, rel)
			}
		}
		return nil
	})
	sort.Strings(stats.Names)
	stats.SizeMB = float64(stats.SizeBytes) / (1024 * 1024)
	return stats
}

// DiskUsage reports the filesystem that holds path.
func DiskUsage(ctx context.Context, path string) (*model.DiskUsage, error) {
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "disk usage %s", path)
	}
	return &model.DiskUsage{
		Path:        path,
		TotalBytes:  du.Total,
		FreeBytes:   du.Free,
		UsedPercent: du.UsedPercent,
	}, nil
}
