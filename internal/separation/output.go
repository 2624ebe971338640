package separation

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// AlternativeModelDirs are the layouts the tool has been seen to write, in
// the order they are tried.
var AlternativeModelDirs = []string{ModelName, "htdemucs", "mdx_extra", "demucs"}

// ErrOutputNotFound matches any OutputNotFoundError.
var ErrOutputNotFound = errors.New("separation output not found")

// OutputNotFoundError lists the locations that were searched.
type OutputNotFoundError struct {
	Searched []string
}

func (e *OutputNotFoundError) Error() string {
	return fmt.Sprintf("separation output not found (searched %s)", strings.Join(e.Searched, ", "))
}

func (e *OutputNotFoundError) Is(target error) bool { return target == ErrOutputNotFound }

// ResolveOutputDir finds the directory holding the stems for inputPath
// under jobDir. The nominal location is <jobDir>/<model>/<input stem>;
// otherwise a subdirectory of the model root (the first by name when there
// are several), then the first alternative model directory holding exactly
// one subdirectory.
func ResolveOutputDir(jobDir, inputPath string) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	modelRoot := filepath.Join(jobDir, ModelName)
	nominal := filepath.Join(modelRoot, stem)
	searched := []string{nominal}

	if isDir(nominal) {
		return nominal, nil
	}
	if isDir(modelRoot) {
		searched = append(searched, modelRoot)
		if subdirs := subdirectories(modelRoot); len(subdirs) > 0 {
			return filepath.Join(modelRoot, subdirs[0]), nil
		}
	}
	for _, name := range AlternativeModelDirs {
		root := filepath.Join(jobDir, name)
		if root == modelRoot && isDir(modelRoot) {
			continue
		}
		searched = append(searched, root)
		if subdirs := subdirectories(root); len(subdirs) == 1 {
			return filepath.Join(root, subdirs[0]), nil
		}
	}
	return "", &OutputNotFoundError{Searched: searched}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func subdirectories(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}
