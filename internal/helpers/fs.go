package helpers

import (
	"fmt"
	"os"
	"path/filepath"
)

// LookForFile searches for a file with the given basename in dirs,
// in order, and returns the directory it was found in along with
// the cleaned full path.
func LookForFile(basename string, dirs ...string) (string, string, error) {
	for _, d := range dirs {
		fullname := filepath.Join(d, basename)

		switch fi, err := os.Stat(fullname); {
		case err == nil:
			if fi.IsDir() {
				return "", "", fmt.Errorf("not a file: %s", fullname)
			}
			return d, filepath.Clean(fullname), nil
		case os.IsNotExist(err):
			continue
		default:
			return "", "", err
		}
	}

	return "", "", &os.PathError{Op: "stat", Path: basename, Err: os.ErrNotExist}
}
