package platform

import (
	"errors"
	"os"
	"path/filepath"
)

// ConfigNames are the file names FindConfig looks for, in order.
var ConfigNames = []string{"staticimp.yml", "staticimp.yaml", "staticimp.json"}

// ErrConfigNotFound is returned by FindConfig when no directory up to the
// filesystem root holds a config file.
var ErrConfigNotFound = errors.New("no staticimp config file found")

// FindConfig looks upwards from startDir for one of ConfigNames and returns
// its absolute path.
func FindConfig(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		for _, name := range ConfigNames {
			if p := filepath.Join(dir, name); isFile(p) {
				return p, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrConfigNotFound
		}
		dir = parent
	}
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
