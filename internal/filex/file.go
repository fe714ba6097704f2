// Package filex holds small file helpers for externally delivered files
// such as the database secret.
package filex

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"
)

// Fingerprint identifies one version of a file well enough for change
// polling.
type Fingerprint struct {
	Exists  bool
	ModTime time.Time
	Size    int64
}

// Stat returns the fingerprint of path. A missing file is not an error.
func Stat(path string) (Fingerprint, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Fingerprint{}, nil
		}
		return Fingerprint{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return Fingerprint{Exists: true, ModTime: fi.ModTime(), Size: fi.Size()}, nil
}

// ReadLimited reads at most limit bytes of path and fails when the file is
// larger.
func ReadLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("read %s: file exceeds %d bytes", path, limit)
	}
	return data, nil
}
