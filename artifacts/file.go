package artifacts

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// FileArchive writes artifacts below a root directory.
type FileArchive struct {
	Root string
}

func NewFileArchive(root string) *FileArchive {
	return &FileArchive{Root: root}
}

func (a *FileArchive) Put(ctx context.Context, key string, data []byte) error {
	p := filepath.Join(a.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (a *FileArchive) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(a.Root, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}
