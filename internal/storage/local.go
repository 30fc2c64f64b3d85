package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalBlobStore keeps assets on the local filesystem under root.
type LocalBlobStore struct {
	root string
}

func NewLocalBlobStore(root string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, err
	}
	return &LocalBlobStore{root: root}, nil
}

var _ BlobStore = (*LocalBlobStore)(nil)

func (s *LocalBlobStore) GetFileBlob(ctx context.Context, p string) ([]byte, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// PutFileBlob writes data at p, creating parent directories.
func (s *LocalBlobStore) PutFileBlob(ctx context.Context, p string, data []byte) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o640)
}

func (s *LocalBlobStore) resolve(p string) (string, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}
