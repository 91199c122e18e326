package tracking

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// LocalBlobStore keeps run artifacts as files under a root directory.
type LocalBlobStore struct {
	rootPath string
}

func NewLocalBlobStore(rootPath string) *LocalBlobStore {
	return &LocalBlobStore{rootPath: rootPath}
}

func (s *LocalBlobStore) Root() string { return s.rootPath }

func (s *LocalBlobStore) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(s.rootPath, clean), nil
}

// Put writes content under key through a temp file and a rename, so a
// reader never sees a partial artifact. It returns the artifact path.
func (s *LocalBlobStore) Put(key string, reader io.Reader) (string, error) {
	fullPath, err := s.path(key)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "create directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return "", errors.Wrap(err, "create temp file")
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, reader); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrapf(err, "rename temp file to %s", fullPath)
	}
	return fullPath, nil
}

func (s *LocalBlobStore) Get(key string) (io.ReadCloser, error) {
	fullPath, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if os.IsNotExist(err) {
		return nil, errors.Errorf("artifact %s not found", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open artifact %s", key)
	}
	return f, nil
}

// List returns the keys under prefix, relative to the root.
func (s *LocalBlobStore) List(prefix string) ([]string, error) {
	keys := []string{}
	err := filepath.Walk(filepath.Join(s.rootPath, prefix), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.rootPath, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	return keys, errors.Wrapf(err, "list artifacts under %s", prefix)
}
