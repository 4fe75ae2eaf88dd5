package storage

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// NewFSStorage creates a storage backed by a directory of the local filesystem.
func NewFSStorage(options *StorageOptions) (Storage, error) {
	if options.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	root, err := filepath.Abs(options.Endpoint)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &fsStorage{root: root}, nil
}

type fsStorage struct {
	root string
}

func (s *fsStorage) Root() string {
	return s.root
}

// resolve maps the key to an absolute path and rejects keys escaping the root.
func (s *fsStorage) resolve(key string) (string, error) {
	filename, err := filepath.Abs(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		return "", err
	}
	if filename != s.root && !strings.HasPrefix(filename, s.root+string(os.PathSeparator)) {
		return "", errors.New("invalid file path")
	}
	return filename, nil
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.HasSuffix(err.Error(), "not a directory")
}

func (s *fsStorage) Stat(key string) (Stat, error) {
	filename, err := s.resolve(key)
	if err != nil {
		return nil, ErrNotFound
	}
	fi, err := os.Lstat(filename)
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fi, nil
}

func (s *fsStorage) Get(key string) (io.ReadCloser, Stat, error) {
	filename, err := s.resolve(key)
	if err != nil {
		return nil, nil, ErrNotFound
	}
	file, err := os.Open(filename)
	if err != nil {
		if isNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return file, fi, nil
}

func (s *fsStorage) List(prefix string) ([]string, error) {
	dir := strings.Trim(path.Clean("/"+prefix), "/")
	absDir, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}
	keys := []string{}
	err = filepath.WalkDir(absDir, func(filename string, d fs.DirEntry, err error) error {
		if err != nil {
			if isNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(s.root, filename)
			keys = append(keys, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *fsStorage) Put(key string, content io.Reader) error {
	filename, err := s.resolve(key)
	if err != nil || filename == s.root {
		return errors.New("invalid file path")
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := io.Copy(file, content); err != nil {
		os.Remove(filename)
		return err
	}
	return nil
}

func (s *fsStorage) Delete(key string) error {
	filename, err := s.resolve(key)
	if err != nil {
		return ErrNotFound
	}
	return os.Remove(filename)
}

func (s *fsStorage) DeleteAll(prefix string) ([]string, error) {
	dir := strings.Trim(path.Clean("/"+prefix), "/")
	if dir == "" {
		return nil, errors.New("prefix is required")
	}
	absDir, err := s.resolve(dir)
	if err != nil {
		return nil, ErrNotFound
	}
	keys, err := s.List(dir)
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(absDir); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *fsStorage) Move(from string, to string) error {
	src, err := s.resolve(from)
	if err != nil || src == s.root {
		return errors.New("invalid source path")
	}
	dst, err := s.resolve(to)
	if err != nil || dst == s.root {
		return errors.New("invalid target path")
	}
	if _, err := os.Lstat(src); err != nil {
		if isNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}
