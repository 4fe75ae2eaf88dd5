package storage

import (
	"errors"
	"fmt"
	"io"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Stat is the metadata of a stored record.
type Stat interface {
	Size() int64
	ModTime() time.Time
}

// Storage stores the files of the dependency cache.
type Storage interface {
	// Root returns the absolute directory backing the storage.
	Root() string
	Stat(key string) (Stat, error)
	Get(key string) (io.ReadCloser, Stat, error)
	List(prefix string) ([]string, error)
	Put(key string, content io.Reader) error
	Delete(key string) error
	DeleteAll(prefix string) ([]string, error)
	// Move renames the record or directory `from` to `to`, replacing `to` if it exists.
	Move(from string, to string) error
}

type StorageOptions struct {
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
}

// New creates a storage by the options type.
func New(options *StorageOptions) (Storage, error) {
	switch options.Type {
	case "", "fs":
		return NewFSStorage(options)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", options.Type)
	}
}
