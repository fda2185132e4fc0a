package casserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"buildorch/internal/digest"
	"buildorch/internal/localcas"
)

var (
	ErrNotFound       = errors.New("casserver: not found")
	ErrDigestMismatch = errors.New("casserver: digest mismatch")
)

// BlobStorage is where the server keeps blob content.
type BlobStorage interface {
	Has(ctx context.Context, d digest.Digest) (bool, error)
	// Open returns a reader for d positioned at offset, returning at most
	// limit bytes (0 = to the end).
	Open(ctx context.Context, d digest.Digest, offset, limit int64) (io.ReadCloser, error)
	// TempFile returns a scratch file for an upload session.
	TempFile() (*os.File, error)
	// Commit verifies the file at path against d and takes ownership of it.
	Commit(ctx context.Context, d digest.Digest, path string) error
}

// DiskStorage keeps blobs in a local content store.
type DiskStorage struct {
	Store *localcas.Store
}

func NewDiskStorage(store *localcas.Store) *DiskStorage {
	return &DiskStorage{Store: store}
}

func (s *DiskStorage) Has(ctx context.Context, d digest.Digest) (bool, error) {
	return s.Store.Contains(ctx, d)
}

func (s *DiskStorage) Open(ctx context.Context, d digest.Digest, offset, limit int64) (io.ReadCloser, error) {
	f, err := s.Store.OpenBlob(ctx, d)
	if err != nil {
		if errors.Is(err, localcas.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	if limit <= 0 {
		return f, nil
	}
	return &limitedFile{Reader: io.LimitReader(f, limit), f: f}, nil
}

func (s *DiskStorage) TempFile() (*os.File, error) { return s.Store.TempFile() }

func (s *DiskStorage) Commit(ctx context.Context, d digest.Digest, path string) error {
	err := s.Store.ImportFile(ctx, d, path)
	if errors.Is(err, localcas.ErrDigestMismatch) {
		return fmt.Errorf("%w: %v", ErrDigestMismatch, err)
	}
	return err
}

type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error { return l.f.Close() }
