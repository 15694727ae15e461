// Package bucket stores replicated content on local disk, one file per
// fileId under a single directory.
package bucket

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidKey = errors.New("invalid file id")

type Bucket struct {
	dir string
}

func New(dir string) (*Bucket, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating bucket directory: %w", err)
	}
	return &Bucket{dir: dir}, nil
}

func (b *Bucket) Dir() string {
	return b.dir
}

// Path maps a fileId such as "audio/msg123.wav" to its location in the
// bucket. Ids that would escape the bucket are rejected.
func (b *Bucket) Path(fileID string) (string, error) {
	rel := filepath.FromSlash(strings.TrimPrefix(fileID, "/"))
	if rel == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, fileID)
	}
	return filepath.Join(b.dir, rel), nil
}

func (b *Bucket) Exists(fileID string) bool {
	path, err := b.Path(fileID)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Object is an open stored file.
type Object struct {
	f    *os.File
	size int64
}

func (o *Object) ReadAt(p []byte, off int64) (int, error) {
	return o.f.ReadAt(p, off)
}

func (o *Object) Size() int64 {
	return o.size
}

func (o *Object) Close() error {
	return o.f.Close()
}

// Open returns the stored object; the error wraps os.ErrNotExist when it
// is missing.
func (b *Bucket) Open(fileID string) (*Object, error) {
	path, err := b.Path(fileID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Object{f: f, size: info.Size()}, nil
}

// Write stores data under fileID. The object appears whole or not at all.
func (b *Bucket) Write(fileID string, data []byte) (string, error) {
	path, _, _, err := b.put(fileID, func(w io.Writer) (int64, error) {
		n, err := w.Write(data)
		return int64(n), err
	})
	return path, err
}

// Import copies r into the bucket under fileID and returns the stored
// path, hex SHA-256 and size.
func (b *Bucket) Import(fileID string, r io.Reader) (path, hash string, size int64, err error) {
	return b.put(fileID, func(w io.Writer) (int64, error) {
		return io.Copy(w, r)
	})
}

func (b *Bucket) Remove(fileID string) error {
	path, err := b.Path(fileID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *Bucket) put(fileID string, fill func(io.Writer) (int64, error)) (string, string, int64, error) {
	path, err := b.Path(fileID)
	if err != nil {
		return "", "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", 0, fmt.Errorf("creating object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".incoming-*")
	if err != nil {
		return "", "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	hash := sha256.New()
	size, err := fill(io.MultiWriter(tmp, hash))
	if err != nil {
		_ = tmp.Close()
		return "", "", 0, fmt.Errorf("writing %s: %w", fileID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", "", 0, fmt.Errorf("syncing %s: %w", fileID, err)
	}
	if err := tmp.Close(); err != nil {
		return "", "", 0, fmt.Errorf("closing %s: %w", fileID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", "", 0, fmt.Errorf("moving %s into place: %w", fileID, err)
	}
	return path, fmt.Sprintf("%x", hash.Sum(nil)), size, nil
}

func HashFile(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

func HashBytes(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
