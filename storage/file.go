// ABOUTME: Filesystem storage provider serving file:// URIs.
// ABOUTME: Lazy directory listing with optional recursion; metadata from os.Stat.
package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

// FileProvider serves file:// URIs from the local filesystem.
type FileProvider struct{}

// NewFileProvider creates a filesystem provider.
func NewFileProvider() *FileProvider {
	return &FileProvider{}
}

// CanHandle reports true for the file scheme.
func (p *FileProvider) CanHandle(uri *URI) bool {
	return uri.Scheme == "file"
}

// localPath maps a file URI to a filesystem path.
func localPath(uri *URI) string {
	if uri.Host != "" && uri.Host != "localhost" {
		return filepath.Join(uri.Host, filepath.FromSlash(uri.Path))
	}
	return filepath.FromSlash(uri.Path)
}

// OpenRead opens the file for reading.
func (p *FileProvider) OpenRead(ctx context.Context, uri *URI) (io.ReadCloser, error) {
	f, err := os.Open(localPath(uri))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", uri, err)
	}
	return f, nil
}

// OpenWrite creates (or truncates) the file, creating parent directories.
func (p *FileProvider) OpenWrite(ctx context.Context, uri *URI) (io.WriteCloser, error) {
	path := localPath(uri)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dirs: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", uri, err)
	}
	return f, nil
}

// Exists reports whether the path exists.
func (p *FileProvider) Exists(ctx context.Context, uri *URI) (bool, error) {
	_, err := os.Stat(localPath(uri))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// List lazily enumerates files under the prefix directory.
func (p *FileProvider) List(ctx context.Context, prefix *URI, recursive bool) iter.Seq2[Entry, error] {
	root := localPath(prefix)
	return func(yield func(Entry, error) bool) {
		if !recursive {
			entries, err := os.ReadDir(root)
			if err != nil {
				yield(Entry{}, fmt.Errorf("list %s: %w", prefix, err))
				return
			}
			for _, de := range entries {
				if ctx.Err() != nil {
					yield(Entry{}, ctx.Err())
					return
				}
				info, err := de.Info()
				if err != nil {
					if !yield(Entry{}, err) {
						return
					}
					continue
				}
				e := Entry{
					URI:   "file://" + filepath.ToSlash(filepath.Join(root, de.Name())),
					Name:  de.Name(),
					Size:  info.Size(),
					IsDir: de.IsDir(),
				}
				if !yield(e, nil) {
					return
				}
			}
			return
		}

		walkErr := filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if path == root {
				return nil
			}
			info, ierr := de.Info()
			if ierr != nil {
				return ierr
			}
			e := Entry{
				URI:   "file://" + filepath.ToSlash(path),
				Name:  de.Name(),
				Size:  info.Size(),
				IsDir: de.IsDir(),
			}
			if !yield(e, nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if walkErr != nil {
			yield(Entry{}, fmt.Errorf("list %s: %w", prefix, walkErr))
		}
	}
}

// Metadata stats the file.
func (p *FileProvider) Metadata(ctx context.Context, uri *URI) (*Metadata, error) {
	info, err := os.Stat(localPath(uri))
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", uri, err)
	}
	return &Metadata{
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}
