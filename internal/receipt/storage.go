package receipt

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Storage is the object store boundary. Upload returns a storage path that
// PublicURL resolves to an address the AI provider can fetch.
type Storage interface {
	// Upload stores data under key and returns its path
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// PublicURL resolves a stored path to a public URL
	PublicURL(path string) string

	// Get retrieves a file by path
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete removes a file
	Delete(ctx context.Context, path string) error
}

// LocalStorage implements Storage on the local filesystem. Files are
// served back under /files/ by the HTTP server.
type LocalStorage struct {
	basePath  string
	publicURL string
}

// NewLocalStorage creates a new LocalStorage instance. publicURL is the
// externally reachable base of this server, e.g. "https://spend.example.com".
func NewLocalStorage(basePath, publicURL string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath:  basePath,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// Upload writes a file to local storage
func (l *LocalStorage) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, clean, err := l.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return clean, nil
}

// PublicURL returns the /files/ address of a stored path
func (l *LocalStorage) PublicURL(p string) string {
	return l.publicURL + "/files/" + strings.TrimLeft(p, "/")
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(ctx context.Context, p string) ([]byte, error) {
	full, _, err := l.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a file from local storage
func (l *LocalStorage) Delete(ctx context.Context, p string) error {
	full, _, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// resolve maps a slash-separated key to a path inside basePath
func (l *LocalStorage) resolve(key string) (string, string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." {
		return "", "", fmt.Errorf("invalid storage path %q", key)
	}
	return filepath.Join(l.basePath, filepath.FromSlash(clean)), clean, nil
}
