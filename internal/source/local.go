package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalFetcher serves source objects from a directory on disk. It exists
// for local development and tests, mirroring the S3 fetcher's contract.
type LocalFetcher struct {
	baseDir string
}

func NewLocalFetcher(baseDir string) *LocalFetcher {
	return &LocalFetcher{baseDir: baseDir}
}

func (f *LocalFetcher) Open(_ context.Context, pointer string) (io.ReadCloser, error) {
	clean := filepath.Clean(pointer)
	clean = strings.TrimPrefix(clean, string(filepath.Separator))
	if strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("%w: pointer escapes base dir", ErrSourceUnavailable)
	}

	file, err := os.Open(filepath.Join(f.baseDir, clean))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", ErrSourceUnavailable, pointer)
		}
		return nil, fmt.Errorf("open source %s: %w", pointer, err)
	}
	return file, nil
}
