// Package snapshot fingerprints the agent's local backup folder.
package snapshot

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// ErrTooManyFiles is returned when the folder holds more files than the scanner allows.
var ErrTooManyFiles = errors.New("too many files in storage folder")

// Result is the checksum map of a folder plus per-file failures.
type Result struct {
	Files     map[string]string `json:"files"`
	Errors    map[string]string `json:"errors,omitempty"`
	ScannedAt time.Time         `json:"scanned_at"`
}

// Scanner hashes files in parallel under a timeout.
type Scanner struct {
	timeout  time.Duration
	maxFiles int
	workers  int

	mu     sync.Mutex
	errors map[string]string
}

func NewScanner(timeout time.Duration, maxFiles int) *Scanner {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Scanner{
		timeout:  timeout,
		maxFiles: maxFiles,
		workers:  max(1, runtime.NumCPU()),
	}
}

// Scan hashes every regular file below root. Keys are slash separated paths relative to root.
// Files that cannot be read are reported in Errors and left out of Files.
func (s *Scanner) Scan(ctx context.Context, root string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	s.errors = make(map[string]string)
	s.mu.Unlock()

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			s.recordError(rel(root, path), err.Error())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		paths = append(paths, path)
		if s.maxFiles > 0 && len(paths) > s.maxFiles {
			return ErrTooManyFiles
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	result := &Result{Files: make(map[string]string, len(paths)), ScannedAt: time.Now()}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		jobs = make(chan string)
	)
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				key := rel(root, path)
				sum, err := hashFile(ctx, path)
				if err != nil {
					s.recordError(key, err.Error())
					continue
				}
				mu.Lock()
				result.Files[key] = sum
				mu.Unlock()
			}
		}()
	}

feed:
	for _, path := range paths {
		select {
		case jobs <- path:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	s.mu.Lock()
	if len(s.errors) > 0 {
		result.Errors = s.errors
	}
	s.mu.Unlock()
	return result, nil
}

func (s *Scanner) recordError(key, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[key] = msg
}

func hashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func rel(root, path string) string {
	r, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(r)
}

// Changed reports whether next differs from prev.
func Changed(prev, next map[string]string) bool {
	if len(prev) != len(next) {
		return true
	}
	for k, v := range next {
		if prev[k] != v {
			return true
		}
	}
	return false
}
