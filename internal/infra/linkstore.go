// Package infra contains implementations of the domain interfaces:
// the container-engine client, the link store and the host prober.
package infra

import (
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/eliteGoblin/pipectl/internal/domain"
)

// LinkID computes the content-addressed id for a URL: the lowercase hex
// BLAKE3-256 digest of its bytes. Ids are never stored; they are
// recomputed from content on every read, so they survive restarts without
// a side table.
func LinkID(url string) string {
	sum := blake3.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// FileLinkStore implements domain.LinkStore over a single text file with
// one URL per line. Mutations rewrite the whole artifact through a
// temp-file-plus-rename so readers never observe partial content. A mutex
// serializes read-modify-write cycles within this process; concurrent
// writers in other processes still race (last rewrite wins).
type FileLinkStore struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewFileLinkStore creates a store backed by the file at path. The file
// does not need to exist yet.
func NewFileLinkStore(path string, logger *zap.Logger) *FileLinkStore {
	return &FileLinkStore{path: path, logger: logger}
}

// List returns all stored links in file order. All links of one read share
// the artifact's modification time as AddedAt.
func (s *FileLinkStore) List() ([]domain.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	urls, addedAt, err := s.read()
	if err != nil {
		return nil, err
	}
	links := make([]domain.Link, 0, len(urls))
	for _, u := range urls {
		links = append(links, domain.Link{ID: LinkID(u), URL: u, AddedAt: addedAt})
	}
	return links, nil
}

// Add appends url if absent. Adding a duplicate returns the existing id
// without touching the artifact.
func (s *FileLinkStore) Add(url string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	urls, _, err := s.read()
	if err != nil {
		return "", err
	}
	id := LinkID(url)
	for _, u := range urls {
		if u == url {
			return id, nil
		}
	}
	if err := s.write(append(urls, url)); err != nil {
		return "", err
	}
	return id, nil
}

// AddBulk appends every url not already present in one rewrite and returns
// how many were added. When the set difference is empty no write is even
// attempted.
func (s *FileLinkStore) AddBulk(urls []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, _, err := s.read()
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(current))
	for _, u := range current {
		seen[u] = struct{}{}
	}

	merged := current
	added := 0
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		merged = append(merged, u)
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if err := s.write(merged); err != nil {
		return 0, err
	}
	return added, nil
}

// Remove deletes the link whose recomputed id matches. A miss reports
// not-found and leaves the artifact byte-for-byte unchanged.
func (s *FileLinkStore) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	urls, _, err := s.read()
	if err != nil {
		return false, err
	}
	kept := make([]string, 0, len(urls))
	found := false
	for _, u := range urls {
		if !found && LinkID(u) == id {
			found = true
			continue
		}
		kept = append(kept, u)
	}
	if !found {
		return false, nil
	}
	if err := s.write(kept); err != nil {
		return false, err
	}
	return true, nil
}

// read parses the whole artifact. A missing file is an empty store, not an
// error; AddedAt then falls back to the current time.
func (s *FileLinkStore) read() ([]string, time.Time, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, time.Now(), nil
	}
	if err != nil {
		return nil, time.Time{}, domain.WrapError(domain.CodeStorage, err, "reading link store")
	}

	addedAt := time.Now()
	if fi, statErr := os.Stat(s.path); statErr == nil {
		addedAt = fi.ModTime()
	}

	var urls []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		urls = append(urls, line)
	}
	return urls, addedAt, nil
}

// write replaces the artifact atomically: full content to a temp file in
// the same directory, sync, then rename over the original. A crash between
// the steps leaves either the old or the new complete content, never a
// mix. On failure the temp file is removed and the original is untouched.
func (s *FileLinkStore) write(urls []string) error {
	var content string
	if len(urls) > 0 {
		content = strings.Join(urls, "\n") + "\n"
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".links-*.tmp")
	if err != nil {
		return domain.WrapError(domain.CodeStorage, err, "writing link store")
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return domain.WrapError(domain.CodeStorage, err, "writing link store")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return domain.WrapError(domain.CodeStorage, err, "writing link store")
	}
	if err := tmp.Close(); err != nil {
		return domain.WrapError(domain.CodeStorage, err, "writing link store")
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return domain.WrapError(domain.CodeStorage, err, "writing link store")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return domain.WrapError(domain.CodeStorage, err, "writing link store")
	}
	success = true

	s.logger.Debug("link store rewritten",
		zap.String("path", s.path), zap.Int("links", len(urls)))
	return nil
}

// Path returns the artifact path (for tests and diagnostics).
func (s *FileLinkStore) Path() string {
	return s.path
}

var _ domain.LinkStore = (*FileLinkStore)(nil)
