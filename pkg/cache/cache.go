// Package cache provides a key-addressed store for restorable directory trees
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyor-ci/conveyor/pkg/logger"
	"github.com/conveyor-ci/conveyor/pkg/types"
	"github.com/conveyor-ci/conveyor/pkg/utils"
)

// Entry describes one stored cache blob
type Entry struct {
	Key      string    `json:"key"`
	Blob     string    `json:"blob"` // directory name under blobs/
	StoredAt time.Time `json:"storedAt"`
}

// DiskStore persists cache blobs as directory trees under a backing dir.
// Writes are isolated by key; two jobs writing the same key race and the
// last write wins.
type DiskStore struct {
	dir    string
	logger logger.Logger

	mu    sync.Mutex
	index map[string]Entry
}

var keyPlaceholder = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// ExpandKey substitutes run-context fields into a key template. Supported
// placeholders: {{ branch }}, {{ tag }}, {{ commit }}, {{ build }}, {{ ref }}.
func ExpandKey(template string, rc types.RunContext) (string, error) {
	var expandErr error
	key := keyPlaceholder.ReplaceAllStringFunc(template, func(match string) string {
		name := keyPlaceholder.FindStringSubmatch(match)[1]
		switch name {
		case "branch":
			return rc.Branch
		case "tag":
			return rc.Tag
		case "commit":
			return rc.Commit
		case "build":
			return fmt.Sprintf("%d", rc.BuildNumber)
		case "ref":
			return rc.Ref()
		default:
			expandErr = fmt.Errorf("unknown cache key placeholder %q", name)
			return match
		}
	})
	if expandErr != nil {
		return "", expandErr
	}
	return key, nil
}

// NewDiskStore opens (or creates) a disk-backed cache store
func NewDiskStore(dir string, log logger.Logger) (*DiskStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s := &DiskStore{
		dir:    dir,
		logger: log,
		index:  make(map[string]Entry),
	}

	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Resolve finds the best stored entry for a binding. The primary key is
// matched exactly first; on a miss each restore key is tried in declared
// order as a prefix against stored keys, and the first restore key with any
// match wins even when a later one would match more closely. Among several
// stored keys sharing the matching prefix the most-recently-written entry
// is chosen. A full miss returns nil, not an error.
func (s *DiskStore) Resolve(binding types.CacheBinding, rc types.RunContext) (*Entry, error) {
	primary, err := ExpandKey(binding.Key, rc)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.index[primary]; ok {
		return &entry, nil
	}

	for _, template := range binding.RestoreKeys {
		prefix, err := ExpandKey(template, rc)
		if err != nil {
			return nil, err
		}

		if entry := s.newestWithPrefix(prefix); entry != nil {
			return entry, nil
		}
	}

	return nil, nil
}

// newestWithPrefix scans the index for keys with the given prefix; caller
// holds the lock.
func (s *DiskStore) newestWithPrefix(prefix string) *Entry {
	keys := make([]string, 0, len(s.index))
	for key := range s.index {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	// Most-recently-written wins; sort for a deterministic tie-break when
	// timestamps collide.
	sort.Strings(keys)
	best := s.index[keys[0]]
	for _, key := range keys[1:] {
		if s.index[key].StoredAt.After(best.StoredAt) {
			best = s.index[key]
		}
	}
	return &best
}

// Restore copies a resolved entry's tree into the destination directory
func (s *DiskStore) Restore(entry *Entry, destDir string) error {
	blobDir := filepath.Join(s.dir, "blobs", entry.Blob)
	if err := utils.CopyDir(blobDir, destDir); err != nil {
		return fmt.Errorf("failed to restore cache %q: %w", entry.Key, err)
	}
	return nil
}

// Save stores the binding's paths (relative to baseDir) under the primary
// resolved key. Saving never targets a fallback key. Paths that do not
// exist are skipped; an entirely absent tree still records an empty blob.
func (s *DiskStore) Save(binding types.CacheBinding, rc types.RunContext, baseDir string) error {
	key, err := ExpandKey(binding.Key, rc)
	if err != nil {
		return err
	}

	blob := uuid.New().String()
	blobDir := filepath.Join(s.dir, "blobs", blob)
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return fmt.Errorf("failed to create cache blob: %w", err)
	}

	for _, path := range binding.Paths {
		src := filepath.Join(baseDir, path)
		if !utils.Exists(src) {
			if s.logger != nil {
				s.logger.Debug("Cache path missing, skipping",
					logger.WithField("key", key),
					logger.WithField("path", path))
			}
			continue
		}

		dst := filepath.Join(blobDir, path)
		if utils.IsDirectory(src) {
			err = utils.CopyDir(src, dst)
		} else {
			err = utils.CopyFile(src, dst)
		}
		if err != nil {
			return fmt.Errorf("failed to save cache path %q: %w", path, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, existed := s.index[key]
	s.index[key] = Entry{Key: key, Blob: blob, StoredAt: time.Now()}
	if err := s.saveIndex(); err != nil {
		return err
	}

	// Drop the blob the overwritten entry pointed at
	if existed {
		os.RemoveAll(filepath.Join(s.dir, "blobs", old.Blob))
	}

	return nil
}

// Keys returns all stored keys, sorted
func (s *DiskStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.index))
	for key := range s.index {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Private methods

func (s *DiskStore) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

func (s *DiskStore) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cache index: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse cache index: %w", err)
	}

	for _, entry := range entries {
		s.index[entry.Key] = entry
	}
	return nil
}

// saveIndex writes the index atomically; caller holds the lock
func (s *DiskStore) saveIndex() error {
	entries := make([]Entry, 0, len(s.index))
	for _, entry := range s.index {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache index: %w", err)
	}

	tempFile := s.indexPath() + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache index: %w", err)
	}
	if err := os.Rename(tempFile, s.indexPath()); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename cache index: %w", err)
	}
	return nil
}
