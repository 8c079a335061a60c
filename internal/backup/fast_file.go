package backup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	fileFastStoreTempSuffix   = ".tmp"
	defaultFileFastStoreSlack = 4 << 20
)

// FileFastStore keeps one file per key inside a directory. Writes go through
// a temp file and rename so readers never see a torn value.
type FileFastStore struct {
	dir string
	// MinFreeBytes is the headroom left on the volume after a write.
	MinFreeBytes uint64

	mu sync.Mutex
}

func NewFileFastStore(dir string) (*FileFastStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &FileFastStore{dir: dir, MinFreeBytes: defaultFileFastStoreSlack}, nil
}

func (s *FileFastStore) Dir() string {
	return s.dir
}

func (s *FileFastStore) Get(key string) (string, bool, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

func (s *FileFastStore) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if free, ok := availableBytes(s.dir); ok && free < uint64(len(value))+s.MinFreeBytes {
		return fmt.Errorf("%w: %d bytes free in %s", ErrStorageQuotaExceeded, free, s.dir)
	}
	path := s.pathFor(key)
	tmp := path + fileFastStoreTempSuffix
	if err := os.WriteFile(tmp, []byte(value), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *FileFastStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.pathFor(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileFastStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := keyFromFileName(entry.Name())
		if !ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch reports keys created, rewritten or removed in the store directory,
// including writes made by other processes sharing it.
func (s *FileFastStore) Watch(ctx context.Context, fn func(key string)) error {
	if fn == nil {
		return ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			key, ok := keyFromFileName(filepath.Base(event.Name))
			if !ok {
				continue
			}
			fn(key)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

func (s *FileFastStore) pathFor(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key))
}

func keyFromFileName(name string) (string, bool) {
	if strings.HasSuffix(name, fileFastStoreTempSuffix) || strings.HasPrefix(name, ".") {
		return "", false
	}
	key, err := url.PathUnescape(name)
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}
