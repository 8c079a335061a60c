package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

type JSONFileDurableStore struct {
	Path string
}

func NewJSONFileDurableStore(path string) *JSONFileDurableStore {
	return &JSONFileDurableStore{Path: strings.TrimSpace(path)}
}

func (s *JSONFileDurableStore) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (s *JSONFileDurableStore) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.Path == "" {
		return ErrInvalidInput
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

func (s *JSONFileDurableStore) Close() error {
	return nil
}
