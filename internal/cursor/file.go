package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// File stores the cursor as {"lastMirroredID": "..."} in a JSON file. Writes
// go to a temporary file that is renamed over the old one, so a crash never
// leaves a half-written cursor behind.
type File struct {
	path string
	mu   sync.Mutex
}

type fileState struct {
	LastMirroredID string `json:"lastMirroredID"`
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) GetCursor(context.Context) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read cursor file: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return "", false, fmt.Errorf("parse cursor file %s: %w", f.path, err)
	}
	if state.LastMirroredID == "" {
		return "", false, nil
	}
	return state.LastMirroredID, true, nil
}

func (f *File) UpdateCursor(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(fileState{LastMirroredID: id}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cursor directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".cursor-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write cursor: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync cursor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cursor: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace cursor file: %w", err)
	}
	return nil
}

func (f *File) Close() error { return nil }
