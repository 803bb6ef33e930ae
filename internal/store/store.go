// Package store persists the minimal state needed to resume a session after
// a process restart: the backend session id and the original deposit.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no session is persisted.
var ErrNotFound = errors.New("no persisted session")

// Saved is the durable resume record. An older client generation persisted
// a bare session id string; Load accepts both forms.
type Saved struct {
	SessionID     string `json:"sessionId"`
	DepositAmount string `json:"depositAmount"`
}

type Store interface {
	Load() (*Saved, error)
	Save(Saved) error
	Clear() error
}

// File persists the record as JSON in a single file.
type File struct {
	path string
}

// NewFile creates a file store at path; an empty path defaults to
// chanbet/session.json under the user config directory.
func NewFile(path string) (*File, error) {
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config dir: %w", err)
		}
		path = filepath.Join(dir, "chanbet", "session.json")
	}
	return &File{path: path}, nil
}

func (f *File) Load() (*Saved, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	return decodeSaved(data)
}

func (f *File) Save(s Saved) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	// write-then-rename so a crash mid-write never truncates the record
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

func (f *File) Clear() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

func decodeSaved(data []byte) (*Saved, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, ErrNotFound
	}
	if strings.HasPrefix(trimmed, "{") {
		var s Saved
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			return nil, fmt.Errorf("decode session record: %w", err)
		}
		if s.SessionID == "" {
			return nil, ErrNotFound
		}
		return &s, nil
	}
	// Legacy form: the bare session id, possibly JSON-quoted.
	var quoted string
	if err := json.Unmarshal([]byte(trimmed), &quoted); err == nil && quoted != "" {
		return &Saved{SessionID: quoted}, nil
	}
	return &Saved{SessionID: trimmed}, nil
}
