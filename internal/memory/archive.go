package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidUserID is returned when a user ID cannot be used as a
// storage key.
var ErrInvalidUserID = errors.New("invalid user id")

// ValidateUserID rejects IDs that are empty or could escape a storage
// directory.
func ValidateUserID(userID string) error {
	if userID == "" || strings.ContainsAny(userID, `/\`) || strings.Contains(userID, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return nil
}

// FileArchive stores each user's archived turns as one JSON array per
// day:
//
//	<dir>/<user>/<YYYY-MM-DD>.json
//
// Each user directory has its own lock, so different users never wait
// on each other.
type FileArchive struct {
	dir   string
	locks sync.Map // user ID -> *sync.Mutex
}

// NewFileArchive creates the archive directory if needed.
func NewFileArchive(dir string) (*FileArchive, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileArchive{dir: dir}, nil
}

func (a *FileArchive) lock(userID string) *sync.Mutex {
	mu, _ := a.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (a *FileArchive) path(userID string, date Date) string {
	return filepath.Join(a.dir, userID, date.String()+".json")
}

// Write appends turns not already present to the day's file. The file
// is replaced atomically via rename.
func (a *FileArchive) Write(ctx context.Context, userID string, date Date, turns []Turn) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}

	mu := a.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := a.read(userID, date)
	if err != nil {
		return err
	}

	merged, added := mergeTurns(existing, turns)
	if added == 0 {
		return nil
	}

	path := a.path(userID, date)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace archive: %w", err)
	}
	return nil
}

// Read returns the day's turns, or nil if the file does not exist.
func (a *FileArchive) Read(ctx context.Context, userID string, date Date) ([]Turn, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}

	mu := a.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	return a.read(userID, date)
}

func (a *FileArchive) read(userID string, date Date) ([]Turn, error) {
	data, err := os.ReadFile(a.path(userID, date))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("decode archive %s: %w", a.path(userID, date), err)
	}
	return turns, nil
}

// mergeTurns appends the turns from add whose IDs are not in existing.
func mergeTurns(existing, add []Turn) ([]Turn, int) {
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[t.ID] = true
	}

	added := 0
	for _, t := range add {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		existing = append(existing, t)
		added++
	}
	return existing, added
}
