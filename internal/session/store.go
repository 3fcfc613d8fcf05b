package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

// Store handles persistence of sessions.
type Store struct {
	basePath string
}

// NewStore creates a new session store.
// configPath is typically ~/.juno
func NewStore(configPath string) *Store {
	return &Store{
		basePath: filepath.Join(configPath, "sessions"),
	}
}

// NewStoreAt creates a session store rooted at dir.
func NewStoreAt(dir string) *Store {
	return &Store{basePath: dir}
}

// DirHash generates a consistent hash for a working directory.
// This is used to scope sessions to a specific project.
func (s *Store) DirHash(dir string) string {
	sum := blake3.Sum256([]byte(filepath.Clean(dir)))
	return hex.EncodeToString(sum[:])[:12]
}

// Save persists a session to disk.
func (s *Store) Save(session *Session) error {
	if session.ID == "" {
		return fmt.Errorf("session has no id")
	}
	if session.DirHash == "" {
		session.DirHash = s.DirHash(session.WorkingDirectory)
	}

	dir := filepath.Join(s.basePath, session.DirHash)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	// Write then rename so readers never see a partial file.
	filename := filepath.Join(dir, session.ID+".json")
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

// RecordResult implements engine.ResultRecorder.
func (s *Store) RecordResult(_ context.Context, res *engine.ExecutionResult) error {
	return s.Save(FromResult(res))
}

// Load retrieves a specific session.
func (s *Store) Load(id string, workingDirectory string) (*Session, error) {
	filename := filepath.Join(s.basePath, s.DirHash(workingDirectory), id+".json")

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// List returns all sessions for a given working directory.
// Sessions are sorted by UpdatedAt (newest first).
func (s *Store) List(workingDirectory string) ([]SessionMeta, error) {
	dir := filepath.Join(s.basePath, s.DirHash(workingDirectory))

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []SessionMeta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list session directory: %w", err)
	}

	var sessions []SessionMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue // Skip unreadable files
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue // Skip invalid files
		}
		sessions = append(sessions, SessionMeta{
			ID:        sess.ID,
			Title:     sess.Title,
			Status:    sess.Status,
			CreatedAt: sess.CreatedAt,
			UpdatedAt: sess.UpdatedAt,
			Summary:   sess.Summary,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}
