package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"mailping/internal/engine"
	logx "mailping/pkg/logx"
)

const fileVersion = 1

// document is the on-disk shape. User ids are decimal strings because JSON
// object keys are strings.
type document struct {
	Version int                            `json:"version"`
	Users   map[string]*engine.UserRecord `json:"users"`
}

type fileStore struct {
	path string
	log  logx.Logger
}

func newFileStore(path string, log logx.Logger) *fileStore {
	return &fileStore{path: path, log: log}
}

// Load reads the whole store. A missing file is an empty store; anything
// unreadable or undecodable is a hard error so corruption is loud, not silent.
func (s *fileStore) Load(_ context.Context) (map[int64]*engine.UserRecord, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Info("no state file, starting empty", logx.String("path", s.path))
			return map[int64]*engine.UserRecord{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", s.path, err)
	}

	users := make(map[int64]*engine.UserRecord, len(doc.Users))
	for key, rec := range doc.Users {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: bad user id %q: %w", s.path, key, err)
		}
		if rec == nil {
			rec = &engine.UserRecord{}
		}
		users[id] = rec
	}
	return users, nil
}

// Save writes the full snapshot via a temp file and an atomic rename, so a
// reader (or a crash) never observes a half-written store.
func (s *fileStore) Save(_ context.Context, users map[int64]*engine.UserRecord) error {
	doc := document{Version: fileVersion, Users: make(map[string]*engine.UserRecord, len(users))}
	for id, rec := range users {
		doc.Users[strconv.FormatInt(id, 10)] = rec
	}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

func (s *fileStore) Close() error { return nil }
