package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"

	"mailping/internal/engine"
	logx "mailping/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func newSQLiteStore(path string, busyTimeoutMS int, log logx.Logger) (*sqliteStore, error) {
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite state: %w", err)
	}
	// Single connection: the engine is the only writer anyway and this keeps
	// WAL checkpointing simple.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS user_records (
	user_id TEXT PRIMARY KEY,
	record  TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating state schema: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Load(ctx context.Context) (map[int64]*engine.UserRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, record FROM user_records`)
	if err != nil {
		return nil, fmt.Errorf("reading sqlite state: %w", err)
	}
	defer rows.Close()

	users := map[int64]*engine.UserRecord{}
	for rows.Next() {
		var key, blob string
		if err := rows.Scan(&key, &blob); err != nil {
			return nil, fmt.Errorf("scanning state row: %w", err)
		}
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad user id %q in state: %w", key, err)
		}
		rec := &engine.UserRecord{}
		if err := json.Unmarshal([]byte(blob), rec); err != nil {
			return nil, fmt.Errorf("decoding record for user %s: %w", key, err)
		}
		users[id] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading sqlite state: %w", err)
	}
	return users, nil
}

// Save replaces the whole table in one transaction, keeping the
// all-or-nothing snapshot semantics of the file driver.
func (s *sqliteStore) Save(ctx context.Context, users map[int64]*engine.UserRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning state tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_records`); err != nil {
		return fmt.Errorf("clearing state: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO user_records (user_id, record) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing state insert: %w", err)
	}
	defer stmt.Close()

	for id, rec := range users {
		blob, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding record for user %d: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx, strconv.FormatInt(id, 10), string(blob)); err != nil {
			return fmt.Errorf("writing record for user %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing state: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }
