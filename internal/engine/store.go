package engine

import "context"

// Store is the durable mapping from user id to UserRecord.
//
// Granularity is the whole store: Save persists a full snapshot atomically (a
// reader never observes a partial write) and Load returns everything at
// startup. Implementations live in internal/state; the engine is the only
// writer and serializes its calls.
type Store interface {
	Load(ctx context.Context) (map[int64]*UserRecord, error)
	Save(ctx context.Context, users map[int64]*UserRecord) error
	Close() error
}
