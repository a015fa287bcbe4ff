// Package store provides the durable timeline store backends.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"agenc.dev/replay/service"
)

const boltSchemaVersion = 1

var (
	bucketRecords = []byte("timeline_by_ingest_key")
	bucketCursor  = []byte("replay_cursor")
	bucketMeta    = []byte("meta")

	keyCursor        = []byte("cursor")
	keySchemaVersion = []byte("schema_version")
)

// BoltStore is the bbolt-backed timeline store.
type BoltStore struct {
	path string
	db   *bolt.DB
}

// OpenBolt opens (creating if needed) the timeline database under dataDir.
func OpenBolt(dataDir string) (*BoltStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("datadir required")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, err
	}
	path := filepath.Join(dataDir, "timeline.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	s := &BoltStore{path: path, db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRecords, bucketCursor, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if raw := meta.Get(keySchemaVersion); raw != nil {
			var v int
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("decode schema_version: %w", err)
			}
			if v > boltSchemaVersion {
				return fmt.Errorf("schema_version %d > supported %d", v, boltSchemaVersion)
			}
			return nil
		}
		raw, _ := json.Marshal(boltSchemaVersion)
		return meta.Put(keySchemaVersion, raw)
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) Save(ctx context.Context, records []service.Record) (service.SaveResult, error) {
	if err := ctx.Err(); err != nil {
		return service.SaveResult{}, err
	}
	var res service.SaveResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for _, r := range records {
			key := []byte(r.IngestKey())
			if b.Get(key) != nil {
				res.Duplicates++
				continue
			}
			raw, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode record: %w", err)
			}
			if err := b.Put(key, raw); err != nil {
				return err
			}
			res.Inserted++
		}
		return nil
	})
	if err != nil {
		return service.SaveResult{}, err
	}
	return res, nil
}

func (s *BoltStore) Query(ctx context.Context, f service.Filter) ([]service.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []service.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, raw []byte) error {
			var r service.Record
			if err := json.Unmarshal(raw, &r); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			if service.MatchFilter(r, f) && service.AfterCursor(r, f.Cursor) {
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	service.SortRecords(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *BoltStore) GetCursor(ctx context.Context) (*service.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cur *service.Cursor
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCursor).Get(keyCursor)
		if raw == nil {
			return nil
		}
		var c service.Cursor
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("decode cursor: %w", err)
		}
		cur = &c
		return nil
	})
	return cur, err
}

func (s *BoltStore) SaveCursor(ctx context.Context, c *service.Cursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCursor)
		if raw := b.Get(keyCursor); raw != nil {
			var prev service.Cursor
			if err := json.Unmarshal(raw, &prev); err != nil {
				return fmt.Errorf("decode cursor: %w", err)
			}
			if err := service.CheckCursorMonotone(&prev, c); err != nil {
				return err
			}
		}
		if c == nil {
			return b.Delete(keyCursor)
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put(keyCursor, raw)
	})
}

func (s *BoltStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRecords, bucketCursor} {
			if err := tx.DeleteBucket(b); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
