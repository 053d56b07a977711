package coord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// File is a durable Backend on a bbolt database. bbolt takes an exclusive
// OS file lock on open, so the file backend is inherently single-writer;
// a second process opening the same path blocks until the lock timeout.
type File struct {
	db *bolt.DB
}

// fileRecord wraps a stored value with its expiry. TTL enforcement is
// lazy: expired records are skipped on read and overwritten on write.
type fileRecord struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// OpenFile creates or opens the bbolt database at path.
func OpenFile(path string) (*File, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &File{db: db}, nil
}

func (f *File) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	data, err := encodeRecord(value, ttl)
	if err != nil {
		return err
	}
	return f.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), data)
	})
}

func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	now := time.Now()
	err := f.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketKV).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if rec.expired(now) {
			return ErrNotFound
		}
		value = make([]byte, len(rec.Value))
		copy(value, rec.Value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (f *File) Delete(_ context.Context, key string) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
}

func (f *File) List(_ context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	now := time.Now()
	p := []byte(prefix)
	err := f.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil || rec.expired(now) {
				continue
			}
			val := make([]byte, len(rec.Value))
			copy(val, rec.Value)
			out[string(k)] = val
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *File) CompareAndSwap(_ context.Context, key string, old, new []byte, ttl time.Duration) error {
	data, err := encodeRecord(new, ttl)
	if err != nil {
		return err
	}
	return f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		raw := b.Get([]byte(key))

		var current []byte
		if raw != nil {
			rec, err := decodeRecord(raw)
			if err == nil && !rec.expired(time.Now()) {
				current = rec.Value
			}
		}

		if old == nil {
			if current != nil {
				return ErrCASMismatch
			}
		} else if current == nil || !bytes.Equal(current, old) {
			return ErrCASMismatch
		}

		return b.Put([]byte(key), data)
	})
}

func (f *File) Ping(context.Context) error {
	return f.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketKV) == nil {
			return fmt.Errorf("kv bucket missing")
		}
		return nil
	})
}

func (f *File) Close() error { return f.db.Close() }

// Sweep removes expired records. bbolt has no native TTL, so the owner
// runs this on a schedule to reclaim space.
func (f *File) Sweep() (int, error) {
	now := time.Now()
	removed := 0
	err := f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil || rec.expired(now) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func encodeRecord(value []byte, ttl time.Duration) ([]byte, error) {
	rec := fileRecord{Value: value}
	if ttl > 0 {
		rec.ExpiresAt = time.Now().Add(ttl)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

func decodeRecord(raw []byte) (*fileRecord, error) {
	var rec fileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

func (r *fileRecord) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}
