// Package keystore manages the per-worker key store directories.
//
// Every backend worker owns <root>/ls_<index>/ with a BoltDB file that holds
// backend key material and init/sync bookkeeping. The store is never used
// for routing decisions.
package keystore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// FileName is the database file inside a worker directory.
const FileName = "keystore.db"

// Bucket names.
var (
	bucketMeta = []byte("meta")
	bucketKeys = []byte("keys")
)

// Metadata keys.
var (
	keyInitCount = []byte("init_count")
	keyLastInit  = []byte("last_init")
	keyLastSync  = []byte("last_sync")
	keySyncSeqno = []byte("sync_seqno")
)

// Store errors.
var (
	ErrClosed      = errors.New("keystore is closed")
	ErrKeyNotFound = errors.New("key not found")
	ErrEmptyRoot   = errors.New("keystore root is empty")
)

// Dir returns the key store directory of worker index under root.
func Dir(root string, index int) string {
	return filepath.Join(root, "ls_"+strconv.Itoa(index))
}

// Reset deletes and recreates root.
func Reset(root string) error {
	if root == "" {
		return ErrEmptyRoot
	}
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("remove keystore: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create keystore: %w", err)
	}
	return nil
}

// Store is one worker's key store.
type Store struct {
	db  *bolt.DB
	dir string

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens the key store in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, FileName), 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketKeys} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &Store{db: db, dir: dir}, nil
}

// Dir returns the directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

// RecordInit notes a successful backend initialization.
func (s *Store) RecordInit(at time.Time) error {
	return s.update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		count := decodeUint64(meta.Get(keyInitCount)) + 1
		if err := meta.Put(keyInitCount, encodeUint64(count)); err != nil {
			return err
		}
		return meta.Put(keyLastInit, encodeUint64(uint64(at.UnixNano())))
	})
}

// InitCount returns how many times the backend was initialized.
func (s *Store) InitCount() (uint64, error) {
	var count uint64
	err := s.view(func(tx *bolt.Tx) error {
		count = decodeUint64(tx.Bucket(bucketMeta).Get(keyInitCount))
		return nil
	})
	return count, err
}

// RecordSync notes a completed sync handshake at masterchain seqno.
func (s *Store) RecordSync(seqno int32, at time.Time) error {
	return s.update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keySyncSeqno, encodeUint64(uint64(uint32(seqno)))); err != nil {
			return err
		}
		return meta.Put(keyLastSync, encodeUint64(uint64(at.UnixNano())))
	})
}

// LastSync returns the last recorded sync, if any.
func (s *Store) LastSync() (seqno int32, at time.Time, ok bool, err error) {
	err = s.view(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		ts := meta.Get(keyLastSync)
		if ts == nil {
			return nil
		}
		ok = true
		at = time.Unix(0, int64(decodeUint64(ts)))
		seqno = int32(uint32(decodeUint64(meta.Get(keySyncSeqno))))
		return nil
	})
	return seqno, at, ok, err
}

// PutKey stores backend key material under name.
func (s *Store) PutKey(name string, value []byte) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Put([]byte(name), value)
	})
}

// GetKey returns the key material stored under name.
func (s *Store) GetKey(name string) ([]byte, error) {
	var out []byte
	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKeys).Get([]byte(name))
		if v == nil {
			return ErrKeyNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) update(fn func(*bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(fn)
}

func (s *Store) view(fn func(*bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.View(fn)
}

func encodeUint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
