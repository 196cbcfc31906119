// Package cache stores backend responses for a short time so identical
// requests arriving within the TTL skip the worker pool.
//
// Entries live in an in-memory BadgerDB and expire through Badger's per-entry
// TTL. Keys are BLAKE3 digests of the request; large values are compressed
// with zstd.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Default configuration values.
const (
	DefaultTTL          = 5 * time.Second
	DefaultCompressMin  = 512
	DefaultMemTableSize = 16 << 20
)

// Cache errors.
var (
	ErrClosed     = errors.New("cache is closed")
	ErrCorrupted  = errors.New("corrupted cache entry")
	ErrInvalidTTL = errors.New("cache TTL must be positive")
)

// Value encodings stored in the first byte of every entry.
const (
	encodingRaw  byte = 0
	encodingZstd byte = 1
)

// Config holds cache configuration.
type Config struct {
	// TTL is how long an entry stays readable.
	TTL time.Duration

	// CompressMin is the value size from which entries are zstd-compressed.
	CompressMin int

	// MemTableSize bounds the in-memory table size in bytes.
	MemTableSize int64
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		TTL:          DefaultTTL,
		CompressMin:  DefaultCompressMin,
		MemTableSize: DefaultMemTableSize,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.TTL == 0 {
		c.TTL = d.TTL
	}
	if c.CompressMin == 0 {
		c.CompressMin = d.CompressMin
	}
	if c.MemTableSize == 0 {
		c.MemTableSize = d.MemTableSize
	}
	return c
}

// Cache is an expiring response cache. Safe for concurrent use.
type Cache struct {
	db     *badger.DB
	config Config
	enc    *zstd.Encoder
	dec    *zstd.Decoder

	hits   atomic.Uint64
	misses atomic.Uint64
	closed atomic.Bool
}

// New creates an in-memory cache.
func New(config Config) (*Cache, error) {
	config = config.WithDefaults()
	if config.TTL < 0 {
		return nil, ErrInvalidTTL
	}

	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithMemTableSize(config.MemTableSize).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &Cache{
		db:     db,
		config: config,
		enc:    enc,
		dec:    dec,
	}, nil
}

// Key derives a cache key from length-prefixed parts.
func Key(parts ...[]byte) []byte {
	h := blake3.New()
	var lenBuf [binary.MaxVarintLen64]byte
	for _, p := range parts {
		n := binary.PutUvarint(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:n])
		h.Write(p)
	}
	return h.Sum(nil)
}

// Get returns the value stored under key, if present and not expired.
func (c *Cache) Get(key []byte) ([]byte, bool, error) {
	if c.closed.Load() {
		return nil, false, ErrClosed
	}

	var stored []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		stored, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	value, err := c.decode(stored)
	if err != nil {
		return nil, false, err
	}
	c.hits.Add(1)
	return value, true, nil
}

// Set stores value under key for the configured TTL.
func (c *Cache) Set(key, value []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}

	stored := c.encode(value)
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, stored).WithTTL(c.config.TTL))
	})
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Stats returns hit and miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// TTL returns the entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.config.TTL
}

// Close releases the database and codecs.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.dec.Close()
	if err := c.enc.Close(); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}

func (c *Cache) encode(value []byte) []byte {
	if len(value) < c.config.CompressMin {
		out := make([]byte, 0, len(value)+1)
		out = append(out, encodingRaw)
		return append(out, value...)
	}
	out := make([]byte, 1, len(value)/2+1)
	out[0] = encodingZstd
	return c.enc.EncodeAll(value, out)
}

func (c *Cache) decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, ErrCorrupted
	}
	switch stored[0] {
	case encodingRaw:
		return stored[1:], nil
	case encodingZstd:
		out, err := c.dec.DecodeAll(stored[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: encoding %d", ErrCorrupted, stored[0])
	}
}
