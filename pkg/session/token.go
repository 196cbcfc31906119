package session

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrEmptyKey     = errors.New("session key cannot be empty")
)

// tokenMACSize is the truncated HMAC length appended to every token.
const tokenMACSize = 16

// Sealer turns sessions into opaque, tamper-evident tokens so HTTP callers
// can carry worker affinity across requests.
//
// Token layout before base58: created_at (8 bytes, unix nanos, big endian),
// worker count (uvarint), workers (uvarint each), HMAC-SHA3-256 truncated to
// 16 bytes.
type Sealer struct {
	key []byte
}

// NewSealer creates a Sealer keyed with key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Sealer{key: k}, nil
}

// Seal encodes s into a token.
func (t *Sealer) Seal(s *Session) string {
	payload := make([]byte, 8, 8+binary.MaxVarintLen64*(len(s.workers)+1))
	binary.BigEndian.PutUint64(payload, uint64(s.createdAt.UnixNano()))
	payload = binary.AppendUvarint(payload, uint64(len(s.workers)))
	for _, w := range s.workers {
		payload = binary.AppendUvarint(payload, uint64(w))
	}
	return base58.Encode(append(payload, t.mac(payload)...))
}

// Open verifies and decodes a token produced by Seal.
func (t *Sealer) Open(token string) (*Session, error) {
	raw, err := base58.Decode(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(raw) < 8+1+tokenMACSize {
		return nil, fmt.Errorf("%w: too short", ErrInvalidToken)
	}

	payload, sum := raw[:len(raw)-tokenMACSize], raw[len(raw)-tokenMACSize:]
	if !hmac.Equal(sum, t.mac(payload)) {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}

	createdAt := time.Unix(0, int64(binary.BigEndian.Uint64(payload[:8])))
	rest := payload[8:]

	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad worker count", ErrInvalidToken)
	}
	rest = rest[n:]

	workers := make([]int, 0, min(count, 1024))
	for i := uint64(0); i < count; i++ {
		w, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("%w: truncated worker list", ErrInvalidToken)
		}
		workers = append(workers, int(w))
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrInvalidToken)
	}

	return NewAt(workers, createdAt), nil
}

func (t *Sealer) mac(payload []byte) []byte {
	h := hmac.New(sha3.New256, t.key)
	h.Write(payload)
	return h.Sum(nil)[:tokenMACSize]
}
