package tonapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Codec errors.
var (
	ErrNilFunction  = errors.New("nil function")
	ErrMissingType  = errors.New("missing @type")
	ErrUnknownType  = errors.New("unknown @type")
	ErrNotAnObject  = errors.New("function must encode to a JSON object")
	ErrInvalidInput = errors.New("invalid request payload")
)

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Function{}
)

func init() {
	Register(func() Function { return &GetMasterchainInfo{} })
	Register(func() Function { return &LookupBlock{} })
	Register(func() Function { return &GetMasterchainBlockSignatures{} })
	Register(func() Function { return &RawGetAccountState{} })
	Register(func() Function { return &GetAccountState{} })
	Register(func() Function { return &WithBlock{} })
	Register(func() Function { return &Sync{} })
}

// Register adds a function constructor to the decoding registry. The
// constructor must return a pointer so the payload can be unmarshaled into it.
func Register(newFn func() Function) {
	name := newFn().TypeName()
	registryMu.Lock()
	registry[name] = newFn
	registryMu.Unlock()
}

// Known returns the sorted list of registered "@type" names.
func Known() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode serializes fn as a JSON object with a leading "@type" field.
func Encode(fn Function) ([]byte, error) {
	if fn == nil {
		return nil, ErrNilFunction
	}

	body, err := json.Marshal(fn)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", fn.TypeName(), err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%s: %w", fn.TypeName(), ErrNotAnObject)
	}

	typeField, err := json.Marshal(fn.TypeName())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typeField) + 10)
	buf.WriteString(`{"@type":`)
	buf.Write(typeField)
	if rest := bytes.TrimSpace(body[1:]); len(rest) > 0 && rest[0] != '}' {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

// Decode parses a JSON request into the registered Function for its "@type".
func Decode(data []byte) (Function, error) {
	var head struct {
		Type string `json:"@type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}

	registryMu.RLock()
	newFn, ok := registry[head.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, head.Type)
	}

	fn := newFn()
	if err := json.Unmarshal(data, fn); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidInput, head.Type, err)
	}
	return fn, nil
}

// DecodeString is Decode for string payloads.
func DecodeString(payload string) (Function, error) {
	return Decode([]byte(payload))
}
