// Package request defines routing parameters and the request envelopes
// accepted by the worker pool.
package request

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fortiblox/multiclient/pkg/session"
	"github.com/fortiblox/multiclient/pkg/tonapi"
)

// ErrInvalidParameters is returned by Validate for inconsistent parameters.
var ErrInvalidParameters = errors.New("invalid request parameters")

// Mode selects how many workers receive a request.
type Mode uint8

const (
	// Single sends the request to one worker.
	Single Mode = iota
	// Broadcast sends the request to every candidate worker.
	Broadcast
	// Multiple sends the request to an explicit or counted subset.
	Multiple
)

// String returns the lowercase mode name.
func (m Mode) String() string {
	switch m {
	case Single:
		return "single"
	case Broadcast:
		return "broadcast"
	case Multiple:
		return "multiple"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// ParseMode parses a mode name. The empty string is Single.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "single":
		return Single, nil
	case "broadcast":
		return Broadcast, nil
	case "multiple":
		return Multiple, nil
	default:
		return Single, fmt.Errorf("%w: unknown mode %q", ErrInvalidParameters, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Parameters control worker selection for one logical request.
//
// A nil LiteServerIndexes means no explicit index set was given; a non-nil
// empty slice is an explicit empty set.
type Parameters struct {
	Mode              Mode  `json:"mode"`
	LiteServerIndexes []int `json:"lite_server_indexes,omitempty"`
	ClientsNumber     *int  `json:"clients_number,omitempty"`
	Archival          bool  `json:"archival,omitempty"`
}

// Clients returns a pointer suitable for Parameters.ClientsNumber.
func Clients(n int) *int {
	return &n
}

// Validate checks the mode-specific invariants: Single accepts at most one
// explicit index, Multiple needs exactly one of an index set or a client count.
func (p Parameters) Validate() error {
	switch p.Mode {
	case Single:
		if len(p.LiteServerIndexes) > 1 {
			return fmt.Errorf("%w: single mode accepts at most one index, got %d", ErrInvalidParameters, len(p.LiteServerIndexes))
		}
	case Broadcast:
	case Multiple:
		hasIndexes := p.LiteServerIndexes != nil
		hasClients := p.ClientsNumber != nil
		if hasIndexes && hasClients {
			return fmt.Errorf("%w: multiple mode accepts either indexes or clients_number, not both", ErrInvalidParameters)
		}
		if !hasIndexes && !hasClients {
			return fmt.Errorf("%w: multiple mode requires indexes or clients_number", ErrInvalidParameters)
		}
		if hasClients && *p.ClientsNumber < 0 {
			return fmt.Errorf("%w: negative clients_number", ErrInvalidParameters)
		}
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidParameters, p.Mode)
	}
	return nil
}

// Valid reports whether Validate returns nil.
func (p Parameters) Valid() bool {
	return p.Validate() == nil
}

// String renders the parameters for logs and routing errors.
func (p Parameters) String() string {
	var b strings.Builder
	b.WriteString("mode=")
	b.WriteString(p.Mode.String())
	if p.LiteServerIndexes != nil {
		b.WriteString(" indexes=[")
		for i, idx := range p.LiteServerIndexes {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(idx))
		}
		b.WriteByte(']')
	}
	if p.ClientsNumber != nil {
		b.WriteString(" clients_number=")
		b.WriteString(strconv.Itoa(*p.ClientsNumber))
	}
	b.WriteString(" archival=")
	b.WriteString(strconv.FormatBool(p.Archival))
	return b.String()
}

// Request is a typed request. When Session is valid its workers are used
// as-is instead of selecting by Parameters.
type Request struct {
	Parameters Parameters
	Session    *session.Session
	Function   tonapi.Function
}

// JSON is an opaque request payload carrying its own "@type".
type JSON struct {
	Parameters Parameters
	Session    *session.Session
	Payload    string
}

// Callback is a fire-and-forget request whose results are delivered to the
// pool's response callback under RequestID.
type Callback struct {
	Parameters Parameters
	Function   tonapi.Function
	RequestID  uint64
}
