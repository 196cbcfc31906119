// Package config loads the global liteserver configuration and the
// application settings.
//
// A global config lists every backend liteserver. The worker pool runs one
// backend client per liteserver, so the document is split into per-node
// documents that keep the shared "@type", "dht" and "validator" sections and
// carry a one-element "liteservers" list.
package config

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
)

// Global config errors.
var (
	ErrNoLiteServers = errors.New("global config has no liteservers")
	ErrBadDocument   = errors.New("malformed global config")
)

// sharedSections are copied into every per-node document.
var sharedSections = []string{"@type", "dht", "validator"}

// LiteServer is one entry of the "liteservers" list.
type LiteServer struct {
	// IP is the IPv4 address packed into a signed 32-bit integer.
	IP int32 `json:"ip"`

	Port int `json:"port"`

	// URL overrides IP and Port for HTTP-speaking backends.
	URL string `json:"url,omitempty"`

	ID json.RawMessage `json:"id,omitempty"`
}

// Address returns the dial target of the liteserver.
func (l LiteServer) Address() string {
	if l.URL != "" {
		return l.URL
	}
	var ip [4]byte
	binary.BigEndian.PutUint32(ip[:], uint32(l.IP))
	return net.JoinHostPort(net.IP(ip[:]).String(), strconv.Itoa(l.Port))
}

// Node is the configuration of one backend worker.
type Node struct {
	// Index is the position of the liteserver in the global config and the
	// worker index used for routing.
	Index int

	// Document is the single-liteserver global config.
	Document json.RawMessage

	LiteServer LiteServer
}

// Split turns a global config document into one document per liteserver.
func Split(doc []byte) ([]Node, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDocument, err)
	}

	rawList, ok := root["liteservers"]
	if !ok {
		return nil, ErrNoLiteServers
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(rawList, &entries); err != nil {
		return nil, fmt.Errorf("%w: liteservers: %v", ErrBadDocument, err)
	}
	if len(entries) == 0 {
		return nil, ErrNoLiteServers
	}

	nodes := make([]Node, 0, len(entries))
	for i, entry := range entries {
		var ls LiteServer
		if err := json.Unmarshal(entry, &ls); err != nil {
			return nil, fmt.Errorf("%w: liteserver %d: %v", ErrBadDocument, i, err)
		}

		out := make(map[string]json.RawMessage, len(sharedSections)+1)
		for _, key := range sharedSections {
			if v, ok := root[key]; ok {
				out[key] = v
			}
		}
		out["liteservers"] = json.RawMessage("[" + string(entry) + "]")

		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode node %d: %w", i, err)
		}

		nodes = append(nodes, Node{
			Index:      i,
			Document:   data,
			LiteServer: ls,
		})
	}

	return nodes, nil
}

// LoadGlobal reads and splits the global config at path.
func LoadGlobal(path string) ([]Node, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read global config: %w", err)
	}
	nodes, err := Split(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return nodes, nil
}
