// Package tonapi defines the request schema spoken to backend liteserver
// workers.
//
// Every request is a Function identified by its "@type" name. Functions are
// encoded as flat JSON objects carrying the "@type" field next to their
// parameters, which is the format backends accept on the wire and the format
// callers use for opaque JSON requests:
//
//	{"@type":"blocks.lookupBlock","mode":1,"id":{"workchain":-1,"shard":"-9223372036854775808","seqno":3}}
//
// Results are returned as raw JSON and decoded by the caller into the
// result types defined here (MasterchainInfo, BlockIDExt, ...).
package tonapi

import (
	"fmt"
	"math"
)

// Chain constants.
const (
	// MasterchainID is the workchain id of the masterchain.
	MasterchainID int32 = -1

	// ShardIDAll addresses the whole workchain (0x8000000000000000).
	ShardIDAll int64 = math.MinInt64
)

// Lookup modes for LookupBlock. Modes are bit flags and may be combined.
const (
	LookupBySeqno int32 = 1
	LookupByLt    int32 = 2
	LookupByUtime int32 = 4
)

// Function is a backend request.
type Function interface {
	// TypeName returns the "@type" name of the request.
	TypeName() string
}

// BlockID identifies a block by its position in a shard.
type BlockID struct {
	Workchain int32 `json:"workchain"`
	Shard     int64 `json:"shard,string"`
	Seqno     int32 `json:"seqno"`
}

// BlockIDExt identifies a block by position and hashes.
type BlockIDExt struct {
	Workchain int32  `json:"workchain"`
	Shard     int64  `json:"shard,string"`
	Seqno     int32  `json:"seqno"`
	RootHash  string `json:"root_hash"`
	FileHash  string `json:"file_hash"`
}

// String returns the block id in the (workchain,shard,seqno) form.
func (b BlockIDExt) String() string {
	return fmt.Sprintf("(%d,%x,%d)", b.Workchain, uint64(b.Shard), b.Seqno)
}

// MasterchainInfo is the result of GetMasterchainInfo.
type MasterchainInfo struct {
	Last          BlockIDExt `json:"last"`
	StateRootHash string     `json:"state_root_hash"`
	Init          BlockIDExt `json:"init"`
}

// AccountAddress wraps a user-friendly or raw account address.
type AccountAddress struct {
	AccountAddress string `json:"account_address"`
}

// Error is an error object returned by a backend.
type Error struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

// NewError creates a backend error object.
func NewError(code int32, message string) *Error {
	return &Error{Code: code, Message: message}
}
