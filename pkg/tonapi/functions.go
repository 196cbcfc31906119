package tonapi

import (
	"encoding/json"
	"fmt"
)

// GetMasterchainInfo requests the latest masterchain block known to the
// backend. It is the cheapest request and doubles as the liveness probe.
type GetMasterchainInfo struct{}

func (GetMasterchainInfo) TypeName() string { return "blocks.getMasterchainInfo" }

// LookupBlock resolves a BlockID (plus optional lt or utime) into a BlockIDExt.
type LookupBlock struct {
	Mode  int32   `json:"mode"`
	ID    BlockID `json:"id"`
	Lt    int64   `json:"lt,string"`
	Utime int32   `json:"utime"`
}

func (LookupBlock) TypeName() string { return "blocks.lookupBlock" }

// ArchivalProbe returns the lookup used to detect archival backends: an old
// masterchain block that only full-history nodes still serve.
func ArchivalProbe() LookupBlock {
	return LookupBlock{
		Mode: LookupBySeqno,
		ID: BlockID{
			Workchain: MasterchainID,
			Shard:     ShardIDAll,
			Seqno:     3,
		},
	}
}

// GetMasterchainBlockSignatures requests validator signatures for a
// masterchain block.
type GetMasterchainBlockSignatures struct {
	Seqno int32 `json:"seqno"`
}

func (GetMasterchainBlockSignatures) TypeName() string { return "blocks.getMasterchainBlockSignatures" }

// RawGetAccountState requests the raw state of an account.
type RawGetAccountState struct {
	AccountAddress AccountAddress `json:"account_address"`
}

func (RawGetAccountState) TypeName() string { return "raw.getAccountState" }

// GetAccountState requests the parsed state of an account.
type GetAccountState struct {
	AccountAddress AccountAddress `json:"account_address"`
}

func (GetAccountState) TypeName() string { return "getAccountState" }

// Sync asks the backend to synchronize with the network.
type Sync struct{}

func (Sync) TypeName() string { return "sync" }

// WithBlock runs Function against the state of the given block.
type WithBlock struct {
	ID       BlockIDExt
	Function Function
}

func (WithBlock) TypeName() string { return "withBlock" }

type withBlockJSON struct {
	ID       BlockIDExt      `json:"id"`
	Function json.RawMessage `json:"function"`
}

// MarshalJSON encodes the nested function with its own "@type".
func (w WithBlock) MarshalJSON() ([]byte, error) {
	if w.Function == nil {
		return nil, fmt.Errorf("withBlock: %w", ErrNilFunction)
	}
	inner, err := Encode(w.Function)
	if err != nil {
		return nil, fmt.Errorf("withBlock: %w", err)
	}
	return json.Marshal(withBlockJSON{ID: w.ID, Function: inner})
}

// UnmarshalJSON decodes the nested function by its "@type".
func (w *WithBlock) UnmarshalJSON(data []byte) error {
	var raw withBlockJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fn, err := Decode(raw.Function)
	if err != nil {
		return fmt.Errorf("withBlock: %w", err)
	}
	w.ID = raw.ID
	w.Function = fn
	return nil
}
