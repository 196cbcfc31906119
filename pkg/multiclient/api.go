package multiclient

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fortiblox/multiclient/pkg/request"
	"github.com/fortiblox/multiclient/pkg/tonapi"
)

// ErrNoBlockCriteria is returned by LookupBlock when no criteria are set.
var ErrNoBlockCriteria = tonapi.NewError(416, "one of seqno, lt, unixtime should be specified")

// BlockQuery selects a block by seqno, logical time or unix time. Nil fields
// are not used.
type BlockQuery struct {
	Seqno *int32
	Lt    *int64
	Utime *int32
}

func (q BlockQuery) mode() int32 {
	var mode int32
	if q.Seqno != nil {
		mode |= tonapi.LookupBySeqno
	}
	if q.Lt != nil {
		mode |= tonapi.LookupByLt
	}
	if q.Utime != nil {
		mode |= tonapi.LookupByUtime
	}
	return mode
}

// Request performs fn on one random alive worker. It makes the client usable
// as a grpcbackend.Handler, so a pool can be served to other pools.
func (c *Client) Request(ctx context.Context, fn tonapi.Function) (json.RawMessage, error) {
	return c.SendRequest(ctx, request.Request{Function: fn})
}

// callArchival sends fn to one random worker and, when that fails, once more
// to one random archival worker.
func (c *Client) callArchival(ctx context.Context, fn tonapi.Function) (json.RawMessage, error) {
	params := request.Parameters{Mode: request.Multiple, ClientsNumber: request.Clients(1)}

	raw, err := c.SendRequest(ctx, request.Request{Parameters: params, Function: fn})
	if err == nil {
		return raw, nil
	}
	if ctx.Err() != nil || errors.Is(err, ErrClosed) {
		return nil, err
	}

	c.log.Debug().Err(err).Str("type", fn.TypeName()).Msg("retrying on archival worker")
	params.Archival = true
	return c.SendRequest(ctx, request.Request{Parameters: params, Function: fn})
}

func decodeArchival[R any](ctx context.Context, c *Client, fn tonapi.Function) (*R, error) {
	raw, err := c.callArchival(ctx, fn)
	if err != nil {
		return nil, err
	}
	out := new(R)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// MasterchainInfo returns the latest masterchain block.
func (c *Client) MasterchainInfo(ctx context.Context) (*tonapi.MasterchainInfo, error) {
	return decodeArchival[tonapi.MasterchainInfo](ctx, c, tonapi.GetMasterchainInfo{})
}

// MasterchainBlockSignatures returns the validator signatures of a
// masterchain block.
func (c *Client) MasterchainBlockSignatures(ctx context.Context, seqno int32) (json.RawMessage, error) {
	return c.callArchival(ctx, tonapi.GetMasterchainBlockSignatures{Seqno: seqno})
}

// LookupBlock resolves a block in the given shard.
func (c *Client) LookupBlock(ctx context.Context, workchain int32, shard int64, q BlockQuery) (*tonapi.BlockIDExt, error) {
	mode := q.mode()
	if mode == 0 {
		return nil, ErrNoBlockCriteria
	}

	fn := tonapi.LookupBlock{
		Mode: mode,
		ID:   tonapi.BlockID{Workchain: workchain, Shard: shard},
	}
	if q.Seqno != nil {
		fn.ID.Seqno = *q.Seqno
	}
	if q.Lt != nil {
		fn.Lt = *q.Lt
	}
	if q.Utime != nil {
		fn.Utime = *q.Utime
	}
	return decodeArchival[tonapi.BlockIDExt](ctx, c, fn)
}

// AddressInformation returns the raw account state, at masterchain block
// seqno when it is not nil.
func (c *Client) AddressInformation(ctx context.Context, address string, seqno *int32) (json.RawMessage, error) {
	return c.accountCall(ctx, seqno, tonapi.RawGetAccountState{
		AccountAddress: tonapi.AccountAddress{AccountAddress: address},
	})
}

// ExtendedAddressInformation returns the parsed account state, at
// masterchain block seqno when it is not nil.
func (c *Client) ExtendedAddressInformation(ctx context.Context, address string, seqno *int32) (json.RawMessage, error) {
	return c.accountCall(ctx, seqno, tonapi.GetAccountState{
		AccountAddress: tonapi.AccountAddress{AccountAddress: address},
	})
}

func (c *Client) accountCall(ctx context.Context, seqno *int32, fn tonapi.Function) (json.RawMessage, error) {
	if seqno == nil {
		return c.callArchival(ctx, fn)
	}

	block, err := c.LookupBlock(ctx, tonapi.MasterchainID, tonapi.ShardIDAll, BlockQuery{Seqno: seqno})
	if err != nil {
		return nil, err
	}
	return c.callArchival(ctx, tonapi.WithBlock{ID: *block, Function: fn})
}
