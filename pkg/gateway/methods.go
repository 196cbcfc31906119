package gateway

import (
	"context"
	"strconv"
	"strings"

	"github.com/fortiblox/multiclient/pkg/multiclient"
)

// registerHandlers registers all method handlers.
func (s *Server) registerHandlers() {
	// Blocks
	s.handlers["getMasterchainInfo"] = s.getMasterchainInfo
	s.handlers["getMasterchainBlockSignatures"] = s.getMasterchainBlockSignatures
	s.handlers["lookupBlock"] = s.lookupBlock
	s.handlers["getConsensusBlock"] = s.getConsensusBlock

	// Accounts
	s.handlers["getAddressInformation"] = s.getAddressInformation
	s.handlers["getExtendedAddressInformation"] = s.getExtendedAddressInformation
}

func (s *Server) getMasterchainInfo(ctx context.Context, a args) (any, error) {
	return s.api.MasterchainInfo(ctx)
}

func (s *Server) getMasterchainBlockSignatures(ctx context.Context, a args) (any, error) {
	seqno, err := a.requiredInt32("seqno")
	if err != nil {
		return nil, err
	}
	return s.api.MasterchainBlockSignatures(ctx, seqno)
}

func (s *Server) lookupBlock(ctx context.Context, a args) (any, error) {
	workchain, err := a.requiredInt32("workchain")
	if err != nil {
		return nil, err
	}
	shard, err := parseShard(a)
	if err != nil {
		return nil, err
	}

	var q multiclient.BlockQuery
	if q.Seqno, err = a.optInt32("seqno"); err != nil {
		return nil, err
	}
	if q.Lt, err = a.optInt64("lt"); err != nil {
		return nil, err
	}
	if q.Utime, err = a.optInt32("unixtime"); err != nil {
		return nil, err
	}
	return s.api.LookupBlock(ctx, workchain, shard, q)
}

// parseShard accepts a signed decimal shard id or its unsigned hex form,
// e.g. 8000000000000000.
func parseShard(a args) (int64, error) {
	raw, err := a.required("shard")
	if err != nil {
		return 0, err
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v, nil
	}
	hex := strings.TrimPrefix(strings.ToLower(raw), "0x")
	v, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, badRequest("invalid shard: %s", raw)
	}
	return int64(v), nil
}

func (s *Server) getConsensusBlock(ctx context.Context, a args) (any, error) {
	seqno, err := s.api.ConsensusBlock(ctx)
	if err != nil {
		return nil, err
	}
	return ConsensusBlock{ConsensusBlock: seqno, Timestamp: s.now().Unix()}, nil
}

func (s *Server) getAddressInformation(ctx context.Context, a args) (any, error) {
	address, err := a.required("address")
	if err != nil {
		return nil, err
	}
	seqno, err := a.optInt32("seqno")
	if err != nil {
		return nil, err
	}
	return s.api.AddressInformation(ctx, address, seqno)
}

func (s *Server) getExtendedAddressInformation(ctx context.Context, a args) (any, error) {
	address, err := a.required("address")
	if err != nil {
		return nil, err
	}
	seqno, err := a.optInt32("seqno")
	if err != nil {
		return nil, err
	}
	return s.api.ExtendedAddressInformation(ctx, address, seqno)
}
