package gateway

import (
	"encoding/json"

	"github.com/fortiblox/multiclient/pkg/rpcpool"
)

// JSONRPCVersion is the JSON-RPC protocol version.
const JSONRPCVersion = "2.0"

// SessionHeader carries a sealed session token in both directions.
const SessionHeader = "X-Session-Token"

// RPCRequest is a JSON-RPC 2.0 request. Params is an object whose keys match
// the query parameters of the REST route for the same method.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the envelope of every gateway reply. JSONRPC and ID are only
// set on the JSON-RPC route.
type Response struct {
	OK      bool   `json:"ok"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    int    `json:"code,omitempty"`
	JSONRPC string `json:"jsonrpc,omitempty"`
	ID      any    `json:"id,omitempty"`
}

// ConsensusBlock is the result of getConsensusBlock.
type ConsensusBlock struct {
	ConsensusBlock int32 `json:"consensus_block"`
	Timestamp      int64 `json:"timestamp"`
}

// Status is the result of the status route.
type Status struct {
	Alive   int                    `json:"alive"`
	Workers []rpcpool.WorkerStatus `json:"workers"`
}

func okResponse(result any) Response {
	return Response{OK: true, Result: result}
}

func errorResponse(e *Error) Response {
	return Response{OK: false, Error: e.Message, Code: e.Code}
}
