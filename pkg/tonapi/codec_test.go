package tonapi

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeAddsType(t *testing.T) {
	data, err := Encode(GetMasterchainInfo{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"@type":"blocks.getMasterchainInfo"}`, string(data))

	data, err = Encode(ArchivalProbe())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"@type":"blocks.lookupBlock",
		"mode":1,
		"id":{"workchain":-1,"shard":"-9223372036854775808","seqno":3},
		"lt":"0",
		"utime":0
	}`, string(data))
}

func TestEncodeNil(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrNilFunction)
}

func TestDecodeWithBlockNested(t *testing.T) {
	payload := `{
		"@type":"withBlock",
		"id":{"workchain":-1,"shard":"-9223372036854775808","seqno":100,"root_hash":"r","file_hash":"f"},
		"function":{"@type":"raw.getAccountState","account_address":{"account_address":"EQabc"}}
	}`

	fn, err := DecodeString(payload)
	require.NoError(t, err)

	wb, ok := fn.(*WithBlock)
	require.True(t, ok, "got %T", fn)
	assert.Equal(t, int32(100), wb.ID.Seqno)
	assert.Equal(t, ShardIDAll, wb.ID.Shard)

	inner, ok := wb.Function.(*RawGetAccountState)
	require.True(t, ok, "got %T", wb.Function)
	assert.Equal(t, "EQabc", inner.AccountAddress.AccountAddress)

	// Re-encoding keeps the nested @type.
	out, err := Encode(wb)
	require.NoError(t, err)
	var generic map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &generic))
	assert.JSONEq(t, `"withBlock"`, string(generic["@type"]))
	assert.Contains(t, string(generic["function"]), `"@type":"raw.getAccountState"`)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{name: "not json", payload: `{"@type":`, want: ErrInvalidInput},
		{name: "missing type", payload: `{"mode":1}`, want: ErrMissingType},
		{name: "unknown type", payload: `{"@type":"smc.runGetMethod"}`, want: ErrUnknownType},
		{name: "bad field", payload: `{"@type":"blocks.lookupBlock","mode":"x"}`, want: ErrInvalidInput},
		{name: "bad nested", payload: `{"@type":"withBlock","function":{"@type":"nope"}}`, want: ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeString(tt.payload)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestKnownIsSorted(t *testing.T) {
	names := Known()
	assert.Contains(t, names, "blocks.getMasterchainInfo")
	assert.IsNonDecreasing(t, names)
}
