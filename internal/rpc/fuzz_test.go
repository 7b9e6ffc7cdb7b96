package rpc

import (
	"encoding/json"
	"testing"
)

// FuzzRPCRequestUnmarshal tests that arbitrary JSON does not panic
// when parsed as a JSON-RPC 2.0 request.
func FuzzRPCRequestUnmarshal(f *testing.F) {
	f.Add([]byte(`{"jsonrpc":"2.0","method":"health","params":null,"id":1}`))
	f.Add([]byte(`{"jsonrpc":"2.0","method":"agent","params":{"message":"hi"},"id":"test"}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"method":"","params":[]}`))
	f.Add([]byte(`{"jsonrpc":"2.0","method":"mesh_route","params":[1,2,3],"id":999}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		_ = req.Method
		_ = req.ID
	})
}

// FuzzParseRouteParams feeds arbitrary params through parseParams.
func FuzzParseRouteParams(f *testing.F) {
	f.Add([]byte(`{"to":"l1","message":"ping"}`))
	f.Add([]byte(`{"to":5}`))
	f.Add([]byte(`[]`))
	f.Add([]byte(`{"timeoutMs":-1}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var params any
		if err := json.Unmarshal(data, &params); err != nil {
			return
		}
		var p RouteParam
		_ = parseParams(&Request{Params: params}, &p)
	})
}
