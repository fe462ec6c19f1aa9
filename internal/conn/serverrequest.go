package conn

import "github.com/mcbpd/mcbpd/internal/wire"

// buildServerRequest assembles a server-request frame (spec.md §6 magic
// 0x82), used by SendServerRequest for every out-of-band push the server
// initiates (auth challenges, active-user broadcasts, clustermap
// change notifications, spec.md §4.9/§4.10).
func buildServerRequest(opcode byte, extras, key, value []byte) []byte {
	return wire.NewRequestBuilder(opcode).
		Server().
		Extras(extras).
		Key(key).
		Value(value).
		Build()
}
